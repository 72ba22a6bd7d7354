package rooms

import (
	"context"
	"log/slog"
	"strings"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

// Invitation statuses recorded per invitee in the mapping file.
const (
	inviteJoined  = "joined"
	inviteInvited = "invited"
	inviteFailed  = "failed"
)

// invitees returns the full user IDs that belong in every agent room,
// deduplicated and in a stable order.
func (m *Manager) invitees() []string {
	var out []string
	seen := map[string]bool{}
	add := func(name string) {
		if name == "" {
			return
		}
		userID := m.cfg.UserID(name)
		if !seen[userID] {
			seen[userID] = true
			out = append(out, userID)
		}
	}
	add(m.cfg.Username)
	add(m.cfg.AdminUsername)
	add(m.cfg.MCPUsername)
	add(m.cfg.MailBridgeUsername)
	return out
}

// inviteeCredentials returns the login credentials for an invitee whose
// account the bridge controls, enabling invitation auto-accept.
func (m *Manager) inviteeCredentials(userID string) (localpart, password string, ok bool) {
	switch userID {
	case m.cfg.UserID(m.cfg.Username):
		return config.Localpart(m.cfg.Username), m.cfg.Password, true
	case m.cfg.UserID(m.cfg.AdminUsername):
		return config.Localpart(m.cfg.AdminUsername), m.cfg.AdminPassword, true
	case m.cfg.UserID(m.cfg.MCPUsername):
		return config.Localpart(m.cfg.MCPUsername), m.cfg.MCPPassword, true
	case m.cfg.UserID(m.cfg.MailBridgeUsername):
		return config.Localpart(m.cfg.MailBridgeUsername), m.cfg.MailBridgePassword, true
	}
	return "", "", false
}

// EnsureInvitations brings every expected member into the agent's room.  For
// each invitee not yet joined: invite as the agent, then log in as the
// invitee and accept.  A 403 "already in the room" counts as joined.  Results
// are recorded in the mapping and failures never abort the pass; failed
// entries are retried on the next provisioning run.
func (m *Manager) EnsureInvitations(ctx context.Context, mapping *store.AgentMapping) error {
	if mapping.RoomID == "" {
		return nil
	}
	agentLocalpart := config.Localpart(mapping.MatrixUserID)
	agent, err := m.sessions.Get(ctx, agentLocalpart, mapping.MatrixPassword)
	if err != nil {
		return err
	}

	if mapping.InvitationStatus == nil {
		mapping.InvitationStatus = map[string]string{}
	}
	changed := false
	for _, userID := range m.invitees() {
		if userID == mapping.MatrixUserID {
			continue
		}
		if mapping.InvitationStatus[userID] == inviteJoined {
			continue
		}
		status := m.inviteAndAccept(ctx, agent, mapping.RoomID, userID)
		if mapping.InvitationStatus[userID] != status {
			mapping.InvitationStatus[userID] = status
			changed = true
		}
	}
	if changed {
		return m.persist(mapping)
	}
	return nil
}

// inviteAndAccept performs one invite/auto-accept cycle and returns the
// resulting status string.
func (m *Manager) inviteAndAccept(ctx context.Context, agent *matrix.Client, roomID, userID string) string {
	if err := agent.InviteUser(ctx, roomID, userID); err != nil {
		if !isAlreadyInRoom(err) {
			slog.Warn("invite failed", "room", roomID, "user", userID, "err", err)
			return inviteFailed
		}
	}

	localpart, password, ok := m.inviteeCredentials(userID)
	if !ok || password == "" {
		// External account; the invitation sits until its owner accepts.
		return inviteInvited
	}

	err := m.sessions.WithSession(ctx, localpart, password, func(cli *matrix.Client) error {
		_, joinErr := cli.JoinRoom(ctx, roomID)
		return joinErr
	})
	switch {
	case err == nil:
		return inviteJoined
	case matrix.IsAlreadyJoined(err):
		return inviteJoined
	default:
		slog.Warn("invitation auto-accept failed", "room", roomID, "user", userID, "err", err)
		return inviteFailed
	}
}

// isAlreadyInRoom matches the homeserver's "already in the room" invite
// rejection, which is a success for our purposes.
func isAlreadyInRoom(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in the room") || strings.Contains(msg, "already joined")
}
