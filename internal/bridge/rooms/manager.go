// Package rooms manages per-agent chat rooms: creation, naming, membership
// and history seeding.  Rooms are created as the agent's own Matrix identity
// so the agent holds creator power levels in its room.
package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/space"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

// roomNameSuffix marks bridge-created agent rooms, both for display and for
// rediscovery when the mapping file has been lost.
const roomNameSuffix = " — Letta Agent Chat"

// RoomName renders the canonical room name for an agent.
func RoomName(agentName string) string {
	return agentName + roomNameSuffix
}

// historySource is the slice of the Letta API needed for history seeding.
type historySource interface {
	ListRecentMessages(ctx context.Context, agentID string, limit int) ([]HistoryEntry, error)
}

// Manager provisions agent rooms.
type Manager struct {
	cfg      config.Matrix
	sessions *matrix.SessionCache
	mappings *store.MappingStore
	space    *space.Manager
	history  historySource
}

// NewManager creates a room manager.  history may be nil to disable seeding.
func NewManager(cfg config.Matrix, sessions *matrix.SessionCache, mappings *store.MappingStore, spaceMgr *space.Manager, history historySource) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		mappings: mappings,
		space:    spaceMgr,
		history:  history,
	}
}

// EnsureRoom guarantees the agent has a chat room: it reuses the mapped room
// when it still exists, rediscovers a lost one by name, and otherwise creates
// a fresh room as the agent identity.  The mapping is updated in place.
func (m *Manager) EnsureRoom(ctx context.Context, mapping *store.AgentMapping, spaceID string) error {
	localpart := config.Localpart(mapping.MatrixUserID)
	agent, err := m.sessions.Get(ctx, localpart, mapping.MatrixPassword)
	if err != nil {
		return fmt.Errorf("rooms: agent login for %s: %w", mapping.AgentID, err)
	}

	if mapping.RoomID != "" && mapping.RoomCreated {
		exists, err := m.space.CheckRoomExists(ctx, mapping.RoomID)
		if err != nil {
			return err
		}
		if exists {
			return m.EnsureInvitations(ctx, mapping)
		}
		slog.Warn("mapped room no longer exists", "agent", mapping.AgentID, "room", mapping.RoomID)
	}

	if roomID := m.DiscoverAgentRoom(ctx, agent, mapping.AgentName); roomID != "" {
		slog.Info("rediscovered agent room by name", "agent", mapping.AgentID, "room", roomID)
		mapping.RoomID = roomID
		mapping.RoomCreated = true
		if err := m.persist(mapping); err != nil {
			return err
		}
		return m.EnsureInvitations(ctx, mapping)
	}

	roomID, err := m.createRoom(ctx, agent, mapping)
	if err != nil {
		return err
	}
	mapping.RoomID = roomID
	mapping.RoomCreated = true
	if err := m.persist(mapping); err != nil {
		return err
	}

	if spaceID != "" {
		if err := m.space.AddRoomToSpace(ctx, spaceID, roomID, mapping.AgentName); err != nil {
			slog.Warn("space link failed", "room", roomID, "err", err)
		}
	}
	if err := m.EnsureInvitations(ctx, mapping); err != nil {
		slog.Warn("invitation pass failed", "room", roomID, "err", err)
	}
	if m.history != nil {
		if err := m.SeedHistory(ctx, agent, roomID, mapping.AgentID); err != nil {
			slog.Warn("history seeding failed", "room", roomID, "agent", mapping.AgentID, "err", err)
		}
	}
	return nil
}

// createRoom creates the agent's chat room as the agent identity.
func (m *Manager) createRoom(ctx context.Context, agent *matrix.Client, mapping *store.AgentMapping) (string, error) {
	var invite []id.UserID
	for _, userID := range m.invitees() {
		if userID != mapping.MatrixUserID {
			invite = append(invite, id.UserID(userID))
		}
	}

	req := &mautrix.ReqCreateRoom{
		Name:     RoomName(mapping.AgentName),
		Topic:    "Private chat with Letta agent: " + mapping.AgentName,
		Preset:   "trusted_private_chat",
		IsDirect: false,
		Invite:   invite,
		InitialState: []*event.Event{
			{
				Type: event.StateGuestAccess,
				Content: event.Content{Parsed: &event.GuestAccessEventContent{
					GuestAccess: event.GuestAccessForbidden,
				}},
			},
			{
				Type: event.StateHistoryVisibility,
				Content: event.Content{Parsed: &event.HistoryVisibilityEventContent{
					HistoryVisibility: event.HistoryVisibilityShared,
				}},
			},
		},
	}
	roomID, err := agent.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("rooms: create for agent %s: %w", mapping.AgentID, err)
	}
	slog.Info("created agent room", "agent", mapping.AgentID, "room", roomID)
	return roomID, nil
}

// UpdateRoomName renames the room after an agent rename, acting as the agent.
func (m *Manager) UpdateRoomName(ctx context.Context, mapping *store.AgentMapping, newAgentName string) error {
	if mapping.RoomID == "" {
		return nil
	}
	localpart := config.Localpart(mapping.MatrixUserID)
	agent, err := m.sessions.Get(ctx, localpart, mapping.MatrixPassword)
	if err != nil {
		return fmt.Errorf("rooms: agent login for %s: %w", mapping.AgentID, err)
	}
	content := map[string]any{"name": RoomName(newAgentName)}
	if err := agent.PutRoomState(ctx, mapping.RoomID, event.StateRoomName, "", content); err != nil {
		return fmt.Errorf("rooms: rename %s: %w", mapping.RoomID, err)
	}
	return nil
}

// DiscoverAgentRoom scans the agent's joined rooms for one carrying the
// bridge's canonical name.  Returns "" when none is found.
func (m *Manager) DiscoverAgentRoom(ctx context.Context, agent *matrix.Client, agentName string) string {
	joined, err := agent.JoinedRooms(ctx)
	if err != nil {
		slog.Debug("room discovery failed", "err", err)
		return ""
	}
	want := RoomName(agentName)
	for _, roomID := range joined {
		var content struct {
			Name string `json:"name"`
		}
		if err := agent.GetRoomState(ctx, roomID, event.StateRoomName, "", &content); err != nil {
			continue
		}
		if content.Name == want || strings.HasSuffix(content.Name, roomNameSuffix) && strings.HasPrefix(content.Name, agentName) {
			return roomID
		}
	}
	return ""
}

// persist writes the (possibly new) mapping back to the store.
func (m *Manager) persist(mapping *store.AgentMapping) error {
	if err := m.mappings.Put(mapping); err != nil {
		return fmt.Errorf("rooms: persist mapping for %s: %w", mapping.AgentID, err)
	}
	return nil
}
