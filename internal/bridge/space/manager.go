// Package space maintains the "Letta Agents" Matrix space that groups every
// agent room in clients' sidebars.
package space

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

// SpaceName is the display name of the container space.
const SpaceName = "Letta Agents"

// Manager owns the agent space: creation, persistence, and room membership.
type Manager struct {
	bot    *matrix.Client
	cfg    config.Matrix
	spaces *store.SpaceStore
}

// NewManager creates a space manager acting as the main bridge bot.
func NewManager(bot *matrix.Client, cfg config.Matrix, spaces *store.SpaceStore) *Manager {
	return &Manager{bot: bot, cfg: cfg, spaces: spaces}
}

// EnsureSpace returns the agent space ID, creating the space when none is
// recorded or the recorded one no longer exists.  created reports whether a
// new space was minted this call, which triggers room migration.
func (m *Manager) EnsureSpace(ctx context.Context) (spaceID string, created bool, err error) {
	if saved := m.spaces.Get(); saved != nil {
		exists, err := m.CheckRoomExists(ctx, saved.SpaceID)
		if err != nil {
			return "", false, err
		}
		if exists {
			return saved.SpaceID, false, nil
		}
		slog.Warn("saved space no longer exists, recreating", "space", saved.SpaceID)
	}

	spaceID, err = m.createSpace(ctx)
	if err != nil {
		return "", false, err
	}
	if err := m.spaces.Put(store.SpaceConfig{
		SpaceID:   spaceID,
		Name:      SpaceName,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return "", false, err
	}
	slog.Info("created agent space", "space", spaceID)
	return spaceID, true, nil
}

// createSpace creates the private space with the bridge's power-level and
// visibility settings and invites the operator accounts.
func (m *Manager) createSpace(ctx context.Context) (string, error) {
	var invite []id.UserID
	if m.cfg.AdminUsername != "" {
		invite = append(invite, id.UserID(m.cfg.UserID(m.cfg.AdminUsername)))
	}

	req := &mautrix.ReqCreateRoom{
		Name:            SpaceName,
		Topic:           "Chat rooms for Letta AI agents",
		Preset:          "private_chat",
		CreationContent: map[string]any{"type": "m.space"},
		Invite:          invite,
		PowerLevelOverride: &event.PowerLevelsEventContent{
			Events: map[string]int{
				event.StateSpaceChild.Type: 50,
			},
		},
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
	spaceID, err := m.bot.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("space: create: %w", err)
	}
	return spaceID, nil
}

// AddRoomToSpace links a room under the space.  The child link is required;
// the back-pointing parent link is best effort because the bot may lack
// permission to write state in the room.
func (m *Manager) AddRoomToSpace(ctx context.Context, spaceID, roomID, roomName string) error {
	via := []string{m.cfg.ServerName}
	child := map[string]any{
		"via":       via,
		"suggested": true,
		"order":     roomName,
	}
	if err := m.bot.PutRoomState(ctx, spaceID, event.StateSpaceChild, roomID, child); err != nil {
		return fmt.Errorf("space: link %s: %w", roomID, err)
	}

	parent := map[string]any{
		"via":       via,
		"canonical": true,
	}
	if err := m.bot.PutRoomState(ctx, roomID, event.StateSpaceParent, spaceID, parent); err != nil {
		slog.Debug("parent link not written", "room", roomID, "err", err)
	}
	return nil
}

// CheckRoomExists probes a room through its m.room.create state.  A 403 means
// the room exists but the bot is not a member.
func (m *Manager) CheckRoomExists(ctx context.Context, roomID string) (bool, error) {
	var out map[string]any
	err := m.bot.GetRoomState(ctx, roomID, event.StateCreate, "", &out)
	if err == nil {
		return true, nil
	}
	switch matrix.HTTPStatus(err) {
	case 404:
		return false, nil
	case 403:
		return true, nil
	}
	return false, fmt.Errorf("space: probe room %s: %w", roomID, err)
}

// MigrateRoomsToSpace links every mapped agent room under a (new) space.
// Per-room failures are logged and do not stop the migration.
func (m *Manager) MigrateRoomsToSpace(ctx context.Context, spaceID string, mappings map[string]*store.AgentMapping) {
	var linked int
	for _, mapping := range mappings {
		if mapping.RoomID == "" {
			continue
		}
		if err := m.AddRoomToSpace(ctx, spaceID, mapping.RoomID, mapping.AgentName); err != nil {
			slog.Warn("room migration failed", "room", mapping.RoomID, "agent", mapping.AgentID, "err", err)
			continue
		}
		linked++
	}
	slog.Info("migrated rooms into space", "space", spaceID, "linked", linked)
}
