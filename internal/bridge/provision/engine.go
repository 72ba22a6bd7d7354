// Package provision reconciles Letta's agent roster with Matrix state: one
// account and one room per agent, all grouped under the agent space.
package provision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oculairmedia/letta-matrix-bridge/common/trace"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/observability"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/users"
)

// The engine's collaborators, narrowed so tests can substitute fakes.

type agentLister interface {
	ListAllAgents(ctx context.Context) ([]letta.Agent, error)
}

type userProvisioner interface {
	GeneratePassword() (string, error)
	CreateUser(ctx context.Context, localpart, password, displayName string) (userID string, existed bool, err error)
	UpdateDisplayName(ctx context.Context, userID, displayName string) error
	EnsureCoreUsersExist(ctx context.Context) error
}

type spaceEnsurer interface {
	EnsureSpace(ctx context.Context) (spaceID string, created bool, err error)
	MigrateRoomsToSpace(ctx context.Context, spaceID string, mappings map[string]*store.AgentMapping)
}

type roomEnsurer interface {
	EnsureRoom(ctx context.Context, mapping *store.AgentMapping, spaceID string) error
	UpdateRoomName(ctx context.Context, mapping *store.AgentMapping, newAgentName string) error
}

// Engine runs provisioning passes.
type Engine struct {
	cfg      config.Matrix
	letta    agentLister
	users    userProvisioner
	space    spaceEnsurer
	rooms    roomEnsurer
	mappings *store.MappingStore
}

// NewEngine wires a provisioning engine.
func NewEngine(cfg config.Matrix, lister agentLister, userMgr userProvisioner, spaceMgr spaceEnsurer, roomMgr roomEnsurer, mappings *store.MappingStore) *Engine {
	return &Engine{
		cfg:      cfg,
		letta:    lister,
		users:    userMgr,
		space:    spaceMgr,
		rooms:    roomMgr,
		mappings: mappings,
	}
}

// RunPass executes one reconciliation: core users, the space, then a diff of
// the live agent roster against the mapping file.  Per-agent failures are
// logged and do not stop the pass; the first roster-level failure aborts.
func (e *Engine) RunPass(ctx context.Context) error {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := observability.WithTrace(ctx)

	if err := e.users.EnsureCoreUsersExist(ctx); err != nil {
		log.Warn("core user provisioning incomplete", "err", err)
	}

	spaceID, spaceCreated, err := e.space.EnsureSpace(ctx)
	if err != nil {
		return fmt.Errorf("provision: ensure space: %w", err)
	}

	agents, err := e.letta.ListAllAgents(ctx)
	if err != nil {
		return fmt.Errorf("provision: list agents: %w", err)
	}
	log.Info("provisioning pass", "agents", len(agents), "space", spaceID)

	live := make(map[string]bool, len(agents))
	for _, agent := range agents {
		live[agent.ID] = true
		if err := e.reconcileAgent(ctx, agent, spaceID); err != nil {
			log.Error("agent reconciliation failed", "agent", agent.ID, "name", agent.Name, "err", err)
		}
	}

	// Vanished agents keep their accounts and rooms; deleting user data on
	// a possibly transient API hiccup is worse than a stale room.
	for agentID, mapping := range e.mappings.Snapshot() {
		if !live[agentID] {
			log.Info("agent no longer listed by letta", "agent", agentID, "name", mapping.AgentName)
		}
	}

	if spaceCreated {
		e.space.MigrateRoomsToSpace(ctx, spaceID, e.mappings.Snapshot())
	}
	return nil
}

// reconcileAgent brings one agent's Matrix state in line with the roster.
func (e *Engine) reconcileAgent(ctx context.Context, agent letta.Agent, spaceID string) error {
	mapping := e.mappings.Get(agent.ID)

	if mapping == nil {
		return e.provisionNewAgent(ctx, agent, spaceID)
	}

	if mapping.AgentName != agent.Name {
		slog.Info("agent renamed", "agent", agent.ID, "from", mapping.AgentName, "to", agent.Name)
		if err := e.users.UpdateDisplayName(ctx, mapping.MatrixUserID, agent.Name); err != nil {
			slog.Warn("display name update failed", "agent", agent.ID, "err", err)
		}
		if err := e.rooms.UpdateRoomName(ctx, mapping, agent.Name); err != nil {
			slog.Warn("room rename failed", "agent", agent.ID, "err", err)
		}
		mapping.AgentName = agent.Name
		if err := e.mappings.Put(mapping); err != nil {
			return err
		}
	}

	if !mapping.Created {
		if _, _, err := e.users.CreateUser(ctx, config.Localpart(mapping.MatrixUserID), mapping.MatrixPassword, agent.Name); err != nil {
			return fmt.Errorf("retry account creation: %w", err)
		}
		mapping.Created = true
		if err := e.mappings.Put(mapping); err != nil {
			return err
		}
	}

	return e.rooms.EnsureRoom(ctx, mapping, spaceID)
}

// provisionNewAgent mints the account, records the mapping, and builds the
// room for an agent seen for the first time.
func (e *Engine) provisionNewAgent(ctx context.Context, agent letta.Agent, spaceID string) error {
	localpart := users.GenerateUsername(agent.ID)
	password, err := e.users.GeneratePassword()
	if err != nil {
		return err
	}

	userID, existed, err := e.users.CreateUser(ctx, localpart, password, agent.Name)
	if err != nil {
		// Record the attempt so the next pass retries account creation
		// without minting a fresh password.
		mapping := &store.AgentMapping{
			AgentID:        agent.ID,
			AgentName:      agent.Name,
			MatrixUserID:   e.cfg.UserID(localpart),
			MatrixPassword: password,
			Created:        false,
		}
		if putErr := e.mappings.Put(mapping); putErr != nil {
			slog.Error("mapping write failed", "agent", agent.ID, "err", putErr)
		}
		return fmt.Errorf("create account: %w", err)
	}
	if existed {
		slog.Info("adopted existing matrix account", "agent", agent.ID, "user", userID)
	}

	mapping := &store.AgentMapping{
		AgentID:        agent.ID,
		AgentName:      agent.Name,
		MatrixUserID:   userID,
		MatrixPassword: password,
		Created:        true,
	}
	if err := e.mappings.Put(mapping); err != nil {
		return err
	}
	slog.Info("provisioned agent", "agent", agent.ID, "user", userID)

	return e.rooms.EnsureRoom(ctx, mapping, spaceID)
}
