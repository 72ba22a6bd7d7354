// Package app assembles the bridge's service graph and runs its loops: the
// Matrix sync stream, the provisioning ticker, and graceful shutdown.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/dispatch"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/media"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/provision"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/rooms"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/space"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/users"
)

// App holds the wired service graph.  Nothing in the bridge reaches for
// globals; every collaborator arrives through this constructor.
type App struct {
	cfg *config.Config

	db         *sql.DB
	bot        *matrix.Client
	syncStore  *matrix.DBSyncStore
	engine     *provision.Engine
	dispatcher *dispatch.Dispatcher
}

// New builds the service graph: storage, the Matrix identities, the Letta
// client, and the provisioning and dispatch pipelines.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: create data dir: %w", err)
	}

	db, err := store.OpenDB(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	mappings, err := store.NewMappingStore(cfg.DataDir)
	if err != nil {
		db.Close()
		return nil, err
	}
	spaces, err := store.NewSpaceStore(cfg.DataDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	admin := matrix.NewAdminClient(cfg.Matrix.HomeserverURL, cfg.Matrix.ServerName,
		config.Localpart(cfg.Matrix.AdminUsername), cfg.Matrix.AdminPassword,
		cfg.Matrix.RegistrationSharedSecret)
	userMgr := users.NewManager(cfg.Matrix, admin, cfg.DevMode)

	// Core accounts (bot, admin, auxiliary bots) must exist before the bot
	// login below can succeed on a fresh homeserver.
	if err := userMgr.EnsureCoreUsersExist(ctx); err != nil {
		slog.Warn("core user bootstrap incomplete", "err", err)
	}

	bot, err := matrix.Login(ctx, cfg.Matrix.HomeserverURL,
		config.Localpart(cfg.Matrix.Username), cfg.Matrix.Password, cfg.Matrix.ServerName)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("app: bot login: %w", err)
	}

	sessions := matrix.NewSessionCache(cfg.Matrix.HomeserverURL, cfg.Matrix.ServerName)

	lettaClient := letta.NewClient(cfg.Letta.APIURL, cfg.Letta.Token)
	spaceMgr := space.NewManager(bot, cfg.Matrix, spaces)
	roomMgr := rooms.NewManager(cfg.Matrix, sessions, mappings, spaceMgr, lettaClient)
	engine := provision.NewEngine(cfg.Matrix, lettaClient, userMgr, spaceMgr, roomMgr, mappings)

	embedding := letta.EmbeddingConfig{
		Model:        cfg.Letta.Embedding.Model,
		Endpoint:     cfg.Letta.Embedding.Endpoint,
		EndpointType: cfg.Letta.Embedding.EndpointType,
		Dim:          cfg.Letta.Embedding.Dim,
		ChunkSize:    cfg.Letta.Embedding.ChunkSize,
	}
	// Image and audio handling stay on even when document parsing is
	// disabled; the handler gates the document branch itself.
	transcriber := media.NewTranscriber(cfg.Transcription)
	mediaHandler := media.NewHandler(cfg.Documents, lettaClient, embedding, transcriber, nil)

	// Events timestamped before this instant are history replayed by the
	// homeserver, not live traffic.
	startupMS := time.Now().UnixMilli()
	dispatcher := dispatch.NewDispatcher(cfg, bot, sessions, mappings,
		store.NewDedupe(), lettaClient, mediaHandler, startupMS)

	return &App{
		cfg:        cfg,
		db:         db,
		bot:        bot,
		syncStore:  matrix.NewDBSyncStore(db),
		engine:     engine,
		dispatcher: dispatcher,
	}, nil
}

// Run starts the sync stream and the provisioning loop, blocking until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.db.Close()

	slog.Info("bridge starting",
		"homeserver", a.cfg.Matrix.HomeserverURL,
		"bot", a.bot.UserID(),
		"letta", a.cfg.Letta.APIURL,
		"streaming", a.cfg.Letta.StreamingEnabled)

	syncDone := make(chan error, 1)
	go func() {
		syncDone <- a.bot.SyncForever(ctx, a.syncStore, a.dispatcher.HandleEvent)
	}()

	// Boot pass before the ticker so agents provision immediately.
	if err := a.engine.RunPass(ctx); err != nil {
		slog.Error("initial provisioning pass failed", "err", err)
	}

	ticker := time.NewTicker(a.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("bridge shutting down")
			<-syncDone
			return nil
		case err := <-syncDone:
			return fmt.Errorf("app: sync loop exited: %w", err)
		case <-ticker.C:
			if err := a.engine.RunPass(ctx); err != nil {
				slog.Error("provisioning pass failed", "err", err)
			}
		}
	}
}
