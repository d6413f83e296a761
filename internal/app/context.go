package app

import (
	"context"
	"database/sql"
	"fmt"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/dialogue"
	"agentline/internal/ledger"
	"agentline/internal/migrate"
	"agentline/internal/registry"
	"agentline/internal/waiter"
)

// App wires the coordination core for one workspace: an initialized
// ledger over the workspace database, the process-local registry
// mirroring into it, the waiter, and the dialogue manager.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Waiter    *waiter.Waiter
	Dialogues *dialogue.Manager
}

// Open opens the workspace store, migrates it, and replays the event
// log to rebuild projections before anything else runs.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	led := ledger.New(conn)
	led.LockRetries = cfg.Ledger.LockRetries
	led.LockBackoff = cfg.LockBackoff()
	if err := led.Initialize(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		Config:    cfg,
		DB:        conn,
		Ledger:    led,
		Registry:  registry.New(led),
		Waiter:    waiter.New(led),
		Dialogues: dialogue.New(led),
	}, nil
}

// Close releases the workspace store.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
