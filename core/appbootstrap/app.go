package appbootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"gama-ovr/api"
	"gama-ovr/config"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"
)

// App owns the opened database and the configuration every command shares.
type App struct {
	Config *config.AppConfig
	DB     *sql.DB
	Logger *utils.Logger
}

// Open loads the configuration at path and connects to the database.
func Open(path string) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger := utils.NewLogger(cfg.LogLevel)
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &App{Config: cfg, DB: db, Logger: logger}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func (a *App) Migrate(ctx context.Context) error {
	return store.ApplyMigrations(ctx, a.DB, a.Logger)
}

// Serve applies pending migrations, then runs the HTTP server and the
// background workers until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Migrate(ctx); err != nil {
		return err
	}
	rt, err := composeRuntime(a.Config, a.DB, a.Logger)
	if err != nil {
		return err
	}
	deps := rt.serverDeps
	deps.Workers = rt.workers
	srv := api.NewServer(a.Config, deps, a.Logger)
	a.Logger.Printf("listening on %s", a.Config.ListenAddr)
	return srv.Run(ctx)
}
