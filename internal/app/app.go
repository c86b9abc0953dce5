package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"yield-engine/internal/bus"
	"yield-engine/internal/config"
	"yield-engine/internal/earning"
	"yield-engine/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running orchestration service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	var persistence earning.Storage = noopStorage{}
	if store != nil {
		persistence = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}

	events := bus.NewInMemory()
	svc, err := earning.New(a.Config, persistence, events, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().Msg("starting earning service")
	if err := svc.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	svc.Stop()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Logger.Info().Msg("earning service stopped")
	return nil
}

// ExportOptions hold parameters for exporting statistic history.
type ExportOptions struct {
	Slug      string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// PoolsOptions configure the pools command.
type PoolsOptions struct {
	Chain string
}
