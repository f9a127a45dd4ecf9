// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/browser"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/store"
)

// InitializeStore opens the configured recording repository. The returned
// cleanup func is never nil.
func InitializeStore(ctx context.Context, cfg config.Interface, logger *zap.Logger) (store.Repository, func(), error) {
	noop := func() {}

	switch cfg.Store().Type {
	case config.StoreTypeFile, "":
		fs, err := store.NewFileStore(cfg.Store().Dir, logger)
		if err != nil {
			return nil, noop, err
		}
		logger.Debug("File store initialized.", zap.String("dir", fs.Dir()))
		return fs, noop, nil

	case config.StoreTypePostgres:
		if cfg.Database().URL == "" {
			return nil, noop, fmt.Errorf("database URL is not configured (hint: check SCALPEL_REPLAY_DATABASE_URL)")
		}
		poolConfig, err := pgxpool.ParseConfig(cfg.Database().URL)
		if err != nil {
			return nil, noop, fmt.Errorf("unable to parse PGX pool config: %w", err)
		}
		poolConfig.MaxConns = 10
		poolConfig.MinConns = 1
		poolConfig.MaxConnLifetime = 1 * time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, noop, fmt.Errorf("unable to create PGX connection pool: %w", err)
		}
		pg, err := store.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, noop, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		logger.Debug("PostgreSQL store initialized.")
		cleanup := func() {
			logger.Debug("Closing PostgreSQL connection pool.")
			pool.Close()
		}
		return pg, cleanup, nil
	}
	return nil, noop, fmt.Errorf("unsupported store type: %s", cfg.Store().Type)
}

// managerProvider adapts browser.Manager to BrowserProvider.
type managerProvider struct {
	m *browser.Manager
}

func (p managerProvider) NewPage(ctx context.Context) (SessionPage, error) {
	s, err := p.m.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p managerProvider) Shutdown(ctx context.Context) error {
	return p.m.Shutdown(ctx)
}

// InitializeBrowser launches or attaches to the configured browser.
func InitializeBrowser(ctx context.Context, cfg config.Interface, logger *zap.Logger) (BrowserProvider, error) {
	m, err := browser.NewManager(ctx, logger, cfg.Browser())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser manager: %w", err)
	}
	return managerProvider{m: m}, nil
}
