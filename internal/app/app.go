// Package app wires the shared infrastructure each binary needs:
// configuration, the database, migrations, the optional dedup cache, and
// the health checker.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/parcelmesh/orderflow/internal/common/health"
	"github.com/parcelmesh/orderflow/internal/config"
	"github.com/parcelmesh/orderflow/internal/dedup"
	"github.com/parcelmesh/orderflow/internal/migrations"
	"github.com/parcelmesh/orderflow/internal/notifier"
	"github.com/parcelmesh/orderflow/internal/outbox"
	"github.com/parcelmesh/orderflow/internal/store"
)

// App holds the shared components of one binary.
type App struct {
	Cfg      *config.Config
	DB       *sql.DB
	Store    *store.PostgresStore
	Outbox   *outbox.PostgresRepository
	Notifier *notifier.Notifier
	Dedup    *dedup.Cache
	Health   *health.Checker
}

// Bootstrap loads configuration and connects the shared infrastructure.
// The config file path comes from ORDERFLOW_CONFIG; migrations run
// unless SKIP_MIGRATIONS is set.
func Bootstrap(ctx context.Context) (*App, error) {
	cfg, err := config.LoadWithFile(os.Getenv("ORDERFLOW_CONFIG"))
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if os.Getenv("SKIP_MIGRATIONS") == "" {
		if err := migrations.Up(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		slog.Info("Database migrations applied")
	}

	a := &App{
		Cfg:      cfg,
		DB:       db,
		Store:    store.NewPostgresStore(db),
		Outbox:   outbox.NewPostgresRepository(db),
		Notifier: notifier.New(cfg.Facade),
		Health:   health.NewChecker(),
	}

	if cfg.RedisURL != "" {
		cache, err := dedup.NewFromURL(cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Dedup = cache
		a.Health.AddReadinessCheck(health.RedisCheck(func() error {
			return cache.Ping(context.Background())
		}))
		slog.Info("Duplicate-delivery cache enabled")
	}

	a.Health.AddReadinessCheck(health.PostgresCheck(db.Ping))

	return a, nil
}

// Close releases the shared resources.
func (a *App) Close() {
	if a.Dedup != nil {
		a.Dedup.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
