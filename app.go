package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"water-billing/internal/audit"
	billingapp "water-billing/internal/billing/application"
	"water-billing/internal/billing/infrastructure/lock"
	"water-billing/internal/billing/infrastructure/memory"
	billingrepo "water-billing/internal/billing/infrastructure/postgres"
	billingmetrics "water-billing/internal/billing/metrics"
	"water-billing/internal/billing/notify"
	"water-billing/internal/config"
	"water-billing/internal/migration"
	"water-billing/internal/observability/logging"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	memory     bool
	fixtures   string
}

// app holds the wired process dependencies.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *sql.DB
	stores  billingapp.Stores
	engine  *billingapp.Engine
	audit   audit.Logger
	closers []func() error
}

// buildApp wires storage, locking, notification and the engine. A nil registerer
// leaves run metrics off.
func buildApp(ctx context.Context, flags rootFlags, reg prometheus.Registerer) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	if err := a.openStores(ctx, flags); err != nil {
		a.close()
		return nil, err
	}

	locker, err := a.buildLocker(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	engineOpts := []billingapp.EngineOption{billingapp.WithLocker(locker)}
	if cfg.Notify.WebhookURL != "" {
		engineOpts = append(engineOpts, billingapp.WithNotifier(notify.NewWebhookNotifier(
			cfg.Notify.WebhookURL,
			notify.WithTimeout(cfg.Notify.Timeout),
			notify.WithRetries(cfg.Notify.Retries),
		)))
	}
	if reg != nil {
		engineOpts = append(engineOpts, billingapp.WithMetrics(billingmetrics.New(reg)))
	}

	engine, err := billingapp.NewEngine(a.stores, billingapp.Options{
		Workers:              cfg.Billing.Workers,
		RunTimeout:           cfg.Billing.RunTimeout,
		AggregationTolerance: cfg.Billing.AggregationTolerance,
		InvoicePrefix:        cfg.Billing.InvoicePrefix,
		DueDays:              cfg.Billing.DueDays,
		LockTTL:              cfg.Billing.LockTTL,
	}, logger, engineOpts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = engine
	return a, nil
}

func (a *app) openStores(ctx context.Context, flags rootFlags) error {
	if flags.memory {
		store := memory.NewStore()
		if flags.fixtures != "" {
			if err := store.LoadFixturesFile(flags.fixtures); err != nil {
				return err
			}
		}
		a.stores = billingapp.Stores{
			Configs:  store,
			Ledger:   store,
			Meters:   store,
			Invoices: store,
			Readings: store,
		}
		a.audit = audit.NewZapLogger(a.logger)
		a.logger.Info("using in-memory store", zap.String("fixtures", flags.fixtures))
		return nil
	}

	db, err := a.openDB(ctx)
	if err != nil {
		return err
	}
	if a.cfg.Database.AutoMigrate {
		if err := migration.Run(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	a.stores = billingapp.Stores{
		Configs:  billingrepo.NewConfigRepository(db),
		Ledger:   billingrepo.NewLedgerRepository(db),
		Meters:   billingrepo.NewMeterRepository(db, a.cfg.Billing.PlanCacheTTL),
		Invoices: billingrepo.NewInvoiceRepository(db),
		Readings: billingrepo.NewReadingRepository(db),
	}
	a.audit = audit.NewRepository(db)
	return nil
}

func (a *app) openDB(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	if a.cfg.Database.URL == "" {
		return nil, errors.New("database.url (BILLING_DATABASE_URL) is required without --memory")
	}
	db, err := sql.Open("pgx", a.cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(a.cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(a.cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(a.cfg.Database.ConnMaxLifetime)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *app) buildLocker(ctx context.Context) (billingapp.RunLocker, error) {
	if a.cfg.Redis.Addr == "" {
		return lock.NewLocalLocker(), nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{a.cfg.Redis.Addr},
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	a.logger.Info("using redis run lease", zap.String("addr", a.cfg.Redis.Addr))
	locker, err := lock.NewRedisLocker(client, a.cfg.Redis.Prefix)
	if err != nil {
		return nil, err
	}
	return locker, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
