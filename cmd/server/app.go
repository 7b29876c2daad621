package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/monkify/session-engine/internal/broadcast"
	"github.com/monkify/session-engine/internal/config"
	"github.com/monkify/session-engine/internal/session"
	"github.com/monkify/session-engine/internal/settlement"
	"github.com/monkify/session-engine/internal/store"
	"github.com/monkify/session-engine/internal/tracker"
)

// app holds the components shared by the serve and recover commands.
type app struct {
	store   store.Store
	client  settlement.Client
	tracker *tracker.Tracker
	pub     broadcast.Publisher
	orch    *session.Orchestrator

	cleanup []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, sinks ...broadcast.Publisher) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// --- Initialize store ---
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg, err := store.NewPostgresStore(pool)
		if err != nil {
			return nil, err
		}
		a.store = pg
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return nil, fmt.Errorf("invalid redis.url: %w", err)
			}
			rdb := redis.NewClient(opt)
			a.cleanup = append(a.cleanup, func() { rdb.Close() })
			a.store = store.NewCachedStore(a.store, rdb, cfg.Redis.TTL, logger)
			logger.Info("Redis cache enabled")
		}
	} else {
		logger.Warn("database.url not set, using in-memory store (data will not persist)")
		a.store = store.NewMemoryStore()
	}

	if err := seedParameters(ctx, a.store, cfg.Seed.ParametersFile, logger); err != nil {
		return nil, err
	}

	// --- Settlement ---
	if cfg.Settlement.BaseURL != "" {
		a.client = settlement.NewHTTPClient(settlement.HTTPConfig{
			BaseURL: cfg.Settlement.BaseURL,
			APIKey:  cfg.Settlement.APIKey,
			Timeout: cfg.Settlement.Timeout,
			Logger:  logger,
		})
	} else {
		logger.Warn("settlement.base_url not set, using in-memory settlement (no funds move)")
		a.client = settlement.NewMemoryClient()
	}

	calcCfg, err := cfg.Calculator()
	if err != nil {
		return nil, err
	}
	calc, err := settlement.NewCalculator(calcCfg)
	if err != nil {
		return nil, err
	}

	// --- Event sinks ---
	fanout := broadcast.Fanout(sinks)
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := broadcast.NewKafkaPublisher(broadcast.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Workers: cfg.Kafka.Workers,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { kp.Close() })
		fanout = append(fanout, kp)
		logger.Info("Kafka event stream enabled", "topic", cfg.Kafka.Topic)
	}
	a.pub = fanout

	a.tracker = tracker.New()
	a.orch = session.New(session.Deps{
		Store:      a.store,
		Tracker:    a.tracker,
		Settlement: a.client,
		Calculator: calc,
		Publisher:  a.pub,
		Logger:     logger,
	}, cfg.Orchestrator())
	// Session loops must stop before the sinks and the pool close.
	a.cleanup = append(a.cleanup, a.orch.Shutdown)

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

func seedParameters(ctx context.Context, st store.Store, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	params, err := config.LoadParameters(path)
	if err != nil {
		return err
	}
	for i := range params {
		if err := st.UpsertParameters(ctx, &params[i]); err != nil {
			return fmt.Errorf("seed parameters %s: %w", params[i].ID, err)
		}
	}
	logger.Info("seeded parameters", "count", len(params), "file", path)
	return nil
}
