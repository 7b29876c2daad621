package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/monkify/session-engine/internal/betting"
	"github.com/monkify/session-engine/internal/broadcast"
	"github.com/monkify/session-engine/internal/config"
	"github.com/monkify/session-engine/internal/metrics"
	"github.com/monkify/session-engine/internal/store"
	"github.com/monkify/session-engine/internal/worker"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds global flags and the configuration they resolve to.
type rootOptions struct {
	ConfigFile string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Timed outcome session engine",
		Long:         "Runs wager sessions: takes bets, emits the random stream, settles rewards and refunds.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigFile)
			if err != nil {
				return err
			}
			level, err := cfg.LogLevel()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to a YAML configuration file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newRecoverCommand(opts))

	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the HTTP API, the session loops and the periodic workers",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts)
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Apply the PostgreSQL schema",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Database.URL == "" {
				return errors.New("migrate: database.url is not set")
			}
			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, opts.cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer pool.Close()

			st, err := store.NewPostgresStore(pool)
			if err != nil {
				return err
			}
			if err := st.Migrate(ctx); err != nil {
				return err
			}
			opts.logger.Info("schema applied")
			return nil
		},
	}
}

func newRecoverCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Close abandoned sessions and retry pending refunds once",
		Long: "Runs the abrupt closer and the refund sweeper a single time. Every session not " +
			"running in this process counts as abandoned, so no serve process may be running.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			cutoff := worker.Cutoff{Boot: time.Now().UTC()}
			runner := worker.NewRunner(opts.logger,
				worker.Schedule{Worker: worker.NewAbruptCloser(a.store, a.orch, cutoff, opts.logger)},
				worker.Schedule{Worker: worker.NewRefundSweeper(a.store, a.orch, opts.cfg.Workers.RefundConcurrency, opts.logger)},
			)
			runner.RunAll(ctx)
			opts.logger.Info("recovery pass finished")
			return nil
		},
	}
}

func serve(opts *rootOptions) error {
	cfg, logger := opts.cfg, opts.logger
	cutoff := worker.Cutoff{Boot: time.Now().UTC(), StaleAfter: cfg.Workers.StaleAfter}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- WebSocket hub ---
	hub := broadcast.NewWSHub(logger)

	a, err := newApp(ctx, cfg, logger, hub)
	if err != nil {
		return err
	}
	defer a.Close()

	orch := a.orch
	svc := betting.NewService(a.store, a.tracker, a.client, orch, a.pub, logger)

	// --- Periodic workers ---
	runner := worker.NewRunner(logger,
		worker.Schedule{Worker: worker.NewOpener(a.store, orch, cutoff, logger), Interval: cfg.Workers.OpenInterval},
		worker.Schedule{Worker: worker.NewRefundSweeper(a.store, orch, cfg.Workers.RefundConcurrency, logger), Interval: cfg.Workers.RefundInterval},
		worker.Schedule{Worker: worker.NewAbruptCloser(a.store, orch, cutoff, logger), Interval: cfg.Workers.CloseInterval},
	)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         60 * 15,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"session-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for session events.
		r.Get("/ws", hub.HandleWS)

		r.Get("/parameters", svc.ListParameters)

		r.Get("/sessions", svc.ListSessions)
		r.Get("/sessions/{sessionID}", svc.GetSession)
		r.Get("/sessions/{sessionID}/bets", svc.ListBets)
		r.Post("/sessions/{sessionID}/bets", svc.HandlePlaceBet)

		// Operator actions for sessions whose rewards failed.
		r.Post("/admin/sessions/{sessionID}/rewards/retry", svc.RetryRewards)
		r.Post("/admin/sessions/{sessionID}/refund", svc.ConvertToRefund)

		// Stops or resumes opening sessions for a configuration.
		r.Post("/admin/parameters/{parametersID}/active", svc.SetParametersActive)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("session-engine listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		logger.Info("shutting down session-engine...")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return orch.Serve(ctx) })
	g.Go(func() error { return runner.Run(ctx) })

	err = g.Wait()
	logger.Info("session-engine stopped")
	return err
}
