package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"water-billing/internal/auth"
	billingapp "water-billing/internal/billing/application"
	billinghttp "water-billing/internal/billing/interfaces/http"
	"water-billing/internal/config"
	"water-billing/internal/migration"
	"water-billing/internal/observability/metrics"
)

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "water-billing",
		Short:        "Automated water billing engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file (BILLING_* env vars override it)")
	root.PersistentFlags().BoolVar(&flags.memory, "memory", false, "use the in-memory store instead of postgres")
	root.PersistentFlags().StringVar(&flags.fixtures, "fixtures", "", "YAML fixtures loaded into the in-memory store")

	root.AddCommand(
		newServeCmd(flags),
		newRunCmd(flags),
		newNextRunCmd(flags),
		newMigrateCmd(flags),
		newTokenCmd(flags),
	)
	return root
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the billing API and run due configs on schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, *flags, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	logger := a.logger
	metrics.Init(a.db, logger)

	handler, err := billinghttp.NewHandler(a.engine, a.audit, logger)
	if err != nil {
		return err
	}

	if a.cfg.Billing.SchedulerEnabled {
		scheduler := billingapp.NewScheduler(a.stores.Configs, a.engine, a.cfg.Billing.PollInterval, billingapp.SystemClock{}, logger)
		go scheduler.Start(ctx)
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var root http.Handler = mux
	if a.cfg.Auth.JWTSecret != "" {
		policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
		root = auth.NewMiddleware([]byte(a.cfg.Auth.JWTSecret), policy).Wrap(mux)
	} else {
		logger.Warn("auth.jwt_secret is empty, API is unauthenticated")
	}

	server := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      loggingMiddleware(metrics.Instrument("api", root), logger),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", a.cfg.HTTP.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var configID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one billing run now and print its result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), *flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.engine.ExecuteBilling(cmd.Context(), configID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&configID, "config-id", "", "billing config to run")
	_ = cmd.MarkFlagRequired("config-id")
	return cmd
}

func newNextRunCmd(flags *rootFlags) *cobra.Command {
	var configID string
	cmd := &cobra.Command{
		Use:   "next-run",
		Short: "Print when a billing config is due next",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), *flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			next, err := a.engine.NextRun(cmd.Context(), configID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), next.UTC().Format(time.RFC3339))
			return err
		},
	}
	cmd.Flags().StringVar(&configID, "config-id", "", "billing config")
	_ = cmd.MarkFlagRequired("config-id")
	return cmd
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.memory {
				return errors.New("migrate needs postgres, drop --memory")
			}
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			a := &app{cfg: cfg}
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if err := migration.Run(db); err != nil {
				return err
			}
			version, err := migration.LatestVersion()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return err
		},
	}
}

func newTokenCmd(flags *rootFlags) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API bearer token with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			token, err := auth.IssueJWT([]byte(cfg.Auth.JWTSecret), subject, auth.Role(role), ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "viewer, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	logger = logger.Named("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
