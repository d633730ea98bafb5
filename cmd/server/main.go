package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/planc-backend/internal/config"
	"github.com/DoyleJ11/planc-backend/internal/httpapi"
	"github.com/DoyleJ11/planc-backend/internal/hub"
	"github.com/DoyleJ11/planc-backend/internal/lobby"
	"github.com/DoyleJ11/planc-backend/internal/logging"
	"github.com/DoyleJ11/planc-backend/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg, loadErr := config.Load()

	cmd := &cobra.Command{
		Use:           "planc-server",
		Short:         "Real-time planning poker server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	// Flags default to the environment so that an explicit flag wins.
	f := cmd.Flags()
	f.StringVarP(&cfg.BindAddress, "bind-address", "a", cfg.BindAddress, "address to listen on")
	f.IntVarP(&cfg.BindPort, "bind-port", "p", cfg.BindPort, "port to listen on")
	f.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "maximum number of concurrent sessions")
	f.IntVar(&cfg.MaxUsers, "max-users", cfg.MaxUsers, "maximum number of users per session")
	f.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "interval between keep-alive messages")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.BoolVar(&cfg.Dev, "dev", cfg.Dev, "human-readable logs")
	f.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "extra websocket origin patterns")
	return cmd
}

func run(parent context.Context, cfg config.Config) (err error) {
	log, err := logging.New(cfg.LogLevel, cfg.Dev)
	if err != nil {
		return err
	}
	defer func() {
		// stderr sync fails on some platforms; only report it alongside a real failure
		if syncErr := log.Sync(); err != nil {
			err = multierr.Append(err, syncErr)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.NewHub(ctx, hub.Options{
		MaxSessions: cfg.MaxSessions,
		Lobby: lobby.Options{
			MaxUsers:  cfg.MaxUsers,
			KeepAlive: cfg.KeepAlive,
		},
		Logger:  log,
		Metrics: m,
	})
	defer h.Shutdown()

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: httpapi.SetupRoutes(h, httpapi.Options{
			Logger:         log,
			Gatherer:       reg,
			OriginPatterns: cfg.AllowedOrigins,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening",
			zap.String("addr", srv.Addr),
			zap.Int("max_sessions", cfg.MaxSessions),
			zap.Int("max_users", cfg.MaxUsers),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
