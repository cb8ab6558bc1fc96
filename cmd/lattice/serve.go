package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/demo"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/adapters/file"
	httpAdapter "github.com/aretw0/lattice/pkg/adapters/http"
	"github.com/aretw0/lattice/pkg/adapters/redis"
	"github.com/aretw0/lattice/pkg/adapters/websocket"
	"github.com/aretw0/lattice/pkg/observability"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	Long: `Starts the authority side: every session mounts the todo demo app, renderers
stream it over /sessions/{sid}/stream and metrics are served on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		level, _ := cfg.Level()
		logger := logging.New(level)

		handler, closeFn, err := newServer(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer closeFn()

		srv := &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Channel to listen for errors coming from the listener.
		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("lattice server starting", "addr", srv.Addr, "version", lattice.Version)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			logger.Info("shutdown started", "signal", sig.String())

			// Give outstanding requests a deadline for completion.
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("graceful shutdown did not complete", "timeout", shutdownTimeout, "err", err)
				if err := srv.Close(); err != nil {
					return fmt.Errorf("failed to kill server: %w", err)
				}
			}
			logger.Info("lattice server stopped gracefully")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("addr", "a", ":8080", "Address to listen on")
	serveCmd.Flags().StringP("templates", "t", "", "Directory of YAML template descriptors")
	serveCmd.Flags().String("redis-addr", "", "Redis address; enables the Redis broker, locker and template store")
	serveCmd.Flags().String("redis-prefix", "lattice", "Key prefix for Redis")
}

// newServer wires the engine, transports and metrics for cfg. The returned
// func releases external connections.
func newServer(ctx context.Context, cfg Config, logger *slog.Logger) (http.Handler, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observability.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}

	opts := []lattice.Option{
		lattice.WithLogger(logger),
		lattice.WithLifecycleHooks(metrics.Hooks()),
		lattice.WithLifecycleHooks(observability.LogHooks(logger)),
		lattice.WithTemplates(demo.Templates()...),
		lattice.WithInit(demo.Init()),
	}
	if cfg.Templates != "" {
		opts = append(opts, lattice.WithTemplateStore(file.NewStore(cfg.Templates)))
	}

	closeFn := func() {}
	if cfg.Redis.Addr != "" {
		store := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redis.WithPrefix(cfg.Redis.Prefix))
		client := store.Client()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		opts = append(opts,
			lattice.WithTemplateStore(store),
			lattice.WithLocker(redis.NewLocker(client, cfg.Redis.Prefix)),
			lattice.WithBroker(redis.NewBroker(client,
				redis.WithBrokerPrefix(cfg.Redis.Prefix),
				redis.WithBrokerLogger(logger),
			)),
		)
		closeFn = func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close failed", "err", err)
			}
		}
		logger.Info("redis enabled", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
	}

	eng, err := lattice.New(ctx, opts...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	stream := websocket.NewServer(eng.Manager(), eng.Broker(), websocket.WithServerLogger(logger))
	handler := httpAdapter.NewHandler(eng.Manager(),
		httpAdapter.WithStream(stream),
		httpAdapter.WithMetrics(reg),
		httpAdapter.WithVersion(lattice.Version),
		httpAdapter.WithLogger(logger),
	)
	return handler, closeFn, nil
}
