// Command brokerd runs the message broker daemon: it serves the HTTP
// control plane, dispatches messages to subscribed consumers, and
// periodically reaps timed-out and idle messages.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/msgbroker/internal/api/brokerapi"
	"github.com/oriys/msgbroker/internal/broker"
	"github.com/oriys/msgbroker/internal/config"
	"github.com/oriys/msgbroker/internal/logging"
	"github.com/oriys/msgbroker/internal/metrics"
	"github.com/oriys/msgbroker/internal/observability"
	"github.com/oriys/msgbroker/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "brokerd",
		Short: "brokerd runs the message broker control plane and dispatch engine",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a JSON config file")
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		httpAddr  string
		logLevel  string
		snapPath  string
		redisAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the broker daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			} else {
				cfg = config.DefaultConfig()
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("snapshot-path") {
				cfg.Durability.SnapshotPath = snapPath
			}
			if cmd.Flags().Changed("redis") {
				cfg.Notifier.RedisAddr = redisAddr
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			logging.SetLevelFromString(cfg.Daemon.LogLevel)

			ctx := context.Background()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    "otlp-http",
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace)
			}

			var notifier queue.Notifier
			if cfg.Notifier.RedisAddr != "" {
				client := redis.NewClient(&redis.Options{Addr: cfg.Notifier.RedisAddr, DB: cfg.Notifier.RedisDB})
				notifier = queue.NewRedisNotifier(client)
				logging.Op().Info("using redis notifier for cross-node reaper wake-up", "addr", cfg.Notifier.RedisAddr)
			} else {
				notifier = queue.NewChannelNotifier()
			}

			b := broker.New(broker.Config{
				SnapshotPath:    cfg.Durability.SnapshotPath,
				PrefetchCount:   cfg.Dispatch.PrefetchCount,
				AckTimeout:      cfg.Dispatch.AckTimeout,
				ReaperInterval:  cfg.Dispatch.ReaperInterval,
				IdleExpiry:      cfg.Dispatch.IdleExpiry,
				CallbackTimeout: cfg.Dispatch.CallbackTimeout,
				Notifier:        notifier,
			})

			if err := b.Restore(); err != nil {
				return fmt.Errorf("restore durable state: %w", err)
			}

			b.Start(ctx)
			defer b.Stop()

			mux := http.NewServeMux()
			handler := &brokerapi.Handler{Broker: b}
			handler.RegisterRoutes(mux)

			srv := &http.Server{
				Addr:    cfg.Daemon.HTTPAddr,
				Handler: observability.HTTPMiddleware(mux),
			}

			go func() {
				logging.Op().Info("broker daemon started", "http_addr", cfg.Daemon.HTTPAddr, "snapshot_path", cfg.Durability.SnapshotPath)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("http server failed", "error", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (default :8080)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&snapPath, "snapshot-path", "", "path to the durable state snapshot file")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address for cross-node reaper wake-up (optional)")

	return cmd
}
