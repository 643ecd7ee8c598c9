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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/binance-ws/internal/api"
	"github.com/rickgao/binance-ws/internal/config"
	"github.com/rickgao/binance-ws/internal/connection"
	"github.com/rickgao/binance-ws/internal/database"
	"github.com/rickgao/binance-ws/internal/manager"
	"github.com/rickgao/binance-ws/internal/metrics"
	"github.com/rickgao/binance-ws/internal/version"
	"github.com/rickgao/binance-ws/internal/writer"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd() *cobra.Command {
	var configPath, logLevel, logFormat string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the stream manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(os.Stdout, logLevel, logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, configPath, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "configs/ubws.yaml", "path to config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "text|json")
	return cmd
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	logger.Info("starting ubws",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
	)

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"streams", len(cfg.Streams),
		"max_connections", cfg.Connections.MaxConnections,
	)

	collector := metrics.NewCollector()
	opts := []manager.Option{
		manager.WithLogger(logger),
		manager.WithEvents(collector),
		manager.WithHealthReporter(collector),
	}
	if cfg.API.APIKey != "" {
		client := api.NewClient(cfg.API.APIKey,
			api.WithTimeout(cfg.API.Timeout),
			api.WithRetries(cfg.API.MaxRetries, time.Second),
			api.WithLogger(logger),
		)
		opts = append(opts, manager.WithListenKeys(client))
	}

	m, err := manager.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           createHandler(m, collector, cfg.Metrics.Path, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting http server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	sinks, closeSinks, err := openSinks(ctx, cfg.Archive, logger)
	if err != nil {
		shutdown(m, server, nil, logger)
		return err
	}
	defer closeSinks()

	writers, err := openStreams(ctx, cfg, m, sinks, collector, logger)
	if err != nil {
		shutdown(m, server, writers, logger)
		return err
	}

	logger.Info("ubws running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	<-ctx.Done()
	logger.Info("shutting down...")
	shutdown(m, server, writers, logger)
	logger.Info("ubws stopped")
	return nil
}

// openSinks connects every configured archive store.
func openSinks(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) ([]writer.Sink, func(), error) {
	var sinks []writer.Sink
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Postgres.Enabled() {
		logger.Info("connecting to postgres",
			"host", cfg.Postgres.Host,
			"port", cfg.Postgres.Port,
			"database", cfg.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, closeAll, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)

		sink := writer.NewPostgresSink(pool)
		if err := sink.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, func() {}, err
		}
		sinks = append(sinks, sink)
	}

	if cfg.Redis.Enabled() {
		logger.Info("connecting to redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
		client, err := database.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, func() { client.Close() })
		sinks = append(sinks, writer.NewRedisSink(client, cfg.Redis.Prefix, cfg.Redis.MaxLen))
	}

	return sinks, closeAll, nil
}

// openStreams creates the configured streams and starts an archive writer
// for those that ask for one. A stream left PENDING for lack of capacity
// is not an error.
func openStreams(
	ctx context.Context,
	cfg *config.Config,
	m *manager.Manager,
	sinks []writer.Sink,
	collector *metrics.Collector,
	logger *slog.Logger,
) ([]*writer.PayloadWriter, error) {
	var writers []*writer.PayloadWriter
	writerCfg := writer.WriterConfig{
		BatchSize:     cfg.Archive.BatchSize,
		FlushInterval: cfg.Archive.FlushInterval,
	}

	for i, sc := range cfg.Streams {
		id, err := m.CreateStream(ctx, sc.Endpoint, sc.ChannelList(), manager.StreamOptions{
			Label:         sc.Label,
			QueueCapacity: sc.QueueCapacity,
		})
		switch {
		case errors.Is(err, connection.ErrCapacityExceeded):
			logger.Warn("stream pending until capacity frees", "stream_id", id, "label", sc.Label)
		case err != nil:
			return writers, fmt.Errorf("streams[%d]: %w", i, err)
		}

		if !sc.Archive {
			continue
		}
		w := writer.NewPayloadWriter(writerCfg, m, writer.Target{
			InstanceID: cfg.Instance.ID,
			StreamID:   id,
			Label:      sc.Label,
			Endpoint:   sc.Endpoint,
		}, sinks, logger)
		w.SetObserver(collector)
		if err := w.Start(context.WithoutCancel(ctx)); err != nil {
			return writers, fmt.Errorf("streams[%d]: start writer: %w", i, err)
		}
		writers = append(writers, w)
	}
	return writers, nil
}

// shutdown stops the manager first so writers can drain the closed queues,
// then stops the writers and the HTTP server.
func shutdown(m *manager.Manager, server *http.Server, writers []*writer.PayloadWriter, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := m.Shutdown(ctx); err != nil {
		logger.Error("manager shutdown failed", "error", err)
	}

	var g errgroup.Group
	for _, w := range writers {
		g.Go(func() error {
			select {
			case <-w.Done():
			case <-ctx.Done():
			}
			return w.Stop(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("writer shutdown failed", "error", err)
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
}
