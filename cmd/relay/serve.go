package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/relay/pkg/analytics"
	"github.com/cuemby/relay/pkg/api"
	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/gateway"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a gateway node",
	Long: `Run a gateway node: the WebSocket endpoint, the presence query API and the
bus subscriber. Configuration comes from the environment (and an optional
.env file); flags override it.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("env-file", ".env", "Optional env file to load")
	serveCmd.Flags().String("node-id", "", "Unique node ID (default: random)")
	serveCmd.Flags().String("http-addr", "", "HTTP listen address")
	serveCmd.Flags().String("bus", "", "Message bus backend (nats, memory)")
	serveCmd.Flags().String("nats-url", "", "NATS server URL")
	serveCmd.Flags().String("store", "", "Presence store backend (bolt, redis)")
	serveCmd.Flags().String("data-dir", "", "Data directory for the bolt store")
	serveCmd.Flags().String("redis-addr", "", "Redis address for the redis store")
	serveCmd.Flags().Duration("activity-threshold", 0, "Default presence activity window (0 keeps the configured value)")
	serveCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}

	strFlags := map[string]*string{
		"node-id":    &cfg.NodeID,
		"http-addr":  &cfg.HTTPAddr,
		"bus":        &cfg.Bus,
		"nats-url":   &cfg.NATSURL,
		"store":      &cfg.Store,
		"data-dir":   &cfg.DataDir,
		"redis-addr": &cfg.RedisAddr,
		"log-level":  &cfg.LogLevel,
	}
	for name, dst := range strFlags {
		if cmd.Flags().Changed(name) {
			*dst, _ = cmd.Flags().GetString(name)
		}
	}
	if cmd.Flags().Changed("activity-threshold") {
		cfg.ActivityThreshold, _ = cmd.Flags().GetDuration("activity-threshold")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		return storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
	default:
		return storage.NewBoltStore(cfg.DataDir, cfg.StoreName)
	}
}

func openBus(cfg *config.Config, nodeID string) (bus.Bus, analytics.Sink, error) {
	if cfg.Bus == config.BusMemory {
		return bus.NewMemoryBus(), analytics.NewLogSink(), nil
	}

	b, err := bus.NewNATSBus(bus.NATSConfig{
		URL:           cfg.NATSURL,
		Subject:       cfg.BusSubject,
		ClientName:    "relay-" + nodeID,
		ReconnectWait: cfg.NATSReconnect,
	})
	if err != nil {
		return nil, nil, err
	}
	if cfg.AnalyticsSubject == "" {
		return b, analytics.NewLogSink(), nil
	}

	sink, err := analytics.NewNATSSink(b.Conn(), cfg.AnalyticsSubject, nodeID)
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	return b, sink, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("relay")
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open presence store: %w", err)
	}
	defer store.Close()

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	b, sink, err := openBus(cfg, cfg.NodeID)
	if err != nil {
		return fmt.Errorf("failed to open message bus: %w", err)
	}
	defer b.Close()

	node := gateway.New(gateway.Config{
		NodeID:           cfg.NodeID,
		OutboundSize:     cfg.OutboundBuffer,
		DefaultThreshold: cfg.ActivityThreshold,
	}, b, store, sink)

	metrics.SetVersion(Version)
	metrics.SetNodeID(node.ID())
	collector := metrics.NewCollector(node, cfg.MetricsInterval)
	collector.AddProbe("bus", b)
	collector.AddProbe("store", store)
	collector.Start()
	defer collector.Stop()

	// The subscriber outlives the HTTP server so that drain-time membership
	// notifications still reach other nodes.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	errCh := make(chan error, 2)
	go func() {
		if err := node.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("bus subscriber: %w", err)
		}
	}()

	server := api.NewServer(node, api.Config{
		Addr:        cfg.HTTPAddr,
		IdleTimeout: cfg.WSIdleTimeout,
		FrameRate:   cfg.WSFrameRate,
		FrameBurst:  cfg.WSFrameBurst,
	})
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	logger.Info().Str("node_id", node.ID()).Msg("Gateway node running")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Gateway node failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	if err := node.DrainAll(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to clean up presence of some connections")
	}
	cancelRun()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
