package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/devrev/ringdb/internal/config"
	"github.com/devrev/ringdb/internal/coordinator"
	"github.com/devrev/ringdb/internal/gossip"
	"github.com/devrev/ringdb/internal/logging"
	"github.com/devrev/ringdb/internal/metastore"
	"github.com/devrev/ringdb/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the ringdb coordinator",
	Long: `Start the coordinator. Storage nodes connect to it to join the ring;
it rebalances key ranges on every join and leave and removes nodes that
stop answering heartbeats.

Examples:
  coordinator --config=config/coordinator.yaml
  RINGDB_PORT=4100 coordinator`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the coordinator config (default $CONFIG_PATH)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	cfg, err := config.LoadCoordinatorConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting ringdb coordinator",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("database_enabled", cfg.Database.Enabled),
		zap.Bool("gossip_enabled", cfg.Gossip.Enabled))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var journal metastore.RingJournal = metastore.NewMemoryJournal()
	if cfg.Database.Enabled {
		pg, err := metastore.NewPostgresJournal(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			return fmt.Errorf("failed to initialize ring journal: %w", err)
		}
		journal = pg
		logger.Info("Ring journal initialized",
			zap.String("database_host", cfg.Database.Host),
			zap.String("database_name", cfg.Database.Database))
	}
	defer journal.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coord := coordinator.New(coordinator.NewConfig(cfg), journal, reg, logger)
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	if cfg.Gossip.Enabled {
		gs, err := gossip.New(cfg.Gossip, gossip.Options{
			Name:    "coordinator@" + coord.Addr(),
			Role:    gossip.RoleCoordinator,
			OnLeave: coord.Suspect,
		}, logger)
		if err != nil {
			logger.Error("Failed to initialize gossip service, continuing without it", zap.Error(err))
		} else {
			coord.AttachGossip(gs)
			defer func() {
				_ = gs.Leave(time.Second)
				_ = gs.Shutdown()
			}()
		}
	}

	var admin *server.AdminServer
	if cfg.Metrics.Enabled {
		adminCfg := server.AdminConfig{
			Addr:        net.JoinHostPort(cfg.Metrics.Host, strconv.Itoa(cfg.Metrics.Port)),
			MetricsPath: cfg.Metrics.Path,
			Service:     "ringdb.coordinator",
		}
		if cfg.Metrics.GRPCHealthPort > 0 {
			adminCfg.GRPCHealthAddr = net.JoinHostPort(cfg.Metrics.Host, strconv.Itoa(cfg.Metrics.GRPCHealthPort))
		}
		admin = server.NewAdminServer(adminCfg, reg, logger)
		coord.RegisterRoutes(admin.Router())
		if err := admin.Start(); err != nil {
			return err
		}
		admin.SetServing(true)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	if admin != nil {
		admin.SetServing(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Error("Admin server shutdown failed", zap.Error(err))
		}
	}

	logger.Info("Coordinator stopped")
	return nil
}
