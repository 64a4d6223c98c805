package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/devrev/ringdb/internal/cache"
	"github.com/devrev/ringdb/internal/config"
	"github.com/devrev/ringdb/internal/logging"
	"github.com/devrev/ringdb/internal/node"
	"github.com/devrev/ringdb/internal/server"
	"github.com/devrev/ringdb/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "storage",
	Short: "Run a ringdb storage node",
	Long: `Start a storage node. The node registers with the coordinator, waits
until it is assigned a key range and then serves GET and PUT requests.

Examples:
  storage --config=config/storage.yaml
  CONFIG_PATH=config/storage.yaml storage`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the node YAML config (default $CONFIG_PATH or ./config.yaml)")
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
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadNodeConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting ringdb storage node",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("coordinator", cfg.Coordinator.Addr()),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("cache_strategy", cfg.Cache.Strategy))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(ctx, store.Options{
		Backend:         store.Backend(cfg.Storage.Backend),
		DataDir:         cfg.Storage.DataDir,
		DiskFullPercent: cfg.Storage.MaxDiskUsage * 100,
		RedisAddr:       net.JoinHostPort(cfg.Storage.Redis.Host, strconv.Itoa(cfg.Storage.Redis.Port)),
		RedisPassword:   cfg.Storage.Redis.Password,
		RedisDB:         cfg.Storage.Redis.DB,
		KeyPrefix:       net.JoinHostPort(cfg.Server.AdvertiseHost, strconv.Itoa(cfg.Server.Port)),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	strategy, err := cache.ParseStrategy(cfg.Cache.Strategy)
	if err != nil {
		return err
	}
	kvCache := cache.New(strategy, cfg.Cache.Capacity, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n := node.New(node.NewConfig(cfg), st, kvCache, reg, logger)

	var admin *server.AdminServer
	if cfg.Metrics.Enabled {
		adminCfg := server.AdminConfig{
			Addr:        net.JoinHostPort(cfg.Metrics.Host, strconv.Itoa(cfg.Metrics.Port)),
			MetricsPath: cfg.Metrics.Path,
			Service:     "ringdb.storage",
		}
		if cfg.Metrics.GRPCHealthPort > 0 {
			adminCfg.GRPCHealthAddr = net.JoinHostPort(cfg.Metrics.Host, strconv.Itoa(cfg.Metrics.GRPCHealthPort))
		}
		admin = server.NewAdminServer(adminCfg, reg, logger)
		admin.SetReadiness(n.Ready)
		admin.Router().HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
			server.WriteJSON(w, http.StatusOK, n.Stats())
		}).Methods(http.MethodGet)
		if err := admin.Start(); err != nil {
			return err
		}
		admin.SetServing(false)
	}

	if err := n.Start(ctx); err != nil {
		if admin != nil {
			_ = admin.Shutdown(context.Background())
		}
		return fmt.Errorf("failed to start node: %w", err)
	}
	if admin != nil {
		admin.SetServing(true)
	}
	logger.Info("Storage node is serving", zap.String("node_id", n.ID()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-n.LinkDown():
		logger.Warn("Coordinator link lost, serving last known ring until signalled")
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	if admin != nil {
		admin.SetServing(false)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := n.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Error("Admin server shutdown failed", zap.Error(err))
		}
	}

	logger.Info("Storage node stopped")
	return nil
}
