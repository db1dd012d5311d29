package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tabrelay/tabrelay/internal/batcher"
	"github.com/tabrelay/tabrelay/internal/config"
	"github.com/tabrelay/tabrelay/internal/connection"
	"github.com/tabrelay/tabrelay/internal/discovery"
	"github.com/tabrelay/tabrelay/internal/metrics"
	"github.com/tabrelay/tabrelay/internal/queue"
	"github.com/tabrelay/tabrelay/internal/storage"
	"github.com/tabrelay/tabrelay/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply when empty)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting relayd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Open the session store
	store, err := openStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("session store ready", "driver", cfg.Storage.Driver)

	// Metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	met := metrics.New(reg)

	// Connection manager
	mgrCfg := managerConfig(cfg)
	dialer := &connection.WSDialer{
		Host:             cfg.Discovery.Host,
		HandshakeTimeout: cfg.Connections.ConnectTimeout,
		Logger:           logger,
	}
	mgr := connection.NewManager(mgrCfg, dialer, store, dispatchFunc(logger), met, logger)
	defer mgr.Close()

	// Capture-event batcher, routed through the manager
	bat := batcher.New(batcher.Config{
		MaxEntries:    cfg.Batcher.MaxEntries,
		FlushInterval: cfg.Batcher.FlushInterval,
	}, mgr, logger)
	if err := bat.Start(ctx); err != nil {
		logger.Error("failed to start batcher", "error", err)
		os.Exit(1)
	}
	defer bat.Stop(context.Background())

	// Reconnect to previously known backends before sweeping cold ports.
	mgr.Resume(ctx)

	g, gctx := errgroup.WithContext(ctx)

	// Keep the group alive until shutdown even with all servers disabled.
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	// Discovery sweeper feeds the manager
	if cfg.Discovery.Enabled {
		prober := &discovery.WSProber{
			Host:    cfg.Discovery.Host,
			Timeout: cfg.Discovery.ProbeTimeout,
			Logger:  logger,
		}
		sweeper := discovery.New(discovery.Config{
			PortStart:   cfg.Discovery.PortStart,
			PortEnd:     cfg.Discovery.PortEnd,
			Interval:    cfg.Discovery.SweepInterval,
			Concurrency: cfg.Discovery.Concurrency,
		}, prober, store, connectHandler(gctx, mgr, logger), logger)

		g.Go(func() error {
			if err := sweeper.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			return sweeper.Stop(stopCtx)
		})
	}

	// Metrics and status server
	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: newHTTPHandler(cfg.Metrics.Path, reg, mgr),
		}

		g.Go(func() error {
			logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("relayd running",
		"instance_id", cfg.Instance.ID,
		"max_connections", cfg.Connections.MaxConnections,
		"discovery", cfg.Discovery.Enabled,
	)

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("relayd exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("relayd stopped")
}

// loadConfig returns defaults when no path is given.
func loadConfig(path string) (*config.RelayConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadAndValidate(path)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemory(), nil
	case "sqlite":
		return storage.OpenSQLite(cfg.SQLite.Path)
	case "postgres":
		return storage.OpenPostgres(context.Background(), storage.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Name:     cfg.Postgres.Name,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func managerConfig(cfg *config.RelayConfig) connection.ManagerConfig {
	mgrCfg := connection.DefaultManagerConfig()
	mgrCfg.MaxConnections = cfg.Connections.MaxConnections
	mgrCfg.ReconnectBase = cfg.Connections.ReconnectBaseDelay
	mgrCfg.ReconnectMax = cfg.Connections.ReconnectMaxDelay
	mgrCfg.Backoff.Base = cfg.Connections.ReconnectBaseDelay
	mgrCfg.Backoff.Max = cfg.Connections.ReconnectMaxDelay

	mgrCfg.Conn.ConnectTimeout = cfg.Connections.ConnectTimeout
	mgrCfg.Conn.AckTimeout = cfg.Connections.AckTimeout
	mgrCfg.Conn.HeartbeatInterval = cfg.Connections.HeartbeatInterval
	mgrCfg.Conn.MaxGap = cfg.Connections.MaxGap
	if cfg.Connections.ClientVersion != "" {
		mgrCfg.Conn.ClientVersion = cfg.Connections.ClientVersion
	} else {
		mgrCfg.Conn.ClientVersion = version.Version
	}
	mgrCfg.Conn.Capabilities = cfg.Connections.Capabilities
	mgrCfg.Conn.Queue = queue.Config{
		Capacity:   cfg.Queue.Capacity,
		FlushRate:  cfg.Queue.FlushRate,
		FlushBurst: cfg.Queue.FlushBurst,
	}
	return mgrCfg
}

// dispatchFunc handles inbound backend payloads. The daemon has no UI to
// forward to, so it logs at debug; embedders replace this.
func dispatchFunc(logger *slog.Logger) connection.DispatchFunc {
	return func(port int, payload []byte) {
		logger.Debug("inbound message", "port", port, "bytes", len(payload))
	}
}

// connectHandler turns discovered backends into managed connections.
func connectHandler(ctx context.Context, mgr *connection.Manager, logger *slog.Logger) discovery.BackendHandler {
	return discovery.BackendHandlerFunc(func(b discovery.Backend) {
		hint := &connection.Hint{BackendName: b.Name, BackendPath: b.Path}
		if _, err := mgr.Connect(ctx, b.Port, hint); err != nil {
			logger.Warn("failed to connect to discovered backend",
				"port", b.Port,
				"name", b.Name,
				"error", err,
			)
		}
	})
}

// newHTTPHandler serves Prometheus metrics plus health and status endpoints.
func newHTTPHandler(metricsPath string, reg *prometheus.Registry, mgr *connection.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		st := mgr.GetStatus()

		health := struct {
			Status      string            `json:"status"`
			Connections connection.Status `json:"connections"`
		}{
			Status:      "healthy",
			Connections: st,
		}
		if st.TotalConnections > 0 && st.ReadyConnections == 0 {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/connections", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mgr.ListConnections())
	})

	return mux
}
