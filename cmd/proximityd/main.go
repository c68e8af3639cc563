package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg"
	"github.com/fernandoexploraria/proximityd/pkg/config"
	"github.com/fernandoexploraria/proximityd/pkg/grace"
	"github.com/fernandoexploraria/proximityd/pkg/history"
	"github.com/fernandoexploraria/proximityd/pkg/logx"
	"github.com/fernandoexploraria/proximityd/pkg/metrics"
	"github.com/fernandoexploraria/proximityd/pkg/mqtt"
	"github.com/fernandoexploraria/proximityd/pkg/notify"
	"github.com/fernandoexploraria/proximityd/pkg/recovery"
	"github.com/fernandoexploraria/proximityd/pkg/settings"
	"github.com/fernandoexploraria/proximityd/pkg/store"
	"github.com/fernandoexploraria/proximityd/pkg/tracker"
)

const (
	version = "1.0.0-dev"
	appName = "proximityd"
)

func main() {
	var (
		logLevel    = flag.String("log-level", "", "Log level (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
		simLat      = flag.Float64("sim-lat", 59.3293, "Starting latitude for the simulated provider")
		simLon      = flag.Float64("sim-lon", 18.0686, "Starting longitude for the simulated provider")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg := config.Load()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logx.New(cfg.LogLevel)
	logger.Info("starting proximity daemon",
		"version", version,
		"user", cfg.UserID,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry comes up first so storage and settings recovery can report
	var metricsSrv *metrics.Server
	if cfg.MetricsEnabled {
		metricsSrv = metrics.NewServer(logger.WithComponent("metrics"))
		if err := metricsSrv.Start(cfg.MetricsPort); err != nil {
			logger.Error("metrics server failed to start", "error", err)
		}
	}

	// Storage: Redis when configured, local SQLite otherwise
	var backend store.KV
	var closeBackend func() error
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
			UserID:   cfg.UserID,
			TTL:      cfg.RedisTTL,
		}, logger.WithComponent("redis"))
		if err != nil {
			logger.Error("redis unavailable, falling back to sqlite", "error", err)
		} else {
			backend = rs
			closeBackend = rs.Close
		}
	}
	if backend == nil {
		ss, err := store.NewSQLiteStore(ctx, cfg.SQLitePath, logger.WithComponent("sqlite"))
		if err != nil {
			logger.Error("failed to open local store", "error", err)
			os.Exit(1)
		}
		backend = ss
		closeBackend = ss.Close
	}
	coalescer := store.NewCoalescer(backend, store.DefaultCoalescerConfig(), logger.WithComponent("store"))

	retryCfg := recovery.DefaultConfig()
	if metricsSrv != nil {
		retryCfg.OnRetry = metricsSrv.RecordRetry
	}
	retrier := recovery.NewManager(retryCfg, logger.WithComponent("recovery"))

	// Settings: load persisted, repair if broken
	userSettings := loadSettings(ctx, coalescer, retrier, logger)

	// Notifications
	var notifier notify.Notifier = notify.Noop{}
	notifyMgr := notify.NewManager(notify.Config{
		Enabled:        cfg.NotifyEnabled,
		Endpoint:       cfg.NotifyEndpoint,
		Token:          cfg.NotifyToken,
		User:           cfg.NotifyUser,
		CooldownPeriod: notify.DefaultConfig().CooldownPeriod,
		MaxPerHour:     notify.DefaultConfig().MaxPerHour,
	}, logger.WithComponent("notify"))
	if notifyMgr.IsEnabled() {
		notifier = notifyMgr
	}

	// History and grace period state
	historyLog := history.NewLog(history.DefaultConfig(), coalescer, logger.WithComponent("history"))
	historyLog.Load(ctx)
	graceMgr := grace.NewManager(userSettings, historyLog, coalescer, logger.WithComponent("grace"))

	mqttClient := mqtt.NewClient(&mqtt.Config{
		Broker:      cfg.MQTTBroker,
		Port:        cfg.MQTTPort,
		ClientID:    appName + "-" + cfg.UserID,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		TopicPrefix: "proximity",
		QoS:         1,
		Enabled:     cfg.MQTTEnabled,
	}, logger.WithComponent("mqtt"))
	if err := mqttClient.Connect(); err != nil {
		logger.Warn("mqtt connect failed, continuing without telemetry", "error", err)
	}

	// Fan grace period transitions out to Prometheus and MQTT
	graceMgr.OnChange(func(st grace.State) {
		if metricsSrv != nil {
			metricsSrv.SetGraceActive(st.Active)
			if st.Active {
				metricsSrv.RecordGraceActivation(string(st.Reason))
			}
		}
		action := "cleared"
		if st.Active {
			action = "activated"
		}
		if err := mqttClient.PublishGraceEvent(action, string(st.Reason), st.Duration); err != nil {
			logger.Debug("grace event publish failed", "error", err)
		}
	})
	graceMgr.Restore(ctx)

	provider := tracker.NewSimulatedProvider(*simLat, *simLon)
	var observer tracker.Observer
	if metricsSrv != nil {
		observer = metricsSrv
	}
	ctrl := tracker.NewController(userSettings, provider, graceMgr, notifier, observer, mqttClient, logger.WithComponent("tracker"))

	if userSettings.IsEnabled {
		if err := ctrl.Start(ctx); err != nil {
			logger.Error("tracking failed to start", "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	logger.Info("proximity daemon started")

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			shutdown(ctrl, graceMgr, coalescer, mqttClient, metricsSrv, closeBackend, logger)
			return
		case <-ticker.C:
			if metricsSrv != nil {
				metricsSrv.UpdateUptime()
				stats := coalescer.Stats()
				metricsSrv.RecordStoreStats(stats.Flushes, stats.AvgBatchSize)
			}
		}
	}
}

// loadSettings reads persisted settings through the retry wrapper, repairing
// anything out of range and falling back to defaults on malformed payloads
func loadSettings(ctx context.Context, kv store.KV, retrier *recovery.Manager, logger *logx.Logger) settings.Settings {
	var raw []byte
	var found bool
	err := retrier.Retry(ctx, "load_settings", func(ctx context.Context) error {
		var err error
		raw, found, err = kv.Get(ctx, pkg.KeyProximitySettings)
		return err
	})
	if err != nil {
		logger.Error("settings load failed, using defaults", "error", err)
		return settings.Default()
	}
	if !found {
		return settings.Default()
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		logger.Warn("persisted settings malformed, using defaults", "error", err)
		return settings.Default()
	}
	parsed, err := settings.Parse(fields)
	if err != nil {
		rec := recovery.RecoverSettings(parsed, logger)
		logger.Warn("persisted settings repaired", "strategy", rec.Strategy)
		return rec.Settings
	}
	return parsed
}

func shutdown(ctrl *tracker.Controller, graceMgr *grace.Manager, coalescer *store.Coalescer, mqttClient *mqtt.Client, metricsSrv *metrics.Server, closeBackend func() error, logger *logx.Logger) {
	ctrl.Stop()
	graceMgr.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coalescer.Close(flushCtx); err != nil {
		logger.Error("final flush failed", "error", err)
	}

	mqttClient.Disconnect()
	if metricsSrv != nil {
		if err := metricsSrv.Stop(); err != nil {
			logger.Warn("metrics shutdown error", "error", err)
		}
	}
	if closeBackend != nil {
		if err := closeBackend(); err != nil {
			logger.Warn("store close error", "error", err)
		}
	}
	logger.Info("shutdown complete")
}
