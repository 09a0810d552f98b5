package main

import (
	"fmt"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syncwire/syncwire/internal/config"
	"github.com/syncwire/syncwire/internal/probe"
	"github.com/syncwire/syncwire/internal/repository"
	"github.com/syncwire/syncwire/internal/repository/sqlite"
	"github.com/syncwire/syncwire/internal/service/delta"
	"github.com/syncwire/syncwire/internal/service/orchestrator"
	"github.com/syncwire/syncwire/internal/service/outbox"
	transporthttp "github.com/syncwire/syncwire/internal/transport/http"
	"github.com/syncwire/syncwire/pkg/logger"
	"github.com/syncwire/syncwire/pkg/messaging"
	"github.com/syncwire/syncwire/pkg/messaging/memory"
	redisbroker "github.com/syncwire/syncwire/pkg/messaging/redis"
	"github.com/syncwire/syncwire/pkg/metrics"
	"github.com/syncwire/syncwire/pkg/security"
)

// app wires the daemon's collaborators together.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	broker  messaging.Broker
	store   repository.Store
	outbox  *outbox.Service
	delta   *delta.Service
	orch    *orchestrator.Service
	metrics *metrics.Metrics
}

func newAppLogger(cfg *config.Config) *logger.Logger {
	logCfg := &logger.Config{
		Level: logger.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	}
	if cfg.Log.File != "" {
		logCfg.Output = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     28,
		}
		logCfg.JSON = true
	}
	return logger.NewLogger(logCfg)
}

// openStore opens the local database, with payload encryption when a
// key is configured.
func openStore(cfg *config.Config, broker messaging.Broker, log *logger.Logger) (repository.Store, error) {
	var enc security.Encryptor
	if cfg.Database.EncryptionKey != "" {
		key, err := security.ParseKey(cfg.Database.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		enc, err = security.NewAESEncryptor(key)
		if err != nil {
			return nil, fmt.Errorf("failed to build encryptor: %w", err)
		}
	}

	db, err := sqlite.Open(cfg.Database.ToStoreConfig())
	if err != nil {
		return nil, err
	}
	return sqlite.NewStore(db, broker, log, enc), nil
}

func newBroker(cfg *config.Config, log *logger.Logger) (messaging.Broker, error) {
	if cfg.Redis.URL == "" {
		return memory.New(), nil
	}
	return redisbroker.NewRedisBroker(redisbroker.Config{URL: cfg.Redis.URL}, log.Zerolog())
}

// buildApp assembles the full sync stack. withTransport commands need
// a reachable server configuration; store-only commands do not.
func buildApp(withTransport bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := newAppLogger(cfg)

	if withTransport && cfg.Transport.BaseURL == "" {
		return nil, fmt.Errorf("transport.base_url is required")
	}

	broker, err := newBroker(cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg, broker, log)
	if err != nil {
		return nil, err
	}

	m := metrics.NewMetrics("syncwire", "daemon")

	a := &app{
		cfg:     cfg,
		log:     log,
		broker:  broker,
		store:   store,
		metrics: m,
	}
	a.outbox = outbox.NewService(store, log, m)

	if withTransport {
		client := transporthttp.NewClient(cfg.Transport.ToClientConfig(), log)
		pr := probe.NewHTTPProbe(cfg.Transport.BaseURL, cfg.Transport.Timeout, cfg.Transport.ProbeTTL)
		a.delta = delta.NewService(store, client, cfg.Sync.ToDeltaConfig(), log, m)
		a.orch = orchestrator.NewService(cfg.Sync.ToOrchestratorConfig(), a.outbox, a.delta, client, pr, broker, log, m)
	}

	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error(err, "failed to close store")
		}
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.log.Error(err, "failed to close broker")
		}
	}
}
