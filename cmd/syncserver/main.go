// syncserver is the reference sync server: it registers devices,
// ingests pushed outbox entries into a change log, and serves cursor
// paged change feeds.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/syncwire/syncwire/internal/server"
	"github.com/syncwire/syncwire/pkg/auth"
	"github.com/syncwire/syncwire/pkg/logger"
	"github.com/syncwire/syncwire/pkg/messaging"
	redisbroker "github.com/syncwire/syncwire/pkg/messaging/redis"
	"github.com/syncwire/syncwire/pkg/security"
)

func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.NewLogger(&logger.Config{
		Level: logger.ParseLevel(cfg.LogLevel),
		JSON:  true,
	})

	store, err := server.OpenStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal(err, "failed to open database")
	}
	defer store.Close()

	var broker messaging.Broker
	if cfg.RedisURL != "" {
		broker, err = redisbroker.NewRedisBroker(redisbroker.Config{URL: cfg.RedisURL}, log.Zerolog())
		if err != nil {
			log.Fatal(err, "failed to connect to Redis")
		}
		defer broker.Close()
	}

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.TokenIssuer)
	hasher := security.NewBcryptHasher(cfg.BcryptCost)

	handler := server.NewHandler(store, tokens, hasher, broker, log, cfg.TokenTTL, cfg.MaxPageSize)
	router := server.NewRouter(handler, log, server.RouterConfig{
		RateLimit:    cfg.RateLimit,
		RateBurst:    cfg.RateBurst,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router.Engine(),
	}

	go func() {
		log.WithFields(map[string]interface{}{
			"addr":   cfg.ListenAddr,
			"driver": cfg.DBDriver,
		}).Info("sync server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal(err, "server forced to shutdown")
	}

	log.Info("server exited")
}
