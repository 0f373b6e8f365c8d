package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/cache"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/config"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/gateway"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/identity"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/ingest"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/scheduler"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/server"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Instance identity on the bus. Loopback messages are dropped against
	// this ID, so it must be unique per process.
	instanceID := uuid.New()
	zapLogger.Info("starting flashcur",
		zap.String("instance_id", instanceID.String()),
		zap.String("environment", cfg.Environment),
		zap.String("bus", cfg.Bus))

	redisCache := cache.NewRedisCache(cfg.Redis, instanceID, zapLogger)
	defer redisCache.Close()

	var bus cache.Bus = redisCache
	if cfg.Bus == "kafka" {
		kafkaBus := cache.NewKafkaBus(cfg.Kafka, instanceID, zapLogger)
		defer kafkaBus.Close()
		bus = kafkaBus
	}

	idsvc, err := openIdentity(cfg.Identity, zapLogger)
	if err != nil {
		zapLogger.Fatal("open identity store", zap.Error(err))
	}

	registry := gateway.NewRegistry(zapLogger)
	gw := gateway.New(cfg.Gateway, registry, idsvc, redisCache, zapLogger)

	sched := scheduler.New(cfg.Scheduler, redisCache, bus, registry, zapLogger)
	ing := ingest.New(cfg.Ingest, instanceID, redisCache, bus, sched.HandleUpdate, zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	defer sched.Stop()

	srv := server.New(cfg.Server, gw, idsvc, redisCache, ing, zapLogger)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		zapLogger.Info("shutdown signal received")
	case err := <-errCh:
		zapLogger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("http shutdown incomplete", zap.Error(err))
	}
	zapLogger.Info("flashcur stopped")
}

func openIdentity(cfg config.IdentityConfig, zapLogger *zap.Logger) (identity.Service, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, errors.New("unsupported identity driver: " + cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return identity.NewGormService(db, []byte(cfg.JWTSecret), zapLogger)
}
