package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/immxrtalbeast/teleconsult/internal/api/http"
	"github.com/immxrtalbeast/teleconsult/internal/config"
	"github.com/immxrtalbeast/teleconsult/internal/realtime"
	"github.com/immxrtalbeast/teleconsult/internal/repository"
	"github.com/immxrtalbeast/teleconsult/internal/repository/model"
	"github.com/immxrtalbeast/teleconsult/internal/service"
	"github.com/immxrtalbeast/teleconsult/lib/logger/sl"
	"github.com/immxrtalbeast/teleconsult/lib/logger/slogpretty"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var calls repository.CallRepository
	if cfg.Database.DSN != "" {
		db, err := connectDatabase(cfg.Database)
		if err != nil {
			log.Error("failed to connect database", sl.Err(err))
			os.Exit(1)
		}
		calls = repository.NewPostgresCallRepository(db)
	} else {
		log.Warn("database dsn is empty, call history is kept in memory")
		calls = repository.NewInMemoryCallRepository()
	}

	store := realtime.NewStore(log.With(slog.String("component", "realtime")))
	go store.Run(ctx, cfg.Signaling.SweepInterval)

	callLog := service.NewCallLogService(calls, store, cfg.Signaling.RoomsPath, log)
	go func() {
		if err := callLog.Run(ctx); err != nil {
			log.Error("call log stopped", sl.Err(err))
		}
	}()

	signalingController := httpapi.NewSignalingController(store, cfg.Signaling.LeaseTTL, log)
	callController := httpapi.NewCallController(callLog)

	router := httpapi.SetupRouter(signalingController, callController, cfg.HTTP.AllowOrigins)

	srv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown", sl.Err(err))
		}
	}()

	log.Info("starting application", slog.String("addr", cfg.HTTP.Address), slog.String("env", cfg.Env))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server stopped", sl.Err(err))
		os.Exit(1)
	}
	log.Info("application stopped")
}

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = setupPrettySlog()
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}

func connectDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&model.CallRecord{}); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}
