package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Skotchmaster/bonebuddy/pkg/db"
	"github.com/Skotchmaster/bonebuddy/pkg/logging"
	loggingmw "github.com/Skotchmaster/bonebuddy/pkg/middleware/logging"
	"github.com/Skotchmaster/bonebuddy/pkg/mykafka"
	"github.com/Skotchmaster/bonebuddy/services/auth/internal/config"
	"github.com/Skotchmaster/bonebuddy/services/auth/internal/httpserver"
	"github.com/Skotchmaster/bonebuddy/services/auth/internal/models"
	"github.com/Skotchmaster/bonebuddy/services/auth/internal/otp"
	"github.com/Skotchmaster/bonebuddy/services/auth/internal/repo"
	"github.com/Skotchmaster/bonebuddy/services/auth/internal/service"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel).With("service", cfg.ServiceName)

	e := echo.New()
	e.HideBanner = true
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 15 * time.Second
	e.Server.ReadHeaderTimeout = 3 * time.Second

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(loggingmw.RequestLogger(logger))

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	gdb, err := db.Open(initCtx, cfg.DatabaseURL, models.AllModels()...)
	cancel()
	if err != nil {
		log.Fatalf("db init error: %v", err)
	}

	authService := &service.AuthService{
		Repo:          &repo.GormRepo{DB: gdb},
		JWTSecret:     cfg.JWTAccessSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		Sender:        &otp.LogSender{Logger: logger.With("component", "otp"), ExposeCode: cfg.OTPLogCodes},
		EventsTopic:   cfg.EventsTopic,
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		OTPTTL:        cfg.OTPTTL,
	}

	producer, err := mykafka.NewProducer(cfg.KafkaBrokers, logger)
	switch {
	case errors.Is(err, mykafka.ErrNoBrokers):
		logger.Warn("login_events_disabled", "reason", "KAFKA_BROKERS is empty")
	case err != nil:
		log.Fatalf("kafka producer: %v", err)
	default:
		authService.Events = producer
	}

	httpserver.Register(e, &httpserver.Deps{
		AuthHandler: &httpserver.AuthHTTP{Svc: authService},
		JWTSecret:   cfg.JWTAccessSecret,
	})

	addr := ":" + strconv.Itoa(cfg.ServerPort)
	go func() {
		logger.Info("server_starting", "addr", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("echo start: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("server_stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo_shutdown", "error", err)
	}

	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("kafka_close", "error", err)
		}
	}
	if sqlDB, err := gdb.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info("server_stopped")
}
