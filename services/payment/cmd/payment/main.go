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
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/config"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/gateway"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/httpserver"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/models"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/outbox"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/repo"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/service"
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

	Repo := &repo.GormRepo{DB: gdb}

	paymentService := &service.PaymentService{
		Repo:            Repo,
		Gateway:         gateway.NewRazorpay(cfg.GatewayBaseURL, cfg.GatewayKeyID, string(cfg.GatewayKeySecret)),
		KeySecret:       cfg.GatewayKeySecret,
		WebhookSecret:   cfg.GatewayWebhookSecret,
		Prices:          cfg.Prices,
		DefaultCurrency: cfg.DefaultCurrency,
		Topic:           cfg.EventsTopic,
	}
	if len(cfg.GatewayWebhookSecret) == 0 {
		logger.Warn("webhooks_disabled", "reason", "GATEWAY_WEBHOOK_SECRET is empty")
	}

	httpserver.Register(e, &httpserver.Deps{
		PaymentHandler: &httpserver.PaymentHTTP{Svc: paymentService},
		JWTSecret:      cfg.JWTAccessSecret,
	})

	runCtx, stopRun := context.WithCancel(context.Background())
	relayDone := make(chan struct{})

	producer, err := mykafka.NewProducer(cfg.KafkaBrokers, logger)
	switch {
	case errors.Is(err, mykafka.ErrNoBrokers):
		logger.Warn("outbox_relay_disabled", "reason", "KAFKA_BROKERS is empty")
		close(relayDone)
	case err != nil:
		log.Fatalf("kafka producer: %v", err)
	default:
		processor := &outbox.Processor{
			Repo:         Repo,
			Publisher:    producer,
			PollInterval: cfg.OutboxPollInterval,
			Logger:       logger.With("component", "outbox"),
		}
		go func() {
			defer close(relayDone)
			processor.Run(runCtx)
		}()
	}

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

	stopRun()
	<-relayDone
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
