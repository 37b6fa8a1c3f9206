package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/bonebuddy/gateway/internal/config"
	"github.com/Skotchmaster/bonebuddy/gateway/internal/httpserver"
	"github.com/Skotchmaster/bonebuddy/pkg/logging"
	"github.com/Skotchmaster/bonebuddy/pkg/middleware/csrf"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel).With("service", "gateway")

	e := echo.New()
	e.HideBanner = true
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.ReadHeaderTimeout = 3 * time.Second

	csrfCfg := csrf.DefaultConfig()
	csrfCfg.Secure = cfg.CSRFCookieSecure
	csrfCfg.SkipPaths = httpserver.PublicPaths

	if err := httpserver.Register(e, &httpserver.Deps{
		AuthURL:    cfg.AuthURL,
		PaymentURL: cfg.PaymentURL,
		CSRFConfig: csrfCfg,
		JWTSecret:  cfg.JWTSecret,
		Logger:     logger,
	}); err != nil {
		log.Fatal(err)
	}

	go func() {
		logger.Info("gateway_starting", "addr", cfg.ListenAddr)
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
	logger.Info("gateway_stopped")
}
