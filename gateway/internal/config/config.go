package config

import (
	"os"

	"github.com/Skotchmaster/bonebuddy/pkg/config"
)

type Config struct {
	ListenAddr string
	LogLevel   string
	AuthURL    string
	PaymentURL string
	JWTSecret  []byte
	// CSRFCookieSecure is false only for plain-http local setups.
	CSRFCookieSecure bool
}

func Load() *Config {
	config.LoadEnvFile(".env")

	cfg := &Config{
		ListenAddr:       config.EnvDefault("GATEWAY_ADDR", ":8080"),
		LogLevel:         config.EnvDefault("LOG_LEVEL", "info"),
		AuthURL:          os.Getenv("AUTH_URL"),
		PaymentURL:       os.Getenv("PAYMENT_URL"),
		JWTSecret:        []byte(os.Getenv("JWT_SECRET")),
		CSRFCookieSecure: os.Getenv("CSRF_COOKIE_SECURE") != "false",
	}
	config.MustNonEmpty(cfg.AuthURL, "AUTH_URL")
	config.MustNonEmpty(cfg.PaymentURL, "PAYMENT_URL")
	config.MustNonEmptyBytes(cfg.JWTSecret, "JWT_SECRET")
	return cfg
}
