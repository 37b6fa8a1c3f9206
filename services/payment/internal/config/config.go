package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Skotchmaster/bonebuddy/pkg/config"
)

type ServiceConfig struct {
	config.Config

	GatewayBaseURL       string
	GatewayKeyID         string
	GatewayKeySecret     []byte
	GatewayWebhookSecret []byte

	EventsTopic        string
	OutboxPollInterval time.Duration

	Prices          map[string]int64
	DefaultCurrency string
}

func Load() ServiceConfig {
	config.LoadEnvFile(".env")
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "payment"
	}

	config.MustNonEmpty(cfg.DatabaseURL, "DATABASE_URL")
	config.MustNonEmptyBytes(cfg.JWTAccessSecret, "JWT_SECRET")

	keyID := os.Getenv("GATEWAY_KEY_ID")
	keySecret := []byte(os.Getenv("GATEWAY_KEY_SECRET"))
	config.MustNonEmpty(keyID, "GATEWAY_KEY_ID")
	config.MustNonEmptyBytes(keySecret, "GATEWAY_KEY_SECRET")

	prices, err := ParsePrices(config.EnvDefault("PAYMENT_PRICES", "consultation:50000,physio_session:80000"))
	if err != nil {
		log.Fatalf("PAYMENT_PRICES: %v", err)
	}

	return ServiceConfig{
		Config:               cfg,
		GatewayBaseURL:       config.EnvDefault("GATEWAY_BASE_URL", "https://api.razorpay.com"),
		GatewayKeyID:         keyID,
		GatewayKeySecret:     keySecret,
		GatewayWebhookSecret: []byte(os.Getenv("GATEWAY_WEBHOOK_SECRET")),
		EventsTopic:          config.EnvDefault("PAYMENT_EVENTS_TOPIC", "payment_events"),
		OutboxPollInterval:   config.EnvDurationDefault("OUTBOX_POLL_INTERVAL", 2*time.Second),
		Prices:               prices,
		DefaultCurrency:      strings.ToUpper(config.EnvDefault("DEFAULT_CURRENCY", "INR")),
	}
}

// ParsePrices reads "type:amount" pairs separated by commas. Amounts are in
// minor units and must be positive.
func ParsePrices(v string) (map[string]int64, error) {
	prices := make(map[string]int64)
	for _, pair := range config.CSV(v) {
		name, amount, ok := strings.Cut(pair, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("bad price entry %q", pair)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad amount for %s: %q", name, amount)
		}
		prices[name] = n
	}
	return prices, nil
}
