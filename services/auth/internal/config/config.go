package config

import (
	"os"
	"time"

	"github.com/Skotchmaster/bonebuddy/pkg/config"
)

type ServiceConfig struct {
	config.Config

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	OTPTTL     time.Duration

	EventsTopic string
	// OTPLogCodes writes OTP codes to the log. Local development only.
	OTPLogCodes bool
}

func Load() ServiceConfig {
	config.LoadEnvFile(".env")
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "auth"
	}

	config.MustNonEmpty(cfg.DatabaseURL, "DATABASE_URL")
	config.MustNonEmptyBytes(cfg.JWTAccessSecret, "JWT_SECRET")
	config.MustNonEmptyBytes(cfg.JWTRefreshSecret, "JWT_REFRESH_SECRET")
	config.MustDistinctSecrets(cfg.JWTAccessSecret, cfg.JWTRefreshSecret)

	return ServiceConfig{
		Config:      cfg,
		AccessTTL:   config.EnvDurationDefault("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTTL:  config.EnvDurationDefault("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		OTPTTL:      config.EnvDurationDefault("OTP_TTL", 5*time.Minute),
		EventsTopic: config.EnvDefault("USER_EVENTS_TOPIC", "user_events"),
		OTPLogCodes: os.Getenv("OTP_LOG_CODES") == "true",
	}
}
