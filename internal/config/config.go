/**
 * @description
 * This file handles loading and validation of application configuration using
 * Viper. Configuration is read from environment variables, with an optional
 * .env file for local development. Defaults keep the service bootable in dev;
 * the hard requirements (database, Stripe key) fail fast at startup.
 *
 * @dependencies
 * - github.com/spf13/viper: For configuration management.
 */

package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the payment-service.
type Config struct {
	ServerPort       string `mapstructure:"SERVER_PORT"`
	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	RedisURL         string `mapstructure:"REDIS_URL"`
	RabbitMQURL      string `mapstructure:"RABBITMQ_URL"`
	StripeAPIBaseURL string `mapstructure:"STRIPE_API_BASE_URL"`
	StripeSecretKey  string `mapstructure:"STRIPE_SECRET_KEY"`
	JWKSURL          string `mapstructure:"JWKS_URL"`
	InternalAPIKey   string `mapstructure:"INTERNAL_API_KEY"`
	AllowedOrigins   string `mapstructure:"ALLOWED_ORIGINS"`
	Currency         string `mapstructure:"CURRENCY"`

	GatewayTimeoutSeconds      int `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	DuplicateWindowSeconds     int `mapstructure:"DUPLICATE_WINDOW_SECONDS"`
	PurchaseRateLimitPerMinute int `mapstructure:"PURCHASE_RATE_LIMIT_PER_MINUTE"`
}

// Load reads configuration from environment variables and an optional .env file.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"no .env file found, relying on environment\" error=%v", err)
		}
	}
	viper.AutomaticEnv()

	// Registering every key makes AutomaticEnv visible to Unmarshal.
	viper.SetDefault("DATABASE_URL", "")
	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("RABBITMQ_URL", "")
	viper.SetDefault("STRIPE_SECRET_KEY", "")
	viper.SetDefault("JWKS_URL", "")
	viper.SetDefault("INTERNAL_API_KEY", "")
	viper.SetDefault("ALLOWED_ORIGINS", "")
	viper.SetDefault("SERVER_PORT", "8084")
	viper.SetDefault("STRIPE_API_BASE_URL", "https://api.stripe.com")
	viper.SetDefault("CURRENCY", "usd")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 30)
	viper.SetDefault("DUPLICATE_WINDOW_SECONDS", 120)
	viper.SetDefault("PURCHASE_RATE_LIMIT_PER_MINUTE", 10)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.StripeSecretKey == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY is required")
	}

	cfg.Currency = strings.ToLower(cfg.Currency)
	if cfg.GatewayTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"GATEWAY_TIMEOUT_SECONDS must be positive, using 30\" got=%d", cfg.GatewayTimeoutSeconds)
		cfg.GatewayTimeoutSeconds = 30
	}
	if cfg.DuplicateWindowSeconds < 0 {
		log.Printf("level=warn component=config msg=\"DUPLICATE_WINDOW_SECONDS must not be negative, disabling window\" got=%d", cfg.DuplicateWindowSeconds)
		cfg.DuplicateWindowSeconds = 0
	}
	if cfg.PurchaseRateLimitPerMinute < 0 {
		cfg.PurchaseRateLimitPerMinute = 0
	}
	return &cfg, nil
}

// GatewayTimeout returns the per-call gateway timeout as a duration.
func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

// DuplicateWindow returns the duplicate-purchase window as a duration.
func (c *Config) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateWindowSeconds) * time.Second
}

// Origins returns the configured CORS origins as a slice.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return []string{"*"}
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
