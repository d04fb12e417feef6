// Package config contains the configuration loading of the payments service.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the configuration of the payments service.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	PixAddress       string        `env:"PIX_PROVIDER_ADDRESS"`
	CheckoutAddress  string        `env:"CHECKOUT_PROVIDER_ADDRESS"`
	AnalyticsAddress string        `env:"ANALYTICS_ADDRESS"`
	WebhookSecret    string        `env:"WEBHOOK_SECRET"`
	ChargeTTL        time.Duration `env:"CHARGE_TTL"`
}

// Parse reads the configuration from command-line flags and environment
// variables; environment wins.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPixAddress := cfg.PixAddress
	envCheckoutAddress := cfg.CheckoutAddress
	envAnalyticsAddress := cfg.AnalyticsAddress
	envWebhookSecret := cfg.WebhookSecret
	envChargeTTL := cfg.ChargeTTL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PixAddress, "x", "", "instant transfer provider address")
	flag.StringVar(&cfg.CheckoutAddress, "c", "", "card checkout provider address")
	flag.StringVar(&cfg.AnalyticsAddress, "n", "", "analytics collector address")
	flag.StringVar(&cfg.WebhookSecret, "s", "", "webhook signing secret")
	flag.DurationVar(&cfg.ChargeTTL, "t", 15*time.Minute, "charge validity window")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPixAddress != "" {
		cfg.PixAddress = envPixAddress
	}
	if envCheckoutAddress != "" {
		cfg.CheckoutAddress = envCheckoutAddress
	}
	if envAnalyticsAddress != "" {
		cfg.AnalyticsAddress = envAnalyticsAddress
	}
	if envWebhookSecret != "" {
		cfg.WebhookSecret = envWebhookSecret
	}
	if envChargeTTL != 0 {
		cfg.ChargeTTL = envChargeTTL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ChargeTTL <= 0 {
		cfg.ChargeTTL = 15 * time.Minute
	}

	return cfg, nil
}
