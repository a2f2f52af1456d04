// Package config loads process configuration from the environment.
package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/logger"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	APIAddr     string `env:"API_ADDR" envDefault:":8081"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":8080"`
	APIKey      string `env:"API_KEY"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	CheckoutSuccessURL  string `env:"CHECKOUT_SUCCESS_URL" envDefault:"http://localhost:3000/billing?status=success"`
	CheckoutCancelURL   string `env:"CHECKOUT_CANCEL_URL" envDefault:"http://localhost:3000/billing?status=canceled"`

	// Stripe price ids for the paid tiers. Free has no price.
	PriceIDStarter  string `env:"STRIPE_PRICE_STARTER"`
	PriceIDPro      string `env:"STRIPE_PRICE_PRO"`
	PriceIDBusiness string `env:"STRIPE_PRICE_BUSINESS"`

	ResendAPIKey     string `env:"RESEND_API_KEY"`
	ResendAudienceID string `env:"RESEND_AUDIENCE_ID"`

	FileSearchBaseURL string `env:"FILE_SEARCH_BASE_URL"`
	FileSearchAPIKey  string `env:"FILE_SEARCH_API_KEY"`

	DocumentConcurrency     int    `env:"DOCUMENT_CONCURRENCY" envDefault:"5"`
	SubscriptionConcurrency int    `env:"SUBSCRIPTION_CONCURRENCY" envDefault:"2"`
	EmailConcurrency        int    `env:"EMAIL_CONCURRENCY" envDefault:"1"`
	SyncCron                string `env:"SUBSCRIPTION_SYNC_CRON" envDefault:"0 */6 * * *"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid environment configuration")
	}
	return c
}
