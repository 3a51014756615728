/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * Only process configuration lives here (ports, URLs, secrets, schedules, provider
 * selection). Business thresholds (unpaid cap, retry policy, default currency) live
 * in the database settings table and are re-read per operation.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the collection-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`

	// PaymentProvider selects the gateway implementation: "gocardless" or "mock".
	PaymentProvider         string `mapstructure:"PAYMENT_PROVIDER"`
	GoCardlessBaseURL       string `mapstructure:"GOCARDLESS_BASE_URL"`
	GoCardlessAccessToken   string `mapstructure:"GOCARDLESS_ACCESS_TOKEN"`
	GoCardlessWebhookSecret string `mapstructure:"GOCARDLESS_WEBHOOK_SECRET"`

	InvoicingBaseURL   string `mapstructure:"INVOICING_BASE_URL"`
	InvoicingAPIKey    string `mapstructure:"INVOICING_API_KEY"`
	InvoicingCompanyID string `mapstructure:"INVOICING_COMPANY_ID"`

	RetrySweepSchedule string `mapstructure:"RETRY_SWEEP_SCHEDULE"`
	RetrySweepSecret   string `mapstructure:"RETRY_SWEEP_SECRET"`

	AdminRateLimitPerMinute int `mapstructure:"ADMIN_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYMENT_PROVIDER", "gocardless")
	viper.SetDefault("GOCARDLESS_BASE_URL", "https://api.gocardless.com")
	viper.SetDefault("RETRY_SWEEP_SCHEDULE", "0 6 * * *")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "debitflow:rate_limit")
	viper.SetDefault("ADMIN_RATE_LIMIT_PER_MINUTE", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_PROVIDER")
	_ = viper.BindEnv("GOCARDLESS_BASE_URL")
	_ = viper.BindEnv("GOCARDLESS_ACCESS_TOKEN")
	_ = viper.BindEnv("GOCARDLESS_WEBHOOK_SECRET")
	_ = viper.BindEnv("INVOICING_BASE_URL")
	_ = viper.BindEnv("INVOICING_API_KEY")
	_ = viper.BindEnv("INVOICING_COMPANY_ID")
	_ = viper.BindEnv("RETRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RETRY_SWEEP_SECRET")
	_ = viper.BindEnv("ADMIN_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "debitflow:rate_limit"
	}

	config.PaymentProvider = strings.ToLower(strings.TrimSpace(config.PaymentProvider))
	if config.PaymentProvider == "" {
		config.PaymentProvider = "gocardless"
	}
	if config.AdminRateLimitPerMinute <= 0 {
		config.AdminRateLimitPerMinute = 60
	}

	return
}
