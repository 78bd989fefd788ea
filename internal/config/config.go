/**
 * @description
 * This package handles the configuration management for the payment-service. It uses
 * the Viper library to read configuration from environment variables and an optional
 * .env file, then normalises the values the rest of the service relies on.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payment-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisSagaPrefix           string `mapstructure:"REDIS_SAGA_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	ProviderEventQueue        string `mapstructure:"PROVIDER_EVENT_QUEUE"`
	TrustlyAPIBaseURL         string `mapstructure:"TRUSTLY_API_BASE_URL"`
	TrustlyUsername           string `mapstructure:"TRUSTLY_USERNAME"`
	TrustlyPassword           string `mapstructure:"TRUSTLY_PASSWORD"`
	AdyenAPIBaseURL           string `mapstructure:"ADYEN_API_BASE_URL"`
	AdyenAPIKey               string `mapstructure:"ADYEN_API_KEY"`
	AdyenMerchantAccount      string `mapstructure:"ADYEN_MERCHANT_ACCOUNT"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	ServiceJWTSecret          string `mapstructure:"SERVICE_JWT_SECRET"`
	CORSAllowedOrigins        string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	CommandTimeoutSeconds     int    `mapstructure:"COMMAND_TIMEOUT_SECONDS"`
	CommandMaxConflictRetries int    `mapstructure:"COMMAND_MAX_CONFLICT_RETRIES"`
	ProviderMaxRetries        int    `mapstructure:"PROVIDER_MAX_RETRIES"`
	SagaStaleAfterMinutes     int    `mapstructure:"SAGA_STALE_AFTER_MINUTES"`
	SagaRetentionHours        int    `mapstructure:"SAGA_RETENTION_HOURS"`
	SagaSweepSchedule         string `mapstructure:"SAGA_SWEEP_SCHEDULE"`
	SagaPruneSchedule         string `mapstructure:"SAGA_PRUNE_SCHEDULE"`
	PayoutCategory            string `mapstructure:"PAYOUT_CATEGORY"`
}

var defaults = map[string]any{
	"SERVER_PORT":                  "8080",
	"REDIS_SAGA_PREFIX":            "payments:payout_saga",
	"PROVIDER_EVENT_QUEUE":         "payment_service.provider_notifications",
	"TRUSTLY_API_BASE_URL":         "https://test.trustly.com",
	"ADYEN_API_BASE_URL":           "https://pal-test.adyen.com",
	"COMMAND_TIMEOUT_SECONDS":      10,
	"COMMAND_MAX_CONFLICT_RETRIES": 5,
	"PROVIDER_MAX_RETRIES":         5,
	"SAGA_STALE_AFTER_MINUTES":     5,
	"SAGA_RETENTION_HOURS":         72,
	"SAGA_SWEEP_SCHEDULE":          "@every 1m",
	"SAGA_PRUNE_SCHEDULE":          "0 3 * * *",
	"PAYOUT_CATEGORY":              "DEFAULT",
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_SAGA_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PROVIDER_EVENT_QUEUE")
	_ = viper.BindEnv("TRUSTLY_API_BASE_URL")
	_ = viper.BindEnv("TRUSTLY_USERNAME")
	_ = viper.BindEnv("TRUSTLY_PASSWORD")
	_ = viper.BindEnv("ADYEN_API_BASE_URL")
	_ = viper.BindEnv("ADYEN_API_KEY")
	_ = viper.BindEnv("ADYEN_MERCHANT_ACCOUNT")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("SERVICE_JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("COMMAND_TIMEOUT_SECONDS")
	_ = viper.BindEnv("COMMAND_MAX_CONFLICT_RETRIES")
	_ = viper.BindEnv("PROVIDER_MAX_RETRIES")
	_ = viper.BindEnv("SAGA_STALE_AFTER_MINUTES")
	_ = viper.BindEnv("SAGA_RETENTION_HOURS")
	_ = viper.BindEnv("SAGA_SWEEP_SCHEDULE")
	_ = viper.BindEnv("SAGA_PRUNE_SCHEDULE")
	_ = viper.BindEnv("PAYOUT_CATEGORY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file, using environment values", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	normalize(&config)
	return
}

func normalize(config *Config) {
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.ServiceJWTSecret = strings.TrimSpace(config.ServiceJWTSecret)
	config.TrustlyAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.TrustlyAPIBaseURL), "/")
	config.AdyenAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.AdyenAPIBaseURL), "/")

	config.RedisSagaPrefix = strings.TrimSpace(config.RedisSagaPrefix)
	if config.RedisSagaPrefix == "" {
		config.RedisSagaPrefix = "payments:payout_saga"
	}
	config.PayoutCategory = strings.ToUpper(strings.TrimSpace(config.PayoutCategory))
	if config.PayoutCategory == "" {
		config.PayoutCategory = "DEFAULT"
	}

	if config.CommandTimeoutSeconds <= 0 {
		config.CommandTimeoutSeconds = 10
	}
	if config.CommandMaxConflictRetries < 0 {
		config.CommandMaxConflictRetries = 0
	}
	if config.ProviderMaxRetries <= 0 {
		config.ProviderMaxRetries = 5
	}
	if config.SagaStaleAfterMinutes <= 0 {
		config.SagaStaleAfterMinutes = 5
	}
	if config.SagaRetentionHours <= 0 {
		config.SagaRetentionHours = 72
	}
	if strings.TrimSpace(config.SagaSweepSchedule) == "" {
		config.SagaSweepSchedule = "@every 1m"
	}
	if strings.TrimSpace(config.SagaPruneSchedule) == "" {
		config.SagaPruneSchedule = "0 3 * * *"
	}
}

// CommandTimeout is how long SendAndWait waits for an aggregate's answer.
func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

func (c Config) SagaStaleAfter() time.Duration {
	return time.Duration(c.SagaStaleAfterMinutes) * time.Minute
}

func (c Config) SagaRetention() time.Duration {
	return time.Duration(c.SagaRetentionHours) * time.Hour
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas. It returns nil when unset.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
