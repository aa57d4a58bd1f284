package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	PostgresURL string `mapstructure:"POSTGRES_URL"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	RedisPass   string `mapstructure:"REDIS_PASSWORD"`
	RedisDB     int    `mapstructure:"REDIS_DB"`

	// TagGlobal is the window property whose presence confirms the tag.
	TagGlobal string `mapstructure:"TAG_GLOBAL"`

	ProbeMaxRetries      int `mapstructure:"PROBE_MAX_RETRIES"`
	ProbeRetryIntervalMS int `mapstructure:"PROBE_RETRY_INTERVAL_MS"`
	CacheMaxAgeDays      int `mapstructure:"CACHE_MAX_AGE_DAYS"`
	CacheMaxDomains      int `mapstructure:"CACHE_MAX_DOMAINS"`
	BrokerTimeoutMS      int `mapstructure:"BROKER_TIMEOUT_MS"`
	SessionTTLHours      int `mapstructure:"SESSION_TTL_HOURS"`

	Headless bool `mapstructure:"HEADLESS"`
}

// Load reads configuration from file or environment variables.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	// Attempt to read the .env file, but don't fail if it's not present
	// This allows configuration purely through environment variables in production
	_ = viper.ReadInConfig()

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("TAG_GLOBAL", "jstag")
	viper.SetDefault("PROBE_MAX_RETRIES", 5)
	viper.SetDefault("PROBE_RETRY_INTERVAL_MS", 750)
	viper.SetDefault("CACHE_MAX_AGE_DAYS", 30)
	viper.SetDefault("CACHE_MAX_DOMAINS", 100)
	viper.SetDefault("BROKER_TIMEOUT_MS", 2000)
	viper.SetDefault("SESSION_TTL_HOURS", 12)
	viper.SetDefault("HEADLESS", true)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) ProbeRetryInterval() time.Duration {
	return time.Duration(c.ProbeRetryIntervalMS) * time.Millisecond
}

func (c *Config) CacheMaxAge() time.Duration {
	return time.Duration(c.CacheMaxAgeDays) * 24 * time.Hour
}

func (c *Config) BrokerTimeout() time.Duration {
	return time.Duration(c.BrokerTimeoutMS) * time.Millisecond
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}
