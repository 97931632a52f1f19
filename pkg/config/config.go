package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"order-alert-pipeline/pkg/constants"
)

type Config struct {
	RedisURL              string `yaml:"redis_url"`
	PodID                 string `yaml:"pod_id"`
	Port                  string `yaml:"port"`
	LogLevel              string `yaml:"log_level"`
	StoreBackend          string `yaml:"store_backend"`
	PostgresURL           string `yaml:"postgres_url"`
	RegistryBackend       string `yaml:"registry_backend"`
	RegistryPath          string `yaml:"registry_path"`
	AMQPURL               string `yaml:"amqp_url"`
	PushQueue             string `yaml:"push_queue"`
	OperatorID            string `yaml:"operator_id"`
	ResponseWindowSeconds int    `yaml:"response_window_seconds"`
	PendingTTLMS          int64  `yaml:"pending_ttl_ms"`
	WriteTimeoutMS        int64  `yaml:"write_timeout_ms"`
	TickIntervalMS        int64  `yaml:"tick_interval_ms"`
	LeaseTTLSeconds       int    `yaml:"lease_ttl_seconds"`
	LegacyLocationCap     int    `yaml:"legacy_location_cap"`
}

// Defaults returns the configuration used when neither a file nor the
// environment provides a value.
func Defaults() *Config {
	return &Config{
		RedisURL:              "redis://localhost:6379",
		Port:                  "8080",
		LogLevel:              "info",
		StoreBackend:          "redis",
		RegistryBackend:       "redis",
		RegistryPath:          "orderalert-registry.db",
		PushQueue:             "push.orders",
		ResponseWindowSeconds: constants.DefaultResponseWindowSeconds,
		PendingTTLMS:          constants.DefaultPendingTTL.Milliseconds(),
		WriteTimeoutMS:        constants.DefaultWriteTimeout.Milliseconds(),
		TickIntervalMS:        1000,
		LeaseTTLSeconds:       10,
		LegacyLocationCap:     constants.DefaultLegacyLocationCap,
	}
}

func Load() *Config {
	config := Defaults()
	applyEnv(config)
	return config
}

// LoadFile reads a YAML file on top of the defaults; environment variables
// still take precedence over values from the file.
func LoadFile(path string) (*Config, error) {
	config := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(config)
	return config, nil
}

func applyEnv(c *Config) {
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.PodID = getEnv("POD_ID", c.PodID)
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	c.PostgresURL = getEnv("POSTGRES_URL", c.PostgresURL)
	c.RegistryBackend = getEnv("REGISTRY_BACKEND", c.RegistryBackend)
	c.RegistryPath = getEnv("REGISTRY_PATH", c.RegistryPath)
	c.AMQPURL = getEnv("AMQP_URL", c.AMQPURL)
	c.PushQueue = getEnv("PUSH_QUEUE", c.PushQueue)
	c.OperatorID = getEnv("OPERATOR_ID", c.OperatorID)
	c.ResponseWindowSeconds = getEnvInt("RESPONSE_WINDOW_SECONDS", c.ResponseWindowSeconds)
	c.PendingTTLMS = getEnvInt64("PENDING_TTL_MS", c.PendingTTLMS)
	c.WriteTimeoutMS = getEnvInt64("WRITE_TIMEOUT_MS", c.WriteTimeoutMS)
	c.TickIntervalMS = getEnvInt64("TICK_INTERVAL_MS", c.TickIntervalMS)
	c.LeaseTTLSeconds = getEnvInt("LEASE_TTL_SECONDS", c.LeaseTTLSeconds)
	c.LegacyLocationCap = getEnvInt("LEGACY_LOCATION_CAP", c.LegacyLocationCap)

	if c.PodID == "" {
		c.PodID = generatePodID()
	}
	clampPositive(c)
}

// clampPositive restores the default for every interval, timeout and limit
// that is zero or negative. Tickers and timers panic on non-positive periods.
func clampPositive(c *Config) {
	d := Defaults()

	if c.ResponseWindowSeconds <= 0 {
		c.ResponseWindowSeconds = d.ResponseWindowSeconds
	}
	if c.PendingTTLMS <= 0 {
		c.PendingTTLMS = d.PendingTTLMS
	}
	if c.WriteTimeoutMS <= 0 {
		c.WriteTimeoutMS = d.WriteTimeoutMS
	}
	if c.TickIntervalMS <= 0 {
		c.TickIntervalMS = d.TickIntervalMS
	}
	if c.LeaseTTLSeconds <= 0 {
		c.LeaseTTLSeconds = d.LeaseTTLSeconds
	}
	if c.LegacyLocationCap <= 0 {
		c.LegacyLocationCap = d.LegacyLocationCap
	}
}

func (c *Config) ResponseWindow() time.Duration {
	return time.Duration(c.ResponseWindowSeconds) * time.Second
}

func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLMS) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
