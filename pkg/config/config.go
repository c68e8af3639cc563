// Package config loads daemon configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the daemon-level configuration
type Config struct {
	UserID   string
	LogLevel string

	// Storage
	SQLitePath string
	RedisAddr  string
	RedisPass  string
	RedisDB    int
	RedisTTL   time.Duration

	// Metrics
	MetricsEnabled bool
	MetricsPort    int

	// MQTT
	MQTTEnabled  bool
	MQTTBroker   string
	MQTTPort     int
	MQTTUsername string
	MQTTPassword string

	// Notifications
	NotifyEnabled  bool
	NotifyEndpoint string
	NotifyToken    string
	NotifyUser     string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		UserID:   getEnv("PROXIMITYD_USER_ID", "default"),
		LogLevel: getEnv("PROXIMITYD_LOG_LEVEL", "info"),

		SQLitePath: getEnv("PROXIMITYD_SQLITE_PATH", "proximityd.db"),
		RedisAddr:  getEnv("PROXIMITYD_REDIS_ADDR", ""),
		RedisPass:  getEnv("PROXIMITYD_REDIS_PASSWORD", ""),
		RedisDB:    getEnvAsInt("PROXIMITYD_REDIS_DB", 0),
		RedisTTL:   time.Duration(getEnvAsInt("PROXIMITYD_REDIS_TTL_HOURS", 0)) * time.Hour,

		MetricsEnabled: getEnvAsBool("PROXIMITYD_METRICS_ENABLED", true),
		MetricsPort:    getEnvAsInt("PROXIMITYD_METRICS_PORT", 9101),

		MQTTEnabled:  getEnvAsBool("PROXIMITYD_MQTT_ENABLED", false),
		MQTTBroker:   getEnv("PROXIMITYD_MQTT_BROKER", "localhost"),
		MQTTPort:     getEnvAsInt("PROXIMITYD_MQTT_PORT", 1883),
		MQTTUsername: getEnv("PROXIMITYD_MQTT_USERNAME", ""),
		MQTTPassword: getEnv("PROXIMITYD_MQTT_PASSWORD", ""),

		NotifyEnabled:  getEnvAsBool("PROXIMITYD_NOTIFY_ENABLED", false),
		NotifyEndpoint: getEnv("PROXIMITYD_NOTIFY_ENDPOINT", "https://api.pushover.net/1/messages.json"),
		NotifyToken:    getEnv("PROXIMITYD_NOTIFY_TOKEN", ""),
		NotifyUser:     getEnv("PROXIMITYD_NOTIFY_USER", ""),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
