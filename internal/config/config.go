package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Postgres struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type Config struct {
	Port          string
	MQTTBrokerURL string
	RedisAddr     string
	RedisPassword string
	JWTSecret     string

	CommandTimeout     time.Duration
	DeviceOfflineAfter time.Duration
	HubOfflineAfter    time.Duration
	PairingWindow      time.Duration
	RolloutMaxAttempts int
	RolloutGrace       time.Duration
	RingSize           int

	Postgres Postgres
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func Load() Config {
	return Config{
		Port:          env("GRIDNEST_PORT", "8080"),
		MQTTBrokerURL: env("MQTT_BROKER_URL", "tcp://mosquitto:1883"),
		RedisAddr:     env("REDIS_ADDR", "redis:6379"),
		RedisPassword: env("REDIS_PASSWORD", ""),
		JWTSecret:     env("JWT_SECRET", "dev-secret-change-me"),

		CommandTimeout:     envDuration("COMMAND_TIMEOUT", 8*time.Second),
		DeviceOfflineAfter: envDuration("DEVICE_OFFLINE_AFTER", 90*time.Second),
		HubOfflineAfter:    envDuration("HUB_OFFLINE_AFTER", 120*time.Second),
		PairingWindow:      envDuration("ZIGBEE_PAIRING_WINDOW", 60*time.Second),
		RolloutMaxAttempts: envInt("ROLLOUT_MAX_ATTEMPTS", 3),
		RolloutGrace:       envDuration("ROLLOUT_SEAL_GRACE", 30*time.Second),
		RingSize:           envInt("REALTIME_RING_SIZE", 1024),

		Postgres: Postgres{
			User:     env("POSTGRES_USER", "postgres"),
			Password: env("POSTGRES_PASSWORD", "postgres"),
			DBName:   env("POSTGRES_DB", "gridnest"),
			Host:     env("POSTGRES_HOST", "postgres"),
			Port:     env("POSTGRES_PORT", "5432"),
			SSLMode:  env("POSTGRES_SSLMODE", "disable"),
		},
	}
}
