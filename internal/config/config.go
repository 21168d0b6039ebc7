package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr         string
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	JWTSecret        string
	JWTIssuer        string
	DirectoryBaseURL string
	DirectoryTimeout time.Duration

	DispatchQueueSize   int
	DispatchWorkers     int
	BusQueueSize        int
	ConnectionBuffer    int
	SnapshotTimeout     time.Duration
	SnapshotLimit       int
	StreamKeepAlive     time.Duration
	DedupTTL            time.Duration
	RetentionJobEnabled bool
	RetentionMaxAge     time.Duration
	RetentionInterval   time.Duration
}

func Load() Config {
	return Config{
		HTTPAddr:         getenv("HTTP_ADDR", ":8086"),
		DatabaseURL:      getenv("DATABASE_URL", ""),
		RedisAddr:        getenv("REDIS_ADDR", ""),
		RedisPassword:    getenv("REDIS_PASSWORD", ""),
		JWTSecret:        getenv("JWT_SECRET", "dev-secret"),
		JWTIssuer:        getenv("JWT_ISSUER", "campusfeed-auth"),
		DirectoryBaseURL: getenv("DIRECTORY_BASE_URL", ""),
		DirectoryTimeout: getenvDuration("DIRECTORY_TIMEOUT", 5*time.Second),

		DispatchQueueSize:   getenvInt("DISPATCH_QUEUE_SIZE", 256),
		DispatchWorkers:     getenvInt("DISPATCH_WORKERS", 4),
		BusQueueSize:        getenvInt("BUS_QUEUE_SIZE", 64),
		ConnectionBuffer:    getenvInt("CONNECTION_BUFFER", 32),
		SnapshotTimeout:     getenvDuration("SNAPSHOT_TIMEOUT", 3*time.Second),
		SnapshotLimit:       getenvInt("SNAPSHOT_LIMIT", 100),
		StreamKeepAlive:     getenvDuration("STREAM_KEEPALIVE", 25*time.Second),
		DedupTTL:            getenvDuration("DEDUP_TTL", 24*time.Hour),
		RetentionJobEnabled: getenvBool("RETENTION_JOB_ENABLED", true),
		RetentionMaxAge:     getenvDuration("RETENTION_MAX_AGE", 30*24*time.Hour),
		RetentionInterval:   getenvDuration("RETENTION_INTERVAL", time.Hour),
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
