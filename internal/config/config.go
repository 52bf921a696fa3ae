package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Token
	TokenSecret    string
	AccessTokenTTL time.Duration

	// WebSocket
	WSIdleTimeout     time.Duration
	WSWriteTimeout    time.Duration
	WSSendBuffer      int
	WSMaxMissedProbes int
	WSMaxMessageSize  int64

	// Redis（空の場合はプロセス内配信のみ）
	RedisURL     string
	RedisChannel string

	// Rate Limit
	RateLimitGeneral int
	RateLimitLogin   int

	// Cleanup
	TaskRetentionDays int
	CleanupInterval   time.Duration

	// Server
	ServerPort     string
	MaxConnections int

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// minTokenSecretBytes はHS256署名鍵の最小長。
const minTokenSecretBytes = 32

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.TokenSecret = os.Getenv("TOKEN_SECRET")
	if cfg.TokenSecret == "" {
		missing = append(missing, "TOKEN_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}
	if len(cfg.TokenSecret) < minTokenSecretBytes {
		return nil, fmt.Errorf("TOKEN_SECRET must be at least %d bytes", minTokenSecretBytes)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", 30*time.Minute)
	cfg.WSIdleTimeout = getEnvDuration("WS_IDLE_TIMEOUT", 30*time.Second)
	cfg.WSWriteTimeout = getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second)
	cfg.WSSendBuffer = getEnvInt("WS_SEND_BUFFER", 32)
	cfg.WSMaxMissedProbes = getEnvInt("WS_MAX_MISSED_PROBES", 0)
	cfg.WSMaxMessageSize = getEnvInt64("WS_MAX_MESSAGE_SIZE", 512)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.RedisChannel = getEnvString("REDIS_CHANNEL", "taskman:events")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.TaskRetentionDays = getEnvInt("TASK_RETENTION_DAYS", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", 1000)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
