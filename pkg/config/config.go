// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Identity IdentityConfig
	Protocol ProtocolConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
}

// IdentityConfig fixes the singleton identities of the protocol.
// They are set at construction and immutable afterwards.
type IdentityConfig struct {
	TrustedRelay   string
	Operator       string
	Coordinator    string
	CustodyAddress string
	LendingAddress string
	CustodyDomain  uint32
	LendingDomain  uint32
}

// ProtocolConfig holds the lending protocol constants. Prices and amounts
// are integer ledger-native units.
type ProtocolConfig struct {
	MinFeeBuffer             uint64
	LTVPercent               uint64
	LiquidationThreshold     uint64
	EmergencyThreshold       uint64
	MaxLoanSize              uint64
	NormalExecutionBudget    uint64
	EmergencyExecutionBudget uint64
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "change-this-secret"),
		},
		Identity: IdentityConfig{
			TrustedRelay:   getEnv("TRUSTED_RELAY_IDENTITY", "relay-1"),
			Operator:       getEnv("OPERATOR_IDENTITY", "operator-1"),
			Coordinator:    getEnv("COORDINATOR_ADDRESS", "coordinator-1"),
			CustodyAddress: getEnv("CUSTODY_ADDRESS", "custody-1"),
			LendingAddress: getEnv("LENDING_ADDRESS", "lending-1"),
			CustodyDomain:  uint32(getIntEnv("CUSTODY_DOMAIN", 1)),
			LendingDomain:  uint32(getIntEnv("LENDING_DOMAIN", 2)),
		},
		Protocol: ProtocolConfig{
			MinFeeBuffer:             getUint64Env("MIN_FEE_BUFFER", 100),
			LTVPercent:               getUint64Env("LTV_PERCENT", 70),
			LiquidationThreshold:     getUint64Env("LIQUIDATION_THRESHOLD", 1800),
			EmergencyThreshold:       getUint64Env("EMERGENCY_THRESHOLD", 1700),
			MaxLoanSize:              getUint64Env("MAX_LOAN_SIZE", 1_000_000),
			NormalExecutionBudget:    getUint64Env("NORMAL_EXECUTION_BUDGET", 200_000),
			EmergencyExecutionBudget: getUint64Env("EMERGENCY_EXECUTION_BUDGET", 500_000),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getUint64Env(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
