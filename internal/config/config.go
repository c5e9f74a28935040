// Package config 配置
package config

import (
	"os"
	"strconv"
	"time"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string

	// 是否在启动时建表
	AutoMigrate bool

	// Streams
	SagaStream    string
	AlertStream   string
	ConsumerGroup string
	ConsumerName  string
	WorkerCount   int

	// Definitions and participant endpoints
	DefinitionsPath  string
	ParticipantsPath string

	// Execution
	LeaseTTL       time.Duration
	IdempotencyTTL time.Duration

	// Recovery sweeper
	SweepInterval     time.Duration
	SweepCron         string
	StuckAfter        time.Duration
	MaxResumeAttempts int
	SweepBatchSize    int

	// 终态实例保留时长，0 表示不清理
	Retention time.Duration
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "saga-orchestrator"),
		HTTPPort:    getEnvInt("HTTP_PORT", 8090),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5436),
		DBUser:     getEnv("DB_USER", "saga"),
		DBPassword: getEnv("DB_PASSWORD", "saga123"),
		DBName:     getEnv("DB_NAME", "saga"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6380"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		AutoMigrate: getEnvBool("SAGA_AUTO_MIGRATE", true),

		SagaStream:    getEnv("SAGA_STREAM", "saga:dispatch"),
		AlertStream:   getEnv("ALERT_STREAM", "saga:alerts"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "saga-workers"),
		ConsumerName:  getEnv("CONSUMER_NAME", "saga-worker-1"),
		WorkerCount:   getEnvInt("WORKER_COUNT", 4),

		DefinitionsPath:  getEnv("DEFINITIONS_PATH", "definitions.json"),
		ParticipantsPath: getEnv("PARTICIPANTS_PATH", "participants.json"),

		LeaseTTL:       getEnvDuration("LEASE_TTL", 30*time.Second),
		IdempotencyTTL: getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),

		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", time.Minute),
		SweepCron:         getEnv("SWEEP_CRON", ""),
		StuckAfter:        getEnvDuration("STUCK_AFTER", 2*time.Minute),
		MaxResumeAttempts: getEnvInt("MAX_RESUME_ATTEMPTS", 5),
		SweepBatchSize:    getEnvInt("SWEEP_BATCH_SIZE", 100),

		Retention: getEnvDuration("RETENTION_PERIOD", 0),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
