package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisURL string

	ServerPort string
	ServerHost string

	// NodeID identifies this process on the broadcast bus and in presence members
	NodeID string

	// Collaboration tuning
	PresenceTTL      time.Duration
	AwarenessTimeout time.Duration
	PersistDebounce  time.Duration
	ChatHistory      int

	// Writer pool configuration
	PersistWorkers   int
	PersistQueueSize int

	ShutdownTimeout time.Duration

	// Observability
	JaegerEndpoint string
	LogLevel       string
	LogFormat      string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "collabsync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisURL: getEnv("REDIS_URL", ""),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		NodeID: getEnv("NODE_ID", uuid.NewString()),

		PresenceTTL:      getEnvSeconds("PRESENCE_TTL_SECONDS", 60),
		AwarenessTimeout: getEnvSeconds("AWARENESS_TIMEOUT_SECONDS", 30),
		PersistDebounce:  time.Duration(getEnvInt("PERSIST_DEBOUNCE_MS", 3000)) * time.Millisecond,
		ChatHistory:      getEnvInt("CHAT_HISTORY_LIMIT", 20),

		PersistWorkers:   getEnvInt("PERSIST_WORKERS", 4),
		PersistQueueSize: getEnvInt("PERSIST_QUEUE_SIZE", 256),

		ShutdownTimeout: getEnvSeconds("SHUTDOWN_TIMEOUT_SECONDS", 10),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.PersistDebounce <= 0 {
		return fmt.Errorf("PERSIST_DEBOUNCE_MS must be positive")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("PRESENCE_TTL_SECONDS must be positive")
	}
	if c.AwarenessTimeout <= 0 {
		return fmt.Errorf("AWARENESS_TIMEOUT_SECONDS must be positive")
	}
	if c.PersistWorkers <= 0 {
		return fmt.Errorf("PERSIST_WORKERS must be positive")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}
