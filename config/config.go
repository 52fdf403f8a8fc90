package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Network   NetworkConfig
	Sync      SyncConfig
	Reactions ReactionsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/streamgrid?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// NetworkConfig holds defaults for the resilient HTTP client and the
// optional analytics webhook that receives finalized session stats.
type NetworkConfig struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	CacheTTL   time.Duration
	WebhookURL string // empty disables the webhook
}

// SyncConfig holds viewer sync tunables.
type SyncConfig struct {
	DriftThreshold float64       // seconds of drift before a correction fires
	CheckInterval  time.Duration // drift check cadence
	ResyncAfter    time.Duration // elapsed time before a viewer re-syncs automatically
}

// ReactionsConfig holds reaction pipeline tunables.
type ReactionsConfig struct {
	MaxPerSecond   int
	Lifetime       time.Duration
	BurstThreshold int
	BatchSize      int
	BatchInterval  time.Duration
	HeatmapCells   int
	StoragePath    string // file for user-created custom reactions
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/streamgrid?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "streamgrid"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		Network: NetworkConfig{
			Timeout:    time.Duration(getEnvInt("NET_TIMEOUT_MS", 15000)) * time.Millisecond,
			Retries:    getEnvInt("NET_RETRIES", 3),
			RetryDelay: time.Duration(getEnvInt("NET_RETRY_DELAY_MS", 1000)) * time.Millisecond,
			CacheTTL:   time.Duration(getEnvInt("NET_CACHE_TTL_SEC", 300)) * time.Second,
			WebhookURL: getEnv("NET_WEBHOOK_URL", ""),
		},
		Sync: SyncConfig{
			DriftThreshold: getEnvFloat("SYNC_DRIFT_THRESHOLD_SEC", 0.5),
			CheckInterval:  time.Duration(getEnvInt("SYNC_CHECK_INTERVAL_MS", 1000)) * time.Millisecond,
			ResyncAfter:    time.Duration(getEnvInt("SYNC_RESYNC_AFTER_SEC", 10)) * time.Second,
		},
		Reactions: ReactionsConfig{
			MaxPerSecond:   getEnvInt("REACTIONS_MAX_PER_SECOND", 10),
			Lifetime:       time.Duration(getEnvInt("REACTIONS_LIFETIME_MS", 5000)) * time.Millisecond,
			BurstThreshold: getEnvInt("REACTIONS_BURST_THRESHOLD", 10),
			BatchSize:      getEnvInt("REACTIONS_BATCH_SIZE", 10),
			BatchInterval:  time.Duration(getEnvInt("REACTIONS_BATCH_INTERVAL_MS", 100)) * time.Millisecond,
			HeatmapCells:   getEnvInt("REACTIONS_HEATMAP_CELLS", 20),
			StoragePath:    getEnv("REACTIONS_STORAGE_PATH", "custom_reactions.json"),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
