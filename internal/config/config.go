package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all crawler configuration, loaded from the environment.
type Config struct {
	// KV store
	RedisAddr     string
	RedisDB       int
	RedisPoolSize int

	// Data layout
	DataDir  string
	SeedFile string

	// Identity
	ContactEmail string
	UserAgent    string

	// Concurrency and pacing
	Workers       int
	IdleSleep     time.Duration
	MinCrawlDelay time.Duration
	GlobalRate    float64 // pages/sec ceiling, 0 = unlimited

	// Politeness
	RobotsTTL       time.Duration
	RobotsCacheSize int
	ExclusionsFile  string

	// Fetching
	FetchTimeout time.Duration

	// Stop conditions
	MaxPages    int64
	MaxDuration time.Duration

	// Optional sinks
	PostgresURL  string
	MongoURL     string
	MongoDB      string
	KafkaBrokers []string
	KafkaTopic   string

	// Ops HTTP server
	OpsAddr string
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		RedisPoolSize:   getEnvInt("REDIS_POOL_SIZE", 200),
		DataDir:         getEnv("DATA_DIR", "./data"),
		SeedFile:        getEnv("SEED_FILE", ""),
		ContactEmail:    getEnv("CONTACT_EMAIL", ""),
		Workers:         getEnvInt("MAX_WORKERS", 500),
		IdleSleep:       getEnvDuration("IDLE_SLEEP", 10*time.Second),
		MinCrawlDelay:   getEnvDuration("MIN_CRAWL_DELAY", 70*time.Second),
		GlobalRate:      getEnvFloat("GLOBAL_RATE_LIMIT", 0),
		RobotsTTL:       getEnvDuration("ROBOTS_TTL", 24*time.Hour),
		RobotsCacheSize: getEnvInt("ROBOTS_CACHE_SIZE", 10000),
		ExclusionsFile:  getEnv("EXCLUSIONS_FILE", ""),
		FetchTimeout:    getEnvDuration("FETCH_TIMEOUT", 25*time.Second),
		MaxPages:        int64(getEnvInt("MAX_PAGES", 0)),
		MaxDuration:     getEnvDuration("MAX_DURATION", 0),
		PostgresURL:     getEnv("POSTGRES_URL", ""),
		MongoURL:        getEnv("MONGO_URL", ""),
		MongoDB:         getEnv("MONGO_DATABASE", "crawler"),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "visit-events"),
		OpsAddr:         getEnv("OPS_ADDR", ":8080"),
	}

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	cfg.UserAgent = buildUserAgent(cfg.ContactEmail)

	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("MAX_WORKERS must be positive, got %d", cfg.Workers)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DATA_DIR must not be empty")
	}

	return cfg, nil
}

// UAToken is the product token used for robots.txt group matching.
const UAToken = "PageHarvestBot"

func buildUserAgent(email string) string {
	if email == "" {
		return UAToken + "/1.0"
	}
	return fmt.Sprintf("%s/1.0 (+%s)", UAToken, email)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
