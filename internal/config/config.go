package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all the configuration for the application.
type Config struct {
	Env          string `yaml:"env" env:"ENV" env-default:"production"`
	HTTPServer   `yaml:"http_server"`
	Database     `yaml:"database"`
	URLShortener `yaml:"url_shortener"`
	Cache        `yaml:"cache"`
	Clicks       `yaml:"clicks"`
	Cleanup      `yaml:"cleanup"`
}

// HTTPServer holds HTTP server specific configuration.
type HTTPServer struct {
	Port         int           `yaml:"port" env:"HTTP_SERVER_PORT" env-default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"30s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
}

// Database holds PostgreSQL connection configuration.
type Database struct {
	Host            string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port            int    `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User            string `yaml:"user" env:"DB_USER" env-default:"postgres"`
	Password        string `yaml:"password" env:"DB_PASSWORD" env-default:""`
	DBName          string `yaml:"dbname" env:"DB_NAME" env-default:"qlink"`
	SSLMode         string `yaml:"sslmode" env:"DB_SSLMODE" env-default:"disable"`
	Timezone        string `yaml:"timezone" env:"DB_TIMEZONE" env-default:"UTC"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"100"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" env-default:"1h"`
	AutoMigrate     bool   `yaml:"auto_migrate" env:"DB_AUTO_MIGRATE" env-default:"false"`
}

// URLShortener holds service-specific configuration.
type URLShortener struct {
	CodeLength            int    `yaml:"code_length" env:"CODE_LENGTH" env-default:"8"`
	MaxGenerationAttempts int    `yaml:"max_generation_attempts" env:"MAX_GENERATION_ATTEMPTS" env-default:"5"`
	BaseURL               string `yaml:"base_url" env:"BASE_URL" env-default:"http://localhost:8080"`
	ClickRetentionDays    int    `yaml:"click_retention_days" env:"CLICK_RETENTION_DAYS" env-default:"90"`
	AnalyticsWindowDays   int    `yaml:"analytics_window_days" env:"ANALYTICS_WINDOW_DAYS" env-default:"30"`
}

// Cache holds cache layer configuration.
type Cache struct {
	MaxEntriesPerNamespace int           `yaml:"max_entries_per_namespace" env:"CACHE_MAX_ENTRIES" env-default:"10000"`
	MappingTTL             time.Duration `yaml:"mapping_ttl" env:"CACHE_MAPPING_TTL" env-default:"1h"`
	AnalyticsTTL           time.Duration `yaml:"analytics_ttl" env:"CACHE_ANALYTICS_TTL" env-default:"5m"`
	StatsTTL               time.Duration `yaml:"stats_ttl" env:"CACHE_STATS_TTL" env-default:"1m"`
	JanitorInterval        time.Duration `yaml:"janitor_interval" env:"CACHE_JANITOR_INTERVAL" env-default:"1m"`
}

// Clicks holds click recording pipeline configuration.
type Clicks struct {
	WorkerCount     int           `yaml:"worker_count" env:"CLICKS_WORKER_COUNT" env-default:"3"`
	BufferSize      int           `yaml:"buffer_size" env:"CLICKS_BUFFER_SIZE" env-default:"1000"`
	RetryAttempts   int           `yaml:"retry_attempts" env:"CLICKS_RETRY_ATTEMPTS" env-default:"3"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"CLICKS_RETRY_DELAY" env-default:"1s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CLICKS_SHUTDOWN_TIMEOUT" env-default:"30s"`
}

// Cleanup holds the retention sweep schedule.
type Cleanup struct {
	Interval time.Duration `yaml:"interval" env:"CLEANUP_INTERVAL" env-default:"1h"`
}

// MustLoad loads the application configuration.
func MustLoad() *Config {
	// Try to load .env file (ignore error in production)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment variables")
	}

	var cfg Config

	// Check if config file path is specified
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/local.yml" // default path
	}

	// Try to load config file
	if _, err := os.Stat(configPath); err == nil {
		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			log.Fatalf("cannot read config: %s", err)
		}
	} else {
		// If config file doesn't exist, use environment variables only
		log.Println("Config file not found, using environment variables only")
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			log.Fatalf("cannot read config from environment: %s", err)
		}
	}

	return &cfg
}
