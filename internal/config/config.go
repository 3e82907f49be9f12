package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	RabbitMQ   RabbitMQConfig
	Redis      RedisConfig
	Provider   ProviderConfig
	RateLimit  RateLimitConfig
	Dispatcher DispatcherConfig
	Campaign   CampaignConfig
	Security   SecurityConfig
	LogLevel   string
}

type ServerConfig struct {
	Port string
	Host string
}

type DatabaseConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	DBName        string
	SSLMode       string
	RunMigrations bool
}

type RabbitMQConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	VHost    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProviderConfig holds the messaging provider's webhook and Graph API settings.
type ProviderConfig struct {
	AppSecret   string
	VerifyToken string
	GraphURL    string
	HTTPTimeout time.Duration
}

type RateLimitConfig struct {
	Backend         string // "redis" or "memory"
	Capacity        int
	RefillPerSecond float64
	MaxWait         time.Duration
	PollInterval    time.Duration
}

// DispatcherConfig covers the inbound event queue and its workers.
type DispatcherConfig struct {
	EventQueue     string
	WorkerCount    int
	MaxAttempts    int
	EnqueueBuffer  int
	EnqueueWorkers int
	SweepInterval  time.Duration
	SweepGrace     time.Duration
}

type CampaignConfig struct {
	JobQueue     string
	WorkerCount  int
	MaxAttempts  int
	LargeListCap int
}

type SecurityConfig struct {
	APIKey                  string
	EncryptionKey           string
	SignatureAlertThreshold int
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var missing []string
	var invalid []string

	get := func(key string) string {
		val := os.Getenv(key)
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}

	getOr := func(key, def string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return def
	}

	getInt := func(key string, def int) int {
		val := os.Getenv(key)
		if val == "" {
			return def
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			invalid = append(invalid, key)
			return def
		}
		return n
	}

	getFloat := func(key string, def float64) float64 {
		val := os.Getenv(key)
		if val == "" {
			return def
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			invalid = append(invalid, key)
			return def
		}
		return f
	}

	config := &Config{
		Server: ServerConfig{
			Port: getOr("SERVER_PORT", "8080"),
			Host: getOr("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Host:          get("DB_HOST"),
			Port:          getOr("DB_PORT", "5432"),
			User:          get("DB_USER"),
			Password:      get("DB_PASSWORD"),
			DBName:        get("DB_NAME"),
			SSLMode:       getOr("DB_SSLMODE", "disable"),
			RunMigrations: strings.EqualFold(getOr("RUN_MIGRATIONS", "true"), "true"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      os.Getenv("RABBITMQ_URL"),
			Host:     getOr("RABBITMQ_HOST", "localhost"),
			Port:     getOr("RABBITMQ_PORT", "5672"),
			User:     getOr("RABBITMQ_USER", "guest"),
			Password: getOr("RABBITMQ_PASSWORD", "guest"),
			VHost:    getOr("RABBITMQ_VHOST", "/"),
		},
		Redis: RedisConfig{
			Addr:     getOr("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0),
		},
		Provider: ProviderConfig{
			AppSecret:   get("PROVIDER_APP_SECRET"),
			VerifyToken: get("PROVIDER_VERIFY_TOKEN"),
			GraphURL:    getOr("PROVIDER_GRAPH_URL", "https://graph.facebook.com/v19.0"),
			HTTPTimeout: time.Duration(getInt("PROVIDER_HTTP_TIMEOUT_SECONDS", 15)) * time.Second,
		},
		RateLimit: RateLimitConfig{
			Backend:         strings.ToLower(getOr("RATE_LIMIT_BACKEND", "redis")),
			Capacity:        getInt("RATE_LIMIT_CAPACITY", 80),
			RefillPerSecond: getFloat("RATE_LIMIT_REFILL_PER_SECOND", 80),
			MaxWait:         time.Duration(getInt("RATE_LIMIT_MAX_WAIT_MS", 5000)) * time.Millisecond,
			PollInterval:    50 * time.Millisecond,
		},
		Dispatcher: DispatcherConfig{
			EventQueue:     getOr("EVENT_QUEUE", "provider_events"),
			WorkerCount:    getInt("WORKER_COUNT", 4),
			MaxAttempts:    getInt("MAX_ATTEMPTS", 3),
			EnqueueBuffer:  getInt("ENQUEUE_BUFFER", 1024),
			EnqueueWorkers: getInt("ENQUEUE_WORKERS", 2),
			SweepInterval:  time.Duration(getInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
			SweepGrace:     time.Duration(getInt("SWEEP_GRACE_SECONDS", 300)) * time.Second,
		},
		Campaign: CampaignConfig{
			JobQueue:     getOr("CAMPAIGN_QUEUE", "campaign_jobs"),
			WorkerCount:  getInt("CAMPAIGN_WORKER_COUNT", 8),
			MaxAttempts:  getInt("MAX_ATTEMPTS", 3),
			LargeListCap: getInt("CAMPAIGN_LARGE_LIST", 10000),
		},
		Security: SecurityConfig{
			APIKey:                  get("API_KEY"),
			EncryptionKey:           get("ENCRYPTION_KEY"),
			SignatureAlertThreshold: getInt("SIGNATURE_ALERT_THRESHOLD", 10),
		},
		LogLevel: getOr("LOG_LEVEL", "info"),
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid numeric environment variables: %v", invalid)
	}
	if config.RateLimit.Backend != "redis" && config.RateLimit.Backend != "memory" {
		return nil, fmt.Errorf("RATE_LIMIT_BACKEND must be redis or memory, got %q", config.RateLimit.Backend)
	}

	return config, nil
}

// ConnectionString returns a DSN string for GORM
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.DBName, c.Port, c.SSLMode)
}

// MigrationURL returns the URL form golang-migrate expects.
func (c *DatabaseConfig) MigrationURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

func (c *RabbitMQConfig) ConnectionURL() string {
	if c.URL != "" {
		return c.URL
	}
	vhost := c.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s/%s",
		c.User, c.Password, c.Host, c.Port, strings.TrimPrefix(vhost, "/"))
}
