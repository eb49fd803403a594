package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	// stats.nba.com API
	StatsBaseURL    string        `envconfig:"STATS_BASE_URL" default:"https://stats.nba.com/stats"`
	StatsTimeout    time.Duration `envconfig:"STATS_TIMEOUT" default:"30s"`
	HTTPRetries     int           `envconfig:"HTTP_RETRIES" default:"3"`
	FetchRetries    int           `envconfig:"FETCH_RETRIES" default:"3"`
	FetchRetryDelay time.Duration `envconfig:"FETCH_RETRY_DELAY" default:"2s"`

	// Proxies: PROXY_LIST holds {"proxy": [...]} inline, PROXY_LIST_FILE points at the same shape on disk
	ProxyList     string `envconfig:"PROXY_LIST" default:""`
	ProxyListFile string `envconfig:"PROXY_LIST_FILE" default:""`

	// Database. DATABASE_PASSWORD_FILE points at a mounted secret such as /run/secrets/db_password
	DatabaseHost         string `envconfig:"DATABASE_HOST" default:"localhost"`
	DatabasePort         int    `envconfig:"DATABASE_PORT" default:"5432"`
	DatabaseName         string `envconfig:"DATABASE_NAME" default:"nba_db"`
	DatabaseUser         string `envconfig:"DATABASE_USER" default:"nbauser"`
	DatabasePassword     string `envconfig:"DATABASE_PASSWORD" default:""`
	DatabasePasswordFile string `envconfig:"DATABASE_PASSWORD_FILE" default:""`
	DatabaseSSLMode      string `envconfig:"DATABASE_SSL_MODE" default:"disable"`

	// SSH tunnel to the database host
	SSHTunnelEnabled bool          `envconfig:"SSH_TUNNEL_ENABLED" default:"false"`
	SSHHost          string        `envconfig:"SSH_HOST" default:""`
	SSHPort          int           `envconfig:"SSH_PORT" default:"22"`
	SSHUser          string        `envconfig:"SSH_USER" default:""`
	SSHPassword      string        `envconfig:"SSH_PASSWORD" default:""`
	SSHPasswordFile  string        `envconfig:"SSH_PASSWORD_FILE" default:""`
	SSHKnownHosts    string        `envconfig:"SSH_KNOWN_HOSTS" default:""`
	SSHTimeout       time.Duration `envconfig:"SSH_TIMEOUT" default:"15s"`

	// Redis response cache
	CacheEnabled  bool          `envconfig:"CACHE_ENABLED" default:"true"`
	CacheTTL      time.Duration `envconfig:"CACHE_TTL" default:"120h"`
	RedisHost     string        `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int           `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`

	// Application
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Ingestion
	LastNDays           int           `envconfig:"LAST_N_DAYS" default:"3"`
	BoxScoreConcurrency int           `envconfig:"BOXSCORE_CONCURRENCY" default:"1"`
	MaxDateAttempts     int           `envconfig:"MAX_DATE_ATTEMPTS" default:"5"`
	StaleClaimAfter     time.Duration `envconfig:"STALE_CLAIM_AFTER" default:"6h"`

	// Scheduler
	TrackDatesCron     string `envconfig:"TRACK_DATES_CRON" default:"25 8 * * *"`
	ProcessPendingCron string `envconfig:"PROCESS_PENDING_CRON" default:"25 9 * * *"`
	RunOnStart         bool   `envconfig:"RUN_ON_START" default:"false"`

	// Monitoring
	EnableMetrics bool `envconfig:"ENABLE_METRICS" default:"true"`
	MetricsPort   int  `envconfig:"METRICS_PORT" default:"9090"`
}

// Load loads configuration from environment variables
// It first attempts to load from .env file if in development mode
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DatabasePassword == "" {
		return fmt.Errorf("DATABASE_PASSWORD or DATABASE_PASSWORD_FILE is required")
	}

	if c.SSHTunnelEnabled && (c.SSHHost == "" || c.SSHUser == "") {
		return fmt.Errorf("SSH_HOST and SSH_USER are required when SSH_TUNNEL_ENABLED is set")
	}

	if c.LastNDays < 1 {
		return fmt.Errorf("LAST_N_DAYS must be at least 1, got %d", c.LastNDays)
	}

	if c.FetchRetries < 1 || c.FetchRetries > 10 {
		return fmt.Errorf("FETCH_RETRIES must be between 1 and 10, got %d", c.FetchRetries)
	}

	if c.BoxScoreConcurrency < 1 {
		return fmt.Errorf("BOXSCORE_CONCURRENCY must be at least 1, got %d", c.BoxScoreConcurrency)
	}

	if c.MaxDateAttempts < 1 {
		return fmt.Errorf("MAX_DATE_ATTEMPTS must be at least 1, got %d", c.MaxDateAttempts)
	}

	if c.ProxyList != "" && c.ProxyListFile != "" {
		return fmt.Errorf("set only one of PROXY_LIST and PROXY_LIST_FILE")
	}

	return nil
}

// resolveSecrets fills passwords from secret files; an explicit value wins
func (c *Config) resolveSecrets() error {
	if c.DatabasePassword == "" && c.DatabasePasswordFile != "" {
		secret, err := readSecretFile(c.DatabasePasswordFile)
		if err != nil {
			return err
		}
		c.DatabasePassword = secret
	}
	if c.SSHPassword == "" && c.SSHPasswordFile != "" {
		secret, err := readSecretFile(c.SSHPasswordFile)
		if err != nil {
			return err
		}
		c.SSHPassword = secret
	}
	return nil
}

// readSecretFile reads a mounted secret, rejecting missing or empty files
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseUser,
		c.DatabasePassword,
		c.DatabaseName,
		c.DatabaseSSLMode,
	)
}

// SSHAddr returns the SSH server address used for the database tunnel
func (c *Config) SSHAddr() string {
	return fmt.Sprintf("%s:%d", c.SSHHost, c.SSHPort)
}

// RedisAddr returns the Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// MustLoad loads configuration or panics on error
// Use this in main() where we want to fail fast
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
