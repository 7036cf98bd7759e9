package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Licensing LicensingConfig `yaml:"licensing" envconfig:"LICENSING"`
	Sessions  SessionsConfig  `yaml:"sessions" envconfig:"SESSIONS"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LicensingConfig contains license handling configuration
type LicensingConfig struct {
	// KeyFile is where the activated license key string is persisted.
	KeyFile string `yaml:"key_file" envconfig:"KEY_FILE" default:"license.key"`
	// GrantCacheSize bounds the decoded-grant cache.
	GrantCacheSize int `yaml:"grant_cache_size" envconfig:"GRANT_CACHE_SIZE" default:"128"`
	// GrantCacheTTL is how long a decoded grant may be reused before the
	// key string is re-parsed. Expiry freshness is still re-checked on
	// every validation regardless of this TTL.
	GrantCacheTTL time.Duration `yaml:"grant_cache_ttl" envconfig:"GRANT_CACHE_TTL" default:"5m"`
}

// SessionsConfig contains session registry and reaper configuration
type SessionsConfig struct {
	// IdleThreshold is the single staleness threshold shared by the
	// capacity ledger and the reaper.
	IdleThreshold time.Duration `yaml:"idle_threshold" envconfig:"IDLE_THRESHOLD" default:"30m"`
	// SweepInterval is how often the reaper scans for stale sessions.
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"10m"`
	// ReserveTimeout bounds how long a seat reservation may wait for its
	// (organization, role) stripe before failing fast as retryable.
	ReserveTimeout time.Duration `yaml:"reserve_timeout" envconfig:"RESERVE_TIMEOUT" default:"2s"`
}

// AuthConfig contains signed session token configuration
type AuthConfig struct {
	// TokenSecret is the HS256 shared secret used to verify session tokens.
	TokenSecret string `yaml:"token_secret" envconfig:"TOKEN_SECRET"`
	// TokenLeeway tolerates clock skew when validating iat/exp claims.
	TokenLeeway time.Duration `yaml:"token_leeway" envconfig:"TOKEN_LEEWAY" default:"30s"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/snowgate.log"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"1024"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" default:"30s"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" default:"60s"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("SNOWGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := configFilePath()
	if _, err := os.Stat(configFile); err == nil {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func configFilePath() string {
	if p := os.Getenv("SNOWGATE_CONFIG"); p != "" {
		return p
	}
	return "snowgate.yaml"
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Server.ReadTimeout == 0 {
		envConfig.Server.ReadTimeout = fileConfig.Server.ReadTimeout
	}
	if envConfig.Sessions.IdleThreshold == 0 {
		envConfig.Sessions.IdleThreshold = fileConfig.Sessions.IdleThreshold
	}
	if envConfig.Sessions.SweepInterval == 0 {
		envConfig.Sessions.SweepInterval = fileConfig.Sessions.SweepInterval
	}
	if envConfig.Licensing.KeyFile == "" {
		envConfig.Licensing.KeyFile = fileConfig.Licensing.KeyFile
	}
	if envConfig.Auth.TokenSecret == "" {
		envConfig.Auth.TokenSecret = fileConfig.Auth.TokenSecret
	}
	if envConfig.Logging.Level == "" {
		envConfig.Logging.Level = fileConfig.Logging.Level
	}

	return envConfig
}

// validate checks configuration invariants that would otherwise surface as
// runtime bugs: the ledger and the reaper share Sessions.IdleThreshold, so a
// non-positive value would silently disable staleness everywhere.
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Sessions.IdleThreshold <= 0 {
		return fmt.Errorf("sessions idle_threshold must be positive, got %s", c.Sessions.IdleThreshold)
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions sweep_interval must be positive, got %s", c.Sessions.SweepInterval)
	}
	if c.Sessions.ReserveTimeout <= 0 {
		return fmt.Errorf("sessions reserve_timeout must be positive, got %s", c.Sessions.ReserveTimeout)
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth token_secret is required")
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive when enabled")
	}
	return nil
}

// GetLicenseKeyFile returns the path of the persisted license key
func (c *Config) GetLicenseKeyFile() string {
	return c.Licensing.KeyFile
}
