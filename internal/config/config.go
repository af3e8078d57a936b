package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PRINTDESK_"

type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Mongo      MongoConfig      `yaml:"mongo" toml:"mongo"`
	Store      string           `yaml:"store" toml:"store"`
	Printers   PrintersConfig   `yaml:"printers" toml:"printers"`
	Queue      QueueConfig      `yaml:"queue" toml:"queue"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" toml:"dispatcher"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Webhooks   []WebhookConfig  `yaml:"webhooks" toml:"webhooks"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

type ServerConfig struct {
	Port           int           `yaml:"port" toml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes" toml:"max_upload_bytes"`
	RateLimit      float64       `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst" toml:"rate_burst"`
}

type DatabaseConfig struct {
	Path        string `yaml:"path" toml:"path"`
	ArchivePath string `yaml:"archive_path" toml:"archive_path"`
	ArchiveDays int    `yaml:"archive_days" toml:"archive_days"`
}

type MongoConfig struct {
	URI        string `yaml:"uri" toml:"uri"`
	Database   string `yaml:"database" toml:"database"`
	Collection string `yaml:"collection" toml:"collection"`
	Bucket     string `yaml:"bucket" toml:"bucket"`
	Watch      bool   `yaml:"watch" toml:"watch"`
}

type PrintersConfig struct {
	DiscoveryInterval time.Duration     `yaml:"discovery_interval" toml:"discovery_interval"`
	PrintTimeout      time.Duration     `yaml:"print_timeout" toml:"print_timeout"`
	ConnectionTimeout time.Duration     `yaml:"connection_timeout" toml:"connection_timeout"`
	StaleAfter        time.Duration     `yaml:"stale_after" toml:"stale_after"`
	Spooler           string            `yaml:"spooler" toml:"spooler"`
	Endpoints         map[string]string `yaml:"endpoints" toml:"endpoints"`
	Online            []string          `yaml:"online" toml:"online"`
}

type QueueConfig struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled"`
	Window      time.Duration `yaml:"window" toml:"window"`
	MaxRankDrop int           `yaml:"max_rank_drop" toml:"max_rank_drop"`
}

type DispatcherConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" toml:"fetch_timeout"`
	TempDir         string        `yaml:"temp_dir" toml:"temp_dir"`
	Automation      bool          `yaml:"automation" toml:"automation"`
	DispatchRetries int           `yaml:"dispatch_retries" toml:"dispatch_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay" toml:"retry_delay"`
}

type AuthConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	JWTSecret     string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl" toml:"token_ttl"`
	AdminUser     string        `yaml:"admin_user" toml:"admin_user"`
	AdminPassHash string        `yaml:"admin_password_hash" toml:"admin_password_hash"`
}

type WebhookConfig struct {
	URL        string   `yaml:"url" toml:"url"`
	Secret     string   `yaml:"secret" toml:"secret"`
	Events     []string `yaml:"events" toml:"events"`
	Recipients []string `yaml:"recipients" toml:"recipients"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxUploadBytes: 50 << 20,
			RateLimit:      2,
			RateBurst:      10,
		},
		Database: DatabaseConfig{
			Path:        "./data/printdesk.db",
			ArchivePath: "./data/archives",
			ArchiveDays: 30,
		},
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "printdesk",
			Collection: "printjobs",
			Bucket:     "pdfs",
		},
		Store: "sqlite",
		Printers: PrintersConfig{
			DiscoveryInterval: 60 * time.Second,
			PrintTimeout:      2 * time.Minute,
			ConnectionTimeout: 10 * time.Second,
			Spooler:           "lp",
		},
		Queue: QueueConfig{
			Window:      3 * time.Second,
			MaxRankDrop: 5,
		},
		Dispatcher: DispatcherConfig{
			PollInterval: 5 * time.Second,
			FetchTimeout: 30 * time.Second,
			Automation:   true,
			RetryDelay:   10 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL:  12 * time.Hour,
			AdminUser: "admin",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

// Load reads a YAML or TOML file (chosen by extension) over the defaults.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields from PRINTDESK_* variables.
func (c *Config) ApplyEnv() {
	if v := getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := getenv("DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := getenv("ARCHIVE_PATH"); v != "" {
		c.Database.ArchivePath = v
	}

	if v := getenv("STORE"); v != "" {
		c.Store = v
	}

	if v := getenv("MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}

	if v := getenv("MONGO_DB"); v != "" {
		c.Mongo.Database = v
	}

	if v := getenv("SPOOLER"); v != "" {
		c.Printers.Spooler = v
	}

	if v := getenv("PRINTERS_ONLINE"); v != "" {
		c.Printers.Online = splitList(v)
	}

	if v := getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Dispatcher.PollInterval = d
		}
	}

	if v := getenv("AUTOMATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Dispatcher.Automation = b
		}
	}

	if v := getenv("QUEUE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Queue.Enabled = b
		}
	}

	if v := getenv("QUEUE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Queue.Window = d
		}
	}

	if v := getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("rate limit and burst must be non-negative")
	}

	switch c.Store {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required")
		}
	case "mongo":
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("mongo uri and database are required")
		}
	default:
		return fmt.Errorf("invalid store: %s (valid: sqlite, mongo)", c.Store)
	}

	if c.Database.ArchiveDays < 0 {
		return fmt.Errorf("archive days must be non-negative")
	}

	if c.Printers.DiscoveryInterval < 0 {
		return fmt.Errorf("discovery interval must be non-negative")
	}

	if c.Printers.PrintTimeout < 0 {
		return fmt.Errorf("print timeout must be non-negative")
	}

	if c.Printers.StaleAfter < 0 {
		return fmt.Errorf("stale after must be non-negative")
	}

	switch c.Printers.Spooler {
	case "lp":
	case "raw":
		if len(c.Printers.Endpoints) == 0 {
			return fmt.Errorf("raw spooler requires at least one printer endpoint")
		}
	default:
		return fmt.Errorf("invalid spooler: %s (valid: lp, raw)", c.Printers.Spooler)
	}

	if c.Queue.Window <= 0 {
		return fmt.Errorf("queue window must be positive")
	}

	if c.Queue.MaxRankDrop < 0 {
		return fmt.Errorf("max rank drop must be non-negative")
	}

	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Dispatcher.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout must be non-negative")
	}

	if c.Dispatcher.DispatchRetries < 0 {
		return fmt.Errorf("dispatch retries must be non-negative")
	}

	if c.Dispatcher.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be non-negative")
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("jwt secret is required when auth is enabled")
		}
		if c.Auth.AdminPassHash == "" {
			return fmt.Errorf("admin password hash is required when auth is enabled")
		}
	}

	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %d: url is required", i)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
