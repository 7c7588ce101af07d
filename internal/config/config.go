package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Steam      SteamConfig      `mapstructure:"steam"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Session    SessionConfig    `mapstructure:"session"`
	Output     OutputConfig     `mapstructure:"output"`
	Resume     ResumeConfig     `mapstructure:"resume"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`

	// Loaded from the secrets file, never from config.yaml
	Credentials Credentials `mapstructure:"-"`
}

// ServerConfig holds the metrics endpoint address. Port 0 disables it.
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// SteamConfig describes the catalogue being indexed
type SteamConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	AppID         string `mapstructure:"app_id"`
	PageSize      int    `mapstructure:"page_size"`
	PoolSize      int    `mapstructure:"pool_size"`
	SortColumn    string `mapstructure:"sort_column"`
	SortDirection string `mapstructure:"sort_direction"`
}

// FetcherConfig controls cooldown and retry of every navigation
type FetcherConfig struct {
	Policy            string        `mapstructure:"policy"` // strict | rate_limit_only
	Cooldown          time.Duration `mapstructure:"cooldown"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	MaxElapsed        time.Duration `mapstructure:"max_elapsed"`
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	MaxPageRetries    int           `mapstructure:"max_page_retries"`
}

// EnrichmentConfig bounds the per-listing retry loop
type EnrichmentConfig struct {
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed"`
}

// BrowserConfig holds headless browser settings
type BrowserConfig struct {
	Headless  bool     `mapstructure:"headless"`
	ExecPath  string   `mapstructure:"exec_path"`
	UserAgent string   `mapstructure:"user_agent"`
	Referer   string   `mapstructure:"referer"`
	Proxies   []string `mapstructure:"proxies"`
}

// SessionConfig selects how the authenticated session is obtained
type SessionConfig struct {
	Mode         string        `mapstructure:"mode"` // cookies | login
	CookieFile   string        `mapstructure:"cookie_file"`
	SecretsFile  string        `mapstructure:"secrets_file"`
	LoginTimeout time.Duration `mapstructure:"login_timeout"`
}

// OutputConfig holds the destination file or folder
type OutputConfig struct {
	Path string `mapstructure:"path"`
}

// ResumeConfig selects where the next page to process is derived from
type ResumeConfig struct {
	Mode string `mapstructure:"mode"` // none | file | redis
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// RedisConfig holds Redis connection details
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Password      string `mapstructure:"password"`
	Database      int    `mapstructure:"database"`
	ConsumerGroup string `mapstructure:"consumer_group"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
}

// Credentials are the account username and password. String never prints the password.
type Credentials struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func (c Credentials) String() string {
	if c.Username == "" {
		return "<none>"
	}
	return "<redacted>"
}

// Load reads config from the YAML file at path (config.yaml in the working
// directory when empty), applies env overrides and loads credentials from
// the secrets file.
func Load(path string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Defaults plus environment are enough to run
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	creds, err := loadCredentials(config.Session.SecretsFile)
	if err != nil {
		return nil, err
	}
	config.Credentials = creds

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// loadCredentials reads {"username": ..., "password": ...} from the secrets
// file. A missing file yields empty credentials.
func loadCredentials(path string) (Credentials, error) {
	var creds Credentials
	if path == "" {
		return creds, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return creds, nil
		}
		return creds, fmt.Errorf("error reading secrets file: %w", err)
	}
	if err := v.Unmarshal(&creds); err != nil {
		return creds, fmt.Errorf("unable to decode secrets file: %w", err)
	}
	return creds, nil
}

// Validate rejects values the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Steam.AppID == "" {
		return fmt.Errorf("steam.app_id is required")
	}
	if c.Steam.PageSize <= 0 {
		return fmt.Errorf("steam.page_size must be positive, got %d", c.Steam.PageSize)
	}
	if c.Steam.PoolSize <= 0 {
		return fmt.Errorf("steam.pool_size must be positive, got %d", c.Steam.PoolSize)
	}
	if c.Fetcher.MaxAttempts <= 0 {
		return fmt.Errorf("fetcher.max_attempts must be positive, got %d", c.Fetcher.MaxAttempts)
	}
	if c.Enrichment.MaxAttempts <= 0 {
		return fmt.Errorf("enrichment.max_attempts must be positive, got %d", c.Enrichment.MaxAttempts)
	}
	if c.Fetcher.MaxPageRetries < 0 {
		return fmt.Errorf("fetcher.max_page_retries must not be negative, got %d", c.Fetcher.MaxPageRetries)
	}
	for name, d := range map[string]time.Duration{
		"fetcher.cooldown":           c.Fetcher.Cooldown,
		"fetcher.max_elapsed":        c.Fetcher.MaxElapsed,
		"fetcher.navigation_timeout": c.Fetcher.NavigationTimeout,
		"enrichment.wait_timeout":    c.Enrichment.WaitTimeout,
		"enrichment.max_elapsed":     c.Enrichment.MaxElapsed,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, d)
		}
	}
	if c.Fetcher.RequestsPerSecond < 0 {
		return fmt.Errorf("fetcher.requests_per_second must not be negative, got %d", c.Fetcher.RequestsPerSecond)
	}
	switch c.Fetcher.Policy {
	case "strict", "rate_limit_only":
	default:
		return fmt.Errorf("unknown fetcher.policy %q", c.Fetcher.Policy)
	}
	switch c.Session.Mode {
	case "cookies", "login":
	default:
		return fmt.Errorf("unknown session.mode %q", c.Session.Mode)
	}
	switch c.Resume.Mode {
	case "none", "file":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("resume.mode redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown resume.mode %q", c.Resume.Mode)
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path is required")
	}
	return nil
}

// MetricsAddr returns host:port of the metrics endpoint or "" when disabled
func (c *Config) MetricsAddr() string {
	if c.Server.Port <= 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 0)
	v.SetDefault("server.host", "localhost")

	v.SetDefault("steam.base_url", "https://steamcommunity.com")
	v.SetDefault("steam.app_id", "")
	v.SetDefault("steam.page_size", 10)
	v.SetDefault("steam.pool_size", 10)
	v.SetDefault("steam.sort_column", "quantity")
	v.SetDefault("steam.sort_direction", "desc")

	v.SetDefault("fetcher.policy", "strict")
	v.SetDefault("fetcher.cooldown", 10*time.Second)
	v.SetDefault("fetcher.max_attempts", 6)
	v.SetDefault("fetcher.max_elapsed", 5*time.Minute)
	v.SetDefault("fetcher.requests_per_second", 2)
	v.SetDefault("fetcher.navigation_timeout", 60*time.Second)
	v.SetDefault("fetcher.max_page_retries", 3)

	v.SetDefault("enrichment.wait_timeout", 15*time.Second)
	v.SetDefault("enrichment.max_attempts", 3)
	v.SetDefault("enrichment.max_elapsed", 3*time.Minute)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	v.SetDefault("browser.referer", "https://steamcommunity.com/market")
	v.SetDefault("browser.proxies", []string{})

	v.SetDefault("session.mode", "cookies")
	v.SetDefault("session.cookie_file", "./cookies.json")
	v.SetDefault("session.secrets_file", "./login_info.json")
	v.SetDefault("session.login_timeout", 5*time.Minute)

	v.SetDefault("output.path", "./output")
	v.SetDefault("resume.mode", "file")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "steammarket")
	v.SetDefault("database.user", "steammarket_user")
	v.SetDefault("database.password", "steammarket_pass")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.consumer_group", "steammarket_indexer")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
