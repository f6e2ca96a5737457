// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on it so tests can hand them a narrow, prebuilt view.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	MailAPI() MailAPIConfig
	Engine() EngineConfig
	Store() StoreConfig
	Relay() RelayConfig
	Metrics() MetricsConfig
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	MailAPICfg MailAPIConfig `mapstructure:"mailapi" yaml:"mailapi"`
	EngineCfg  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	StoreCfg   StoreConfig   `mapstructure:"store" yaml:"store"`
	RelayCfg   RelayConfig   `mapstructure:"relay" yaml:"relay"`
	MetricsCfg MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) MailAPI() MailAPIConfig { return c.MailAPICfg }
func (c *Config) Engine() EngineConfig   { return c.EngineCfg }
func (c *Config) Store() StoreConfig     { return c.StoreCfg }
func (c *Config) Relay() RelayConfig     { return c.RelayCfg }
func (c *Config) Metrics() MetricsConfig { return c.MetricsCfg }

// LoggerConfig defines all the settings for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chromium instance driven over CDP.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir       string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
	Humanoid          HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
	Stealth           StealthConfig  `mapstructure:"stealth" yaml:"stealth"`
}

// StealthConfig controls the automation evasions and persona applied to every tab.
// Empty persona fields leave Chromium's own values in place.
type StealthConfig struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
}

// MailAPIConfig configures the remote OTP mail API client.
type MailAPIConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	Domains        []string      `mapstructure:"domains" yaml:"domains"`
	InboxBaseURL   string        `mapstructure:"inbox_base_url" yaml:"inbox_base_url"`
	YopmailBaseURL string        `mapstructure:"yopmail_base_url" yaml:"yopmail_base_url"`
	// Token overrides the credential held in the settings store when non-empty.
	Token string `mapstructure:"token" yaml:"token"`
}

// EngineConfig tunes detection and the polling/fill orchestrator.
type EngineConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxAttempts          int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	FetchRetries         int           `mapstructure:"fetch_retries" yaml:"fetch_retries"`
	DetectInterval       time.Duration `mapstructure:"detect_interval" yaml:"detect_interval"`
	MutationDebounce     time.Duration `mapstructure:"mutation_debounce" yaml:"mutation_debounce"`
	SessionStaleness     time.Duration `mapstructure:"session_staleness" yaml:"session_staleness"`
	SettleDelay          time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	CountRenderWaits     bool          `mapstructure:"count_render_waits" yaml:"count_render_waits"`
	AcceptExpiredCode    bool          `mapstructure:"accept_expired_code" yaml:"accept_expired_code"`
	ExclusivePurposes    bool          `mapstructure:"exclusive_purposes" yaml:"exclusive_purposes"`
	PurposePrecedence    []string      `mapstructure:"purpose_precedence" yaml:"purpose_precedence"`
	LoginPaths           []string      `mapstructure:"login_paths" yaml:"login_paths"`
	RegistrationPaths    []string      `mapstructure:"registration_paths" yaml:"registration_paths"`
	DetectorDomains      []string      `mapstructure:"detector_domains" yaml:"detector_domains"`
	MinVerificationBoxes int           `mapstructure:"min_verification_boxes" yaml:"min_verification_boxes"`
}

// StoreConfig selects and configures the settings store backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	FilePath string         `mapstructure:"file_path" yaml:"file_path"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
}

// PostgresConfig holds the connection details for a PostgreSQL database.
type PostgresConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN returns the explicit URL when set, otherwise one assembled from the parts.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.DBName,
	}
	q := u.Query()
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RedisConfig holds the Redis connection and change feed settings.
type RedisConfig struct {
	Address  string `mapstructure:"address" yaml:"address"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

// RelayConfig configures the local relay server and the client that talks to it.
type RelayConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ClientAddr    string        `mapstructure:"client_addr" yaml:"client_addr"`
	ClientTimeout time.Duration `mapstructure:"client_timeout" yaml:"client_timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "dakbox")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.user_data_dir", "~/.dakbox/profile")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.stealth.enabled", true)
	setHumanoidDefaults(v)

	// -- Mail API --
	v.SetDefault("mailapi.base_url", "https://dakbox.net/api")
	v.SetDefault("mailapi.timeout", "15s")
	v.SetDefault("mailapi.retry_delay", "3s")
	v.SetDefault("mailapi.max_retries", 5)
	v.SetDefault("mailapi.rate_limit", 2.0)
	v.SetDefault("mailapi.rate_burst", 2)
	v.SetDefault("mailapi.domains", []string{"dakbox.net", "dakbox.xyz", "dakbox.com"})
	v.SetDefault("mailapi.inbox_base_url", "https://dakbox.net/go/")
	v.SetDefault("mailapi.yopmail_base_url", "https://yopmail.com/")

	// -- Engine --
	v.SetDefault("engine.poll_interval", "4s")
	v.SetDefault("engine.max_attempts", 30)
	v.SetDefault("engine.fetch_retries", 1)
	v.SetDefault("engine.detect_interval", "2s")
	v.SetDefault("engine.mutation_debounce", "500ms")
	v.SetDefault("engine.session_staleness", "5m")
	v.SetDefault("engine.settle_delay", "500ms")
	v.SetDefault("engine.count_render_waits", false)
	v.SetDefault("engine.accept_expired_code", true)
	v.SetDefault("engine.exclusive_purposes", true)
	v.SetDefault("engine.purpose_precedence", []string{"registration", "login"})
	v.SetDefault("engine.login_paths", []string{"/auth/login"})
	v.SetDefault("engine.registration_paths", []string{"/auth/register"})
	v.SetDefault("engine.detector_domains", []string{"svp-international.pacc.sa"})
	v.SetDefault("engine.min_verification_boxes", 4)

	// -- Store --
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.file_path", "~/.dakbox/settings.json")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.user", "postgres")
	v.SetDefault("store.postgres.password", "") // Should be set via env var
	v.SetDefault("store.postgres.dbname", "dakbox")
	v.SetDefault("store.postgres.sslmode", "disable")
	v.SetDefault("store.redis.address", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "dakbox:settings:")
	v.SetDefault("store.redis.channel", "dakbox:settings:changes")

	// -- Relay --
	v.SetDefault("relay.listen_addr", "127.0.0.1:8787")
	v.SetDefault("relay.client_addr", "")
	v.SetDefault("relay.client_timeout", "30s")

	// -- Metrics --
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("mailapi.token", "DAKBOX_API_TOKEN")
	_ = v.BindEnv("store.postgres.password", "DAKBOX_PG_PASSWORD")
	_ = v.BindEnv("store.redis.password", "DAKBOX_REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.MailAPICfg.Token == "" {
		cfg.MailAPICfg.Token = os.Getenv("DAKBOX_API_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.MailAPICfg.Validate(); err != nil {
		return fmt.Errorf("mailapi configuration invalid: %w", err)
	}
	if err := c.EngineCfg.Validate(); err != nil {
		return fmt.Errorf("engine configuration invalid: %w", err)
	}
	if err := c.StoreCfg.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the mail API settings.
func (m *MailAPIConfig) Validate() error {
	u, err := url.Parse(m.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL, got %q", m.BaseURL)
	}
	if m.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	if m.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be a positive integer")
	}
	if len(m.Domains) == 0 {
		return fmt.Errorf("at least one disposable domain is required")
	}
	return nil
}

// Validate checks the EngineConfig settings.
func (e *EngineConfig) Validate() error {
	if e.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if e.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be greater than 0")
	}
	if e.SessionStaleness <= 0 {
		return fmt.Errorf("session_staleness must be a positive duration")
	}
	for _, p := range e.PurposePrecedence {
		switch strings.ToLower(p) {
		case "login", "registration":
		default:
			return fmt.Errorf("purpose_precedence contains unknown purpose %q", p)
		}
	}
	return nil
}

// Validate checks the store backend selection.
func (s *StoreConfig) Validate() error {
	switch s.Backend {
	case "file":
		if s.FilePath == "" {
			return fmt.Errorf("file_path is required for the file backend")
		}
	case "memory":
	case "postgres":
		if s.Postgres.URL == "" && s.Postgres.Host == "" {
			return fmt.Errorf("postgres.url or postgres.host is required for the postgres backend")
		}
	case "redis":
		if s.Redis.Address == "" {
			return fmt.Errorf("redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	return nil
}
