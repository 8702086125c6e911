package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration. Values come from defaults, then the
// YAML file named by SETTLEMENT_CONFIG_FILE, then the environment.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Auth        AuthConfig        `yaml:"auth"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	RPC         RPCConfig         `yaml:"rpc"`
	Session     SessionConfig     `yaml:"session"`
	Identity    IdentityConfig    `yaml:"identity"`

	CredentialsPath string `yaml:"credentialsPath"`
	DatabaseURL     string `yaml:"databaseURL"`
	MigrationsDir   string `yaml:"migrationsDir"`
	HTTPAddr        string `yaml:"httpAddr"`
	HTTPAPIToken    string `yaml:"httpAPIToken"`
	LogLevel        string `yaml:"logLevel"`
}

type CoordinatorConfig struct {
	URL               string        `yaml:"url"`
	Application       string        `yaml:"application"`
	Scope             string        `yaml:"scope"`
	KeepaliveInterval time.Duration `yaml:"keepaliveInterval"`
}

type AuthConfig struct {
	SessionExpiry time.Duration `yaml:"sessionExpiry"`
	StepTimeout   time.Duration `yaml:"stepTimeout"`
}

type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
}

type RPCConfig struct {
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	RateLimitRPS   float64       `yaml:"rateLimitRPS"`
	RateLimitBurst int           `yaml:"rateLimitBurst"`
}

type SessionConfig struct {
	Protocol        string        `yaml:"protocol"`
	ChallengePeriod time.Duration `yaml:"challengePeriod"`
}

type IdentityConfig struct {
	Keys         string `yaml:"keys"`
	DefaultKeyID string `yaml:"defaultKeyID"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			Application:       "settlement-hub",
			Scope:             "app.settlement",
			KeepaliveInterval: 30 * time.Second,
		},
		Auth: AuthConfig{
			SessionExpiry: 24 * time.Hour,
			StepTimeout:   10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Enabled:      true,
			MaxAttempts:  10,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
		},
		RPC: RPCConfig{
			RequestTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			Protocol:        "NitroRPC/0.2",
			ChallengePeriod: 24 * time.Hour,
		},
		CredentialsPath: "data/credentials",
		MigrationsDir:   "internal/migrations",
		HTTPAddr:        "0.0.0.0:8080",
		LogLevel:        "info",
	}
}

// Load reads the optional config file and the environment, then validates.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("SETTLEMENT_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Coordinator.URL = getenv("COORDINATOR_URL", cfg.Coordinator.URL)
	cfg.Coordinator.Application = getenv("COORDINATOR_APPLICATION", cfg.Coordinator.Application)
	cfg.Coordinator.Scope = getenv("COORDINATOR_SCOPE", cfg.Coordinator.Scope)
	cfg.Coordinator.KeepaliveInterval = parseDuration(os.Getenv("KEEPALIVE_INTERVAL"), cfg.Coordinator.KeepaliveInterval)

	cfg.Auth.SessionExpiry = parseDuration(os.Getenv("AUTH_SESSION_EXPIRY"), cfg.Auth.SessionExpiry)
	cfg.Auth.StepTimeout = parseDuration(os.Getenv("AUTH_STEP_TIMEOUT"), cfg.Auth.StepTimeout)

	cfg.Reconnect.Enabled = parseBool(os.Getenv("RECONNECT_ENABLED"), cfg.Reconnect.Enabled)
	cfg.Reconnect.MaxAttempts = parseInt(os.Getenv("RECONNECT_MAX_ATTEMPTS"), cfg.Reconnect.MaxAttempts)
	cfg.Reconnect.InitialDelay = parseDuration(os.Getenv("RECONNECT_INITIAL_DELAY"), cfg.Reconnect.InitialDelay)
	cfg.Reconnect.MaxDelay = parseDuration(os.Getenv("RECONNECT_MAX_DELAY"), cfg.Reconnect.MaxDelay)

	cfg.RPC.RequestTimeout = parseDuration(os.Getenv("REQUEST_TIMEOUT"), cfg.RPC.RequestTimeout)
	cfg.RPC.RateLimitRPS = parseFloat(os.Getenv("RPC_RATE_LIMIT_RPS"), cfg.RPC.RateLimitRPS)
	cfg.RPC.RateLimitBurst = parseInt(os.Getenv("RPC_RATE_LIMIT_BURST"), cfg.RPC.RateLimitBurst)

	cfg.Session.Protocol = getenv("SESSION_PROTOCOL", cfg.Session.Protocol)
	cfg.Session.ChallengePeriod = parseDuration(os.Getenv("SESSION_CHALLENGE_PERIOD"), cfg.Session.ChallengePeriod)

	cfg.Identity.Keys = getenv("IDENTITY_KEYS", cfg.Identity.Keys)
	cfg.Identity.DefaultKeyID = getenv("IDENTITY_DEFAULT_KEY_ID", cfg.Identity.DefaultKeyID)

	cfg.CredentialsPath = getenv("CREDENTIALS_PATH", cfg.CredentialsPath)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.MigrationsDir = getenv("MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.HTTPAPIToken = getenv("HTTP_API_TOKEN", cfg.HTTPAPIToken)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Coordinator.URL == "" {
		errs = append(errs, errors.New("COORDINATOR_URL is required"))
	} else if u, err := url.Parse(c.Coordinator.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("COORDINATOR_URL must be a ws:// or wss:// url, got %q", c.Coordinator.URL))
	}
	if strings.TrimSpace(c.Identity.Keys) == "" {
		errs = append(errs, errors.New("IDENTITY_KEYS is required"))
	}
	if c.Coordinator.Application == "" {
		errs = append(errs, errors.New("COORDINATOR_APPLICATION is required"))
	}
	if c.RPC.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.Auth.StepTimeout <= 0 {
		errs = append(errs, errors.New("AUTH_STEP_TIMEOUT must be positive"))
	}
	if c.Reconnect.Enabled && c.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("RECONNECT_MAX_ATTEMPTS must be positive when reconnect is enabled"))
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		errs = append(errs, errors.New("RECONNECT_MAX_DELAY must not be below RECONNECT_INITIAL_DELAY"))
	}
	return errors.Join(errs...)
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
