// Package config resolves the CLI configuration.
//
// Priority, lowest first: built-in defaults, the YAML file, environment
// variables (a .env file is loaded when present), command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/go-authgate/authsession/transport"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Candidate config files tried when no path is given.
var defaultConfigPaths = []string{
	"authsession.yaml",
	"configs/authsession.yaml",
}

// Config is the resolved configuration.
type Config struct {
	ServerURL string `yaml:"server_url"`

	Store       string `yaml:"store"`
	TokenFile   string `yaml:"token_file"`
	TokenSecret string `yaml:"token_secret"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisKey    string `yaml:"redis_key"`

	// Tokens written by the device-flow CLI are migrated from here once.
	LegacyTokenFile string `yaml:"legacy_token_file"`
	ClientID        string `yaml:"client_id"`

	Debounce        time.Duration `yaml:"debounce"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Proactive       string        `yaml:"proactive"`
	ProactiveSkew   time.Duration `yaml:"proactive_skew"`
	RefreshTimeout  time.Duration `yaml:"refresh_timeout"`
	DegradedTimeout time.Duration `yaml:"degraded_timeout"`
	Degraded        bool          `yaml:"degraded"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`

	CodeInterval time.Duration `yaml:"code_interval"`
	CodeBurst    int           `yaml:"code_burst"`

	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`

	// File is the YAML file that was read, if any.
	File string `yaml:"-"`
	// Warnings are non-fatal problems worth showing to the user.
	Warnings []string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerURL:       "http://localhost:8080",
		Store:           StoreFile,
		TokenFile:       ".authsession-tokens.json",
		RedisAddr:       "localhost:6379",
		RedisKey:        "authsession:tokens",
		LegacyTokenFile: ".authgate-tokens.json",
		Debounce:        500 * time.Millisecond,
		PollInterval:    30 * time.Second,
		Proactive:       transport.ProactiveExpiry.String(),
		ProactiveSkew:   time.Minute,
		RefreshTimeout:  10 * time.Second,
		DegradedTimeout: 4 * time.Second,
		RequestTimeout:  30 * time.Second,
		CodeInterval:    30 * time.Second,
		CodeBurst:       3,
		LogLevel:        "info",
	}
}

type flagValues struct {
	configFile     *string
	serverURL      *string
	store          *string
	tokenFile      *string
	redisAddr      *string
	clientID       *string
	debounce       *string
	pollInterval   *string
	proactive      *string
	proactiveSkew  *string
	refreshTimeout *string
	degraded       *string
	logLevel       *string
	logFile        *string
	metricsAddr    *string
}

// Load registers the shared flags, parses args and resolves the
// configuration. Callers add their own flags to the set before calling Load.
func Load(flags *flag.FlagSet, args []string) (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	fv := flagValues{
		configFile: flags.String("config", "", "YAML config file (default: authsession.yaml or AUTHSESSION_CONFIG env)"),
		serverURL: flags.String(
			"server-url",
			"",
			"Identity server URL (default: http://localhost:8080 or SERVER_URL env)",
		),
		store:          flags.String("store", "", "Token store backend: file, redis or memory (or TOKEN_STORE env)"),
		tokenFile:      flags.String("token-file", "", "Encrypted token file (default: .authsession-tokens.json or TOKEN_FILE env)"),
		redisAddr:      flags.String("redis-addr", "", "Redis address for the redis store (or REDIS_ADDR env)"),
		clientID:       flags.String("client-id", "", "Client ID whose legacy tokens are migrated (or CLIENT_ID env)"),
		debounce:       flags.String("debounce", "", "Window after a refresh in which new refreshes are skipped (or REFRESH_DEBOUNCE env)"),
		pollInterval:   flags.String("poll-interval", "", "Background refresh interval (or POLL_INTERVAL env)"),
		proactive:      flags.String("proactive", "", "Proactive refresh: expiry, always or off (or PROACTIVE_REFRESH env)"),
		proactiveSkew:  flags.String("proactive-skew", "", "Refresh this long before expiry (or PROACTIVE_SKEW env)"),
		refreshTimeout: flags.String("refresh-timeout", "", "Refresh call timeout (or REFRESH_TIMEOUT env)"),
		degraded:       flags.String("degraded", "", "Use the short refresh timeout for poor connectivity (or DEGRADED env)"),
		logLevel:       flags.String("log-level", "", "debug, info, warn or error (or LOG_LEVEL env)"),
		logFile:        flags.String("log-file", "", "Write logs to this file instead of stderr (or LOG_FILE env)"),
		metricsAddr:    flags.String("metrics-addr", "", "Serve /metrics on this address in watch mode (or METRICS_ADDR env)"),
	}
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := cfg.loadFile(getConfig(*fv.configFile, "AUTHSESSION_CONFIG", "")); err != nil {
		return nil, err
	}
	if err := cfg.apply(fv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges the YAML file over the defaults. An explicit path must
// exist; the default candidates are optional.
func (c *Config) loadFile(path string) error {
	candidates := defaultConfigPaths
	if path != "" {
		candidates = []string{path}
	}

	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) && path == "" {
			continue
		}
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config file %s: %w", p, err)
		}
		c.File = p
		return nil
	}
	return nil
}

func (c *Config) apply(fv flagValues) error {
	c.ServerURL = getConfig(*fv.serverURL, "SERVER_URL", c.ServerURL)
	c.Store = strings.ToLower(getConfig(*fv.store, "TOKEN_STORE", c.Store))
	c.TokenFile = getConfig(*fv.tokenFile, "TOKEN_FILE", c.TokenFile)
	c.TokenSecret = getEnv("TOKEN_SECRET", c.TokenSecret)
	c.RedisAddr = getConfig(*fv.redisAddr, "REDIS_ADDR", c.RedisAddr)
	c.RedisKey = getEnv("REDIS_KEY", c.RedisKey)
	c.LegacyTokenFile = getEnv("LEGACY_TOKEN_FILE", c.LegacyTokenFile)
	c.ClientID = getConfig(*fv.clientID, "CLIENT_ID", c.ClientID)
	c.Proactive = strings.ToLower(getConfig(*fv.proactive, "PROACTIVE_REFRESH", c.Proactive))
	c.LogLevel = getConfig(*fv.logLevel, "LOG_LEVEL", c.LogLevel)
	c.LogFile = getConfig(*fv.logFile, "LOG_FILE", c.LogFile)
	c.MetricsAddr = getConfig(*fv.metricsAddr, "METRICS_ADDR", c.MetricsAddr)

	durations := []struct {
		flag   string
		envKey string
		dst    *time.Duration
	}{
		{*fv.debounce, "REFRESH_DEBOUNCE", &c.Debounce},
		{*fv.pollInterval, "POLL_INTERVAL", &c.PollInterval},
		{*fv.proactiveSkew, "PROACTIVE_SKEW", &c.ProactiveSkew},
		{*fv.refreshTimeout, "REFRESH_TIMEOUT", &c.RefreshTimeout},
		{"", "DEGRADED_REFRESH_TIMEOUT", &c.DegradedTimeout},
		{"", "REQUEST_TIMEOUT", &c.RequestTimeout},
		{"", "CODE_INTERVAL", &c.CodeInterval},
	}
	for _, d := range durations {
		raw := getConfig(d.flag, d.envKey, "")
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.envKey, raw, err)
		}
		*d.dst = v
	}

	if raw := getConfig(*fv.degraded, "DEGRADED", ""); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid DEGRADED %q: %w", raw, err)
		}
		c.Degraded = v
	}
	if raw := getEnv("CODE_BURST", ""); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid CODE_BURST %q: %w", raw, err)
		}
		c.CodeBurst = v
	}
	if raw := getEnv("LOG_JSON", ""); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid LOG_JSON %q: %w", raw, err)
		}
		c.LogJSON = v
	}
	return nil
}

// Validate checks the resolved values and records warnings.
func (c *Config) Validate() error {
	if err := validateServerURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if strings.HasPrefix(strings.ToLower(c.ServerURL), "http://") {
		c.Warnings = append(c.Warnings,
			"Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
			"This is only safe for local development. Use HTTPS in production.",
		)
	}

	switch c.Store {
	case StoreFile:
		if c.TokenFile == "" {
			return errors.New("token file cannot be empty")
		}
		if c.TokenSecret == "" {
			return errors.New("TOKEN_SECRET not set; it encrypts the token file")
		}
	case StoreRedis:
		if c.RedisAddr == "" || c.RedisKey == "" {
			return errors.New("redis store needs REDIS_ADDR and REDIS_KEY")
		}
	case StoreMemory:
		c.Warnings = append(c.Warnings, "Memory token store: the session ends with the process.")
	default:
		return fmt.Errorf("unknown token store %q (want file, redis or memory)", c.Store)
	}

	if _, err := c.ProactiveMode(); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got: %s", c.PollInterval)
	}
	if c.RefreshTimeout <= 0 || c.DegradedTimeout <= 0 {
		return errors.New("refresh timeouts must be positive")
	}
	if c.CodeBurst < 0 {
		return fmt.Errorf("code burst must not be negative, got: %d", c.CodeBurst)
	}
	return nil
}

// ProactiveMode parses the proactive refresh policy.
func (c *Config) ProactiveMode() (transport.ProactiveMode, error) {
	return transport.ParseProactiveMode(c.Proactive)
}

// SlogLevel parses the log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
