// Package config loads the agent settings. Later sources override earlier
// ones: built-in defaults, the YAML file, a .env file, BLAGAJNA_* environment
// variables and finally command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the agent reads.
const EnvPrefix = "BLAGAJNA_"

// Config holds the agent settings.
type Config struct {
	DBPath        string `yaml:"db"`
	Addr          string `yaml:"addr"`
	ServerURL     string `yaml:"server_url"`
	HealthPath    string `yaml:"health_path"`
	APIToken      string `yaml:"api_token"`
	AllowedOrigin string `yaml:"allowed_origin"`
	LogPath       string `yaml:"log"`
	Verbose       bool   `yaml:"verbose"`

	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	SlowThreshold     time.Duration `yaml:"slow_threshold"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	CredentialTimeout time.Duration `yaml:"credential_timeout"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DBPath:            "blagajna.sqlite3",
		Addr:              "127.0.0.1:8765",
		HealthPath:        "/health",
		ProbeInterval:     30 * time.Second,
		ProbeTimeout:      5 * time.Second,
		RequestTimeout:    10 * time.Second,
		SlowThreshold:     1500 * time.Millisecond,
		SyncInterval:      5 * time.Minute,
		BackoffBase:       30 * time.Second,
		BackoffMax:        30 * time.Minute,
		StaleAfter:        10 * time.Minute,
		CredentialTimeout: 5 * time.Second,
	}
}

// setting is one configurable key, shared by env variables and flags.
type setting struct {
	name  string
	short string
	usage string
	set   func(c *Config, v string) error
}

func str(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func dur(field func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

var settings = []setting{
	{"db", "d", "SQLite database path", str(func(c *Config) *string { return &c.DBPath })},
	{"addr", "a", "local API listen address", str(func(c *Config) *string { return &c.Addr })},
	{"server", "s", "back office base URL", str(func(c *Config) *string { return &c.ServerURL })},
	{"health-path", "", "liveness endpoint path", str(func(c *Config) *string { return &c.HealthPath })},
	{"token", "t", "static API token for headless runs", str(func(c *Config) *string { return &c.APIToken })},
	{"origin", "", "allowed origin of the till UI", str(func(c *Config) *string { return &c.AllowedOrigin })},
	{"log", "l", "log file path", str(func(c *Config) *string { return &c.LogPath })},
	{"verbose", "v", "enable debug logging", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Verbose = b
		return nil
	}},
	{"probe-interval", "", "time between health probes", dur(func(c *Config) *time.Duration { return &c.ProbeInterval })},
	{"probe-timeout", "", "health probe timeout", dur(func(c *Config) *time.Duration { return &c.ProbeTimeout })},
	{"request-timeout", "", "timeout of calls to the server", dur(func(c *Config) *time.Duration { return &c.RequestTimeout })},
	{"slow-threshold", "", "probe latency that marks the link slow", dur(func(c *Config) *time.Duration { return &c.SlowThreshold })},
	{"sync-interval", "", "time between background sync runs", dur(func(c *Config) *time.Duration { return &c.SyncInterval })},
	{"backoff-base", "", "first retry delay of a failed record", dur(func(c *Config) *time.Duration { return &c.BackoffBase })},
	{"backoff-max", "", "maximum retry delay of a failed record", dur(func(c *Config) *time.Duration { return &c.BackoffMax })},
	{"stale-after", "", "age of an abandoned sync attempt", dur(func(c *Config) *time.Duration { return &c.StaleAfter })},
	{"credential-timeout", "", "how long to wait for the session to supply a token", dur(func(c *Config) *time.Duration { return &c.CredentialTimeout })},
}

// envName returns the environment variable for a setting, e.g. BLAGAJNA_PROBE_INTERVAL.
func envName(name string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// LoadFile merges a YAML file into c. A missing file is not an error unless
// required is set.
func LoadFile(path string, c *Config, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv merges BLAGAJNA_* variables into c.
func ApplyEnv(c *Config, getenv func(string) string) error {
	for _, s := range settings {
		v := getenv(envName(s.name))
		if v == "" {
			continue
		}
		if err := s.set(c, v); err != nil {
			return fmt.Errorf("%s: %w", envName(s.name), err)
		}
	}
	return nil
}

// Validate checks the merged settings.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required (-server or " + envName("server") + ")")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("server URL %q must be absolute", c.ServerURL)
	}
	if c.DBPath == "" {
		return errors.New("database path is required")
	}

	durations := map[string]time.Duration{
		"probe-interval":     c.ProbeInterval,
		"probe-timeout":      c.ProbeTimeout,
		"request-timeout":    c.RequestTimeout,
		"slow-threshold":     c.SlowThreshold,
		"sync-interval":      c.SyncInterval,
		"backoff-base":       c.BackoffBase,
		"backoff-max":        c.BackoffMax,
		"stale-after":        c.StaleAfter,
		"credential-timeout": c.CredentialTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.BackoffMax < c.BackoffBase {
		return errors.New("backoff-max must not be below backoff-base")
	}
	if c.StaleAfter <= c.RequestTimeout {
		return errors.New("stale-after must exceed request-timeout")
	}
	return nil
}

// Load builds the configuration for a command. It registers every setting on
// fs (long and short names), parses args, then merges defaults, the YAML file
// (-config), the .env file (-env), the environment and the flags that were
// given explicitly.
func Load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	var configPath, envPath string
	fs.StringVar(&configPath, "config", "", "")
	fs.StringVar(&configPath, "c", "", "")
	fs.StringVar(&envPath, "env", ".env", "")

	values := make(map[string]*string, len(settings))
	for _, s := range settings {
		v := new(string)
		values[s.name] = v
		if s.name == "verbose" {
			// Bare -v enables verbose logging.
			fs.Var(boolFlag{v}, s.name, s.usage)
			fs.Var(boolFlag{v}, s.short, s.usage)
			continue
		}
		fs.StringVar(v, s.name, "", s.usage)
		if s.short != "" {
			fs.StringVar(v, s.short, "", s.usage)
		}
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	explicit := configPath != ""
	if configPath == "" {
		configPath = getenv(envName("config"))
		explicit = configPath != ""
	}
	if configPath == "" {
		configPath = "blagajna.yaml"
	}
	if err := LoadFile(configPath, &cfg, explicit); err != nil {
		return nil, err
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envPath, err)
		}
	}
	if err := ApplyEnv(&cfg, getenv); err != nil {
		return nil, err
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		for _, s := range settings {
			if f.Name != s.name && f.Name != s.short {
				continue
			}
			if err := s.set(&cfg, *values[s.name]); err != nil && flagErr == nil {
				flagErr = fmt.Errorf("-%s: %w", f.Name, err)
			}
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}
	return &cfg, nil
}

// boolFlag lets -v be given without a value.
type boolFlag struct{ v *string }

func (b boolFlag) String() string {
	if b.v == nil {
		return ""
	}
	return *b.v
}

func (b boolFlag) Set(s string) error {
	*b.v = s
	return nil
}

func (b boolFlag) IsBoolFlag() bool { return true }
