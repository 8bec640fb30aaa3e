// Package config handles weatherbridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] and [Default] to zero-value fields.
const (
	DefaultBaseURL         = "https://query.yahooapis.com/v1/public/yql"
	DefaultInterval        = 30 * time.Minute
	DefaultTick            = 30 * time.Second
	DefaultRetryDelay      = 10 * time.Second
	DefaultFetchTimeout    = 30 * time.Second
	DefaultMaxAttempts     = 3
	DefaultRateLimit       = 1.0
	DefaultRateBurst       = 2
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultTopicPrefix     = "weatherbridge"
	DefaultDataDir         = "./data"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/weatherbridge/config.yaml,
// /etc/weatherbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "weatherbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/weatherbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all weatherbridge configuration.
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
	DataDir   string         `yaml:"data_dir"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Weather   WeatherConfig  `yaml:"weather"`
	Devices   []DeviceConfig `yaml:"devices"`
}

// MQTTConfig defines the broker connection and topic layout.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://, mqtts://, tcp:// or ssl:// URL
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	TopicPrefix     string `yaml:"topic_prefix"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// WeatherConfig controls the provider endpoint and the poll schedule.
type WeatherConfig struct {
	BaseURL string `yaml:"base_url"`

	// Interval is the time between scheduled poll cycles.
	Interval time.Duration `yaml:"interval"`
	// Tick is how often the loop wakes to check the interval.
	Tick time.Duration `yaml:"tick"`

	RetryDelay   time.Duration `yaml:"retry_delay"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`

	// RateLimit is the provider request budget in requests per second.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// DeviceConfig describes one weather location. Address is the query key
// sent to the provider; extra Params are available to the poller via
// parameter lookup.
type DeviceConfig struct {
	ID      string            `yaml:"id"`
	Name    string            `yaml:"name"`
	Address string            `yaml:"address"`
	Params  map[string]string `yaml:"params"`
}

// Load reads configuration from a YAML file. A .env file next to the
// config is loaded first so ${VAR} references can resolve secrets kept
// out of the YAML. Variables already present in the environment win.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// devices.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	w := &c.Weather
	if w.BaseURL == "" {
		w.BaseURL = DefaultBaseURL
	}
	if w.Interval == 0 {
		w.Interval = DefaultInterval
	}
	if w.Tick == 0 {
		w.Tick = DefaultTick
	}
	if w.RetryDelay == 0 {
		w.RetryDelay = DefaultRetryDelay
	}
	if w.FetchTimeout == 0 {
		w.FetchTimeout = DefaultFetchTimeout
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = DefaultMaxAttempts
	}
	if w.RateLimit == 0 {
		w.RateLimit = DefaultRateLimit
	}
	if w.RateBurst == 0 {
		w.RateBurst = DefaultRateBurst
	}
}

// Validate checks the configuration for values that would make the
// service misbehave at runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker %q is not a valid URL", c.MQTT.Broker))
		}
		if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
			errs = append(errs, fmt.Errorf("mqtt.topic_prefix %q must not contain wildcards", c.MQTT.TopicPrefix))
		}
	}

	w := c.Weather
	if _, err := url.Parse(w.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("weather.base_url: %w", err))
	}
	if w.Tick <= 0 || w.Interval <= 0 {
		errs = append(errs, errors.New("weather.interval and weather.tick must be positive"))
	} else if w.Tick > w.Interval {
		errs = append(errs, fmt.Errorf("weather.tick (%s) must not exceed weather.interval (%s)", w.Tick, w.Interval))
	}
	if w.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("weather.max_attempts must be at least 1, got %d", w.MaxAttempts))
	}
	if w.RetryDelay < 0 || w.FetchTimeout < 0 {
		errs = append(errs, errors.New("weather.retry_delay and weather.fetch_timeout must not be negative"))
	}
	if w.RateLimit < 0 || w.RateBurst < 1 {
		errs = append(errs, errors.New("weather.rate_limit must not be negative and weather.rate_burst must be at least 1"))
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		switch {
		case d.ID == "":
			errs = append(errs, fmt.Errorf("devices[%d]: id is required", i))
		case seen[d.ID]:
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID))
		case strings.ContainsAny(d.ID, "/+# "):
			errs = append(errs, fmt.Errorf("devices[%d]: id %q must be a single topic level", i, d.ID))
		}
		seen[d.ID] = true
		if d.Address == "" && d.Params["address"] == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: address is required", i))
		}
	}

	return errors.Join(errs...)
}
