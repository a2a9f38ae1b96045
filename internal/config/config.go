// Package config loads the daemon configuration from file, environment
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full daemon configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Data          DataConfig          `mapstructure:"data"`
	Backend       BackendConfig       `mapstructure:"backend"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Monitor       MonitorConfig       `mapstructure:"monitor"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	LogLevel      string              `mapstructure:"log_level"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port      uint16 `mapstructure:"port"`
	StaticDir string `mapstructure:"static_dir"`
}

// DataConfig holds persistence configuration
type DataConfig struct {
	Dir             string `mapstructure:"dir"`
	DebounceSeconds int    `mapstructure:"debounce_seconds"`
}

// BackendConfig selects and configures the process backend
type BackendConfig struct {
	// Runtime is "pm2" or "local"
	Runtime   string `mapstructure:"runtime"`
	ScriptDir string `mapstructure:"script_dir"`
	PM2Bin    string `mapstructure:"pm2_bin"`
}

// AuthConfig holds token signing and account seeding configuration
type AuthConfig struct {
	Secret        string `mapstructure:"secret"`
	SeedAdmin     bool   `mapstructure:"seed_admin"`
	AdminUser     string `mapstructure:"admin_user"`
	AdminPassword string `mapstructure:"admin_password"`
}

// MonitorConfig holds monitoring loop configuration
type MonitorConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	ResyncSeconds   int `mapstructure:"resync_seconds"`
}

// ElasticsearchConfig holds the optional monitoring history sink
type ElasticsearchConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Index     string   `mapstructure:"index"`
}

// Load reads configuration from an optional file path, HERMES_*
// environment variables and built-in defaults, in that order of
// precedence from lowest to highest.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hermes")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/hermes")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("HERMES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 3000)
	v.SetDefault("server.static_dir", "public")
	v.SetDefault("data.dir", "data")
	v.SetDefault("data.debounce_seconds", 0)
	v.SetDefault("backend.runtime", "pm2")
	v.SetDefault("backend.script_dir", "")
	v.SetDefault("backend.pm2_bin", "pm2")
	// a default registers the key with viper; without it AutomaticEnv
	// never resolves HERMES_AUTH_SECRET during Unmarshal
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.seed_admin", true)
	v.SetDefault("auth.admin_user", "admin")
	v.SetDefault("auth.admin_password", "admin123")
	v.SetDefault("monitor.interval_seconds", 3)
	v.SetDefault("monitor.resync_seconds", 30)
	v.SetDefault("elasticsearch.enabled", false)
	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.index", "process-monitoring")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if path == "" {
				return nil, fmt.Errorf("read config: %w", err)
			}
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Backend.Runtime != "pm2" && c.Backend.Runtime != "local" {
		return fmt.Errorf("backend.runtime must be pm2 or local, got %q", c.Backend.Runtime)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (set HERMES_AUTH_SECRET)")
	}
	if c.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("monitor.interval_seconds must be positive")
	}
	if c.Monitor.ResyncSeconds < c.Monitor.IntervalSeconds {
		return fmt.Errorf("monitor.resync_seconds must be at least the tick interval")
	}
	return nil
}

// Debounce returns the project store write debounce as a duration
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Data.DebounceSeconds) * time.Second
}

// MonitorInterval returns the monitoring tick interval as a duration
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalSeconds) * time.Second
}

// MonitorResync returns the full resync interval as a duration
func (c *Config) MonitorResync() time.Duration {
	return time.Duration(c.Monitor.ResyncSeconds) * time.Second
}
