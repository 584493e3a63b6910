package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	UsernameAt    = "at"
	UsernameVHost = "vhost"
	UsernamePlain = "plain"
)

// Config holds the optional settings that do not fit on the command line.
type Config struct {
	Provider       string        `yaml:"provider"`
	ClientID       string        `yaml:"client_id"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	CleanSession   bool          `yaml:"clean_session"`
	AutoReconnect  bool          `yaml:"auto_reconnect"`
	UsernameFormat string        `yaml:"username_format"`
	Log            LogConfig     `yaml:"log"`
	Secure         SecureConfig  `yaml:"secure"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SecureConfig points at CP-ABE key material for sealed payloads.
type SecureConfig struct {
	AttributeKeyFile string `yaml:"attribute_key_file"`
	PublicKeyFile    string `yaml:"public_key_file"`
	Policy           string `yaml:"policy"`
}

func Default() *Config {
	return &Config{
		Provider:       "paho",
		QoS:            0,
		ConnectTimeout: 10 * time.Second,
		KeepAlive:      30 * time.Second,
		CleanSession:   true,
		AutoReconnect:  true,
		UsernameFormat: UsernameAt,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults. An empty filename yields the
// defaults unchanged.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Provider {
	case "paho", "memory":
	default:
		return fmt.Errorf("provider must be paho or memory, got %q", c.Provider)
	}
	if c.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", c.QoS)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if c.KeepAlive < 0 {
		return fmt.Errorf("keep_alive cannot be negative")
	}
	switch c.UsernameFormat {
	case UsernameAt, UsernameVHost, UsernamePlain:
	default:
		return fmt.Errorf("username_format must be at, vhost or plain, got %q", c.UsernameFormat)
	}
	if c.Secure.PublicKeyFile != "" && c.Secure.Policy == "" {
		return fmt.Errorf("secure.policy required when secure.public_key_file is set")
	}
	return nil
}

// ClientIDOrDefault returns the configured client id or a fresh one
// derived from prefix.
func (c *Config) ClientIDOrDefault(prefix string) string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return prefix + "-" + uuid.NewString()[:8]
}
