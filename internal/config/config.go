// Package config handles invoxia-ha configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths lists where the config file is looked for, in
// order, when no -config flag is given.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "invoxia-ha", "config.yaml"))
	}
	return append(paths, "/etc/invoxia-ha/config.yaml")
}

// FindConfig returns explicit if it exists, or else the first existing
// entry of [DefaultSearchPaths].
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	paths := DefaultSearchPaths()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found in %s", strings.Join(paths, ", "))
}

// Config holds all invoxia-ha configuration.
type Config struct {
	Invoxia   InvoxiaConfig `yaml:"invoxia"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Listen    ListenConfig  `yaml:"listen"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
}

// InvoxiaConfig defines the tracker cloud API connection. The token is
// passed through as a bearer credential; obtaining it is out of scope.
type InvoxiaConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether the API URL and token are both set.
func (c InvoxiaConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// MQTTConfig defines the broker connection used to publish Home
// Assistant discovery and tracker state.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"` // default: homeassistant
	NodeID          string `yaml:"node_id"`          // default: invoxia
}

// Configured reports whether a broker and node ID are set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.NodeID != ""
}

// ListenConfig defines the status API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DefaultInvoxiaURL is the Invoxia cloud API endpoint.
const DefaultInvoxiaURL = "https://labs.invoxia.io"

// Load reads the YAML file at path, expanding ${VAR} references from
// the environment, then fills defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	c := &Config{Listen: ListenConfig{Port: 8087}}
	c.applyDefaults()
	return c
}

// applyDefaults fills string fields that are unset or were set empty.
func (c *Config) applyDefaults() {
	for _, f := range []struct {
		field *string
		value string
	}{
		{&c.Invoxia.URL, DefaultInvoxiaURL},
		{&c.MQTT.DiscoveryPrefix, "homeassistant"},
		{&c.MQTT.NodeID, "invoxia"},
		{&c.DataDir, "./db"},
	} {
		if strings.TrimSpace(*f.field) == "" {
			*f.field = f.value
		}
	}
	c.Invoxia.URL = strings.TrimRight(c.Invoxia.URL, "/")
}

// Validate checks for configuration errors that would prevent startup.
func (c *Config) Validate() error {
	var errs []error

	if !c.Invoxia.Configured() {
		errs = append(errs, errors.New("invoxia.token is required"))
	} else if u, err := url.Parse(c.Invoxia.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invoxia.url %q is not an absolute URL", c.Invoxia.URL))
	}

	if c.MQTT.Broker != "" {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		} else {
			switch u.Scheme {
			case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
			default:
				errs = append(errs, fmt.Errorf("mqtt.broker scheme %q not supported", u.Scheme))
			}
		}
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
