// Package config loads the relay's YAML configuration: a struct-of-structs
// Config with yaml tags and ${VAR:default} environment substitution over
// a small set of listener, buffer, logging, metrics, and identity knobs.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay's full runtime configuration.
type Config struct {
	WS        WSConfig        `yaml:"ws"`
	REST      RESTConfig      `yaml:"rest"`
	StoredFor []string        `yaml:"storedFor"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Identity  IdentityConfig  `yaml:"identity"`
}

// WSConfig configures the WebSocket listener and session FSM timing.
type WSConfig struct {
	Addr             string        `yaml:"addr"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
}

// RESTConfig configures the REST listener and token lifetime.
type RESTConfig struct {
	Addr          string        `yaml:"addr"`
	TokenTTL      time.Duration `yaml:"tokenTTL"`
	QueueCapacity int           `yaml:"queueCapacity"`
	JWTSecret     string        `yaml:"jwtSecret"`
}

// BufferConfig bounds the store-and-forward buffer.
type BufferConfig struct {
	Capacity int `yaml:"capacity"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Pretty bool  `yaml:"pretty"`
}

// MetricsConfig holds the metrics settings read from the config file.
// Enabled is parsed but not consulted: the REST listener always serves
// /metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// IdentityConfig optionally carries a relay identity key, reserved for
// future-signed presence; not required to operate.
type IdentityConfig struct {
	PublicKey  string `yaml:"publicKey"`
	PrivateKey string `yaml:"privateKey"`
}

// Defaults returns a Config with the relay's documented defaults.
func Defaults() Config {
	return Config{
		WS: WSConfig{
			Addr:              ":8080",
			HeartbeatInterval: 30 * time.Second,
			IdleTimeout:       90 * time.Second,
		},
		REST: RESTConfig{
			Addr:          ":8081",
			TokenTTL:      1 * time.Hour,
			QueueCapacity: 100,
		},
		Buffer: BufferConfig{
			Capacity: 100,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

var envSubstitution = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// expandEnv rewrites ${VAR:default} references in raw YAML text before
// parsing.
func expandEnv(raw []byte) []byte {
	return envSubstitution.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envSubstitution.FindSubmatch(match)
		name := string(groups[1])
		def := string(groups[2])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return []byte(def)
	})
}

// Load reads and parses the YAML file at path over a copy of Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := expandEnv(raw)
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadForEnvironment tries config/<env>.yaml, falling back to
// config/default.yaml.
func LoadForEnvironment(dir, env string) (Config, error) {
	candidates := []string{
		fmt.Sprintf("%s/%s.yaml", dir, env),
		fmt.Sprintf("%s/default.yaml", dir),
	}
	var lastErr error
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			lastErr = err
			continue
		}
		return Load(candidate)
	}
	return Config{}, fmt.Errorf("config: no config file found in %s: %w", dir, lastErr)
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.WS.Addr == "" {
		return fmt.Errorf("config: ws.addr must not be empty")
	}
	if c.REST.Addr == "" {
		return fmt.Errorf("config: rest.addr must not be empty")
	}
	if c.REST.QueueCapacity <= 0 {
		return fmt.Errorf("config: rest.queueCapacity must be positive")
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("config: buffer.capacity must be positive")
	}
	return nil
}
