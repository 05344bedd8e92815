// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for mqtt-bridge: where
// subscriptions are persisted, where the admin API and metrics listen, and
// the client timeouts. Per-connection parameters (broker, port, credentials,
// keep-alive) are never configured here; they arrive with each connect call.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Environment variables that override the persistence location.
const (
	EnvPersistenceDir    = "MQTT_BRIDGE_PERSISTENCE_DIR"
	EnvSubscriptionsFile = "MQTT_BRIDGE_SUBSCRIPTIONS_FILE"
)

const (
	DefaultPersistenceDir    = "~/.mqtt-bridge"
	DefaultSubscriptionsFile = "subscriptions.json"
	DefaultAdminAddr         = "127.0.0.1:8090"
	DefaultMessageWindow     = 100
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("10s", "1m30s") in YAML and JSON.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// PersistenceConfig locates the subscription persistence file.
type PersistenceConfig struct {
	Dir  string `yaml:"dir" json:"dir"`
	File string `yaml:"file" json:"file"`
	// Disabled keeps subscriptions in memory only.
	Disabled bool `yaml:"disabled" json:"disabled"`
}

// AdminConfig configures the REST control surface.
type AdminConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// MessagesConfig configures the message log.
type MessagesConfig struct {
	Window int `yaml:"window" json:"window"`
}

// ClientConfig holds the broker client timeouts shared by all connections.
type ClientConfig struct {
	ConnectTimeout   Duration `yaml:"connect_timeout" json:"connect_timeout"`
	OperationTimeout Duration `yaml:"operation_timeout" json:"operation_timeout"`
}

// Config holds the complete configuration
type Config struct {
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`
	Admin       AdminConfig       `yaml:"admin" json:"admin"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Messages    MessagesConfig    `yaml:"messages" json:"messages"`
	Client      ClientConfig      `yaml:"client" json:"client"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Persistence: PersistenceConfig{
			Dir:  DefaultPersistenceDir,
			File: DefaultSubscriptionsFile,
		},
		Admin: AdminConfig{
			Addr: DefaultAdminAddr,
		},
		Messages: MessagesConfig{
			Window: DefaultMessageWindow,
		},
		Client: ClientConfig{
			ConnectTimeout:   Duration(10 * time.Second),
			OperationTimeout: Duration(10 * time.Second),
		},
	}
}

// LoadConfig loads configuration from a file on top of the defaults and then
// applies environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		config.ApplyEnv()
		if err := validateConfig(config); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	config.ApplyEnv()

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

// ApplyEnv overrides the persistence directory and file name from the
// environment. Each variable is independent of the other.
func (c *Config) ApplyEnv() {
	if dir := os.Getenv(EnvPersistenceDir); dir != "" {
		c.Persistence.Dir = dir
	}
	if file := os.Getenv(EnvSubscriptionsFile); file != "" {
		c.Persistence.File = file
	}
}

// PersistencePath returns the absolute location of the subscriptions file,
// expanding a leading "~" to the user's home directory.
func (c *Config) PersistencePath() (string, error) {
	dir, err := expandHome(c.Persistence.Dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.Persistence.File), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Persistence.Dir == "" {
		return fmt.Errorf("persistence dir cannot be empty")
	}
	if config.Persistence.File == "" {
		return fmt.Errorf("persistence file cannot be empty")
	}
	if strings.ContainsRune(config.Persistence.File, filepath.Separator) {
		return fmt.Errorf("persistence file must be a file name, not a path: %s", config.Persistence.File)
	}
	if config.Messages.Window < DefaultMessageWindow {
		return fmt.Errorf("messages window must be at least %d, got %d", DefaultMessageWindow, config.Messages.Window)
	}
	if config.Client.ConnectTimeout <= 0 {
		return fmt.Errorf("client connect_timeout must be positive")
	}
	if config.Client.OperationTimeout <= 0 {
		return fmt.Errorf("client operation_timeout must be positive")
	}
	return nil
}
