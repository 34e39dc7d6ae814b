package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the voice client configuration.
type Config struct {
	Client struct {
		APIBindAddress string `yaml:"api_bind_address"`
		Debug          bool   `yaml:"debug"`
	} `yaml:"client"`

	Server struct {
		URL    string `yaml:"url"`     // websocket base, ws:// or http://
		APIURL string `yaml:"api_url"` // REST base
	} `yaml:"server"`

	Auth struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"auth"`

	Audio struct {
		DeviceName string `yaml:"device_name"` // Empty = default device
	} `yaml:"audio"`

	Debate struct {
		Language  string `yaml:"language"`
		AISpeaker string `yaml:"ai_speaker"`
	} `yaml:"debate"`

	Connection struct {
		ReconnectDelayMs    int `yaml:"reconnect_delay_ms"`
		HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	} `yaml:"connection"`

	filePath string
}

// Load reads and parses the configuration file, filling in defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.filePath = path
	cfg.applyDefaults()
	return &cfg, nil
}

// Reload re-reads the configuration from disk in-place so components holding
// a reference see the new values without a restart.
func (c *Config) Reload() error {
	if c.filePath == "" {
		return fmt.Errorf("config file path not set, cannot reload")
	}

	newCfg, err := Load(c.filePath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	c.Client = newCfg.Client
	c.Server = newCfg.Server
	c.Auth = newCfg.Auth
	c.Audio = newCfg.Audio
	c.Debate = newCfg.Debate
	c.Connection = newCfg.Connection
	return nil
}

func (c *Config) applyDefaults() {
	if c.Client.APIBindAddress == "" {
		c.Client.APIBindAddress = "localhost:8081"
	}
	if c.Server.URL == "" {
		c.Server.URL = "ws://localhost:8000"
	}
	if c.Server.APIURL == "" {
		c.Server.APIURL = "http://localhost:8000/api"
	}
	if c.Debate.Language == "" {
		c.Debate.Language = "en-IN"
	}
	if c.Debate.AISpeaker == "" {
		c.Debate.AISpeaker = "anushka"
	}
	if c.Connection.ReconnectDelayMs == 0 {
		c.Connection.ReconnectDelayMs = 3000
	}
	if c.Connection.HeartbeatIntervalMs == 0 {
		c.Connection.HeartbeatIntervalMs = 30000
	}
}

// ReconnectDelay returns the reconnect delay as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Connection.ReconnectDelayMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Connection.HeartbeatIntervalMs) * time.Millisecond
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
