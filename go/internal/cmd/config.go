package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the optional YAML application config. Every field has a
// working default so the file may be absent entirely.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Realtime struct {
		Channel        string        `yaml:"channel"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	} `yaml:"realtime"`
	Presence struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"presence"`
	Scan struct {
		Cooldown time.Duration `yaml:"cooldown"`
	} `yaml:"scan"`
	Bridge struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Stream  string `yaml:"stream"`
	} `yaml:"bridge"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}
