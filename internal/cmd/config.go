package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syncwave/syncwave/internal/lifecycle"
	"github.com/syncwave/syncwave/internal/syncbarrier"
)

type Config struct {
	Session struct {
		GracePeriod     time.Duration `yaml:"grace_period"`
		CountdownWindow time.Duration `yaml:"countdown_window"`
	} `yaml:"session"`
	Relay struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"relay"`
	Storage struct {
		Bucket          string `yaml:"bucket"`
		ObjectPrefix    string `yaml:"object_prefix"`
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"storage"`
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config
	config.Session.GracePeriod = lifecycle.DefaultGracePeriod
	config.Session.CountdownWindow = syncbarrier.DefaultCountdownWindow

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Running without a config file is fine; env vars cover the rest.
			return &config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if config.Session.GracePeriod <= 0 {
		config.Session.GracePeriod = lifecycle.DefaultGracePeriod
	}
	if config.Session.CountdownWindow <= 0 {
		config.Session.CountdownWindow = syncbarrier.DefaultCountdownWindow
	}
	return &config, nil
}
