package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the optional YAML tuning file. Every field has a default;
// the file only needs the sections being changed.
type Config struct {
	Scheduler struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		BatchSize           int `yaml:"batch_size"`
		NumWorkers          int `yaml:"num_workers"`
	} `yaml:"scheduler"`
	Outbox struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		BatchSize           int `yaml:"batch_size"`
	} `yaml:"outbox"`
	Gateway struct {
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
		StaleTimeoutSeconds  int `yaml:"stale_timeout_seconds"`
	} `yaml:"gateway"`
	Retention struct {
		MaxAgeDays    int `yaml:"max_age_days"`
		IntervalHours int `yaml:"interval_hours"`
	} `yaml:"retention"`
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
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

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

func secondsOr(value int, fallback time.Duration) time.Duration {
	if value > 0 {
		return time.Duration(value) * time.Second
	}
	return fallback
}

func hoursOr(value int, fallback time.Duration) time.Duration {
	if value > 0 {
		return time.Duration(value) * time.Hour
	}
	return fallback
}

func intOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
