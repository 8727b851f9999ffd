package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the hub configuration. Values come from defaults, an optional
// JSON file, and finally environment variables, each layer overriding the last.
type Config struct {
	Listen        string `json:"listen"`
	Image         string `json:"image"`
	Volume        string `json:"volume"`
	DirectoryPath string `json:"directory"`
	CookieSecret  string `json:"cookie_secret"`

	IdleTimeout   int `json:"idle_timeout"`   // seconds
	SweepInterval int `json:"sweep_interval"` // seconds
	ReadyDeadline int `json:"ready_deadline"` // seconds

	PortMin int `json:"port_min"`
	PortMax int `json:"port_max"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Listen:        ":8080",
		Image:         "world:latest",
		Volume:        "world",
		DirectoryPath: "directory.json",
		IdleTimeout:   600,
		SweepInterval: 10,
		ReadyDeadline: 60,
		PortMin:       1000,
		PortMax:       65535,
	}
}

// LoadConfig loads configuration from an optional JSON file and the environment.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(&config, configPath); err != nil {
			return config, err
		}
	}

	overrideFromEnv(&config)

	if config.PortMin <= 0 || config.PortMax > 65535 || config.PortMin >= config.PortMax {
		return config, fmt.Errorf("invalid port range [%d, %d]", config.PortMin, config.PortMax)
	}

	return config, nil
}

// IdleTimeoutDuration returns the idle timeout as a duration.
func (c Config) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

// SweepIntervalDuration returns the sweep interval as a duration.
func (c Config) SweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// ReadyDeadlineDuration returns the readiness deadline as a duration.
func (c Config) ReadyDeadlineDuration() time.Duration {
	return time.Duration(c.ReadyDeadline) * time.Second
}

func loadFromFile(config *Config, path string) error {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(bytes, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func overrideFromEnv(config *Config) {
	if val := os.Getenv("HUB_LISTEN"); val != "" {
		config.Listen = ensurePortFormat(val)
	}

	if val := os.Getenv("IMAGE"); val != "" {
		config.Image = val
	}

	if val := os.Getenv("VOLUME"); val != "" {
		config.Volume = val
	}

	if val := os.Getenv("DIRECTORY"); val != "" {
		config.DirectoryPath = val
	}

	if val := os.Getenv("COOKIE_SECRET"); val != "" {
		config.CookieSecret = val
	}

	if val := os.Getenv("TIMEOUT"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			config.IdleTimeout = timeout
		}
	}

	if val := os.Getenv("HUB_SWEEP_INTERVAL"); val != "" {
		if interval, err := strconv.Atoi(val); err == nil {
			config.SweepInterval = interval
		}
	}

	if val := os.Getenv("HUB_READY_DEADLINE"); val != "" {
		if deadline, err := strconv.Atoi(val); err == nil {
			config.ReadyDeadline = deadline
		}
	}

	if val := os.Getenv("HUB_PORT_MIN"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.PortMin = port
		}
	}

	if val := os.Getenv("HUB_PORT_MAX"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.PortMax = port
		}
	}
}

// ensurePortFormat ensures a listen address is in the format ":8080".
func ensurePortFormat(addr string) string {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, ":") {
		return ":" + addr
	}
	return addr
}
