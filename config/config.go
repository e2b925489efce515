// Package config loads the gateway's configuration from environment
// variables, with an optional YAML file to seed defaults below them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full set of settings for one gateway deployment: the
// Master's public listener, the worker fleet, the receipt bus, and the
// ambient observability surface.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	WorkersCount         int    `yaml:"workers_count"`
	WorkerSocketTemplate string `yaml:"worker_socket_template"`
	BusBasePort          int    `yaml:"bus_base_port"`

	LogLevel  string `yaml:"log_level"`
	AdminAddr string `yaml:"admin_addr"`

	// MetricsAddr, when set, also serves /metrics on its own listener.
	// Left empty (the default), /metrics is served only by the admin mux,
	// alongside /healthz and /sessions. Each worker binds the admin mux to
	// 127.0.0.1 on port BusBasePort+1000+index; AdminAddr is loaded but
	// no listener binds to it.
	MetricsAddr     string `yaml:"metrics_addr"`
	ProviderLogPath string `yaml:"provider_log_path"`

	// ProviderBuilder names the entry in provider.Builders used to
	// construct each worker's Provider. The Go rendering of a
	// constructor-by-reference: Python can pass a class, Go selects one
	// by name from a registry (see provider.Builders).
	ProviderBuilder string `yaml:"provider_builder"`
}

// Load reads an optional YAML file at path (ignored if it does not exist)
// to seed defaults, then overlays environment variables, matching the
// layered config pattern used across the corpus's services.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Host:                 "0.0.0.0",
		Port:                 2775,
		WorkersCount:         4,
		WorkerSocketTemplate: "/tmp/smppgw_worker_%d.sock",
		BusBasePort:          17750,
		LogLevel:             "info",
		AdminAddr:            ":8080",
		MetricsAddr:          "",
		ProviderLogPath:      "./delivered.log",
		ProviderBuilder:      "file_logging",
	}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg.Host = getEnv("HOST", cfg.Host)
	cfg.Port = getInt("PORT", cfg.Port)
	cfg.WorkersCount = getInt("WORKERS_COUNT", cfg.WorkersCount)
	cfg.WorkerSocketTemplate = getEnv("WORKER_SOCKET_TEMPLATE", cfg.WorkerSocketTemplate)
	cfg.BusBasePort = getInt("INCOMING_MESSAGES_QUEUE_BASE_PORT", cfg.BusBasePort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.AdminAddr = getEnv("ADMIN_ADDR", cfg.AdminAddr)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.ProviderLogPath = getEnv("PROVIDER_LOG_PATH", cfg.ProviderLogPath)
	cfg.ProviderBuilder = getEnv("PROVIDER_BUILDER", cfg.ProviderBuilder)

	if cfg.WorkersCount < 1 {
		return nil, fmt.Errorf("config: WORKERS_COUNT must be >= 1, got %d", cfg.WorkersCount)
	}
	return cfg, nil
}

// ListenAddr is the Master's public TCP bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkerSocket returns the local stream socket path for worker i.
func (c *Config) WorkerSocket(i int) string {
	return fmt.Sprintf(c.WorkerSocketTemplate, i)
}

// BusAddr returns the receipt bus publisher address for worker i.
func (c *Config) BusAddr(i int) string {
	return fmt.Sprintf("127.0.0.1:%d", c.BusBasePort+i)
}

// BusPeers returns the publisher addresses of every worker, including the
// caller's own — every worker subscribes to the full set.
func (c *Config) BusPeers() []string {
	peers := make([]string, c.WorkersCount)
	for i := range peers {
		peers[i] = c.BusAddr(i)
	}
	return peers
}

// ShutdownGrace is how long Master/Worker wait for in-flight work to
// drain before a forceful shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return 10 * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

