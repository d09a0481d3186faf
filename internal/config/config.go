package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	DataDir     string
	DBPath      string
	AgentBin    string
	LogLevel    string
	LogFormat   string
	Concurrency int
	ItemTimeout time.Duration
	StopGrace   time.Duration
	AuthTTL     time.Duration
	Listen      string
	// APIToken enables bearer auth on the HTTP API when set.
	APIToken string
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("AMPWORK_DATA_DIR", filepath.Join(homeDir, ".ampwork"))

	c := &Config{
		DataDir:     dataDir,
		DBPath:      filepath.Join(dataDir, "ampwork.db"),
		AgentBin:    getEnv("AMPWORK_AGENT_BIN", "amp"),
		LogLevel:    getEnv("AMPWORK_LOG_LEVEL", "info"),
		LogFormat:   getEnv("AMPWORK_LOG_FORMAT", "console"),
		Concurrency: getEnvInt("AMPWORK_CONCURRENCY", 2),
		ItemTimeout: getEnvDuration("AMPWORK_ITEM_TIMEOUT", 30*time.Minute),
		StopGrace:   getEnvDuration("AMPWORK_STOP_GRACE", 5*time.Second),
		AuthTTL:     getEnvDuration("AMPWORK_AUTH_TTL", 5*time.Minute),
		Listen:      getEnv("AMPWORK_LISTEN", "127.0.0.1:7420"),
		APIToken:    getEnv("AMPWORK_TOKEN", ""),
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return c, nil
}

func (c *Config) validate() error {
	if c.AgentBin == "" {
		return fmt.Errorf("AMPWORK_AGENT_BIN must not be empty")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("AMPWORK_CONCURRENCY must be positive, got %d", c.Concurrency)
	}
	if c.ItemTimeout <= 0 {
		return fmt.Errorf("AMPWORK_ITEM_TIMEOUT must be positive, got %s", c.ItemTimeout)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("AMPWORK_LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.LogsDir(), 0755); err != nil {
		return err
	}
	return nil
}

// LogsDir holds the agent debug logs, one file per iteration or handle.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
