package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	BackendURL string `yaml:"backend_url"`
	StreamPath string `yaml:"stream_path"`
	TaskURL    string `yaml:"task_url"`

	ReconnectBase time.Duration `yaml:"-"`
	MaxReconnects int           `yaml:"max_reconnects"`

	HTTPAddr    string `yaml:"http_addr"`
	JournalPath string `yaml:"journal_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// fileConfig mirrors Config for YAML, keeping durations as strings like "2s".
type fileConfig struct {
	Config        `yaml:",inline"`
	ReconnectBase string `yaml:"reconnect_base"`
}

func Defaults() Config {
	return Config{
		BackendURL:    "http://localhost:8000",
		StreamPath:    "/search/stream",
		TaskURL:       "http://localhost:8001",
		ReconnectBase: 2 * time.Second,
		MaxReconnects: 5,
		HTTPAddr:      ":8080",
		JournalPath:   ":memory:",
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// Load reads .env without overriding the environment, then the YAML file
// named by CARDSTREAM_CONFIG, then CARDSTREAM_* variables.
func Load() (Config, error) {
	loadDotEnv(".env")
	cfg := Defaults()
	if path := os.Getenv("CARDSTREAM_CONFIG"); path != "" {
		var err error
		if cfg, err = LoadFile(path, cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.BackendURL = getEnv("CARDSTREAM_BACKEND_URL", cfg.BackendURL)
	cfg.StreamPath = getEnv("CARDSTREAM_STREAM_PATH", cfg.StreamPath)
	cfg.TaskURL = getEnv("CARDSTREAM_TASK_URL", cfg.TaskURL)
	cfg.HTTPAddr = getEnv("CARDSTREAM_HTTP_ADDR", cfg.HTTPAddr)
	cfg.JournalPath = getEnv("CARDSTREAM_JOURNAL_PATH", cfg.JournalPath)
	cfg.LogLevel = getEnv("CARDSTREAM_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("CARDSTREAM_LOG_FORMAT", cfg.LogFormat)
	if v := os.Getenv("CARDSTREAM_RECONNECT_BASE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CARDSTREAM_RECONNECT_BASE: %w", err)
		}
		cfg.ReconnectBase = d
	}
	if v := os.Getenv("CARDSTREAM_MAX_RECONNECTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CARDSTREAM_MAX_RECONNECTS: %w", err)
		}
		cfg.MaxReconnects = n
	}
	return cfg, cfg.Validate()
}

// LoadFile overlays the YAML file at path onto base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	fc := fileConfig{Config: base}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg := fc.Config
	if fc.ReconnectBase != "" {
		d, err := time.ParseDuration(fc.ReconnectBase)
		if err != nil {
			return Config{}, fmt.Errorf("parse reconnect_base: %w", err)
		}
		cfg.ReconnectBase = d
	}
	return cfg, nil
}

func (c Config) Validate() error {
	for name, raw := range map[string]string{"backend url": c.BackendURL, "task url": c.TaskURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid %s %q", name, raw)
		}
	}
	if c.ReconnectBase <= 0 {
		return fmt.Errorf("reconnect base must be positive, got %s", c.ReconnectBase)
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("max reconnects must not be negative, got %d", c.MaxReconnects)
	}
	return nil
}

// StreamURL is the endpoint a turn is posted to.
func (c Config) StreamURL() string {
	return strings.TrimRight(c.BackendURL, "/") + "/" + strings.TrimLeft(c.StreamPath, "/")
}

// PingURL is the backend liveness endpoint.
func (c Config) PingURL() string {
	return strings.TrimRight(c.BackendURL, "/") + "/ping"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
