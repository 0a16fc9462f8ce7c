package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"chat-relay/pkg/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Socket  SocketConfig  `yaml:"socket"`
	Uploads UploadConfig  `yaml:"uploads"`
	History HistoryConfig `yaml:"history"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type SocketConfig struct {
	SendBuffer      int     `yaml:"send_buffer"`
	MaxMessageBytes int64   `yaml:"max_message_bytes"`
	EventRate       float64 `yaml:"event_rate"`
	EventBurst      int     `yaml:"event_burst"`
}

type UploadConfig struct {
	Dir       string        `yaml:"dir"`
	PublicURL string        `yaml:"public_url"`
	MaxBytes  int64         `yaml:"max_bytes"`
	Timeout   time.Duration `yaml:"timeout"`
}

type HistoryConfig struct {
	Backend     string        `yaml:"backend"`
	Path        string        `yaml:"path"`
	PebbleDir   string        `yaml:"pebble_dir"`
	DatabaseURL string        `yaml:"database_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	HistoryBackendFile     = "file"
	HistoryBackendPostgres = "postgres"
	HistoryBackendPebble   = "pebble"
	HistoryBackendNone     = "none"
)

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            ":8042",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Socket: SocketConfig{
			SendBuffer:      256,
			MaxMessageBytes: 64 << 10,
			EventRate:       20,
			EventBurst:      40,
		},
		Uploads: UploadConfig{
			Dir:       "uploads",
			PublicURL: "/uploads",
			MaxBytes:  32 << 20,
			Timeout:   30 * time.Second,
		},
		History: HistoryConfig{
			Backend:   HistoryBackendFile,
			Path:      "history.json",
			PebbleDir: "history.pebble",
			Timeout:   5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, in that order of precedence (environment wins). The
// file path falls back to CONFIG_FILE when empty.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded: %v", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	env := &envReader{}

	cfg.Server.Port = getEnvOrDefault("PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = env.duration("READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = env.duration("WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.ShutdownTimeout = env.duration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = parseList(origins)
	}

	cfg.Socket.SendBuffer = env.integer("WS_SEND_BUFFER", cfg.Socket.SendBuffer)
	cfg.Socket.MaxMessageBytes = env.int64("WS_MAX_MESSAGE_BYTES", cfg.Socket.MaxMessageBytes)
	cfg.Socket.EventRate = env.float("WS_EVENT_RATE", cfg.Socket.EventRate)
	cfg.Socket.EventBurst = env.integer("WS_EVENT_BURST", cfg.Socket.EventBurst)

	cfg.Uploads.Dir = getEnvOrDefault("UPLOAD_DIR", cfg.Uploads.Dir)
	cfg.Uploads.PublicURL = getEnvOrDefault("UPLOAD_PUBLIC_URL", cfg.Uploads.PublicURL)
	cfg.Uploads.MaxBytes = env.int64("UPLOAD_MAX_BYTES", cfg.Uploads.MaxBytes)
	cfg.Uploads.Timeout = env.duration("UPLOAD_TIMEOUT", cfg.Uploads.Timeout)

	cfg.History.Backend = strings.ToLower(getEnvOrDefault("HISTORY_BACKEND", cfg.History.Backend))
	cfg.History.Path = getEnvOrDefault("HISTORY_PATH", cfg.History.Path)
	cfg.History.PebbleDir = getEnvOrDefault("HISTORY_PEBBLE_DIR", cfg.History.PebbleDir)
	cfg.History.DatabaseURL = getEnvOrDefault("DATABASE_URL", cfg.History.DatabaseURL)
	cfg.History.Timeout = env.duration("HISTORY_TIMEOUT", cfg.History.Timeout)

	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvOrDefault("LOG_FORMAT", cfg.Log.Format)

	return env.err
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if !strings.Contains(c.Server.Port, ":") {
		c.Server.Port = ":" + c.Server.Port
	}
	if c.Socket.SendBuffer <= 0 {
		return fmt.Errorf("socket send buffer must be positive, got %d", c.Socket.SendBuffer)
	}
	if c.Socket.MaxMessageBytes <= 0 {
		return fmt.Errorf("socket max message bytes must be positive, got %d", c.Socket.MaxMessageBytes)
	}
	if c.Socket.EventRate <= 0 || c.Socket.EventBurst <= 0 {
		return fmt.Errorf("socket event rate and burst must be positive")
	}
	if c.Uploads.Dir == "" {
		return fmt.Errorf("upload dir is required")
	}
	if c.Uploads.Timeout <= 0 {
		return fmt.Errorf("upload timeout must be positive")
	}
	c.Uploads.PublicURL = strings.TrimRight(c.Uploads.PublicURL, "/")

	switch c.History.Backend {
	case HistoryBackendFile:
		if c.History.Path == "" {
			return fmt.Errorf("history path is required for the file backend")
		}
	case HistoryBackendPebble:
		if c.History.PebbleDir == "" {
			return fmt.Errorf("history pebble dir is required for the pebble backend")
		}
	case HistoryBackendPostgres:
		if c.History.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case HistoryBackendNone:
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed environment values, keeping the first error.
type envReader struct {
	err error
}

func (r *envReader) fail(key, kind string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s for %s: %w", kind, key, err)
	}
}

func (r *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		r.fail(key, "duration", err)
		return defaultValue
	}
	return duration
}

func (r *envReader) integer(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		r.fail(key, "integer", err)
		return defaultValue
	}
	return intValue
}

func (r *envReader) int64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.fail(key, "integer", err)
		return defaultValue
	}
	return intValue
}

func (r *envReader) float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.fail(key, "number", err)
		return defaultValue
	}
	return f
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
