package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	pkgdatabase "livepoll/pkg/database"
)

// Config is the full runtime configuration.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Session   *SessionConfig   `json:"session"`
	Log       *LogConfig       `json:"log"`
}

// DatabaseConfig selects the store. Path is used by sqlite3, URL by postgres.
type DatabaseConfig struct {
	Driver          string        `json:"driver"`
	Path            string        `json:"path"`
	URL             string        `json:"url"`
	Timeout         time.Duration `json:"timeout"`
	MaxConnections  int           `json:"max_connections"`
	WriteRetryDelay time.Duration `json:"write_retry_delay"`
}

type HTTPConfig struct {
	Port          int           `json:"port"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	Host          string        `json:"host"`
	AllowedOrigin string        `json:"allowed_origin"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// SessionConfig holds classroom limits.
type SessionConfig struct {
	ChatHistoryLimit int  `json:"chat_history_limit"`
	MaxChatLength    int  `json:"max_chat_length"`
	MaxNameLength    int  `json:"max_name_length"`
	EventsPerMinute  int  `json:"events_per_minute"`
	ReconcileOnStart bool `json:"reconcile_on_start"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns settings for a single classroom on one machine:
// SQLite on local disk, HTTP on 8080, 30s websocket heartbeat.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Driver:          string(pkgdatabase.DialectSQLite),
			Path:            "./data/livepoll.db",
			Timeout:         30 * time.Second,
			MaxConnections:  10,
			WriteRetryDelay: 0,
		},
		HTTP: &HTTPConfig{
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			Host:          "0.0.0.0",
			AllowedOrigin: "*",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Session: &SessionConfig{
			ChatHistoryLimit: 50,
			MaxChatLength:    500,
			MaxNameLength:    50,
			EventsPerMinute:  100,
			ReconcileOnStart: true,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if err := c.StoreConfig().Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return errors.New("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}

	if c.Session == nil {
		return errors.New("session configuration is required")
	}
	if c.Session.ChatHistoryLimit <= 0 {
		return errors.New("chat history limit must be positive")
	}
	if c.Session.MaxChatLength <= 0 {
		return errors.New("max chat length must be positive")
	}
	if c.Session.MaxNameLength <= 0 {
		return errors.New("max name length must be positive")
	}
	if c.Session.EventsPerMinute < 0 {
		return errors.New("events per minute cannot be negative")
	}

	if c.Log == nil {
		return errors.New("log configuration is required")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.New("log format must be text or json")
	}
	return nil
}

// StoreConfig derives the store settings.
func (c *Config) StoreConfig() *pkgdatabase.Config {
	store := pkgdatabase.DefaultConfig()
	store.Driver = pkgdatabase.Dialect(c.Database.Driver)
	store.DatabasePath = c.Database.Path
	store.DatabaseURL = c.Database.URL
	store.MaxConnections = c.Database.MaxConnections
	store.WriteTimeout = c.Database.Timeout
	store.WriteRetryDelay = c.Database.WriteRetryDelay
	return store
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// LoadFromEnv overrides defaults with LIVEPOLL_* variables. Unparseable
// values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	envString("LIVEPOLL_DATABASE_DRIVER", &config.Database.Driver)
	envString("LIVEPOLL_DATABASE_PATH", &config.Database.Path)
	envString("LIVEPOLL_DATABASE_URL", &config.Database.URL)
	envDuration("LIVEPOLL_DATABASE_TIMEOUT", &config.Database.Timeout)
	envInt("LIVEPOLL_DATABASE_MAX_CONNECTIONS", &config.Database.MaxConnections)
	envDuration("LIVEPOLL_DATABASE_WRITE_RETRY_DELAY", &config.Database.WriteRetryDelay)

	envInt("LIVEPOLL_HTTP_PORT", &config.HTTP.Port)
	envString("LIVEPOLL_HTTP_HOST", &config.HTTP.Host)
	envDuration("LIVEPOLL_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("LIVEPOLL_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envString("LIVEPOLL_HTTP_ALLOWED_ORIGIN", &config.HTTP.AllowedOrigin)

	envDuration("LIVEPOLL_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("LIVEPOLL_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("LIVEPOLL_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("LIVEPOLL_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	envInt("LIVEPOLL_SESSION_CHAT_HISTORY_LIMIT", &config.Session.ChatHistoryLimit)
	envInt("LIVEPOLL_SESSION_MAX_CHAT_LENGTH", &config.Session.MaxChatLength)
	envInt("LIVEPOLL_SESSION_MAX_NAME_LENGTH", &config.Session.MaxNameLength)
	envInt("LIVEPOLL_SESSION_EVENTS_PER_MINUTE", &config.Session.EventsPerMinute)
	envBool("LIVEPOLL_SESSION_RECONCILE_ON_START", &config.Session.ReconcileOnStart)

	envString("LIVEPOLL_LOG_LEVEL", &config.Log.Level)
	envString("LIVEPOLL_LOG_FORMAT", &config.Log.Format)

	return config
}

// ConfigFile is the JSON shape on disk. Durations are strings such as "30s".
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Session   *SessionConfigFile   `json:"session"`
	Log       *LogConfig           `json:"log"`
}

type DatabaseConfigFile struct {
	Driver          string `json:"driver"`
	Path            string `json:"path"`
	URL             string `json:"url"`
	Timeout         string `json:"timeout"`
	MaxConnections  int    `json:"max_connections"`
	WriteRetryDelay string `json:"write_retry_delay"`
}

type HTTPConfigFile struct {
	Port          int    `json:"port"`
	ReadTimeout   string `json:"read_timeout"`
	WriteTimeout  string `json:"write_timeout"`
	Host          string `json:"host"`
	AllowedOrigin string `json:"allowed_origin"`
}

type WebSocketConfigFile struct {
	PingInterval string `json:"ping_interval"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	BufferSize   int    `json:"buffer_size"`
}

type SessionConfigFile struct {
	ChatHistoryLimit int   `json:"chat_history_limit"`
	MaxChatLength    int   `json:"max_chat_length"`
	MaxNameLength    int   `json:"max_name_length"`
	EventsPerMinute  *int  `json:"events_per_minute"`
	ReconcileOnStart *bool `json:"reconcile_on_start"`
}

func parseDuration(field, value string, target *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*target = d
	return nil
}

func setString(value string, target *string) {
	if value != "" {
		*target = value
	}
}

func setInt(value int, target *int) {
	if value > 0 {
		*target = value
	}
}

// LoadFromFile reads a JSON config file layered over base. Fields absent
// from the file keep base's values.
func LoadFromFile(filepath string, base *Config) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := base
	if config == nil {
		config = DefaultConfig()
	}

	if db := file.Database; db != nil {
		setString(db.Driver, &config.Database.Driver)
		setString(db.Path, &config.Database.Path)
		setString(db.URL, &config.Database.URL)
		setInt(db.MaxConnections, &config.Database.MaxConnections)
		if err := parseDuration("database.timeout", db.Timeout, &config.Database.Timeout); err != nil {
			return nil, err
		}
		if err := parseDuration("database.write_retry_delay", db.WriteRetryDelay, &config.Database.WriteRetryDelay); err != nil {
			return nil, err
		}
	}

	if h := file.HTTP; h != nil {
		setInt(h.Port, &config.HTTP.Port)
		setString(h.Host, &config.HTTP.Host)
		setString(h.AllowedOrigin, &config.HTTP.AllowedOrigin)
		if err := parseDuration("http.read_timeout", h.ReadTimeout, &config.HTTP.ReadTimeout); err != nil {
			return nil, err
		}
		if err := parseDuration("http.write_timeout", h.WriteTimeout, &config.HTTP.WriteTimeout); err != nil {
			return nil, err
		}
	}

	if ws := file.WebSocket; ws != nil {
		setInt(ws.BufferSize, &config.WebSocket.BufferSize)
		if err := parseDuration("websocket.ping_interval", ws.PingInterval, &config.WebSocket.PingInterval); err != nil {
			return nil, err
		}
		if err := parseDuration("websocket.read_timeout", ws.ReadTimeout, &config.WebSocket.ReadTimeout); err != nil {
			return nil, err
		}
		if err := parseDuration("websocket.write_timeout", ws.WriteTimeout, &config.WebSocket.WriteTimeout); err != nil {
			return nil, err
		}
	}

	if s := file.Session; s != nil {
		setInt(s.ChatHistoryLimit, &config.Session.ChatHistoryLimit)
		setInt(s.MaxChatLength, &config.Session.MaxChatLength)
		setInt(s.MaxNameLength, &config.Session.MaxNameLength)
		if s.EventsPerMinute != nil {
			config.Session.EventsPerMinute = *s.EventsPerMinute
		}
		if s.ReconcileOnStart != nil {
			config.Session.ReconcileOnStart = *s.ReconcileOnStart
		}
	}

	if l := file.Log; l != nil {
		setString(l.Level, &config.Log.Level)
		setString(l.Format, &config.Log.Format)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

// LoadDotEnv loads KEY=VALUE pairs from envFile into the process
// environment without overriding variables already set. A missing file is
// not an error.
func LoadDotEnv(envFile string) error {
	if envFile == "" {
		return nil
	}
	if _, err := os.Stat(envFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return nil
}

// LoadConfigWithPrecedence resolves configuration as
// file > environment > .env > defaults.
func LoadConfigWithPrecedence(filepath, envFile string) (*Config, error) {
	if err := LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	config := LoadFromEnv()

	if filepath != "" {
		fileConfig, err := LoadFromFile(filepath, config)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
