package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                      = "CODESTREAM"
	defaultServerURL               = "ws://localhost:8000"
	defaultIdentityPath            = "codestream.db"
	defaultReconnectDelayMillis    = 3000
	defaultReconnectMaxAttempts    = 10
	defaultDebounceMillis          = 50
	defaultExecutionTimeoutSeconds = 0
	defaultHandshakeTimeoutMillis  = 5000
	defaultLogLevel                = "info"
	defaultLogFormat               = "console"
)

// AppConfig captures runtime configuration for a room client.
type AppConfig struct {
	ServerURL        string
	RoomID           string
	UserID           string
	Username         string
	IdentityPath     string
	ReconnectDelay   time.Duration
	MaxAttempts      int
	DebounceWindow   time.Duration
	ExecutionTimeout time.Duration
	HandshakeTimeout time.Duration
	WorkspaceFile    string
	StatusAddress    string
	LogLevel         string
	LogFormat        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("identity.path", defaultIdentityPath)
	configViper.SetDefault("reconnect.delay_ms", defaultReconnectDelayMillis)
	configViper.SetDefault("reconnect.max_attempts", defaultReconnectMaxAttempts)
	configViper.SetDefault("sync.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("execution.timeout_seconds", defaultExecutionTimeoutSeconds)
	configViper.SetDefault("connection.handshake_timeout_ms", defaultHandshakeTimeoutMillis)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServerURL:        strings.TrimSpace(configViper.GetString("server.url")),
		RoomID:           strings.TrimSpace(configViper.GetString("room.id")),
		UserID:           strings.TrimSpace(configViper.GetString("user.id")),
		Username:         strings.TrimSpace(configViper.GetString("user.name")),
		IdentityPath:     strings.TrimSpace(configViper.GetString("identity.path")),
		ReconnectDelay:   time.Duration(configViper.GetInt64("reconnect.delay_ms")) * time.Millisecond,
		MaxAttempts:      configViper.GetInt("reconnect.max_attempts"),
		DebounceWindow:   time.Duration(configViper.GetInt64("sync.debounce_ms")) * time.Millisecond,
		ExecutionTimeout: time.Duration(configViper.GetInt64("execution.timeout_seconds")) * time.Second,
		HandshakeTimeout: time.Duration(configViper.GetInt64("connection.handshake_timeout_ms")) * time.Millisecond,
		WorkspaceFile:    strings.TrimSpace(configViper.GetString("workspace.file")),
		StatusAddress:    strings.TrimSpace(configViper.GetString("status.address")),
		LogLevel:         configViper.GetString("log.level"),
		LogFormat:        configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.RoomID == "" {
		return fmt.Errorf("room.id is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("server.url must be an absolute url, got %q", c.ServerURL)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("server.url scheme must be ws, wss, http or https, got %q", parsed.Scheme)
	}
	if c.IdentityPath == "" && (c.UserID == "" || c.Username == "") {
		return fmt.Errorf("identity.path is required unless user.id and user.name are both set")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect.delay_ms must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("sync.debounce_ms must be positive")
	}
	if c.ExecutionTimeout < 0 {
		return fmt.Errorf("execution.timeout_seconds must not be negative")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("connection.handshake_timeout_ms must be positive")
	}
	return nil
}
