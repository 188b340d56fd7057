// File: internal/config/config.go
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Target     TargetConfig     `mapstructure:"target" yaml:"target"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`
	Buffers    BuffersConfig    `mapstructure:"buffers" yaml:"buffers"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Target types understood by the connection manager when resolving the control socket.
const (
	TargetTypePage    = "page"
	TargetTypeBrowser = "browser"
)

// TargetConfig describes the debugged browser and how to keep the control socket alive.
type TargetConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// Type selects which debugger endpoint is used when WebSocketURL is empty.
	Type string `mapstructure:"type" yaml:"type"`
	// WebSocketURL bypasses discovery entirely when set.
	WebSocketURL     string          `mapstructure:"websocket_url" yaml:"websocket_url"`
	HandshakeTimeout time.Duration   `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration   `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval     time.Duration   `mapstructure:"ping_interval" yaml:"ping_interval"`
	ReadLimit        int64           `mapstructure:"read_limit" yaml:"read_limit"`
	Reconnect        ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
}

// Address returns the host:port pair of the debugging endpoint.
func (t TargetConfig) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ReconnectConfig bounds the backoff used after an unexpected socket closure.
type ReconnectConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// DispatcherConfig tunes command timeouts.
type DispatcherConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	// MaxTimeout caps caller supplied timeouts. Zero disables the ceiling.
	MaxTimeout time.Duration `mapstructure:"max_timeout" yaml:"max_timeout"`
	// EnableDomains are submitted after every successful (re)connect.
	EnableDomains []string `mapstructure:"enable_domains" yaml:"enable_domains"`
}

// BuffersConfig holds the ring capacity of every tracked event domain.
type BuffersConfig struct {
	Console    int `mapstructure:"console" yaml:"console"`
	Network    int `mapstructure:"network" yaml:"network"`
	WebSocket  int `mapstructure:"websocket" yaml:"websocket"`
	Exceptions int `mapstructure:"exceptions" yaml:"exceptions"`
}

// TelemetryConfig configures the crash/failure recorder.
type TelemetryConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
	// LogRate is the number of telemetry log lines allowed per second.
	LogRate  float64 `mapstructure:"log_rate" yaml:"log_rate"`
	LogBurst int     `mapstructure:"log_burst" yaml:"log_burst"`
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MetricsEnabled bool          `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-bridge")
	v.SetDefault("logger.log_file", "scalpel-bridge.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Target --
	v.SetDefault("target.host", "127.0.0.1")
	v.SetDefault("target.port", 9222)
	v.SetDefault("target.type", TargetTypePage)
	v.SetDefault("target.websocket_url", "")
	v.SetDefault("target.handshake_timeout", "10s")
	v.SetDefault("target.write_timeout", "10s")
	v.SetDefault("target.ping_interval", "15s")
	v.SetDefault("target.read_limit", 64<<20)
	v.SetDefault("target.reconnect.initial_backoff", "250ms")
	v.SetDefault("target.reconnect.max_backoff", "5s")
	v.SetDefault("target.reconnect.max_attempts", 10)

	// -- Dispatcher --
	v.SetDefault("dispatcher.default_timeout", "30s")
	v.SetDefault("dispatcher.max_timeout", "0s")
	v.SetDefault("dispatcher.enable_domains", []string{"Runtime", "Network", "Log", "Inspector", "Page"})

	// -- Buffers --
	v.SetDefault("buffers.console", 1000)
	v.SetDefault("buffers.network", 2000)
	v.SetDefault("buffers.websocket", 1000)
	v.SetDefault("buffers.exceptions", 500)

	// -- Telemetry --
	v.SetDefault("telemetry.capacity", 500)
	v.SetDefault("telemetry.log_rate", 5.0)
	v.SetDefault("telemetry.log_burst", 10)

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8787")
	v.SetDefault("server.max_connections", 256)
	v.SetDefault("server.request_timeout", "120s")
	v.SetDefault("server.metrics_enabled", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The websocket URL is commonly injected by whatever launched the browser.
	_ = v.BindEnv("target.websocket_url", "SCALPEL_BRIDGE_WS_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Target.Validate(); err != nil {
		return fmt.Errorf("target configuration invalid: %w", err)
	}
	if c.Dispatcher.DefaultTimeout <= 0 {
		return fmt.Errorf("dispatcher.default_timeout must be a positive duration")
	}
	if c.Dispatcher.MaxTimeout < 0 {
		return fmt.Errorf("dispatcher.max_timeout must not be negative")
	}
	if c.Dispatcher.MaxTimeout > 0 && c.Dispatcher.DefaultTimeout > c.Dispatcher.MaxTimeout {
		return fmt.Errorf("dispatcher.default_timeout exceeds dispatcher.max_timeout")
	}
	if err := c.Buffers.Validate(); err != nil {
		return fmt.Errorf("buffers configuration invalid: %w", err)
	}
	if c.Telemetry.Capacity <= 0 {
		return fmt.Errorf("telemetry.capacity must be a positive integer")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is a required configuration field")
	}
	return nil
}

// Validate checks the target configuration.
func (t *TargetConfig) Validate() error {
	if t.WebSocketURL == "" {
		if t.Host == "" {
			return fmt.Errorf("host is required when websocket_url is not set")
		}
		if t.Port <= 0 || t.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535")
		}
	}
	switch strings.ToLower(t.Type) {
	case TargetTypePage, TargetTypeBrowser:
	default:
		return fmt.Errorf("type must be %q or %q, got %q", TargetTypePage, TargetTypeBrowser, t.Type)
	}
	if t.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be a positive duration")
	}
	if t.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if t.Reconnect.InitialBackoff <= 0 || t.Reconnect.MaxBackoff < t.Reconnect.InitialBackoff {
		return fmt.Errorf("reconnect backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	return nil
}

// Validate checks that every tracked buffer has room for at least one record.
func (b *BuffersConfig) Validate() error {
	for name, capacity := range map[string]int{
		"console":    b.Console,
		"network":    b.Network,
		"websocket":  b.WebSocket,
		"exceptions": b.Exceptions,
	} {
		if capacity <= 0 {
			return fmt.Errorf("%s capacity must be a positive integer", name)
		}
	}
	return nil
}
