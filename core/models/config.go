package models

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config is the main configuration structure for the vesper backend.
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// SSH configuration
	SSH SSHConfig `json:"ssh" yaml:"ssh"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// ServerConfig contains HTTP command-layer configuration.
type ServerConfig struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	Mode            string   `json:"mode" yaml:"mode"` // debug, release, test
	EnableCORS      bool     `json:"enable_cors" yaml:"enable_cors"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins"`
	EnableWebSocket bool     `json:"enable_websocket" yaml:"enable_websocket"`
}

// SSHConfig contains SSH client and watchdog configuration.
type SSHConfig struct {
	// Connection settings
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	TestTimeout    time.Duration `json:"test_timeout" yaml:"test_timeout"`

	// Watchdog settings
	KeepaliveInterval time.Duration `json:"keepalive_interval" yaml:"keepalive_interval"`
	MonitorInterval   time.Duration `json:"monitor_interval" yaml:"monitor_interval"`
	ReconnectDelay    time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`

	// Security settings
	HostKeyPolicy  string `json:"host_key_policy" yaml:"host_key_policy"` // accept, strict
	KnownHostsFile string `json:"known_hosts_file" yaml:"known_hosts_file"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	Output     string `json:"output" yaml:"output"`
	MaxSize    int    `json:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAge     int    `json:"max_age" yaml:"max_age"` // days
	Compress   bool   `json:"compress" yaml:"compress"`
}

// StorageConfig locates the persisted catalog document.
type StorageConfig struct {
	// DataDir holds data.json and its .tmp/.bak siblings. Empty means the
	// platform data directory for the application.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// UseKeyring routes endpoint passwords through the OS keystore instead
	// of the persisted document.
	UseKeyring bool `json:"use_keyring" yaml:"use_keyring"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       8080,
			Mode:       "release",
			EnableCORS: true,
			CORSOrigins: []string{
				"http://localhost:3000",
				"http://localhost:5173",
			},
			EnableWebSocket: true,
		},
		SSH: SSHConfig{
			ConnectTimeout:    10 * time.Second,
			TestTimeout:       5 * time.Second,
			KeepaliveInterval: 30 * time.Second,
			MonitorInterval:   60 * time.Second,
			ReconnectDelay:    5 * time.Second,
			HostKeyPolicy:     "accept", // accept, strict
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		Storage: StorageConfig{
			DataDir: DefaultDataDir(),
		},
	}
}

// DefaultDataDir resolves the platform data directory for the application:
// XDG data on Linux, Application Support on macOS, AppData on Windows.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "vesper")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", "vesper")
		}
	default:
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, "vesper")
		}
	}
	return "vesper"
}
