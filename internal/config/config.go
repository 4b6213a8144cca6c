// Package config loads and saves the questlink YAML configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/jdwp"
	"github.com/FluidXR/questlink/internal/monitor"
	"github.com/FluidXR/questlink/internal/proxy"
)

// DeviceConfig stores per-device settings.
type DeviceConfig struct {
	Nickname string `yaml:"nickname,omitempty"`
	WiFiIP   string `yaml:"wifi_ip,omitempty"`
}

// ADBConfig says where the adb server is and how long to wait for it.
type ADBConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Path           string        `yaml:"path,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// TrackingConfig tunes device and process tracking.
type TrackingConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ClientSupport        bool          `yaml:"client_support"`
	DebugPortBase        int           `yaml:"debug_port_base"`
	ReopenGrace          time.Duration `yaml:"reopen_grace"`
	MaintenanceInterval  time.Duration `yaml:"maintenance_interval"`
}

// TrafficConfig caps transfer rates in bytes per second. Zero means
// unlimited.
type TrafficConfig struct {
	GlobalBytesPerSec int `yaml:"global_bytes_per_sec,omitempty"`
	DeviceBytesPerSec int `yaml:"device_bytes_per_sec,omitempty"`
}

// ProxyConfig configures the filtering adb proxy. Allow holds serials or
// nicknames; when empty every device in the devices section is allowed.
type ProxyConfig struct {
	Listen string   `yaml:"listen"`
	Allow  []string `yaml:"allow,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	ADB        ADBConfig               `yaml:"adb"`
	Tracking   TrackingConfig          `yaml:"tracking"`
	Traffic    TrafficConfig           `yaml:"traffic,omitempty"`
	Proxy      ProxyConfig             `yaml:"proxy"`
	SyncDir    string                  `yaml:"sync_dir"`
	MediaPaths []string                `yaml:"media_paths"`
	PushDir    string                  `yaml:"push_dir"`
	Devices    map[string]DeviceConfig `yaml:"devices,omitempty"`
	LogLevel   string                  `yaml:"log_level,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ADB: ADBConfig{
			Host:           "127.0.0.1",
			Port:           5037,
			ConnectTimeout: adb.DefaultConnectTimeout,
			CommandTimeout: adb.DefaultCommandTimeout,
		},
		Tracking: TrackingConfig{
			PollInterval:         time.Second,
			MaxReconnectAttempts: 10,
			ClientSupport:        true,
			DebugPortBase:        jdwp.DefaultPortBase,
			ReopenGrace:          time.Second,
			MaintenanceInterval:  time.Second,
		},
		Proxy:   ProxyConfig{Listen: proxy.DefaultAddr},
		SyncDir: filepath.Join(home, "QuestLink"),
		MediaPaths: []string{
			"/sdcard/Oculus/VideoShots/",
			"/sdcard/Oculus/Screenshots/",
		},
		PushDir:  "/sdcard/Download/",
		Devices:  make(map[string]DeviceConfig),
		LogLevel: "info",
	}
}

// ConfigDir returns the config directory path.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "questlink")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "questlink")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// Load reads the config file, returning defaults if it doesn't exist.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads the config at path. Fields missing from the file keep
// their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Devices == nil {
		cfg.Devices = make(map[string]DeviceConfig)
	}
	return cfg, nil
}

// Save writes the config to disk.
func Save(cfg *Config) error {
	return SaveFile(cfg, ConfigPath())
}

// SaveFile writes the config to path, creating its directory.
func SaveFile(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ExpandSyncDir expands ~ in the sync dir path.
func (c *Config) ExpandSyncDir() string {
	if len(c.SyncDir) > 0 && c.SyncDir[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, c.SyncDir[1:])
	}
	return c.SyncDir
}

// ADBAddr returns host:port of the adb server.
func (c *Config) ADBAddr() string {
	return net.JoinHostPort(c.ADB.Host, strconv.Itoa(c.ADB.Port))
}

// ConnectorOptions builds the adb connector settings. traffic may be nil.
func (c *Config) ConnectorOptions(traffic *adb.Traffic, logger *zerolog.Logger) adb.ConnectorOptions {
	return adb.ConnectorOptions{
		Addr:           c.ADBAddr(),
		ConnectTimeout: c.ADB.ConnectTimeout,
		CommandTimeout: c.ADB.CommandTimeout,
		Traffic:        traffic,
		Logger:         logger,
	}
}

// TrafficOptions builds the traffic shaping settings.
func (c *Config) TrafficOptions() adb.TrafficOptions {
	return adb.TrafficOptions{
		GlobalBytesPerSec: c.Traffic.GlobalBytesPerSec,
		DeviceBytesPerSec: c.Traffic.DeviceBytesPerSec,
	}
}

// MonitorOptions builds the tracker settings.
func (c *Config) MonitorOptions(logger *zerolog.Logger) monitor.Options {
	t := c.Tracking
	return monitor.Options{
		PollInterval:         t.PollInterval,
		MaxReconnectAttempts: t.MaxReconnectAttempts,
		CommandTimeout:       c.ADB.CommandTimeout,
		ClientSupport:        t.ClientSupport,
		DebugPortBase:        t.DebugPortBase,
		ReopenGrace:          t.ReopenGrace,
		MaintenanceInterval:  t.MaintenanceInterval,
		Logger:               logger,
	}
}

// ProxyOptions builds the proxy settings. allow overrides the configured
// allow list when not empty.
func (c *Config) ProxyOptions(allow []string, logger *zerolog.Logger) proxy.Options {
	if len(allow) == 0 {
		allow = c.Proxy.Allow
	}
	serials := make(map[string]bool)
	for _, name := range allow {
		serials[c.ResolveSerial(name)] = true
	}
	if len(allow) == 0 {
		for serial := range c.Devices {
			serials[serial] = true
		}
	}
	return proxy.Options{
		Allow:          func(serial string) bool { return serials[serial] },
		CommandTimeout: c.ADB.CommandTimeout,
		Logger:         logger,
	}
}

// Launcher returns the adb server launcher for the configured port.
func (c *Config) Launcher() *adb.ServerLauncher {
	return &adb.ServerLauncher{Path: c.ADB.Path, Port: c.ADB.Port}
}

// ResolveSerial maps a nickname to its serial. Unknown names are returned
// unchanged.
func (c *Config) ResolveSerial(name string) string {
	for serial, dc := range c.Devices {
		if dc.Nickname == name {
			return serial
		}
	}
	return name
}
