package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5037", cfg.ADBAddr())
	assert.Equal(t, 10, cfg.Tracking.MaxReconnectAttempts)
	assert.Equal(t, 8600, cfg.Tracking.DebugPortBase)
	assert.True(t, cfg.Tracking.ClientSupport)
	assert.NotNil(t, cfg.Devices)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
adb:
  port: 5038
  command_timeout: 2s
tracking:
  reopen_grace: 250ms
  client_support: false
traffic:
  device_bytes_per_sec: 1048576
devices:
  1WMHH000000000:
    nickname: lab
    wifi_ip: 192.168.1.20
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5038", cfg.ADBAddr())
	assert.Equal(t, 2*time.Second, cfg.ADB.CommandTimeout)
	assert.Equal(t, 10*time.Second, cfg.ADB.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Tracking.ReopenGrace)
	assert.False(t, cfg.Tracking.ClientSupport)
	assert.Equal(t, 1048576, cfg.TrafficOptions().DeviceBytesPerSec)
	assert.Equal(t, "1WMHH000000000", cfg.ResolveSerial("lab"))
	assert.Equal(t, "other", cfg.ResolveSerial("other"))

	opts := cfg.MonitorOptions(nil)
	assert.Equal(t, 2*time.Second, opts.CommandTimeout)
	assert.Equal(t, 250*time.Millisecond, opts.ReopenGrace)
	assert.False(t, opts.ClientSupport)

	conn := cfg.ConnectorOptions(nil, nil)
	assert.Equal(t, "127.0.0.1:5038", conn.Addr)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.Devices["SER"] = DeviceConfig{Nickname: "quest"}
	cfg.Tracking.PollInterval = 3 * time.Second
	require.NoError(t, SaveFile(cfg, path))

	got, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestConfigDirHonoursXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, "/tmp/xdg/questlink/config.yaml", ConfigPath())
}

func TestProxyOptionsAllowList(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:5038", cfg.Proxy.Listen)
	cfg.Devices["SER1"] = DeviceConfig{Nickname: "lab"}
	cfg.Devices["SER2"] = DeviceConfig{}

	// With no list, every configured device is allowed.
	opts := cfg.ProxyOptions(nil, nil)
	assert.True(t, opts.Allow("SER1"))
	assert.True(t, opts.Allow("SER2"))
	assert.False(t, opts.Allow("OTHER"))
	assert.Equal(t, cfg.ADB.CommandTimeout, opts.CommandTimeout)

	cfg.Proxy.Allow = []string{"lab"}
	opts = cfg.ProxyOptions(nil, nil)
	assert.True(t, opts.Allow("SER1"))
	assert.False(t, opts.Allow("SER2"))

	opts = cfg.ProxyOptions([]string{"SER2", "10.0.0.5:5555"}, nil)
	assert.False(t, opts.Allow("SER1"))
	assert.True(t, opts.Allow("SER2"))
	assert.True(t, opts.Allow("10.0.0.5:5555"))
}
