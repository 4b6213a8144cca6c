package adb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FluidXR/questlink/internal/adbtest"
)

func hostReply(cmd, payload string) adbtest.HandlerFunc {
	return func(s *adbtest.Session) {
		if err := s.Expect(cmd); err != nil {
			return
		}
		s.WriteFrame(payload)
		s.WaitClosed()
	}
}

func TestVersion(t *testing.T) {
	srv := newTestServer(t, hostReply("host:version", "0029"))
	v, err := NewClient(newTestConnector(srv, time.Second)).Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 41, v)
}

func TestDevices(t *testing.T) {
	out := "1WMHH000000000         device usb:1-1 product:hollywood model:Quest_2 device:hollywood transport_id:3\n" +
		"192.168.1.20:5555      offline transport_id:4\n" +
		"emulator-5554          unauthorized\n"
	srv := newTestServer(t, hostReply("host:devices-l", out))

	devices, err := NewClient(newTestConnector(srv, time.Second)).Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 3)

	assert.Equal(t, DeviceInfo{
		Serial:      "1WMHH000000000",
		State:       StateOnline,
		ConnType:    USB,
		Model:       "Quest_2",
		Product:     "hollywood",
		TransportID: "3",
	}, devices[0])
	assert.True(t, devices[0].IsOnline())
	assert.Equal(t, WiFi, devices[1].ConnType)
	assert.Equal(t, StateOffline, devices[1].State)
	assert.Equal(t, StateUnauthorized, devices[2].State)
}

func TestConnectWireless(t *testing.T) {
	srv := newTestServer(t, hostReply("host:connect:192.168.1.20:5555", "connected to 192.168.1.20:5555"))
	err := NewClient(newTestConnector(srv, time.Second)).Connect(context.Background(), "192.168.1.20", 5555)
	require.NoError(t, err)

	srv2 := newTestServer(t, hostReply("host:connect:10.0.0.9:5555", "failed to connect to '10.0.0.9:5555': Connection refused"))
	err = NewClient(newTestConnector(srv2, time.Second)).Connect(context.Background(), "10.0.0.9", 5555)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Connection refused")
}

func TestParseDeviceState(t *testing.T) {
	assert.Equal(t, StateOnline, ParseDeviceState("device"))
	assert.Equal(t, StateSideload, ParseDeviceState("sideload"))
	assert.Equal(t, StateBootloader, ParseDeviceState("bootloader"))
	assert.Equal(t, StateUnknown, ParseDeviceState("authorizing"))
	assert.Equal(t, "device", StateOnline.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
}

func TestTrafficCounters(t *testing.T) {
	srv := newTestServer(t, hostReply("host:version", "0029"))
	reg := prometheus.NewRegistry()
	traffic := NewTraffic(TrafficOptions{Registerer: reg, GlobalBytesPerSec: 1 << 20})
	connector := NewConnector(ConnectorOptions{Addr: srv.Addr(), Traffic: traffic})

	_, err := NewClient(connector).Version(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(len("000Chost:version")), testutil.ToFloat64(traffic.Bytes("", "out")))
	assert.Equal(t, float64(len("OKAY00040029")), testutil.ToFloat64(traffic.Bytes("", "in")))
}

func TestServerLauncherResolve(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "adb")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	path, err := (&ServerLauncher{Path: bin}).Resolve()
	require.NoError(t, err)
	assert.Equal(t, bin, path)

	_, err = (&ServerLauncher{Path: filepath.Join(dir, "nope")}).Resolve()
	assert.ErrorContains(t, err, "find adb")

	t.Setenv("PATH", dir)
	path, err = (&ServerLauncher{}).Resolve()
	require.NoError(t, err)
	assert.Equal(t, bin, path)
}
