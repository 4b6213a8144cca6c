package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/adbtest"
	"github.com/FluidXR/questlink/internal/config"
	"github.com/FluidXR/questlink/internal/manifest"
)

// deviceServer answers host:devices-l with one online device and serves
// sync sessions on it from fs.
func deviceServer(t *testing.T, fs *adbtest.FS) *adb.Client {
	t.Helper()
	connector := newTestServer(t, func(s *adbtest.Session) {
		req, err := s.ReadRequest()
		if err != nil {
			return
		}
		switch req {
		case "host:devices-l":
			s.Okay()
			s.WriteFrame(testSerial + "\tdevice product:hollywood model:Quest_2\n")
		case "host:transport:" + testSerial:
			s.Okay()
			if s.Expect("sync:") == nil {
				s.ServeSync(fs)
			}
		default:
			s.Fail("unexpected " + req)
		}
	})
	return adb.NewClient(connector)
}

func testJobConfig(t *testing.T) (*config.Config, *manifest.DB) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SyncDir = t.TempDir()
	cfg.MediaPaths = []string{"/sdcard/Oculus/VideoShots/", "/sdcard/Oculus/Screenshots/"}
	db, err := manifest.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return cfg, db
}

func TestPullAllSkipsPulledFiles(t *testing.T) {
	fs := adbtest.NewFS()
	require.NoError(t, fs.WriteFile("/sdcard/Oculus/VideoShots/v1.mp4", testData(70000), 0o644, mtime))
	require.NoError(t, fs.WriteFile("/sdcard/Oculus/Screenshots/s1.jpg", testData(10), 0o644, mtime))
	fs.Mkdir("/sdcard/Oculus/Screenshots/thumbs")

	cfg, db := testJobConfig(t)
	p := &Puller{ADB: deviceServer(t, fs), Manifest: db, Config: cfg, Log: zerolog.Nop()}

	results, err := p.PullAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	r := results[0]
	assert.Empty(t, r.Errors)
	assert.Equal(t, testSerial, r.DeviceSerial)
	assert.Equal(t, 2, r.FilesPulled)
	assert.Equal(t, int64(70010), r.BytesPulled)

	video := filepath.Join(cfg.SyncDir, testSerial, "Videos", "v1.mp4")
	got, err := os.ReadFile(video)
	require.NoError(t, err)
	assert.Equal(t, testData(70000), got)
	fi, err := os.Stat(video)
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(mtime))
	assert.FileExists(t, filepath.Join(cfg.SyncDir, testSerial, "Screenshots", "s1.jpg"))

	again, err := p.PullDevice(context.Background(), testSerial)
	require.NoError(t, err)
	assert.Equal(t, 0, again.FilesPulled)
	assert.Equal(t, 2, again.FilesSkipped)
}

func TestPullDeviceReportsMissingMediaPath(t *testing.T) {
	fs := adbtest.NewFS()
	require.NoError(t, fs.WriteFile("/sdcard/Oculus/Screenshots/s1.jpg", testData(10), 0o644, mtime))
	cfg, db := testJobConfig(t)
	cfg.MediaPaths = append(cfg.MediaPaths, "/sdcard/Oculus/Photos")
	p := &Puller{ADB: deviceServer(t, fs), Manifest: db, Config: cfg, Log: zerolog.Nop()}

	r, err := p.PullDevice(context.Background(), testSerial)
	require.NoError(t, err)
	// A missing directory lists as empty.
	assert.Empty(t, r.Errors)
	assert.Equal(t, 1, r.FilesPulled)
}

func TestPushDevice(t *testing.T) {
	fs := adbtest.NewFS()
	cfg, db := testJobConfig(t)
	p := &Pusher{ADB: deviceServer(t, fs), Manifest: db, Config: cfg, Log: zerolog.Nop()}

	dir := filepath.Join(t.TempDir(), "mods")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.zip"), testData(100), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.zip"), testData(200), 0o644))
	single := filepath.Join(t.TempDir(), "c.apk")
	require.NoError(t, os.WriteFile(single, testData(5), 0o644))
	when := time.Unix(1690000000, 0)
	require.NoError(t, os.Chtimes(single, when, when))

	ctx := context.Background()
	r, err := p.PushDevice(ctx, testSerial, []string{dir, single, filepath.Join(dir, "nope")}, "")
	require.NoError(t, err)
	assert.Equal(t, 3, r.FilesPushed)
	assert.Equal(t, int64(305), r.BytesPushed)
	assert.Len(t, r.Errors, 1)

	data, ok := fs.ReadFile("/sdcard/Download/mods/sub/b.zip")
	require.True(t, ok)
	assert.Equal(t, testData(200), data)
	e, ok := fs.Stat("/sdcard/Download/c.apk")
	require.True(t, ok)
	assert.Equal(t, uint32(when.Unix()), e.MTime)

	r, err = p.PushDevice(ctx, testSerial, []string{dir, single}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, r.FilesPushed)
	assert.Equal(t, 3, r.FilesSkipped)

	p.Force = true
	r, err = p.PushDevice(ctx, testSerial, []string{single}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, r.FilesPushed)

	stats, err := db.GetDeviceStats(testSerial)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.PushedFiles)
}

func TestPushDeviceRemoteIsFile(t *testing.T) {
	fs := adbtest.NewFS()
	require.NoError(t, fs.WriteFile("/sdcard/taken", []byte("x"), 0o644, mtime))
	cfg, db := testJobConfig(t)
	p := &Pusher{ADB: deviceServer(t, fs), Manifest: db, Config: cfg, Log: zerolog.Nop()}

	local := filepath.Join(t.TempDir(), "a")
	require.NoError(t, os.WriteFile(local, []byte("a"), 0o644))
	_, err := p.PushDevice(context.Background(), testSerial, []string{local}, "/sdcard/taken")
	assert.ErrorIs(t, err, ErrRemoteIsFile)
}

func TestMediaTypeFromPath(t *testing.T) {
	assert.Equal(t, "Videos", mediaTypeFromPath("/sdcard/Oculus/VideoShots/"))
	assert.Equal(t, "Screenshots", mediaTypeFromPath("/sdcard/Oculus/Screenshots"))
	assert.Equal(t, "Photos", mediaTypeFromPath("/sdcard/Pictures/Photos"))
	assert.Equal(t, "Other", mediaTypeFromPath("/sdcard/Movies"))
}
