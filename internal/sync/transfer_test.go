package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FluidXR/questlink/internal/adbtest"
)

func TestPullRecursive(t *testing.T) {
	fs := adbtest.NewFS()
	require.NoError(t, fs.WriteFile("/sdcard/DCIM/a.jpg", testData(10), 0o644, mtime))
	require.NoError(t, fs.WriteFile("/sdcard/DCIM/sub/b.jpg", testData(20), 0o644, mtime))
	require.NoError(t, fs.WriteFile("/sdcard/c.txt", []byte("c"), 0o644, mtime))
	svc := openTestService(t, fs)

	dir := t.TempDir()
	mon := &recordingMonitor{}
	require.NoError(t, svc.Pull([]string{"/sdcard/DCIM", "/sdcard/c.txt"}, dir, mon))

	// two directories count one unit each
	assert.Equal(t, int64(1+10+1+20+1), mon.total)
	assert.Equal(t, mon.total, mon.done)

	got, err := os.ReadFile(filepath.Join(dir, "DCIM", "sub", "b.jpg"))
	require.NoError(t, err)
	assert.Equal(t, testData(20), got)
	assert.FileExists(t, filepath.Join(dir, "DCIM", "a.jpg"))
	assert.FileExists(t, filepath.Join(dir, "c.txt"))
}

func TestPullTargetChecks(t *testing.T) {
	fs := adbtest.NewFS()
	require.NoError(t, fs.WriteFile("/sdcard/a", []byte("a"), 0o644, mtime))
	svc := openTestService(t, fs)

	err := svc.Pull([]string{"/sdcard/a"}, filepath.Join(t.TempDir(), "missing"), nil)
	assert.ErrorIs(t, err, ErrNoDirTarget)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	err = svc.Pull([]string{"/sdcard/a"}, file, nil)
	assert.ErrorIs(t, err, ErrTargetIsFile)

	err = svc.Pull([]string{"/sdcard/nope"}, t.TempDir(), nil)
	assert.ErrorIs(t, err, ErrNoRemoteObject)
	assert.False(t, svc.Closed())
}

func TestPushRecursive(t *testing.T) {
	fs := adbtest.NewFS()
	svc := openTestService(t, fs)

	root := filepath.Join(t.TempDir(), "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "x"), testData(7), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "nested", "y"), testData(9), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	mon := &recordingMonitor{}
	require.NoError(t, svc.Push([]string{root}, "/sdcard/Up", mon))
	assert.Equal(t, int64(1+7+1+9+1), mon.total)
	assert.Equal(t, mon.total, mon.done)

	data, ok := fs.ReadFile("/sdcard/Up/tree/nested/y")
	require.True(t, ok)
	assert.Equal(t, testData(9), data)
	_, ok = fs.ReadFile("/sdcard/Up/tree/x")
	assert.True(t, ok)
	_, ok = fs.Stat("/sdcard/Up/tree/empty")
	assert.False(t, ok)
}

func TestPushTargetChecks(t *testing.T) {
	fs := adbtest.NewFS()
	require.NoError(t, fs.WriteFile("/sdcard/file", []byte("f"), 0o644, mtime))
	svc := openTestService(t, fs)

	local := filepath.Join(t.TempDir(), "a")
	require.NoError(t, os.WriteFile(local, []byte("a"), 0o644))

	err := svc.Push([]string{local}, "/sdcard/file", nil)
	assert.ErrorIs(t, err, ErrRemoteIsFile)

	err = svc.Push([]string{filepath.Join(t.TempDir(), "nope")}, "/sdcard", nil)
	assert.ErrorIs(t, err, ErrNoLocalFile)
	assert.False(t, svc.Closed())
}
