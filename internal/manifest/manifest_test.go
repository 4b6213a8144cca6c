package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPullRecords(t *testing.T) {
	db := openTestDB(t)
	assert.Equal(t, "manifest.db", filepath.Base(db.Path()))

	pulled, err := db.IsPulled("Q1", "/sdcard/a.mp4", 10, 100)
	require.NoError(t, err)
	assert.False(t, pulled)

	id, err := db.RecordPull("Q1", "/sdcard/a.mp4", "/tmp/a.mp4", 10, 100)
	require.NoError(t, err)
	assert.Positive(t, id)

	pulled, err = db.IsPulled("Q1", "/sdcard/a.mp4", 10, 100)
	require.NoError(t, err)
	assert.True(t, pulled)

	// A changed file is pulled again and keeps its row.
	pulled, err = db.IsPulled("Q1", "/sdcard/a.mp4", 11, 100)
	require.NoError(t, err)
	assert.False(t, pulled)
	again, err := db.RecordPull("Q1", "/sdcard/a.mp4", "/tmp/a.mp4", 11, 100)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	entries, err := db.PulledFiles("Q1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(11), entries[0].Size)
	assert.NotNil(t, entries[0].PulledAt)
}

func TestPushRecordsAndStats(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordPush("Q1", "/home/a.apk", "/sdcard/Download/a.apk", 5, 50))
	require.NoError(t, db.RecordPush("Q1", "/home/b.apk", "/sdcard/Download/b.apk", 6, 60))
	_, err := db.RecordPull("Q1", "/sdcard/v.mp4", "/tmp/v.mp4", 1000, 1)
	require.NoError(t, err)

	pushed, err := db.IsPushed("Q1", "/sdcard/Download/a.apk", 5, 50)
	require.NoError(t, err)
	assert.True(t, pushed)
	pushed, err = db.IsPushed("Q2", "/sdcard/Download/a.apk", 5, 50)
	require.NoError(t, err)
	assert.False(t, pushed)

	stats, err := db.GetDeviceStats("Q1")
	require.NoError(t, err)
	assert.Equal(t, DeviceStats{PulledFiles: 1, PulledBytes: 1000, PushedFiles: 2}, stats)
}
