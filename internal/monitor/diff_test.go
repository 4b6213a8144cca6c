package monitor

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FluidXR/questlink/internal/adb"
)

func randomSnapshots(seed int64, n int, states []adb.DeviceState) (map[string]adb.DeviceState, map[string]adb.DeviceState) {
	r := rand.New(rand.NewSource(seed))
	prev := map[string]adb.DeviceState{}
	next := map[string]adb.DeviceState{}
	for i := 0; i < n; i++ {
		serial := fmt.Sprintf("dev%02d", i)
		if r.Intn(3) > 0 {
			prev[serial] = states[r.Intn(len(states))]
		}
		if r.Intn(3) > 0 {
			next[serial] = states[r.Intn(len(states))]
		}
	}
	return prev, next
}

func TestComparePartitions(t *testing.T) {
	prev := map[string]adb.DeviceState{
		"kept":    adb.StateOnline,
		"changed": adb.StateOffline,
		"gone":    adb.StateOnline,
	}
	next := map[string]adb.DeviceState{
		"kept":    adb.StateOnline,
		"changed": adb.StateOnline,
		"new":     adb.StateUnauthorized,
	}
	d := Compare(prev, next)
	assert.Equal(t, []string{"new"}, d.Added)
	assert.Equal(t, []string{"gone"}, d.Removed)
	assert.Equal(t, []string{"changed"}, d.Updated)
	assert.False(t, d.Empty())
}

func TestCompareEmpty(t *testing.T) {
	assert.True(t, Compare(nil, nil).Empty())
	same := map[string]adb.DeviceState{"a": adb.StateOnline}
	assert.True(t, Compare(same, same).Empty())

	d := Compare(nil, same)
	assert.Equal(t, []string{"a"}, d.Added)
	d = Compare(same, nil)
	assert.Equal(t, []string{"a"}, d.Removed)
}

func TestCompareBucketsAreDisjoint(t *testing.T) {
	states := []adb.DeviceState{adb.StateOnline, adb.StateOffline, adb.StateRecovery}
	for seed := int64(0); seed < 50; seed++ {
		prev, next := randomSnapshots(seed, 12, states)
		d := Compare(prev, next)

		seen := map[string]string{}
		for bucket, serials := range map[string][]string{"added": d.Added, "removed": d.Removed, "updated": d.Updated} {
			for _, s := range serials {
				other, dup := seen[s]
				require.False(t, dup, "serial %s in %s and %s", s, bucket, other)
				seen[s] = bucket
			}
		}
		for s, st := range next {
			old, ok := prev[s]
			switch {
			case !ok:
				assert.Equal(t, "added", seen[s])
			case old != st:
				assert.Equal(t, "updated", seen[s])
			default:
				assert.Empty(t, seen[s])
			}
		}
		for s := range prev {
			if _, ok := next[s]; !ok {
				assert.Equal(t, "removed", seen[s])
			}
		}
	}
}
