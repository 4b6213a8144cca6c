package monitor

import (
	"sort"

	"github.com/FluidXR/questlink/internal/adb"
)

// DeviceDiff partitions the serials of two device snapshots. Each serial
// lands in at most one bucket.
type DeviceDiff struct {
	Added   []string
	Removed []string
	Updated []string
}

// Empty reports whether nothing changed.
func (d DeviceDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// Compare diffs prev against next by serial, comparing states by value.
func Compare(prev, next map[string]adb.DeviceState) DeviceDiff {
	var d DeviceDiff
	for serial, state := range next {
		old, ok := prev[serial]
		switch {
		case !ok:
			d.Added = append(d.Added, serial)
		case old != state:
			d.Updated = append(d.Updated, serial)
		}
	}
	for serial := range prev {
		if _, ok := next[serial]; !ok {
			d.Removed = append(d.Removed, serial)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Updated)
	return d
}
