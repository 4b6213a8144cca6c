package wire

import (
	"strconv"
	"strings"
)

// DeviceEntry is one line of a host:track-devices payload.
type DeviceEntry struct {
	Serial string
	State  string
}

// ParseDeviceList parses "serial\tstate\n" lines. Lines without a tab are
// skipped.
func ParseDeviceList(payload []byte) []DeviceEntry {
	var entries []DeviceEntry
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		entries = append(entries, DeviceEntry{
			Serial: parts[0],
			State:  strings.TrimSpace(parts[1]),
		})
	}
	return entries
}

// ParsePidList parses a track-jdwp payload. Non-numeric lines are dropped.
func ParsePidList(payload []byte) []int {
	var pids []int
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// FormatDeviceList renders entries as a host:track-devices payload.
func FormatDeviceList(entries []DeviceEntry) []byte {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Serial)
		b.WriteByte('\t')
		b.WriteString(e.State)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
