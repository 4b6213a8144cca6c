package monitor

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/FluidXR/questlink/internal/adb"
)

// EventKind says what changed.
type EventKind int

const (
	DeviceConnected EventKind = iota
	DeviceDisconnected
	DeviceChanged
	ClientAdded
	ClientRemoved
	ClientChanged
)

func (k EventKind) String() string {
	switch k {
	case DeviceConnected:
		return "device-connected"
	case DeviceDisconnected:
		return "device-disconnected"
	case DeviceChanged:
		return "device-changed"
	case ClientAdded:
		return "client-added"
	case ClientRemoved:
		return "client-removed"
	case ClientChanged:
		return "client-changed"
	default:
		return "unknown"
	}
}

// Event is a device or client state change. Client events carry the pid
// and a snapshot of the client.
type Event struct {
	Kind     EventKind
	Serial   string
	State    adb.DeviceState
	OldState adb.DeviceState
	Client   ClientInfo
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.Mutex
	subs map[uint64]chan Event
	next uint64
	log  zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{subs: make(map[uint64]chan Event), log: logger}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every subscriber with room for it.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().Str("event", ev.Kind.String()).Str("serial", ev.Serial).Msg("subscriber is full, event dropped")
		}
	}
}
