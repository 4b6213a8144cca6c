package wire

// SyncState is the position of a SyncDecoder within one sync response.
type SyncState int

const (
	WaitHeader SyncState = iota
	WaitData
	WaitErrorMessage
	Finished
)

func (s SyncState) String() string {
	switch s {
	case WaitHeader:
		return "wait-header"
	case WaitData:
		return "wait-data"
	case WaitErrorMessage:
		return "wait-error-message"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// SyncEventKind classifies decoder output.
type SyncEventKind int

const (
	// EventData carries a piece of a DATA payload.
	EventData SyncEventKind = iota
	// EventDone marks DONE or OKAY; Value holds the header length field.
	EventDone
	// EventFail carries the diagnostic text of a FAIL frame.
	EventFail
)

// SyncEvent is produced by SyncDecoder.Feed.
type SyncEvent struct {
	Kind    SyncEventKind
	Data    []byte
	Value   uint32
	Message string
}

// SyncDecoder decodes the response to RECV or SEND: any number of DATA
// frames ending in DONE, OKAY or FAIL. It is a plain state machine and can
// be fed input in pieces of any size.
type SyncDecoder struct {
	state     SyncState
	header    [SyncHeaderSize]byte
	filled    int
	remaining int
	msg       []byte
}

// NewSyncDecoder returns a decoder waiting for its first header.
func NewSyncDecoder() *SyncDecoder {
	return &SyncDecoder{}
}

// State returns the current state.
func (d *SyncDecoder) State() SyncState {
	return d.state
}

// AtFrameBoundary reports whether no frame is partially decoded.
func (d *SyncDecoder) AtFrameBoundary() bool {
	return d.state == WaitHeader && d.filled == 0
}

// Need returns the number of bytes the decoder can take without reading
// past the end of the current frame. It is zero once Finished.
func (d *SyncDecoder) Need() int {
	switch d.state {
	case WaitHeader:
		return SyncHeaderSize - d.filled
	case WaitData, WaitErrorMessage:
		return d.remaining
	default:
		return 0
	}
}

// Reset prepares the decoder for another response.
func (d *SyncDecoder) Reset() {
	*d = SyncDecoder{}
}

// Feed consumes p and returns the events it completes. Data events alias
// p and are only valid until the next call. Feeding stops at the terminal
// frame; consumed tells how much of p was used.
func (d *SyncDecoder) Feed(p []byte) (events []SyncEvent, consumed int, err error) {
	for consumed < len(p) && d.state != Finished {
		rest := p[consumed:]
		switch d.state {
		case WaitHeader:
			n := copy(d.header[d.filled:], rest)
			d.filled += n
			consumed += n
			if d.filled < SyncHeaderSize {
				continue
			}
			d.filled = 0
			ev, err := d.onHeader()
			if err != nil {
				return events, consumed, err
			}
			if ev != nil {
				events = append(events, *ev)
			}
		case WaitData:
			n := min(d.remaining, len(rest))
			events = append(events, SyncEvent{Kind: EventData, Data: rest[:n]})
			d.remaining -= n
			consumed += n
			if d.remaining == 0 {
				d.state = WaitHeader
			}
		case WaitErrorMessage:
			n := min(d.remaining, len(rest))
			d.msg = append(d.msg, rest[:n]...)
			d.remaining -= n
			consumed += n
			if d.remaining == 0 {
				events = append(events, SyncEvent{Kind: EventFail, Message: string(d.msg)})
				d.msg = nil
				d.state = Finished
			}
		}
	}
	return events, consumed, nil
}

func (d *SyncDecoder) onHeader() (*SyncEvent, error) {
	tag, length, _ := DecodeSyncHeader(d.header[:])
	switch tag {
	case TagData:
		if length > MaxSyncChunk {
			return nil, ErrBufferOverrun
		}
		if length > 0 {
			d.remaining = int(length)
			d.state = WaitData
		}
		return nil, nil
	case TagDone, TagOkay:
		d.state = Finished
		return &SyncEvent{Kind: EventDone, Value: length}, nil
	case TagFail:
		if length > MaxSyncChunk {
			return nil, ErrBufferOverrun
		}
		if length == 0 {
			d.state = Finished
			return &SyncEvent{Kind: EventFail}, nil
		}
		d.remaining = int(length)
		d.state = WaitErrorMessage
		return nil, nil
	default:
		return nil, &FramingError{What: "sync tag", Raw: []byte(tag)}
	}
}
