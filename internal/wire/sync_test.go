package wire

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncHeaderLittleEndian(t *testing.T) {
	b := EncodeSyncHeader(TagData, 0x01020304)
	assert.Equal(t, []byte{'D', 'A', 'T', 'A', 0x04, 0x03, 0x02, 0x01}, b)

	tag, n, err := DecodeSyncHeader(b)
	require.NoError(t, err)
	assert.Equal(t, TagData, tag)
	assert.Equal(t, uint32(0x01020304), n)
}

func TestEncodeSendRequest(t *testing.T) {
	b, err := EncodeSendRequest("/sdcard/a.txt", 0o644)
	require.NoError(t, err)
	payload := "/sdcard/a.txt,0644"
	assert.Equal(t, append(EncodeSyncHeader(TagSend, uint32(len(payload))), payload...), b)
}

func TestRemotePathCap(t *testing.T) {
	long := "/" + strings.Repeat("a", MaxRemotePathLength)
	_, err := EncodeSyncRequest(TagStat, long)
	require.ErrorIs(t, err, ErrPathTooLong)
	_, err = EncodeSendRequest(long, 0o644)
	require.ErrorIs(t, err, ErrPathTooLong)

	_, err = EncodeSyncRequest(TagStat, strings.Repeat("a", MaxRemotePathLength))
	require.NoError(t, err)
}

func TestEncodeDone(t *testing.T) {
	b := EncodeDone(time.Unix(1700000000, 0))
	tag, v, err := DecodeSyncHeader(b)
	require.NoError(t, err)
	assert.Equal(t, TagDone, tag)
	assert.Equal(t, uint32(1700000000), v)
}

func TestDecodeStat(t *testing.T) {
	st, ok, err := DecodeStat(EncodeStat(StatReply{Mode: 0o100644, Size: 42, MTime: 7}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatReply{Mode: 0o100644, Size: 42, MTime: 7}, st)

	missing := make([]byte, StatReplySize)
	copy(missing, "FAIL")
	_, ok, err = DecodeStat(missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeDent(t *testing.T) {
	rec := EncodeDent(StatReply{Mode: 0o40755, Size: 0, MTime: 9}, "DCIM")
	st, n, done, err := DecodeDent(rec[:DentHeaderSize])
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 4, n)
	assert.Equal(t, uint32(0o40755), st.Mode)

	end := make([]byte, DentHeaderSize)
	copy(end, TagDone)
	_, _, done, err = DecodeDent(end)
	require.NoError(t, err)
	assert.True(t, done)
}

func pullStream(chunks ...[]byte) []byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(AppendData(nil, c))
	}
	buf.Write(EncodeSyncHeader(TagDone, 0))
	return buf.Bytes()
}

func TestSyncDecoderByteAtATime(t *testing.T) {
	stream := pullStream([]byte("hello "), []byte("world"))
	stream = append(stream, "trailing"...)

	d := NewSyncDecoder()
	var got bytes.Buffer
	done := false
	i := 0
	for ; i < len(stream) && d.State() != Finished; i++ {
		events, consumed, err := d.Feed(stream[i : i+1])
		require.NoError(t, err)
		require.Equal(t, 1, consumed)
		for _, ev := range events {
			switch ev.Kind {
			case EventData:
				got.Write(ev.Data)
			case EventDone:
				done = true
			}
		}
	}
	assert.True(t, done)
	assert.Equal(t, "hello world", got.String())
	assert.Equal(t, "trailing", string(stream[i:]))
	assert.Zero(t, d.Need())
}

func TestSyncDecoderStopsAtTerminalFrame(t *testing.T) {
	stream := pullStream([]byte("abc"))
	extra := append(append([]byte(nil), stream...), EncodeSyncHeader(TagDone, 0)...)

	d := NewSyncDecoder()
	events, consumed, err := d.Feed(extra)
	require.NoError(t, err)
	assert.Equal(t, len(stream), consumed)
	require.Len(t, events, 2)
	assert.Equal(t, EventData, events[0].Kind)
	assert.Equal(t, EventDone, events[1].Kind)
}

func TestSyncDecoderFail(t *testing.T) {
	stream := append(EncodeSyncHeader(TagFail, 14), "No such file!!"...)
	d := NewSyncDecoder()
	events, _, err := d.Feed(stream[:10])
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, WaitErrorMessage, d.State())

	events, _, err = d.Feed(stream[10:])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventFail, events[0].Kind)
	assert.Equal(t, "No such file!!", events[0].Message)
	assert.Equal(t, Finished, d.State())
}

func TestSyncDecoderBufferOverrun(t *testing.T) {
	d := NewSyncDecoder()
	_, consumed, err := d.Feed(EncodeSyncHeader(TagData, MaxSyncChunk+1))
	require.ErrorIs(t, err, ErrBufferOverrun)
	assert.Equal(t, SyncHeaderSize, consumed)

	d.Reset()
	_, _, err = d.Feed(EncodeSyncHeader(TagData, MaxSyncChunk))
	require.NoError(t, err)
	assert.Equal(t, MaxSyncChunk, d.Need())
}

func TestSyncDecoderUnknownTag(t *testing.T) {
	d := NewSyncDecoder()
	_, _, err := d.Feed(EncodeSyncHeader("ZZZZ", 0))
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
}

func TestSyncDecoderOkay(t *testing.T) {
	d := NewSyncDecoder()
	events, _, err := d.Feed(EncodeSyncHeader(TagOkay, 0))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventDone, events[0].Kind)
	assert.False(t, d.AtFrameBoundary())
}
