package wire

// FrameDecoder splits a stream of length-prefixed frames, as produced by
// host:track-devices and track-jdwp, into payloads. Input may arrive in
// arbitrary pieces; incomplete frames are kept until the rest shows up.
type FrameDecoder struct {
	buf []byte
}

// Feed appends p to the pending input and returns every frame that is now
// complete. Returned payloads are owned by the caller. A zero-length frame
// is returned as an empty, non-nil slice.
func (d *FrameDecoder) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)
	var frames [][]byte
	for len(d.buf) >= LengthSize {
		n, err := ParseLength(d.buf[:LengthSize])
		if err != nil {
			return frames, err
		}
		if len(d.buf) < LengthSize+n {
			break
		}
		frame := make([]byte, n)
		copy(frame, d.buf[LengthSize:LengthSize+n])
		frames = append(frames, frame)
		d.buf = d.buf[LengthSize+n:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partial frame.
func (d *FrameDecoder) Reset() {
	d.buf = nil
}
