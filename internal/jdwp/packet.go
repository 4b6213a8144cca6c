package jdwp

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HeaderSize is length(4) + id(4) + flags(1) + command set/command or error code(2).
	HeaderSize = 11
	// FlagReply marks a reply packet.
	FlagReply = 0x80
	// MaxPacketSize bounds a packet read from the wire.
	MaxPacketSize = 16 << 20
)

// Packet is a JDWP command or reply. For replies ErrorCode is set, for
// commands CommandSet and Command.
type Packet struct {
	ID         uint32
	Flags      byte
	CommandSet byte
	Command    byte
	ErrorCode  uint16
	Data       []byte
}

// IsReply reports whether the reply flag is set.
func (p *Packet) IsReply() bool {
	return p.Flags&FlagReply != 0
}

// Encode serializes the packet with a big-endian header.
func (p *Packet) Encode() []byte {
	b := make([]byte, HeaderSize+len(p.Data))
	binary.BigEndian.PutUint32(b[0:], uint32(len(b)))
	binary.BigEndian.PutUint32(b[4:], p.ID)
	b[8] = p.Flags
	if p.IsReply() {
		binary.BigEndian.PutUint16(b[9:], p.ErrorCode)
	} else {
		b[9] = p.CommandSet
		b[10] = p.Command
	}
	copy(b[HeaderSize:], p.Data)
	return b
}

// ReadPacket reads one packet from r.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[0:])
	if length < HeaderSize || length > MaxPacketSize {
		return nil, fmt.Errorf("jdwp: invalid packet length %d", length)
	}
	p := &Packet{
		ID:    binary.BigEndian.Uint32(hdr[4:]),
		Flags: hdr[8],
	}
	if p.IsReply() {
		p.ErrorCode = binary.BigEndian.Uint16(hdr[9:])
	} else {
		p.CommandSet = hdr[9]
		p.Command = hdr[10]
	}
	p.Data = make([]byte, length-HeaderSize)
	if _, err := io.ReadFull(r, p.Data); err != nil {
		return nil, err
	}
	return p, nil
}
