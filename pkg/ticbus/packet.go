package ticbus

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/ryandielhenn/ticsync/pkg/ticcmd"
)

// Wire layout, big endian:
//
//	0  magic     uint16
//	2  checksum  uint32  low 32 bits of xxhash64 over bytes 6..end
//	6  flags     uint8
//	7  player    uint8
//	8  count     uint8
//	9  ack       uint32
//	13 starttic  uint32
//	17 count * ticcmd.Size
const (
	packetMagic  uint16 = 0x5443
	HeaderSize          = 17
	MaxCmds             = 255
	checksumFrom        = 6
)

// FlagExit tells the receiver the sender has left the session.
const FlagExit byte = 1 << 0

var (
	ErrShortPacket = errors.New("ticbus: short packet")
	ErrBadMagic    = errors.New("ticbus: not a command packet")
	ErrBadChecksum = errors.New("ticbus: checksum mismatch")
)

// CommandPacket carries consecutive tic commands of one player starting at
// StartTic. Ack is how many of the receiver's tics the sender already holds
// without a gap.
type CommandPacket struct {
	Flags    byte
	Player   uint8
	Ack      int
	StartTic int
	Cmds     []ticcmd.TicCommand
}

func (p CommandPacket) AppendBinary(b []byte) ([]byte, error) {
	if len(p.Cmds) > MaxCmds {
		return nil, fmt.Errorf("ticbus: %d commands in one packet", len(p.Cmds))
	}
	if p.Ack < 0 || p.StartTic < 0 {
		return nil, fmt.Errorf("ticbus: negative tic (ack %d, start %d)", p.Ack, p.StartTic)
	}
	off := len(b)
	b = binary.BigEndian.AppendUint16(b, packetMagic)
	b = append(b, 0, 0, 0, 0, p.Flags, p.Player, byte(len(p.Cmds)))
	b = binary.BigEndian.AppendUint32(b, uint32(p.Ack))
	b = binary.BigEndian.AppendUint32(b, uint32(p.StartTic))
	for _, c := range p.Cmds {
		b = c.AppendBinary(b)
	}
	binary.BigEndian.PutUint32(b[off+2:], uint32(xxhash.Sum64(b[off+checksumFrom:])))
	return b, nil
}

func (p CommandPacket) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(make([]byte, 0, HeaderSize+len(p.Cmds)*ticcmd.Size))
}

func (p *CommandPacket) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return ErrShortPacket
	}
	if binary.BigEndian.Uint16(data) != packetMagic {
		return ErrBadMagic
	}
	if binary.BigEndian.Uint32(data[2:]) != uint32(xxhash.Sum64(data[checksumFrom:])) {
		return ErrBadChecksum
	}
	n := int(data[8])
	if len(data) != HeaderSize+n*ticcmd.Size {
		return fmt.Errorf("%w: %d bytes for %d commands", ErrShortPacket, len(data), n)
	}
	p.Flags = data[6]
	p.Player = data[7]
	p.Ack = int(binary.BigEndian.Uint32(data[9:]))
	p.StartTic = int(binary.BigEndian.Uint32(data[13:]))
	p.Cmds = make([]ticcmd.TicCommand, n)
	for i := range p.Cmds {
		if err := p.Cmds[i].UnmarshalBinary(data[HeaderSize+i*ticcmd.Size:]); err != nil {
			return err
		}
	}
	return nil
}
