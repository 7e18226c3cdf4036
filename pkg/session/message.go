package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ryandielhenn/ticsync/pkg/node"
	"github.com/ryandielhenn/ticsync/pkg/transport"
)

// MsgType is the 16-bit code at the start of every handshake message.
type MsgType uint16

const (
	MsgConnect MsgType = iota + 1
	MsgDisconnect
	MsgAllHere
	MsgConAck
	MsgAllHereAck
	MsgGo
	MsgGoAck
)

func (t MsgType) String() string {
	switch t {
	case MsgConnect:
		return "CONNECT"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgAllHere:
		return "ALLHERE"
	case MsgConAck:
		return "CONACK"
	case MsgAllHereAck:
		return "ALLHEREACK"
	case MsgGo:
		return "GO"
	case MsgGoAck:
		return "GOACK"
	}
	return fmt.Sprintf("MsgType(%d)", uint16(t))
}

// handshakeMagic keeps handshake traffic apart from command packets on the
// same port.
const handshakeMagic uint16 = 0x4853

const headerSize = 4

var ErrBadMessage = errors.New("session: malformed handshake message")

// Message is one handshake datagram. Only ALLHERE and ALLHEREACK have a
// payload.
type Message struct {
	Type MsgType

	// ALLHERE: the recipient's player index and the session parameters.
	// ALLHEREACK echoes Player and Round back so the host can tell which
	// assignment is being accepted.
	Player int
	// Round numbers the host's player assignments. It changes every time
	// the member list is rebuilt.
	Round     uint16
	NumNodes  int
	TicDup    int
	ExtraTics bool
	// Addrs holds one address per player. The recipient's own slot and the
	// host's slot (player 0) are empty: each side already knows those.
	Addrs []transport.Address
}

// IsHandshake reports whether data starts with the handshake magic.
func IsHandshake(data []byte) bool {
	return len(data) >= headerSize && binary.BigEndian.Uint16(data) == handshakeMagic
}

func (m Message) MarshalBinary() ([]byte, error) {
	b := make([]byte, headerSize, 64)
	binary.BigEndian.PutUint16(b, handshakeMagic)
	binary.BigEndian.PutUint16(b[2:], uint16(m.Type))
	switch m.Type {
	case MsgAllHereAck:
		b = append(b, byte(m.Player))
		return binary.BigEndian.AppendUint16(b, m.Round), nil
	case MsgAllHere:
	default:
		return b, nil
	}
	if len(m.Addrs) != m.NumNodes || m.NumNodes > node.MaxNodes {
		return nil, fmt.Errorf("%w: %d addresses for %d nodes", ErrBadMessage, len(m.Addrs), m.NumNodes)
	}
	extra := byte(0)
	if m.ExtraTics {
		extra = 1
	}
	b = append(b, byte(m.Player), byte(m.NumNodes), byte(m.TicDup), extra)
	b = binary.BigEndian.AppendUint16(b, m.Round)
	for _, a := range m.Addrs {
		if len(a) > 255 {
			return nil, fmt.Errorf("%w: address %q too long", ErrBadMessage, a)
		}
		b = append(b, byte(len(a)))
		b = append(b, a...)
	}
	return b, nil
}

func (m *Message) UnmarshalBinary(data []byte) error {
	if !IsHandshake(data) {
		return ErrBadMessage
	}
	*m = Message{Type: MsgType(binary.BigEndian.Uint16(data[2:]))}
	if m.Type < MsgConnect || m.Type > MsgGoAck {
		return fmt.Errorf("%w: type %d", ErrBadMessage, uint16(m.Type))
	}
	p := data[headerSize:]
	switch m.Type {
	case MsgAllHereAck:
		if len(p) < 3 {
			return fmt.Errorf("%w: short ALLHEREACK", ErrBadMessage)
		}
		m.Player, m.Round = int(p[0]), binary.BigEndian.Uint16(p[1:])
		return nil
	case MsgAllHere:
	default:
		return nil
	}
	if len(p) < 6 {
		return fmt.Errorf("%w: short ALLHERE", ErrBadMessage)
	}
	m.Player, m.NumNodes, m.TicDup, m.ExtraTics = int(p[0]), int(p[1]), int(p[2]), p[3] != 0
	m.Round = binary.BigEndian.Uint16(p[4:])
	if m.NumNodes < 1 || m.NumNodes > node.MaxNodes || m.Player >= m.NumNodes {
		return fmt.Errorf("%w: player %d of %d", ErrBadMessage, m.Player, m.NumNodes)
	}
	p = p[6:]
	m.Addrs = make([]transport.Address, m.NumNodes)
	for i := range m.Addrs {
		if len(p) < 1 || len(p) < 1+int(p[0]) {
			return fmt.Errorf("%w: truncated address list", ErrBadMessage)
		}
		n := int(p[0])
		m.Addrs[i] = transport.Address(p[1 : 1+n])
		p = p[1+n:]
	}
	return nil
}

// encode is MarshalBinary for messages that cannot fail.
func encode(t MsgType) []byte {
	b, _ := Message{Type: t}.MarshalBinary()
	return b
}
