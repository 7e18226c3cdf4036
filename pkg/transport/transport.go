package transport

import (
	"errors"
	"fmt"
)

// MaxDatagram is the largest payload any backend accepts.
const MaxDatagram = 1400

var (
	ErrUnknownNode = errors.New("transport: no address for node")
	ErrTooLarge    = errors.New("transport: datagram too large")
	ErrClosed      = errors.New("transport: closed")
)

// Address identifies a datagram endpoint. It is the canonical string form of
// the backend's native address so it can be compared and used as a map key.
type Address string

// Datagram is one received packet and the address it came from.
type Datagram struct {
	From Address
	Data []byte
}

// AddressBook maps node ids to addresses. The node registry implements it.
type AddressBook interface {
	Address(id int) (Address, bool)
}

// Transport sends and receives datagrams. Implementations are used from the
// simulation thread only.
type Transport interface {
	// Send transmits data to node. There is no acknowledgement.
	Send(node int, data []byte) error
	// SendTo transmits data to an address that may not be in the node table
	// yet. Used during session negotiation.
	SendTo(addr Address, data []byte) error
	// TryReceive returns the next pending datagram. ok is false when nothing
	// is pending, which is not an error. It never blocks.
	TryReceive() (d Datagram, ok bool, err error)
	// LocalAddr is the address peers see this transport as, when known.
	LocalAddr() Address
	Close() error
}

func lookup(book AddressBook, node int) (Address, error) {
	if book == nil {
		return "", fmt.Errorf("%w %d", ErrUnknownNode, node)
	}
	addr, ok := book.Address(node)
	if !ok || addr == "" {
		return "", fmt.Errorf("%w %d", ErrUnknownNode, node)
	}
	return addr, nil
}
