package transport

import (
	"fmt"
	"sync"
)

// DropFunc decides whether a datagram in flight is lost. It is called once
// per send with the sender, the destination and the payload.
type DropFunc func(from, to Address, data []byte) bool

// Hub is an in-process datagram network. Every Mem transport attached to it
// gets an inbox keyed by its address; sends are delivered immediately unless
// the drop filter says otherwise.
type Hub struct {
	mu      sync.Mutex
	inboxes map[Address][]Datagram
	drop    DropFunc
	sent    int
	dropped int
}

func NewHub() *Hub {
	return &Hub{inboxes: make(map[Address][]Datagram)}
}

// SetDrop installs a loss filter. nil delivers everything.
func (h *Hub) SetDrop(f DropFunc) {
	h.mu.Lock()
	h.drop = f
	h.mu.Unlock()
}

// Stats reports how many datagrams were sent and how many of those were
// dropped.
func (h *Hub) Stats() (sent, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent, h.dropped
}

// Attach creates a transport reachable at addr.
func (h *Hub) Attach(addr Address, book AddressBook) *Mem {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inboxes[addr]; !ok {
		h.inboxes[addr] = nil
	}
	return &Mem{hub: h, addr: addr, book: book}
}

func (h *Hub) deliver(from, to Address, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	box, ok := h.inboxes[to]
	if !ok {
		return fmt.Errorf("hub: no endpoint at %s", to)
	}
	h.sent++
	if h.drop != nil && h.drop(from, to, data) {
		h.dropped++
		return nil
	}
	h.inboxes[to] = append(box, Datagram{From: from, Data: append([]byte(nil), data...)})
	return nil
}

func (h *Hub) next(addr Address) (Datagram, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	box := h.inboxes[addr]
	if len(box) == 0 {
		return Datagram{}, false
	}
	d := box[0]
	h.inboxes[addr] = box[1:]
	return d, true
}

func (h *Hub) detach(addr Address) {
	h.mu.Lock()
	delete(h.inboxes, addr)
	h.mu.Unlock()
}

// Mem is a transport attached to a Hub.
type Mem struct {
	hub    *Hub
	addr   Address
	book   AddressBook
	closed bool
}

func (m *Mem) Send(node int, data []byte) error {
	to, err := lookup(m.book, node)
	if err != nil {
		return err
	}
	return m.SendTo(to, data)
}

func (m *Mem) SendTo(addr Address, data []byte) error {
	if m.closed {
		return ErrClosed
	}
	if len(data) > MaxDatagram {
		return ErrTooLarge
	}
	return m.hub.deliver(m.addr, addr, data)
}

func (m *Mem) TryReceive() (Datagram, bool, error) {
	if m.closed {
		return Datagram{}, false, ErrClosed
	}
	d, ok := m.hub.next(m.addr)
	return d, ok, nil
}

func (m *Mem) LocalAddr() Address { return m.addr }

func (m *Mem) Close() error {
	if !m.closed {
		m.closed = true
		m.hub.detach(m.addr)
	}
	return nil
}

var _ Transport = (*Mem)(nil)
