package node

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ryandielhenn/ticsync/pkg/transport"
)

// MaxNodes is the most instances a session can hold.
const MaxNodes = 8

var (
	ErrFrozen    = errors.New("node: registry is frozen")
	ErrBadNodeID = errors.New("node: id out of range")
)

// Descriptor is one entry of the node table.
type Descriptor struct {
	ID      int               `json:"id"`
	Addr    transport.Address `json:"addr"`
	Console bool              `json:"console"` // this instance
}

// Registry maps transport addresses to the dense node ids [0, Len()) used
// by the rest of ticsync. It is filled in during session negotiation and
// frozen before the first tic; a running session never gains or loses nodes.
type Registry struct {
	mu     sync.RWMutex
	nodes  []Descriptor
	self   int
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{self: -1}
}

// Register records addr for id, replacing any previous address.
func (r *Registry) Register(id int, addr transport.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if id < 0 || id >= MaxNodes {
		return fmt.Errorf("%w: %d", ErrBadNodeID, id)
	}
	for len(r.nodes) <= id {
		r.nodes = append(r.nodes, Descriptor{ID: len(r.nodes), Console: len(r.nodes) == r.self})
	}
	r.nodes[id].Addr = addr
	r.nodes[id].Console = id == r.self
	return nil
}

// SetSelf marks id as this instance.
func (r *Registry) SetSelf(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if id < 0 || id >= MaxNodes {
		return fmt.Errorf("%w: %d", ErrBadNodeID, id)
	}
	r.self = id
	for i := range r.nodes {
		r.nodes[i].Console = i == id
	}
	return nil
}

// Reset clears the table. Negotiators that compact indices rebuild it.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.nodes = nil
	r.self = -1
	return nil
}

// Freeze makes the table immutable. Every id below Len must have been
// registered and self must be set.
func (r *Registry) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil
	}
	if len(r.nodes) == 0 {
		return errors.New("node: empty registry")
	}
	if r.self < 0 || r.self >= len(r.nodes) {
		return fmt.Errorf("node: self %d not in table of %d", r.self, len(r.nodes))
	}
	for _, d := range r.nodes {
		if d.Addr == "" && d.ID != r.self {
			return fmt.Errorf("node: id %d has no address", d.ID)
		}
	}
	r.frozen = true
	return nil
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Resolve finds the node that owns addr. The bool is false for addresses
// outside the session; callers drop such packets.
func (r *Registry) Resolve(addr transport.Address) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr == "" {
		return 0, false
	}
	for _, d := range r.nodes {
		if d.Addr == addr {
			return d.ID, true
		}
	}
	return 0, false
}

// Address implements transport.AddressBook.
func (r *Registry) Address(id int) (transport.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || id >= len(r.nodes) {
		return "", false
	}
	return r.nodes[id].Addr, true
}

// Self returns this instance's node id, or -1 before SetSelf.
func (r *Registry) Self() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Nodes returns a copy of the table.
func (r *Registry) Nodes() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Descriptor(nil), r.nodes...)
}

var _ transport.AddressBook = (*Registry)(nil)
