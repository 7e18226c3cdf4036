package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ControlBlockID must be in ControlBlock.ID before the game will use it.
const ControlBlockID = 0x12345678

// MaxData is the size of the control block data area.
const MaxData = 512

// DriverCommand is the request the game leaves in ControlBlock.Command
// before raising the driver interrupt.
type DriverCommand int16

const (
	CmdSend DriverCommand = 1
	CmdGet  DriverCommand = 2
)

// ControlBlock is the fixed-layout record shared between the game and a
// low-level network driver running outside it. Each field has one writer at
// a time:
//
//   - ID, NumNodes, NumPlayers, ConsolePlayer, TicDup and ExtraTics are
//     filled in by the driver's setup before the game starts and are read
//     only afterwards.
//   - Command is written by the game, then the driver is interrupted.
//   - For CmdSend the game writes RemoteNode, DataLength and Data.
//   - For CmdGet the driver writes RemoteNode (-1 when nothing is pending),
//     DataLength and Data.
type ControlBlock struct {
	ID            int32
	IntNum        int16 // interrupt vector of the driver
	Command       DriverCommand
	RemoteNode    int16
	DataLength    int16
	NumNodes      int16 // console is always node 0
	TicDup        int16 // 1 = no duplication, 2-9 = dup for slow nets
	ExtraTics     int16 // 1 = send a backup tic in every packet
	ConsolePlayer int16
	NumPlayers    int16
	Data          [MaxData]byte
}

// Driver services the control block when the game raises its interrupt.
type Driver interface {
	Interrupt(cb *ControlBlock)
}

var ErrBadControlBlock = errors.New("transport: control block id mismatch")

// Legacy speaks to a driver through a ControlBlock. Node numbers are the
// driver's own, so addresses are just the driver node index.
type Legacy struct {
	cb  *ControlBlock
	drv Driver
}

// NewLegacy validates the control block left by the driver setup.
func NewLegacy(cb *ControlBlock, drv Driver) (*Legacy, error) {
	if cb == nil || drv == nil {
		return nil, fmt.Errorf("%w: no control block or driver", ErrBadControlBlock)
	}
	if cb.ID != ControlBlockID {
		return nil, fmt.Errorf("%w: got %#x", ErrBadControlBlock, cb.ID)
	}
	if cb.NumNodes < 1 {
		return nil, fmt.Errorf("%w: numnodes %d", ErrBadControlBlock, cb.NumNodes)
	}
	return &Legacy{cb: cb, drv: drv}, nil
}

// ControlBlock exposes the shared record, for reading the setup fields.
func (l *Legacy) ControlBlock() *ControlBlock { return l.cb }

func (l *Legacy) Send(node int, data []byte) error {
	if node < 0 || node >= int(l.cb.NumNodes) {
		return fmt.Errorf("%w %d", ErrUnknownNode, node)
	}
	if len(data) > MaxData {
		return ErrTooLarge
	}
	l.cb.RemoteNode = int16(node)
	l.cb.DataLength = int16(len(data))
	copy(l.cb.Data[:], data)
	l.cb.Command = CmdSend
	l.drv.Interrupt(l.cb)
	return nil
}

func (l *Legacy) SendTo(addr Address, data []byte) error {
	node, err := ParseDriverAddress(addr)
	if err != nil {
		return err
	}
	return l.Send(node, data)
}

func (l *Legacy) TryReceive() (Datagram, bool, error) {
	l.cb.Command = CmdGet
	l.drv.Interrupt(l.cb)
	if l.cb.RemoteNode == -1 {
		return Datagram{}, false, nil
	}
	n := int(l.cb.DataLength)
	if n < 0 || n > MaxData {
		return Datagram{}, false, fmt.Errorf("transport: driver returned length %d", n)
	}
	return Datagram{
		From: DriverAddress(int(l.cb.RemoteNode)),
		Data: append([]byte(nil), l.cb.Data[:n]...),
	}, true, nil
}

func (l *Legacy) LocalAddr() Address { return DriverAddress(0) }

func (l *Legacy) Close() error { return nil }

var _ Transport = (*Legacy)(nil)

const driverPrefix = "driver:"

// DriverAddress names a driver node index.
func DriverAddress(node int) Address {
	return Address(driverPrefix + strconv.Itoa(node))
}

func ParseDriverAddress(addr Address) (int, error) {
	s, ok := strings.CutPrefix(string(addr), driverPrefix)
	if !ok {
		return 0, fmt.Errorf("transport: %q is not a driver address", addr)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("transport: %q is not a driver address", addr)
	}
	return n, nil
}

// SharedMemory is a same-machine driver for a set of game instances. Each
// instance sees itself as node 0 and the others in ring order after it.
type SharedMemory struct {
	mu     sync.Mutex
	queues [][]shmPacket
	drop   DropFunc
}

type shmPacket struct {
	from int
	data []byte
}

type shmDriver struct {
	shm  *SharedMemory
	self int
}

// NewSharedMemory sets up control blocks and drivers for numNodes instances.
func NewSharedMemory(numNodes, ticDup int, extraTics bool) (*SharedMemory, []*ControlBlock, []Driver) {
	s := &SharedMemory{queues: make([][]shmPacket, numNodes)}
	cbs := make([]*ControlBlock, numNodes)
	drvs := make([]Driver, numNodes)
	extra := int16(0)
	if extraTics {
		extra = 1
	}
	for i := range numNodes {
		cbs[i] = &ControlBlock{
			ID:            ControlBlockID,
			NumNodes:      int16(numNodes),
			NumPlayers:    int16(numNodes),
			ConsolePlayer: int16(i),
			TicDup:        int16(ticDup),
			ExtraTics:     extra,
		}
		drvs[i] = &shmDriver{shm: s, self: i}
	}
	return s, cbs, drvs
}

// SetDrop installs a loss filter on driver-level sends.
func (s *SharedMemory) SetDrop(f DropFunc) {
	s.mu.Lock()
	s.drop = f
	s.mu.Unlock()
}

func (d *shmDriver) Interrupt(cb *ControlBlock) {
	s := d.shm
	n := len(s.queues)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cb.Command {
	case CmdSend:
		to := (d.self + int(cb.RemoteNode)) % n
		data := append([]byte(nil), cb.Data[:cb.DataLength]...)
		if s.drop != nil && s.drop(DriverAddress(d.self), DriverAddress(to), data) {
			return
		}
		s.queues[to] = append(s.queues[to], shmPacket{from: d.self, data: data})
	case CmdGet:
		q := s.queues[d.self]
		if len(q) == 0 {
			cb.RemoteNode = -1
			return
		}
		p := q[0]
		s.queues[d.self] = q[1:]
		cb.RemoteNode = int16((p.from - d.self + n) % n)
		cb.DataLength = int16(copy(cb.Data[:], p.data))
	}
}
