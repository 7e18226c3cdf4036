// Package ticbus turns command packets from every node into a gap-free
// stream of per-player tic commands. A tic is complete once every node's
// command for it has been seen; the simulation may only run complete tics,
// so the slowest node paces the whole session.
package ticbus

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/ticsync/internal/telemetry"
	"github.com/ryandielhenn/ticsync/pkg/node"
	"github.com/ryandielhenn/ticsync/pkg/session"
	"github.com/ryandielhenn/ticsync/pkg/ticcmd"
	"github.com/ryandielhenn/ticsync/pkg/transport"
)

const (
	// BackupTics is how many tics of commands are kept per node.
	BackupTics = 32
	// MaxLead is how far local input may run ahead of the simulation.
	MaxLead = 15
	// exitRepeats is how many exit packets Leave sends to each peer.
	exitRepeats = 4
)

var (
	ErrNotFrozen     = errors.New("ticbus: node registry is not frozen")
	ErrNotComplete   = errors.New("ticbus: tic is not complete")
	ErrTicOutOfOrder = errors.New("ticbus: tic out of order")
	ErrTooFarAhead   = errors.New("ticbus: local input too far ahead")
	ErrTicExpired    = errors.New("ticbus: tic no longer buffered")
	ErrBadPlayer     = errors.New("ticbus: bad player in packet")
)

// NodeExitedError is returned by Pump when a peer announced it left.
type NodeExitedError struct {
	Node   int
	Player int
}

func (e *NodeExitedError) Error() string {
	return fmt.Sprintf("ticbus: node %d (player %d) left the session", e.Node, e.Player)
}

type slot struct {
	tic int
	ok  bool
	cmd ticcmd.TicCommand
}

type peer struct {
	player  int // -1 until the first packet names it
	nettics int // tics [0, nettics) are all buffered or consumed
	acked   int // how many of our tics the peer holds
	exited  bool
	slots   [BackupTics]slot
}

func (p *peer) has(tic int) bool {
	s := &p.slots[tic%BackupTics]
	return s.ok && s.tic == tic
}

func (p *peer) put(tic int, c ticcmd.TicCommand) {
	p.slots[tic%BackupTics] = slot{tic: tic, ok: true, cmd: c}
	for p.has(p.nettics) {
		p.nettics++
	}
}

type options struct {
	log *zap.Logger
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// Bus is used from the simulation goroutine only.
type Bus struct {
	cfg  session.Config
	tr   transport.Transport
	reg  *node.Registry
	log  *zap.Logger
	self int

	maketic int
	gametic int
	peers   []peer // indexed by node id; peers[self] holds local input
}

// New binds a bus to a negotiated session. reg must be frozen.
func New(cfg session.Config, tr transport.Transport, reg *node.Registry, opts ...Option) (*Bus, error) {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !reg.Frozen() {
		return nil, ErrNotFrozen
	}
	if reg.Len() != cfg.NumNodes {
		return nil, fmt.Errorf("ticbus: %d nodes registered for a %d node session", reg.Len(), cfg.NumNodes)
	}
	b := &Bus{
		cfg:   cfg,
		tr:    tr,
		reg:   reg,
		log:   o.log,
		self:  reg.Self(),
		peers: make([]peer, cfg.NumNodes),
	}
	for i := range b.peers {
		b.peers[i].player = -1
	}
	b.peers[b.self].player = cfg.ConsolePlayer
	return b, nil
}

// Config returns the session parameters the bus was built with.
func (b *Bus) Config() session.Config { return b.cfg }

// GameTic is the next tic Take will hand out.
func (b *Bus) GameTic() int { return b.gametic }

// MakeTic is the next tic SubmitLocal expects.
func (b *Bus) MakeTic() int { return b.maketic }

// NetTics reports how many of node's tics have arrived without a gap.
func (b *Bus) NetTics(node int) int { return b.peers[node].nettics }

// Player returns the player a node speaks for, or -1 if it is not known yet.
func (b *Bus) Player(node int) int { return b.peers[node].player }

// CanSubmit reports whether SubmitLocal would accept another tic.
func (b *Bus) CanSubmit() bool { return b.maketic-b.gametic < MaxLead }

// SubmitLocal records this instance's command for tic, which must be
// MakeTic. Later Sends carry it to every peer.
func (b *Bus) SubmitLocal(tic int, c ticcmd.TicCommand) error {
	if tic != b.maketic {
		return fmt.Errorf("%w: got %d, want %d", ErrTicOutOfOrder, tic, b.maketic)
	}
	if !b.CanSubmit() {
		return fmt.Errorf("%w: maketic %d gametic %d", ErrTooFarAhead, b.maketic, b.gametic)
	}
	b.peers[b.self].put(tic, c)
	b.maketic++
	telemetry.LocalLead.Set(float64(b.maketic - b.gametic))
	return nil
}

// Send transmits one packet to every peer. The packet repeats the last
// Window() local tics and reaches further back to whatever the peer has not
// acknowledged, so loss is repaired without a separate resend request. An
// empty packet is still sent to carry the acknowledgement.
func (b *Bus) Send() {
	b.send(0)
}

// Leave tells every peer this instance is gone.
func (b *Bus) Leave() {
	for range exitRepeats {
		b.send(FlagExit)
	}
}

func (b *Bus) send(flags byte) {
	local := &b.peers[b.self]
	buf := make([]byte, 0, HeaderSize+BackupTics*ticcmd.Size)
	for id := range b.peers {
		p := &b.peers[id]
		if id == b.self || p.exited {
			continue
		}
		start := min(b.maketic-b.cfg.Window(), p.acked)
		start = max(start, b.maketic-BackupTics, 0)
		pkt := CommandPacket{
			Flags:    flags,
			Player:   uint8(b.cfg.ConsolePlayer),
			Ack:      p.nettics,
			StartTic: start,
			Cmds:     make([]ticcmd.TicCommand, 0, b.maketic-start),
		}
		for t := start; t < b.maketic; t++ {
			pkt.Cmds = append(pkt.Cmds, local.slots[t%BackupTics].cmd)
		}
		data, err := pkt.AppendBinary(buf[:0])
		if err != nil {
			b.log.Error("encode command packet", zap.Error(err))
			continue
		}
		if err := b.tr.Send(id, data); err != nil {
			telemetry.TransportErrors.WithLabelValues("send").Inc()
			b.log.Debug("send failed", zap.Int("node", id), zap.Error(err))
			continue
		}
		telemetry.PacketsSent.Inc()
	}
}

// Pump drains the transport and merges every command packet. It never
// blocks. Packets from addresses outside the node table are dropped without
// touching any buffered state. Receive errors count as loss and draining
// goes on. A peer's exit is returned as *NodeExitedError after the rest of
// the queue has been drained.
func (b *Bus) Pump() error {
	var exited error
	for {
		d, ok, err := b.tr.TryReceive()
		if err != nil {
			telemetry.TransportErrors.WithLabelValues("receive").Inc()
			b.log.Debug("receive failed", zap.Error(err))
			if errors.Is(err, transport.ErrClosed) {
				return err
			}
			continue
		}
		if !ok {
			break
		}
		id, known := b.reg.Resolve(d.From)
		if !known || id == b.self {
			telemetry.PacketsReceived.WithLabelValues("unknown_sender").Inc()
			continue
		}
		if session.IsHandshake(d.Data) {
			telemetry.PacketsReceived.WithLabelValues("handshake").Inc()
			continue
		}
		var pkt CommandPacket
		if err := pkt.UnmarshalBinary(d.Data); err != nil {
			telemetry.PacketsReceived.WithLabelValues("bad").Inc()
			b.log.Debug("dropping packet", zap.Int("node", id), zap.Error(err))
			continue
		}
		if err := b.merge(id, &pkt); err != nil {
			var ex *NodeExitedError
			if errors.As(err, &ex) {
				exited = err
				continue
			}
			telemetry.PacketsReceived.WithLabelValues("bad").Inc()
			b.log.Debug("dropping packet", zap.Int("node", id), zap.Error(err))
			continue
		}
		telemetry.PacketsReceived.WithLabelValues("ok").Inc()
	}
	return exited
}

func (b *Bus) merge(id int, pkt *CommandPacket) error {
	p := &b.peers[id]
	if p.exited {
		return nil
	}
	player := int(pkt.Player)
	if player >= b.cfg.NumNodes {
		return fmt.Errorf("%w: player %d", ErrBadPlayer, player)
	}
	if p.player < 0 {
		for other := range b.peers {
			if b.peers[other].player == player {
				return fmt.Errorf("%w: player %d already on node %d", ErrBadPlayer, player, other)
			}
		}
		p.player = player
		b.log.Debug("learned player", zap.Int("node", id), zap.Int("player", player))
	} else if p.player != player {
		return fmt.Errorf("%w: node %d switched from player %d to %d", ErrBadPlayer, id, p.player, player)
	}

	if pkt.Ack > p.acked {
		p.acked = min(pkt.Ack, b.maketic)
	}
	for i, c := range pkt.Cmds {
		t := pkt.StartTic + i
		if t < p.nettics || t >= b.gametic+BackupTics || p.has(t) {
			telemetry.CommandsDuplicate.Inc()
			continue
		}
		p.put(t, c)
		telemetry.CommandsMerged.Inc()
	}
	if pkt.Flags&FlagExit != 0 {
		p.exited = true
		b.log.Info("peer left", zap.Int("node", id), zap.Int("player", p.player))
		return &NodeExitedError{Node: id, Player: p.player}
	}
	return nil
}

// IsComplete reports whether every node's command for tic is known. Once
// true it stays true.
func (b *Bus) IsComplete(tic int) bool {
	if tic < 0 {
		return false
	}
	for i := range b.peers {
		p := &b.peers[i]
		if tic >= p.nettics && !p.has(tic) {
			return false
		}
	}
	return true
}

// Take returns the commands for tic indexed by player. tic must not be
// past GameTic; taking GameTic advances it. Earlier tics may be taken again
// while they are still buffered.
func (b *Bus) Take(tic int) ([]ticcmd.TicCommand, error) {
	if tic > b.gametic {
		return nil, fmt.Errorf("%w: got %d, gametic %d", ErrTicOutOfOrder, tic, b.gametic)
	}
	if !b.IsComplete(tic) {
		return nil, fmt.Errorf("%w: %d", ErrNotComplete, tic)
	}
	cmds := make([]ticcmd.TicCommand, b.cfg.NumNodes)
	for i := range b.peers {
		p := &b.peers[i]
		if !p.has(tic) {
			return nil, fmt.Errorf("%w: %d", ErrTicExpired, tic)
		}
		cmds[p.player] = p.slots[tic%BackupTics].cmd
	}
	if tic == b.gametic {
		b.gametic++
		telemetry.TicsConsumed.Inc()
		telemetry.LocalLead.Set(float64(b.maketic - b.gametic))
	}
	return cmds, nil
}
