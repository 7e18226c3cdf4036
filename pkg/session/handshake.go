package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/ticsync/pkg/node"
	"github.com/ryandielhenn/ticsync/pkg/transport"
)

// State is the position of a Host or Join in the handshake.
//
// Host:  PreConnect -> Accumulating -> AllHere (sent) -> Go (sent) -> Active
// Join:  PreConnect -> Accumulating (connected) -> AllHere (acked) -> Active
type State int

const (
	StatePreConnect State = iota
	StateAccumulating
	StateAllHere
	StateGo
	StateActive
)

func (s State) String() string {
	switch s {
	case StatePreConnect:
		return "pre-connect"
	case StateAccumulating:
		return "accumulating"
	case StateAllHere:
		return "allhere"
	case StateGo:
		return "go"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	DefaultResend   = 500 * time.Millisecond
	DefaultGoRounds = 8
	defaultPoll     = 10 * time.Millisecond
)

type options struct {
	log      *zap.Logger
	resend   time.Duration
	goRounds int
	poll     time.Duration
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithResend sets how long an unacknowledged message waits before it is
// sent again.
func WithResend(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.resend = d
		}
	}
}

// WithGoRounds caps how many times the host sends GO before it starts the
// session without every GOACK.
func WithGoRounds(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.goRounds = n
		}
	}
}

// WithPollInterval sets how often Negotiate steps the state machine.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{log: zap.NewNop(), resend: DefaultResend, goRounds: DefaultGoRounds, poll: defaultPoll}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var ErrHandshake = errors.New("session: handshake failed")

// Host accepts joiners until the expected player count is reached, then
// releases everyone with GO. The host is player 0; joiners are numbered in
// the order they connected, after any DISCONNECT has been compacted away.
type Host struct {
	o   options
	tr  transport.Transport
	cfg Config

	state    State
	members  []transport.Address // member i is player i+1
	round    uint16              // bumped whenever members changes
	acked    map[transport.Address]bool
	lastSend time.Time
	goSent   int
}

func NewHost(tr transport.Transport, players, ticDup int, extraTics bool, opts ...Option) (*Host, error) {
	cfg := Config{NumNodes: players, TicDup: ticDup, ExtraTics: extraTics}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Host{o: buildOptions(opts), tr: tr, cfg: cfg, acked: map[transport.Address]bool{}}, nil
}

func (h *Host) State() State { return h.state }

// Members returns the joiners in player order.
func (h *Host) Members() []transport.Address { return slices.Clone(h.members) }

// Step handles every pending datagram and fires due retransmissions. It
// reports true once the session is active.
func (h *Host) Step(now time.Time) (bool, error) {
	if h.state == StatePreConnect {
		h.setState(StateAccumulating)
		if h.cfg.NumNodes == 1 {
			h.setState(StateActive)
		}
	}
	for h.state != StateActive {
		d, ok, err := h.tr.TryReceive()
		if errors.Is(err, transport.ErrClosed) {
			return false, err
		}
		if err != nil {
			h.o.log.Debug("handshake receive", zap.Error(err))
			break
		}
		if !ok {
			break
		}
		h.handle(now, d)
	}
	if h.state == StateActive {
		return true, nil
	}
	if now.Sub(h.lastSend) >= h.o.resend {
		switch h.state {
		case StateAllHere:
			h.sendAllHere(now)
		case StateGo:
			if h.goSent >= h.o.goRounds {
				h.o.log.Warn("starting without every GOACK",
					zap.Int("acked", len(h.acked)), zap.Int("joiners", len(h.members)))
				h.setState(StateActive)
				return true, nil
			}
			h.sendGo(now)
		}
	}
	return false, nil
}

func (h *Host) handle(now time.Time, d transport.Datagram) {
	idx := slices.Index(h.members, d.From)
	if !IsHandshake(d.Data) {
		// A joiner only sends command packets after it has seen GO.
		if h.state == StateGo && idx >= 0 {
			h.goAck(d.From)
		}
		return
	}
	var m Message
	if err := m.UnmarshalBinary(d.Data); err != nil {
		h.o.log.Debug("bad handshake message", zap.String("from", string(d.From)), zap.Error(err))
		return
	}
	switch m.Type {
	case MsgConnect:
		if idx >= 0 {
			h.send(d.From, encode(MsgConAck))
			return
		}
		if h.state != StateAccumulating {
			h.o.log.Debug("session full, ignoring CONNECT", zap.String("from", string(d.From)))
			return
		}
		h.members = append(h.members, d.From)
		h.round++
		h.send(d.From, encode(MsgConAck))
		h.o.log.Info("player connected", zap.Int("player", len(h.members)), zap.String("addr", string(d.From)))
		if len(h.members)+1 == h.cfg.NumNodes {
			h.setState(StateAllHere)
			clear(h.acked)
			h.sendAllHere(now)
		}
	case MsgDisconnect:
		if idx < 0 {
			return
		}
		if h.state >= StateGo {
			h.o.log.Debug("DISCONNECT after GO ignored", zap.String("from", string(d.From)))
			return
		}
		h.members = slices.Delete(h.members, idx, idx+1)
		h.round++
		clear(h.acked)
		h.setState(StateAccumulating)
		h.o.log.Info("player disconnected", zap.Int("player", idx+1), zap.String("addr", string(d.From)))
	case MsgAllHereAck:
		if h.state != StateAllHere || idx < 0 {
			return
		}
		if m.Round != h.round || m.Player != idx+1 {
			h.o.log.Debug("stale ALLHEREACK ignored", zap.String("from", string(d.From)),
				zap.Int("player", m.Player), zap.Uint16("round", m.Round), zap.Uint16("want", h.round))
			return
		}
		h.acked[d.From] = true
		if len(h.acked) == len(h.members) {
			h.setState(StateGo)
			clear(h.acked)
			h.goSent = 0
			h.sendGo(now)
		}
	case MsgGoAck:
		if h.state == StateGo && idx >= 0 {
			h.goAck(d.From)
		}
	}
}

func (h *Host) goAck(from transport.Address) {
	h.acked[from] = true
	if len(h.acked) == len(h.members) {
		h.setState(StateActive)
	}
}

func (h *Host) sendAllHere(now time.Time) {
	for i, addr := range h.members {
		if h.acked[addr] {
			continue
		}
		m := Message{
			Type:      MsgAllHere,
			Player:    i + 1,
			Round:     h.round,
			NumNodes:  h.cfg.NumNodes,
			TicDup:    h.cfg.TicDup,
			ExtraTics: h.cfg.ExtraTics,
			Addrs:     make([]transport.Address, h.cfg.NumNodes),
		}
		for j, other := range h.members {
			if j != i {
				m.Addrs[j+1] = other
			}
		}
		b, err := m.MarshalBinary()
		if err != nil {
			h.o.log.Error("encode ALLHERE", zap.Error(err))
			continue
		}
		h.send(addr, b)
	}
	h.lastSend = now
}

func (h *Host) sendGo(now time.Time) {
	for _, addr := range h.members {
		if !h.acked[addr] {
			h.send(addr, encode(MsgGo))
		}
	}
	h.goSent++
	h.lastSend = now
}

func (h *Host) send(to transport.Address, b []byte) {
	if err := h.tr.SendTo(to, b); err != nil {
		h.o.log.Debug("handshake send", zap.String("to", string(to)), zap.Error(err))
	}
}

func (h *Host) setState(s State) {
	if h.state != s {
		h.o.log.Info("handshake", zap.Stringer("from", h.state), zap.Stringer("to", s))
		h.state = s
	}
}

// Config returns the session parameters. Valid once Step has reported true.
func (h *Host) Config() Config { return h.cfg }

// Negotiate steps the handshake until every player has been released and
// then fills reg.
func (h *Host) Negotiate(ctx context.Context, reg *node.Registry) (Config, error) {
	if err := run(ctx, h.o.poll, h.Step); err != nil {
		return Config{}, err
	}
	if err := h.Fill(reg); err != nil {
		return Config{}, err
	}
	return h.cfg, nil
}

// Fill registers the host as node 0 and every joiner as its player index.
func (h *Host) Fill(reg *node.Registry) error {
	if h.state != StateActive {
		return fmt.Errorf("%w: host is %s", ErrHandshake, h.state)
	}
	if err := reg.SetSelf(0); err != nil {
		return err
	}
	if err := reg.Register(0, h.tr.LocalAddr()); err != nil {
		return err
	}
	for i, addr := range h.members {
		if err := reg.Register(i+1, addr); err != nil {
			return err
		}
	}
	return reg.Freeze()
}

// Join connects to a host and waits to be released.
type Join struct {
	o    options
	tr   transport.Transport
	host transport.Address

	state    State
	allHere  Message
	lastSend time.Time
}

func NewJoin(tr transport.Transport, host transport.Address, opts ...Option) *Join {
	return &Join{o: buildOptions(opts), tr: tr, host: host}
}

func (j *Join) State() State { return j.state }

func (j *Join) Step(now time.Time) (bool, error) {
	if j.state == StatePreConnect && (j.lastSend.IsZero() || now.Sub(j.lastSend) >= j.o.resend) {
		j.send(encode(MsgConnect))
		j.lastSend = now
	}
	for j.state != StateActive {
		d, ok, err := j.tr.TryReceive()
		if errors.Is(err, transport.ErrClosed) {
			return false, err
		}
		if err != nil {
			j.o.log.Debug("handshake receive", zap.Error(err))
			break
		}
		if !ok {
			break
		}
		if d.From != j.host {
			continue
		}
		j.handle(d)
	}
	return j.state == StateActive, nil
}

func (j *Join) handle(d transport.Datagram) {
	if !IsHandshake(d.Data) {
		// The host is already ticking, so our GO was lost.
		if j.state == StateAllHere {
			j.setState(StateActive)
		}
		return
	}
	var m Message
	if err := m.UnmarshalBinary(d.Data); err != nil {
		j.o.log.Debug("bad handshake message", zap.Error(err))
		return
	}
	switch m.Type {
	case MsgConAck:
		if j.state == StatePreConnect {
			j.setState(StateAccumulating)
		}
	case MsgAllHere:
		if m.Player == 0 {
			j.o.log.Debug("ALLHERE assigns the host slot, ignoring")
			return
		}
		// A delayed ALLHERE from an earlier round must not undo a newer
		// assignment.
		if j.state == StateAllHere && int16(m.Round-j.allHere.Round) < 0 {
			j.o.log.Debug("stale ALLHERE ignored", zap.Uint16("round", m.Round))
			return
		}
		j.allHere = m
		ack, _ := Message{Type: MsgAllHereAck, Player: m.Player, Round: m.Round}.MarshalBinary()
		j.send(ack)
		j.setState(StateAllHere)
	case MsgGo:
		if j.state == StateAllHere {
			j.send(encode(MsgGoAck))
			j.setState(StateActive)
		}
	}
}

func (j *Join) send(b []byte) {
	if err := j.tr.SendTo(j.host, b); err != nil {
		j.o.log.Debug("handshake send", zap.String("to", string(j.host)), zap.Error(err))
	}
}

func (j *Join) setState(s State) {
	if j.state != s {
		j.o.log.Info("handshake", zap.Stringer("from", j.state), zap.Stringer("to", s))
		j.state = s
	}
}

// Config returns the parameters the host sent in ALLHERE.
func (j *Join) Config() Config {
	m := j.allHere
	return Config{NumNodes: m.NumNodes, TicDup: m.TicDup, ExtraTics: m.ExtraTics, ConsolePlayer: m.Player}
}

// Negotiate connects, waits for GO and fills reg. Cancelling ctx before GO
// sends DISCONNECT so the host can compact its player list.
func (j *Join) Negotiate(ctx context.Context, reg *node.Registry) (Config, error) {
	if err := run(ctx, j.o.poll, j.Step); err != nil {
		if j.state < StateActive {
			j.send(encode(MsgDisconnect))
		}
		return Config{}, err
	}
	if err := j.Fill(reg); err != nil {
		return Config{}, err
	}
	return j.Config(), nil
}

// Fill registers every player at its index, the host as node 0.
func (j *Join) Fill(reg *node.Registry) error {
	if j.state != StateActive {
		return fmt.Errorf("%w: joiner is %s", ErrHandshake, j.state)
	}
	cfg := j.Config()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := reg.SetSelf(cfg.ConsolePlayer); err != nil {
		return err
	}
	for i, addr := range j.allHere.Addrs {
		switch i {
		case 0:
			addr = j.host
		case cfg.ConsolePlayer:
			addr = j.tr.LocalAddr()
		}
		if addr == "" {
			return fmt.Errorf("%w: no address for player %d", ErrHandshake, i)
		}
		if err := reg.Register(i, addr); err != nil {
			return err
		}
	}
	return reg.Freeze()
}

func run(ctx context.Context, poll time.Duration, step func(time.Time) (bool, error)) error {
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		done, err := step(time.Now())
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

var (
	_ Negotiator = (*Host)(nil)
	_ Negotiator = (*Join)(nil)
	_ Negotiator = Static{}
	_ Negotiator = Driver{}
)
