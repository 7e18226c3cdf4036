// Package session agrees on the node table and the session parameters
// before the first tic. Once a Negotiator returns, the node registry is
// frozen and the Config never changes.
package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/ticsync/pkg/node"
	"github.com/ryandielhenn/ticsync/pkg/transport"
)

// Negotiator fills reg and returns the agreed Config. Errors are fatal at
// startup: a session cannot begin with ambiguous parameters.
type Negotiator interface {
	Negotiate(ctx context.Context, reg *node.Registry) (Config, error)
}

// Static builds the session from a node list given on the command line of
// every instance. This instance is node 0; the hosts follow in listed order.
// No handshake takes place.
type Static struct {
	Console   int      // player index of this instance, 0-based
	Hosts     []string // the other instances, "host" or "host:port"
	Port      int      // default port for hosts without one
	TicDup    int
	ExtraTics bool
	Local     transport.Address
	// Resolve turns a host into an address; transport.ResolveUDP when nil.
	Resolve func(hostport string, defaultPort int) (transport.Address, error)
	Log     *zap.Logger
}

func (s Static) Negotiate(_ context.Context, reg *node.Registry) (Config, error) {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	resolve := s.Resolve
	if resolve == nil {
		resolve = transport.ResolveUDP
	}
	port := s.Port
	if port <= 0 {
		port = transport.DefaultPort
	}
	cfg := Config{
		NumNodes:      len(s.Hosts) + 1,
		TicDup:        s.TicDup,
		ExtraTics:     s.ExtraTics,
		ConsolePlayer: s.Console,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if err := reg.SetSelf(0); err != nil {
		return Config{}, err
	}
	if err := reg.Register(0, s.Local); err != nil {
		return Config{}, err
	}
	seen := map[transport.Address]string{}
	for i, h := range s.Hosts {
		addr, err := resolve(h, port)
		if err != nil {
			return Config{}, fmt.Errorf("node %d: %w", i+1, err)
		}
		if prev, dup := seen[addr]; dup {
			return Config{}, fmt.Errorf("%w: %q and %q are both %s", ErrBadConfig, prev, h, addr)
		}
		seen[addr] = h
		if err := reg.Register(i+1, addr); err != nil {
			return Config{}, err
		}
		log.Info("static node", zap.Int("node", i+1), zap.String("host", h), zap.String("addr", string(addr)))
	}
	if err := reg.Freeze(); err != nil {
		return Config{}, err
	}
	log.Info("session ready",
		zap.Int("nodes", cfg.NumNodes),
		zap.Int("console", cfg.ConsolePlayer),
		zap.Int("ticdup", cfg.TicDup),
		zap.Bool("extratics", cfg.ExtraTics))
	return cfg, nil
}

// Driver takes the session from a legacy driver's control block, whose setup
// program already agreed on everything. Node 0 is this instance.
type Driver struct {
	Block *transport.ControlBlock
	Log   *zap.Logger
}

func (d Driver) Negotiate(_ context.Context, reg *node.Registry) (Config, error) {
	cb := d.Block
	if cb == nil || cb.ID != transport.ControlBlockID {
		return Config{}, transport.ErrBadControlBlock
	}
	cfg := Config{
		NumNodes:      int(cb.NumNodes),
		TicDup:        ClampTicDup(int(cb.TicDup)),
		ExtraTics:     cb.ExtraTics != 0,
		ConsolePlayer: int(cb.ConsolePlayer),
	}
	if int(cb.NumPlayers) != cfg.NumNodes {
		return Config{}, fmt.Errorf("%w: driver reports %d players on %d nodes", ErrBadConfig, cb.NumPlayers, cb.NumNodes)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if err := reg.SetSelf(0); err != nil {
		return Config{}, err
	}
	for i := range cfg.NumNodes {
		if err := reg.Register(i, transport.DriverAddress(i)); err != nil {
			return Config{}, err
		}
	}
	if err := reg.Freeze(); err != nil {
		return Config{}, err
	}
	if d.Log != nil {
		d.Log.Info("driver session ready", zap.Int("nodes", cfg.NumNodes), zap.Int("console", cfg.ConsolePlayer))
	}
	return cfg, nil
}

// FromControlBlock returns the negotiator for a legacy driver session.
func FromControlBlock(cb *transport.ControlBlock, log *zap.Logger) Driver {
	return Driver{Block: cb, Log: log}
}
