// Package loop is the frame loop that ties local input, the tic command bus
// and the simulation together.
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/ticsync/internal/telemetry"
	"github.com/ryandielhenn/ticsync/pkg/demo"
	"github.com/ryandielhenn/ticsync/pkg/ticbus"
	"github.com/ryandielhenn/ticsync/pkg/ticcmd"
)

// TicRate is the simulation frequency.
const TicRate = 35

// Input builds this instance's command for a tic.
type Input interface {
	Build(tic int) ticcmd.TicCommand
}

// Simulation advances the game by one tic. It is the only consumer of rng.
type Simulation interface {
	Step(cmds []ticcmd.TicCommand)
	Consistency(player int) int16
}

// Recorder receives every tic that is run, in order.
type Recorder interface {
	Record(tic int, cmds []ticcmd.TicCommand) error
}

// ConsistencyError means a peer's simulation no longer matches ours.
type ConsistencyError struct {
	Tic       int
	Player    int
	Got, Want int16
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency failure at tic %d: player %d sent %d, have %d", e.Tic, e.Player, e.Got, e.Want)
}

type options struct {
	log     *zap.Logger
	rec     Recorder
	now     func() time.Time
	ticTime time.Duration
	maxTics int
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithRecorder(r Recorder) Option { return func(o *options) { o.rec = r } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithTicTime sets the wall time of one tic.
func WithTicTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ticTime = d
		}
	}
}

// WithMaxTics stops building and running tics after n. 0 means no limit.
func WithMaxTics(n int) Option { return func(o *options) { o.maxTics = n } }

// Loop is driven from one goroutine.
type Loop struct {
	o       options
	bus     *ticbus.Bus
	sim     Simulation
	in      Input
	console int
	players int
	start   time.Time
	// consistency[player][tic%BackupTics] is the value stored when that
	// tic started. A command built for tic t carries the value stored at
	// t-BackupTics.
	consistency [][ticbus.BackupTics]int16

	gametic, maketic atomic.Int64
}

func New(bus *ticbus.Bus, sim Simulation, in Input, opts ...Option) *Loop {
	o := options{log: zap.NewNop(), now: time.Now, ticTime: time.Second / TicRate}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := bus.Config()
	return &Loop{
		o:           o,
		bus:         bus,
		sim:         sim,
		in:          in,
		console:     cfg.ConsolePlayer,
		players:     cfg.NumNodes,
		consistency: make([][ticbus.BackupTics]int16, cfg.NumNodes),
	}
}

// GameTic and MakeTic are safe to call from other goroutines; they report
// the state as of the last Tick.
func (l *Loop) GameTic() int { return int(l.gametic.Load()) }
func (l *Loop) MakeTic() int { return int(l.maketic.Load()) }

// Done reports whether the tic limit has been reached.
func (l *Loop) Done() bool { return l.o.maxTics > 0 && l.bus.GameTic() >= l.o.maxTics }

// Tick runs one frame: build the local tics that wall time calls for, send,
// pump, and run every tic that is complete. It returns how many tics ran.
func (l *Loop) Tick() (int, error) {
	defer func() {
		l.gametic.Store(int64(l.bus.GameTic()))
		l.maketic.Store(int64(l.bus.MakeTic()))
	}()
	now := l.o.now()
	if l.start.IsZero() {
		l.start = now
	}
	target := int(now.Sub(l.start)/l.o.ticTime) + 1
	if l.o.maxTics > 0 {
		target = min(target, l.o.maxTics)
	}
	for l.bus.MakeTic() < target && l.bus.CanSubmit() {
		tic := l.bus.MakeTic()
		c := l.in.Build(tic)
		c.Consistency = l.consistency[l.console][tic%ticbus.BackupTics]
		if err := l.bus.SubmitLocal(tic, c); err != nil {
			return 0, err
		}
	}
	l.bus.Send()
	// A peer that left may still have delivered the tics we need to
	// finish, so run those before reporting it.
	pumpErr := l.bus.Pump()

	ran := 0
	for !l.Done() && l.bus.IsComplete(l.bus.GameTic()) {
		if err := l.runTic(); err != nil {
			return ran, err
		}
		ran++
	}
	if pumpErr != nil && !l.Done() {
		return ran, pumpErr
	}
	return ran, nil
}

func (l *Loop) runTic() error {
	tic := l.bus.GameTic()
	cmds, err := l.bus.Take(tic)
	if err != nil {
		return err
	}
	buf := tic % ticbus.BackupTics
	for p, c := range cmds {
		if l.players > 1 && tic >= ticbus.BackupTics && c.Consistency != l.consistency[p][buf] {
			telemetry.ConsistencyFailures.WithLabelValues(strconv.Itoa(p)).Inc()
			return &ConsistencyError{Tic: tic, Player: p, Got: c.Consistency, Want: l.consistency[p][buf]}
		}
		l.consistency[p][buf] = l.sim.Consistency(p)
	}
	if l.o.rec != nil {
		if err := l.o.rec.Record(tic, cmds); err != nil {
			return err
		}
	}
	l.sim.Step(cmds)
	return nil
}

// Run ticks at the frame rate until the tic limit, an error, or ctx ends.
// On the way out it tells peers this instance left.
func (l *Loop) Run(ctx context.Context) error {
	t := time.NewTicker(l.o.ticTime / 2)
	defer t.Stop()
	defer l.bus.Leave()
	waiting := time.Time{}
	for !l.Done() {
		ran, err := l.Tick()
		if err != nil {
			return err
		}
		switch {
		case ran > 0 && !waiting.IsZero():
			telemetry.FrameWait.Observe(l.o.now().Sub(waiting).Seconds())
			waiting = time.Time{}
		case ran == 0 && waiting.IsZero():
			waiting = l.o.now()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	l.o.log.Info("tic limit reached", zap.Int("gametic", l.bus.GameTic()))
	return nil
}

// Playback feeds a demo through sim without any network. It returns the
// number of tics played.
func Playback(r *demo.Reader, sim Simulation, rec Recorder) (int, error) {
	for tic := 0; ; tic++ {
		cmds, err := r.Next()
		if errors.Is(err, io.EOF) {
			return tic, nil
		}
		if err != nil {
			return tic, err
		}
		if rec != nil {
			if err := rec.Record(tic, cmds); err != nil {
				return tic, err
			}
		}
		sim.Step(cmds)
	}
}
