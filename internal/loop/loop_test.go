package loop

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/ticsync/internal/sim"
	"github.com/ryandielhenn/ticsync/pkg/demo"
	"github.com/ryandielhenn/ticsync/pkg/node"
	"github.com/ryandielhenn/ticsync/pkg/rng"
	"github.com/ryandielhenn/ticsync/pkg/session"
	"github.com/ryandielhenn/ticsync/pkg/ticbus"
	"github.com/ryandielhenn/ticsync/pkg/transport"
)

const seed = 1993

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type peer struct {
	loop  *Loop
	world *sim.World
	bus   *ticbus.Bus
}

func session3(t *testing.T, hub *transport.Hub, clk *clock, n, maxTics int, rec Recorder) []peer {
	t.Helper()
	addrs := []transport.Address{"p0", "p1", "p2", "p3"}[:n]
	peers := make([]peer, n)
	for i := range peers {
		reg := node.NewRegistry()
		_ = reg.SetSelf(i)
		for id, a := range addrs {
			_ = reg.Register(id, a)
		}
		if err := reg.Freeze(); err != nil {
			t.Fatal(err)
		}
		cfg := session.Config{NumNodes: n, TicDup: 2, ConsolePlayer: i}
		bus, err := ticbus.New(cfg, hub.Attach(addrs[i], reg), reg)
		if err != nil {
			t.Fatal(err)
		}
		w := sim.New(n, rng.New(seed))
		opts := []Option{WithClock(clk.now), WithMaxTics(maxTics), WithLogger(zaptest.NewLogger(t))}
		if i == 0 && rec != nil {
			opts = append(opts, WithRecorder(rec))
		}
		peers[i] = peer{loop: New(bus, w, sim.NewBot(uint64(i+10)), opts...), world: w, bus: bus}
	}
	return peers
}

// step advances the clock one tic and ticks every loop once.
func step(clk *clock, peers []peer) error {
	clk.t = clk.t.Add(time.Second / TicRate)
	for _, p := range peers {
		if _, err := p.loop.Tick(); err != nil {
			return err
		}
	}
	return nil
}

func runAll(t *testing.T, clk *clock, peers []peer) {
	t.Helper()
	for range 100000 {
		if err := step(clk, peers); err != nil {
			t.Fatal(err)
		}
		done := true
		for _, p := range peers {
			done = done && p.loop.Done()
		}
		if done {
			return
		}
	}
	t.Fatal("session did not finish")
}

func TestLockstepWorldsAgree(t *testing.T) {
	hub := transport.NewHub()
	n := 0
	hub.SetDrop(func(_, _ transport.Address, _ []byte) bool { n++; return n%5 == 0 })
	clk := &clock{t: time.Unix(100, 0)}
	peers := session3(t, hub, clk, 3, 400, nil)
	runAll(t, clk, peers)

	want := peers[0].world.Hash()
	for i, p := range peers {
		if p.world.Tic != 400 {
			t.Fatalf("peer %d ran %d tics", i, p.world.Tic)
		}
		if p.world.Hash() != want {
			t.Fatalf("peer %d world differs", i)
		}
	}
}

func TestDesyncDetected(t *testing.T) {
	hub := transport.NewHub()
	clk := &clock{t: time.Unix(0, 0)}
	peers := session3(t, hub, clk, 2, 0, nil)
	tampered := false
	for range 2000 {
		err := step(clk, peers)
		var ce *ConsistencyError
		if errors.As(err, &ce) {
			if !tampered || ce.Tic < ticbus.BackupTics {
				t.Fatalf("unexpected %v", ce)
			}
			return
		}
		if err != nil {
			t.Fatal(err)
		}
		if !tampered && peers[1].world.Tic >= 100 {
			peers[1].world.Players[1].X ^= 1 << 10
			tampered = true
		}
	}
	t.Fatal("desync never detected")
}

func TestRecordThenPlayback(t *testing.T) {
	var buf bytes.Buffer
	rec, err := demo.NewRecorder(&buf, demo.Header{Seed: seed, Players: 2, Console: 0, TicDup: 2})
	if err != nil {
		t.Fatal(err)
	}
	hub := transport.NewHub()
	clk := &clock{t: time.Unix(0, 0)}
	peers := session3(t, hub, clk, 2, 250, rec)
	runAll(t, clk, peers)
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := demo.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	replay := sim.New(r.Header().Players, rng.New(r.Header().Seed))
	n, err := Playback(r, replay, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 250 || replay.Hash() != peers[0].world.Hash() {
		t.Fatalf("playback of %d tics did not reproduce the game", n)
	}
}

func TestPeerExitStopsLoop(t *testing.T) {
	hub := transport.NewHub()
	clk := &clock{t: time.Unix(0, 0)}
	peers := session3(t, hub, clk, 2, 0, nil)
	for range 10 {
		if err := step(clk, peers); err != nil {
			t.Fatal(err)
		}
	}
	peers[1].bus.Leave()
	_, err := peers[0].loop.Tick()
	var ex *ticbus.NodeExitedError
	if !errors.As(err, &ex) || ex.Player != 1 {
		t.Fatalf("Tick = %v, want exit of player 1", err)
	}
}

func TestRunSinglePlayer(t *testing.T) {
	reg := node.NewRegistry()
	_ = reg.SetSelf(0)
	_ = reg.Register(0, "")
	_ = reg.Freeze()
	bus, err := ticbus.New(session.Config{NumNodes: 1, TicDup: 1}, transport.Loopback{}, reg)
	if err != nil {
		t.Fatal(err)
	}
	w := sim.New(1, rng.New(seed))
	l := New(bus, w, sim.NewBot(1), WithTicTime(time.Millisecond), WithMaxTics(20))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if w.Tic != 20 || l.GameTic() != 20 {
		t.Fatalf("ran %d tics", w.Tic)
	}
}
