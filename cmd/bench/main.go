package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/ryandielhenn/ticsync/internal/loop"
	"github.com/ryandielhenn/ticsync/internal/sim"
	"github.com/ryandielhenn/ticsync/pkg/node"
	"github.com/ryandielhenn/ticsync/pkg/rng"
	"github.com/ryandielhenn/ticsync/pkg/session"
	"github.com/ryandielhenn/ticsync/pkg/ticbus"
	"github.com/ryandielhenn/ticsync/pkg/transport"
)

// bench runs a whole session in one process over the in-memory hub (or the
// shared memory driver) with simulated loss, on a virtual clock, and reports
// how many frames the session needed and whether every world agrees.
func main() {
	nodes := flag.Int("nodes", 4, "instances in the session")
	tics := flag.Int("tics", 5000, "tics to run")
	dup := flag.Int("dup", 1, "ticdup 1-9")
	extra := flag.Bool("extratic", false, "send one extra backup tic")
	loss := flag.Float64("loss", 0.05, "probability a datagram is dropped")
	driver := flag.Bool("driver", false, "use the shared memory driver instead of the hub")
	seed := flag.Uint64("seed", 1993, "rng seed for worlds and loss")
	flag.Parse()

	cfgs := make([]session.Config, *nodes)
	for i := range cfgs {
		cfgs[i] = session.Config{NumNodes: *nodes, TicDup: session.ClampTicDup(*dup), ExtraTics: *extra, ConsolePlayer: i}
		if err := cfgs[i].Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	var mu sync.Mutex
	r := rand.New(rand.NewPCG(*seed, *seed+1))
	drop := func(_, _ transport.Address, _ []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		return r.Float64() < *loss
	}

	var (
		trs  []transport.Transport
		regs []*node.Registry
	)
	sent := func() (int, int) { return 0, 0 }
	if *driver {
		shm, cbs, drvs := transport.NewSharedMemory(*nodes, cfgs[0].TicDup, *extra)
		shm.SetDrop(drop)
		for i := range cbs {
			tr, err := transport.NewLegacy(cbs[i], drvs[i])
			must(err)
			reg := node.NewRegistry()
			_, err = session.FromControlBlock(cbs[i], nil).Negotiate(context.Background(), reg)
			must(err)
			trs, regs = append(trs, tr), append(regs, reg)
		}
	} else {
		hub := transport.NewHub()
		hub.SetDrop(drop)
		sent = hub.Stats
		for i := range *nodes {
			reg := node.NewRegistry()
			must(reg.SetSelf(i))
			for id := range *nodes {
				must(reg.Register(id, transport.Address(fmt.Sprintf("node%d", id))))
			}
			must(reg.Freeze())
			addr, _ := reg.Address(i)
			trs, regs = append(trs, hub.Attach(addr, reg)), append(regs, reg)
		}
	}

	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	loops := make([]*loop.Loop, *nodes)
	worlds := make([]*sim.World, *nodes)
	for i := range loops {
		bus, err := ticbus.New(cfgs[i], trs[i], regs[i])
		must(err)
		worlds[i] = sim.New(*nodes, rng.New(uint32(*seed)))
		loops[i] = loop.New(bus, worlds[i], sim.NewBot(*seed+uint64(i)), loop.WithClock(clock), loop.WithMaxTics(*tics))
	}

	start := time.Now()
	frames, err := runFrames(loops, func() { now = now.Add(time.Second / loop.TicRate) }, *tics*maxFramesPerTic)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	dur := time.Since(start)

	agree := true
	for _, w := range worlds[1:] {
		agree = agree && w.Hash() == worlds[0].Hash()
	}
	total, dropped := sent()
	fmt.Printf("Ran %d tics on %d nodes in %d frames (%.1f%% over ideal), %s wall (%.0f tics/s)\n",
		*tics, *nodes, frames, 100*float64(frames-*tics)/float64(*tics), dur, float64(*tics)/dur.Seconds())
	if !*driver {
		fmt.Printf("Datagrams: %d sent, %d dropped\n", total, dropped)
	}
	fmt.Printf("Worlds agree: %v (%016x)\n", agree, worlds[0].Hash())
	if !agree {
		os.Exit(1)
	}
}

// maxFramesPerTic bounds a run: past tics*maxFramesPerTic frames the
// session is taken to be stalled.
const maxFramesPerTic = 100

var errStalled = errors.New("bench: session stalled")

type ticker interface {
	Tick() (int, error)
	Done() bool
}

// runFrames advances the clock and ticks every node until all are done or
// maxFrames have passed. It returns the number of frames run.
func runFrames[T ticker](nodes []T, advance func(), maxFrames int) (int, error) {
	for frames := 1; frames <= maxFrames; frames++ {
		advance()
		done := true
		for i, n := range nodes {
			if _, err := n.Tick(); err != nil {
				return frames, fmt.Errorf("node %d: %w", i, err)
			}
			done = done && n.Done()
		}
		if done {
			return frames, nil
		}
	}
	return maxFrames, fmt.Errorf("%w after %d frames", errStalled, maxFrames)
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
