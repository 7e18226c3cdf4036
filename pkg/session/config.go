package session

import (
	"errors"
	"fmt"

	"github.com/ryandielhenn/ticsync/pkg/node"
)

// MaxTicDup is the largest redundancy count a session accepts.
const MaxTicDup = 9

var ErrBadConfig = errors.New("session: bad config")

// Config is agreed once before the first tic and never changes afterwards.
// It is passed by value so every consumer holds its own copy.
type Config struct {
	NumNodes      int
	TicDup        int  // tics of local commands repeated in every packet, 1-9
	ExtraTics     bool // repeat one more tic on top of TicDup
	ConsolePlayer int  // player index of this instance
}

func (c Config) Validate() error {
	if c.NumNodes < 1 || c.NumNodes > node.MaxNodes {
		return fmt.Errorf("%w: %d nodes, want 1-%d", ErrBadConfig, c.NumNodes, node.MaxNodes)
	}
	if c.TicDup < 1 || c.TicDup > MaxTicDup {
		return fmt.Errorf("%w: ticdup %d, want 1-%d", ErrBadConfig, c.TicDup, MaxTicDup)
	}
	if c.ConsolePlayer < 0 || c.ConsolePlayer >= c.NumNodes {
		return fmt.Errorf("%w: console player %d with %d nodes", ErrBadConfig, c.ConsolePlayer, c.NumNodes)
	}
	return nil
}

// Window is how many of the most recent local tics each packet repeats.
func (c Config) Window() int {
	if c.ExtraTics {
		return c.TicDup + 1
	}
	return c.TicDup
}

// ClampTicDup forces n into [1, MaxTicDup].
func ClampTicDup(n int) int {
	switch {
	case n < 1:
		return 1
	case n > MaxTicDup:
		return MaxTicDup
	}
	return n
}
