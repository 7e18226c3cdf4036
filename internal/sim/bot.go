package sim

import (
	"math/rand/v2"

	"github.com/ryandielhenn/ticsync/pkg/ticcmd"
)

// Bot produces local input. It has its own generator: input is not part of
// the shared simulation state, it reaches peers only through tic commands.
type Bot struct {
	r *rand.Rand
}

func NewBot(seed uint64) *Bot {
	return &Bot{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (b *Bot) Build(int) ticcmd.TicCommand {
	c := ticcmd.TicCommand{
		ForwardMove: int8(b.r.IntN(101) - 50),
		SideMove:    int8(b.r.IntN(81) - 40),
		AngleTurn:   int16(b.r.IntN(1025) - 512),
	}
	switch n := b.r.IntN(20); {
	case n < 4:
		c.Buttons |= ticcmd.ButtonAttack
	case n == 4:
		c.Buttons |= ticcmd.ButtonChange | byte(b.r.IntN(7))<<ticcmd.WeaponShift
	}
	return c
}
