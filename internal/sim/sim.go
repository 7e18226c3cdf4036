// Package sim is a small deterministic deathmatch used to exercise the
// lockstep core end to end. Its only inputs are the tic commands and the
// rng stream, so two worlds fed the same commands stay identical.
package sim

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/ryandielhenn/ticsync/pkg/rng"
	"github.com/ryandielhenn/ticsync/pkg/ticcmd"
)

const (
	FracBits  = 16
	MaxHealth = 100
	arenaSize = 1024 << FracBits
	moveScale = 2048
)

type Player struct {
	X, Y   int32 // fixed point
	Angle  uint32
	Health int32
	Weapon int32
	Frags  int32
	Deaths int32
}

type World struct {
	Tic     int
	Players []Player
	rng     *rng.Source
}

// New spawns players using src. src belongs to the world from now on.
func New(players int, src *rng.Source) *World {
	w := &World{Players: make([]Player, players), rng: src}
	for i := range w.Players {
		w.spawn(i)
	}
	return w
}

func (w *World) Rand() *rng.Source { return w.rng }

func (w *World) spawn(i int) {
	p := &w.Players[i]
	p.X = int32(w.rng.Draw(rng.DMSpawn)) << (FracBits + 2)
	p.Y = int32(w.rng.Draw(rng.DMSpawn)) << (FracBits + 2)
	p.Angle = uint32(w.rng.Draw(rng.DMSpawn)) << 24
	p.Health = MaxHealth
}

// Step runs one tic. cmds is indexed by player.
func (w *World) Step(cmds []ticcmd.TicCommand) {
	for i := range w.Players {
		if i >= len(cmds) {
			break
		}
		c := cmds[i]
		p := &w.Players[i]
		p.Angle += uint32(uint16(c.AngleTurn)) << 16
		p.X = clamp(p.X + int32(c.ForwardMove)*moveScale)
		p.Y = clamp(p.Y + int32(c.SideMove)*moveScale)
		if slot, ok := c.Weapon(); ok {
			p.Weapon = int32(slot)
		}
		if c.Buttons&ticcmd.ButtonAttack != 0 && len(w.Players) > 1 {
			w.attack(i)
		}
	}
	// Flickering lights draw every tic whether anyone fires or not.
	w.rng.Draw(rng.Lights)
	w.Tic++
}

func (w *World) attack(i int) {
	if w.rng.Draw(rng.Misfire) < 16 {
		return
	}
	target := (i + 1 + int(w.rng.Draw(rng.Gunshot))%(len(w.Players)-1)) % len(w.Players)
	t := &w.Players[target]
	t.Health -= int32(w.rng.Draw(rng.Damage)%3+1) * (5 + w.Players[i].Weapon)
	if t.Health > 0 {
		return
	}
	w.Players[i].Frags++
	t.Deaths++
	w.spawn(target)
}

func clamp(v int32) int32 {
	switch {
	case v < 0:
		return 0
	case v > arenaSize:
		return arenaSize
	}
	return v
}

// Consistency is the value a player's commands carry so peers can detect a
// desync.
func (w *World) Consistency(player int) int16 {
	if player < 0 || player >= len(w.Players) {
		_, b := w.rng.Indices()
		return int16(b)
	}
	return int16(w.Players[player].X >> 3)
}

// Hash summarises the whole world, rng included.
func (w *World) Hash() uint64 {
	b := make([]byte, 0, 8+len(w.Players)*28+int(rng.NumCategories)*4+2)
	b = binary.BigEndian.AppendUint64(b, uint64(w.Tic))
	for _, p := range w.Players {
		for _, v := range []uint32{uint32(p.X), uint32(p.Y), p.Angle, uint32(p.Health), uint32(p.Weapon), uint32(p.Frags), uint32(p.Deaths)} {
			b = binary.BigEndian.AppendUint32(b, v)
		}
	}
	st := w.rng.State()
	for _, s := range st.Seeds {
		b = binary.BigEndian.AppendUint32(b, s)
	}
	b = append(b, st.IndexA, st.IndexB)
	return xxhash.Sum64(b)
}
