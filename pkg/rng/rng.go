// Package rng is the only source of randomness the simulation may use.
//
// Every node in a session and every demo playback must see the same byte
// stream for the same sequence of Draw calls, so the generator depends on
// nothing but the initial seed and the categories drawn from. It never reads
// the clock and it is never touched by network code.
//
//	src := rng.New(seed)
//	dmg := (src.Draw(rng.Damage)%8 + 1) * 3
package rng

const (
	multiplier = 1664525
	increment  = 221297
	seedMixer  = 69069
)

// State is a value copy of the generator, useful for desync reports and
// save games.
type State struct {
	Seeds  [NumCategories]uint32
	IndexA uint8 // advanced by Misc draws
	IndexB uint8 // advanced by every other category
}

// Source is a per-category linear congruential generator with a legacy
// table mode for bit-exact playback of old demos. A Source is not safe for
// concurrent use; it belongs to the simulation thread.
type Source struct {
	state  State
	compat bool
}

// New returns a Source reseeded with seed in modern mode.
func New(seed uint32) *Source {
	s := &Source{}
	s.Reseed(seed)
	return s
}

// Reseed derives every category's state from seed and rewinds both table
// indices. Reseeding with the same value restarts the exact same stream.
func (s *Source) Reseed(seed uint32) {
	v := seed*2 + 1
	for c := range s.state.Seeds {
		v *= seedMixer
		s.state.Seeds[c] = v
	}
	s.state.IndexA = 0
	s.state.IndexB = 0
}

// SetCompat switches between legacy table lookups and generator output.
// Switching does not rewind anything: both modes advance the same state.
func (s *Source) SetCompat(on bool) { s.compat = on }

// Compat reports whether legacy table mode is active.
func (s *Source) Compat() bool { return s.compat }

// Draw returns the next byte for category c.
func (s *Source) Draw(c Category) byte {
	var idx uint8
	if c == Misc {
		s.state.IndexA++
		idx = s.state.IndexA
	} else {
		s.state.IndexB++
		idx = s.state.IndexB
	}

	// Out of range categories share the last slot rather than panicking in
	// the middle of a tic.
	slot := c
	if slot >= NumCategories {
		slot = NumCategories - 1
	}
	old := s.state.Seeds[slot]
	s.state.Seeds[slot] = old*multiplier + increment + uint32(c)*2

	if s.compat {
		return legacyTable[idx]
	}
	return byte(old >> 20)
}

// SubRandom returns the difference of two draws, in [-255, 255].
func (s *Source) SubRandom(c Category) int {
	r := int(s.Draw(c))
	return r - int(s.Draw(c))
}

// Indices returns the current table indices.
func (s *Source) Indices() (a, b uint8) {
	return s.state.IndexA, s.state.IndexB
}

// State returns a copy of the generator state.
func (s *Source) State() State { return s.state }

// Restore replaces the generator state with a previously saved copy.
func (s *Source) Restore(st State) { s.state = st }
