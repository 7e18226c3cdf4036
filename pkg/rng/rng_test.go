package rng

import (
	"bytes"
	"testing"
)

type drawStep struct {
	c Category
	n int
}

var script = []drawStep{
	{Damage, 7},
	{Misc, 3},
	{SpawnPuff, 12},
	{Misc, 1},
	{TryWalk, 40},
	{Defect, 2},
	{Damage, 5},
}

func run(s *Source, steps []drawStep) []byte {
	var out []byte
	for _, st := range steps {
		for range st.n {
			out = append(out, s.Draw(st.c))
		}
	}
	return out
}

func TestDeterministicAcrossInstances(t *testing.T) {
	for _, compat := range []bool{false, true} {
		for _, seed := range []uint32{0, 1, 1993, 0xdeadbeef, 0xffffffff} {
			a, b := New(seed), New(seed)
			a.SetCompat(compat)
			b.SetCompat(compat)
			got, want := run(a, script), run(b, script)
			if !bytes.Equal(got, want) {
				t.Fatalf("seed=%d compat=%v: streams differ\n%v\n%v", seed, compat, got, want)
			}
			if a.State() != b.State() {
				t.Fatalf("seed=%d compat=%v: states differ", seed, compat)
			}
		}
	}
}

func TestKnownModernValue(t *testing.T) {
	// seed 1993: state = (1993*2+1)*69069 = 275378103, top byte >> 20 is 262.
	s := New(1993)
	if got := s.Draw(SkullFly); got != 6 {
		t.Fatalf("first SkullFly draw = %d, want 6", got)
	}
}

func TestIndexInvariant(t *testing.T) {
	for _, compat := range []bool{false, true} {
		s := New(42)
		s.SetCompat(compat)
		for i := range 1000 {
			c := Category(i % int(NumCategories))
			a0, b0 := s.Indices()
			s.Draw(c)
			a1, b1 := s.Indices()
			if c == Misc {
				if a1 != a0+1 || b1 != b0 {
					t.Fatalf("misc draw moved indices (%d,%d) -> (%d,%d)", a0, b0, a1, b1)
				}
			} else if b1 != b0+1 || a1 != a0 {
				t.Fatalf("%s draw moved indices (%d,%d) -> (%d,%d)", c, a0, b0, a1, b1)
			}
		}
	}
}

func TestModeSwitchKeepsSequence(t *testing.T) {
	// Flipping compat mode mid-stream must not change what the other mode
	// sees afterwards.
	a, b := New(7), New(7)
	for i := range 300 {
		if i%3 == 0 {
			a.SetCompat(!a.Compat())
		}
		a.Draw(Category(i % 5))
		b.Draw(Category(i % 5))
	}
	if a.State() != b.State() {
		t.Fatal("state diverged after mode switches")
	}
}

func TestLegacyTableMiscOrder(t *testing.T) {
	s := New(1993)
	s.SetCompat(true)
	table := LegacyTable()
	for i := range 256 {
		got := s.Draw(Misc)
		want := table[(i+1)%256]
		if got != want {
			t.Fatalf("draw %d = %d, want table[%d] = %d", i, got, (i+1)%256, want)
		}
	}
	if a, _ := s.Indices(); a != 0 {
		t.Fatalf("indexA after a full cycle = %d, want 0", a)
	}
}

func TestReseedReplay(t *testing.T) {
	s := New(1993)
	first := run(s, script)
	run(s, script) // advance further, as a session would
	s.Reseed(1993)
	if again := run(s, script); !bytes.Equal(first, again) {
		t.Fatalf("replay after reseed differs\n%v\n%v", first, again)
	}
}

func TestSeedsAreDistinct(t *testing.T) {
	st := New(0).State()
	seen := make(map[uint32]Category)
	for c, v := range st.Seeds {
		if prev, ok := seen[v]; ok {
			t.Fatalf("categories %s and %s share seed %d", prev, Category(c), v)
		}
		seen[v] = Category(c)
	}
}

func TestSubRandomRange(t *testing.T) {
	s := New(3)
	for range 500 {
		if v := s.SubRandom(Damage); v < -255 || v > 255 {
			t.Fatalf("SubRandom out of range: %d", v)
		}
	}
}

func TestRestore(t *testing.T) {
	s := New(11)
	run(s, script)
	saved := s.State()
	want := run(s, script)
	s.Restore(saved)
	if got := run(s, script); !bytes.Equal(got, want) {
		t.Fatal("restored state produced a different stream")
	}
}

func TestCategoryNames(t *testing.T) {
	for c := Category(0); c < NumCategories; c++ {
		got, ok := ParseCategory(c.String())
		if !ok || got != c {
			t.Fatalf("ParseCategory(%q) = %d,%v", c.String(), got, ok)
		}
	}
	if Misc.String() != "misc" {
		t.Fatalf("Misc.String() = %q", Misc.String())
	}
}
