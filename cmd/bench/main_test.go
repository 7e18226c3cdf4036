package main

import (
	"errors"
	"testing"
)

type fakeNode struct {
	ran, need int
	err       error
}

func (f *fakeNode) Tick() (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.need > 0 {
		f.ran++
	}
	return 1, nil
}

func (f *fakeNode) Done() bool { return f.need > 0 && f.ran >= f.need }

func TestRunFramesFinishes(t *testing.T) {
	nodes := []*fakeNode{{need: 3}, {need: 5}}
	advanced := 0
	frames, err := runFrames(nodes, func() { advanced++ }, 100)
	if err != nil {
		t.Fatal(err)
	}
	if frames != 5 || advanced != 5 {
		t.Fatalf("frames %d advanced %d, want 5", frames, advanced)
	}
}

func TestRunFramesStopsOnStall(t *testing.T) {
	// need 0 never finishes, as with every datagram lost.
	nodes := []*fakeNode{{need: 2}, {}}
	frames, err := runFrames(nodes, func() {}, 50)
	if !errors.Is(err, errStalled) {
		t.Fatalf("err = %v, want errStalled", err)
	}
	if frames != 50 {
		t.Fatalf("frames = %d", frames)
	}
}

func TestRunFramesReportsNodeError(t *testing.T) {
	boom := errors.New("consistency failure")
	_, err := runFrames([]*fakeNode{{need: 2}, {err: boom}}, func() {}, 10)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}
