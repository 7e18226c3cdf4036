package demo

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/ryandielhenn/ticsync/pkg/ticcmd"
)

func TestRecordAndPlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.tsdm")
	h := Header{Seed: 1993, Players: 2, Console: 1, TicDup: 2, Compat: true}
	rec, err := Create(path, h)
	if err != nil {
		t.Fatal(err)
	}
	for tic := range 50 {
		cmds := []ticcmd.TicCommand{{ForwardMove: int8(tic)}, {AngleTurn: int16(-tic)}}
		if err := rec.Record(tic, cmds); err != nil {
			t.Fatal(err)
		}
	}
	if err := rec.Record(99, make([]ticcmd.TicCommand, 2)); err == nil {
		t.Fatal("recorded a tic out of order")
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Header() != h {
		t.Fatalf("header %+v, want %+v", r.Header(), h)
	}
	n := 0
	for {
		cmds, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if cmds[0].ForwardMove != int8(n) || cmds[1].AngleTurn != int16(-n) {
			t.Fatalf("tic %d: %+v", n, cmds)
		}
		n++
	}
	if n != 50 {
		t.Fatalf("played %d tics", n)
	}
}

func TestTruncatedDemo(t *testing.T) {
	var buf bytes.Buffer
	rec, _ := NewRecorder(&buf, Header{Players: 1})
	_ = rec.Record(0, make([]ticcmd.TicCommand, 1))
	_ = rec.w.Flush()

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestNotADemo(t *testing.T) {
	if _, err := NewReader(bytes.NewReader([]byte("MZ\x90\x00 not a demo"))); !errors.Is(err, ErrNotDemo) {
		t.Fatalf("err = %v, want ErrNotDemo", err)
	}
}
