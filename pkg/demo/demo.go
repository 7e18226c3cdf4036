// Package demo stores a session's tic command stream so it can be replayed
// without any network. Playback reseeds rng with the stored seed and feeds
// the same commands to the simulation, which must then reproduce the game.
//
// File layout, big endian:
//
//	"TSDM" version compat players console ticdup seed(uint32)
//	per tic: 0x00 then players * ticcmd.Size bytes
//	0x80 end marker
package demo

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ryandielhenn/ticsync/pkg/node"
	"github.com/ryandielhenn/ticsync/pkg/ticcmd"
)

const (
	Version    = 1
	ticMarker  = 0x00
	endMarker  = 0x80
	headerSize = 4 + 5 + 4
)

var magic = [4]byte{'T', 'S', 'D', 'M'}

var (
	ErrNotDemo   = errors.New("demo: not a demo file")
	ErrVersion   = errors.New("demo: unsupported version")
	ErrTruncated = errors.New("demo: truncated")
)

type Header struct {
	Seed    uint32
	Players int
	Console int
	TicDup  int
	Compat  bool
}

func (h Header) validate() error {
	if h.Players < 1 || h.Players > node.MaxNodes || h.Console < 0 || h.Console >= h.Players {
		return fmt.Errorf("demo: bad header %+v", h)
	}
	return nil
}

// Recorder appends tics to a demo. Close writes the end marker.
type Recorder struct {
	w      *bufio.Writer
	c      io.Closer
	h      Header
	tics   int
	closed bool
}

// Create records to a new file at path.
func Create(path string, h Header) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create demo: %w", err)
	}
	r, err := NewRecorder(f, h)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.c = f
	return r, nil
}

func NewRecorder(w io.Writer, h Header) (*Recorder, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(w)
	compat := byte(0)
	if h.Compat {
		compat = 1
	}
	hdr := append([]byte(nil), magic[:]...)
	hdr = append(hdr, Version, compat, byte(h.Players), byte(h.Console), byte(h.TicDup))
	hdr = binary.BigEndian.AppendUint32(hdr, h.Seed)
	if _, err := bw.Write(hdr); err != nil {
		return nil, fmt.Errorf("write demo header: %w", err)
	}
	return &Recorder{w: bw, h: h}, nil
}

// Record appends the commands of one tic, indexed by player. Tics must be
// recorded in order starting at 0.
func (r *Recorder) Record(tic int, cmds []ticcmd.TicCommand) error {
	if r.closed {
		return errors.New("demo: recorder closed")
	}
	if tic != r.tics {
		return fmt.Errorf("demo: recording tic %d, expected %d", tic, r.tics)
	}
	if len(cmds) != r.h.Players {
		return fmt.Errorf("demo: %d commands for %d players", len(cmds), r.h.Players)
	}
	buf := make([]byte, 1, 1+len(cmds)*ticcmd.Size)
	buf[0] = ticMarker
	for _, c := range cmds {
		buf = c.AppendBinary(buf)
	}
	if _, err := r.w.Write(buf); err != nil {
		return fmt.Errorf("write demo: %w", err)
	}
	r.tics++
	return nil
}

// Tics is how many tics have been recorded.
func (r *Recorder) Tics() int { return r.tics }

func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.w.WriteByte(endMarker)
	if err == nil {
		err = r.w.Flush()
	}
	if r.c != nil {
		if cerr := r.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader plays a demo back one tic at a time.
type Reader struct {
	r   *bufio.Reader
	c   io.Closer
	h   Header
	buf []byte
}

// Open reads the demo at path. Close the Reader when done.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open demo: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.c = f
	return r, nil
}

func NewReader(rd io.Reader) (*Reader, error) {
	br := bufio.NewReader(rd)
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDemo, err)
	}
	if [4]byte(hdr[:4]) != magic {
		return nil, ErrNotDemo
	}
	if hdr[4] != Version {
		return nil, fmt.Errorf("%w %d", ErrVersion, hdr[4])
	}
	h := Header{
		Compat:  hdr[5] != 0,
		Players: int(hdr[6]),
		Console: int(hdr[7]),
		TicDup:  int(hdr[8]),
		Seed:    binary.BigEndian.Uint32(hdr[9:13]),
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	return &Reader{r: br, h: h, buf: make([]byte, h.Players*ticcmd.Size)}, nil
}

func (r *Reader) Header() Header { return r.h }

// Next returns the commands of the next tic, or io.EOF at the end marker.
func (r *Reader) Next() ([]ticcmd.TicCommand, error) {
	m, err := r.r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	switch m {
	case endMarker:
		return nil, io.EOF
	case ticMarker:
	default:
		return nil, fmt.Errorf("demo: bad tic marker %#x", m)
	}
	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		return nil, ErrTruncated
	}
	cmds := make([]ticcmd.TicCommand, r.h.Players)
	for i := range cmds {
		if err := cmds[i].UnmarshalBinary(r.buf[i*ticcmd.Size:]); err != nil {
			return nil, err
		}
	}
	return cmds, nil
}

func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}
