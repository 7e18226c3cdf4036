package ticbus

import (
	"errors"
	"testing"

	"github.com/ryandielhenn/ticsync/pkg/ticcmd"
)

func TestPacketRoundTrip(t *testing.T) {
	p := CommandPacket{
		Flags:    FlagExit,
		Player:   3,
		Ack:      70000,
		StartTic: 12,
		Cmds:     []ticcmd.TicCommand{{ForwardMove: 25}, {SideMove: -4, Buttons: ticcmd.ButtonUse}},
	}
	b, err := p.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != HeaderSize+2*ticcmd.Size {
		t.Fatalf("len = %d", len(b))
	}
	var back CommandPacket
	if err := back.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if back.Flags != p.Flags || back.Player != 3 || back.Ack != 70000 || back.StartTic != 12 ||
		len(back.Cmds) != 2 || back.Cmds[1] != p.Cmds[1] {
		t.Fatalf("decoded %+v", back)
	}
}

func TestPacketRejects(t *testing.T) {
	good, _ := CommandPacket{StartTic: 5, Cmds: make([]ticcmd.TicCommand, 3)}.MarshalBinary()

	corrupt := append([]byte(nil), good...)
	corrupt[len(corrupt)-1] ^= 0x40
	wrongMagic := append([]byte(nil), good...)
	wrongMagic[0] = 0

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"short", good[:HeaderSize-1], ErrShortPacket},
		{"magic", wrongMagic, ErrBadMagic},
		{"checksum", corrupt, ErrBadChecksum},
	}
	for _, tc := range cases {
		var p CommandPacket
		if err := p.UnmarshalBinary(tc.data); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	if _, err := (CommandPacket{StartTic: -1}).MarshalBinary(); err == nil {
		t.Fatal("negative start tic encoded")
	}
}
