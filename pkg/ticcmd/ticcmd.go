// Package ticcmd defines the per-player input command consumed by one
// simulation tic, and its fixed-size wire encoding.
package ticcmd

import (
	"encoding/binary"
	"errors"
)

// Size is the encoded length of a TicCommand.
const Size = 8

// Button bits.
const (
	ButtonAttack  byte = 1 << 0
	ButtonUse     byte = 1 << 1
	ButtonChange  byte = 1 << 2 // weapon change, weapon number in WeaponMask
	ButtonSpecial byte = 1 << 7 // pause / save game, never combined with the above

	WeaponShift      = 3
	WeaponMask  byte = 7 << WeaponShift
)

var ErrShort = errors.New("ticcmd: short buffer")

var be = binary.BigEndian

// TicCommand is one player's input for one tic.
type TicCommand struct {
	ForwardMove int8  // *2048 for move
	SideMove    int8  // *2048 for move
	AngleTurn   int16 // <<16 for angle delta
	Consistency int16 // checks for net game desync
	ChatChar    byte
	Buttons     byte
}

// AppendBinary appends the wire form of c to b.
func (c TicCommand) AppendBinary(b []byte) []byte {
	b = append(b, byte(c.ForwardMove), byte(c.SideMove))
	b = be.AppendUint16(b, uint16(c.AngleTurn))
	b = be.AppendUint16(b, uint16(c.Consistency))
	return append(b, c.ChatChar, c.Buttons)
}

func (c TicCommand) MarshalBinary() ([]byte, error) {
	return c.AppendBinary(make([]byte, 0, Size)), nil
}

func (c *TicCommand) UnmarshalBinary(data []byte) error {
	if len(data) < Size {
		return ErrShort
	}
	c.ForwardMove = int8(data[0])
	c.SideMove = int8(data[1])
	c.AngleTurn = int16(be.Uint16(data[2:4]))
	c.Consistency = int16(be.Uint16(data[4:6]))
	c.ChatChar = data[6]
	c.Buttons = data[7]
	return nil
}

// Weapon returns the requested weapon slot when ButtonChange is set.
func (c TicCommand) Weapon() (int, bool) {
	if c.Buttons&ButtonSpecial != 0 || c.Buttons&ButtonChange == 0 {
		return 0, false
	}
	return int(c.Buttons&WeaponMask) >> WeaponShift, true
}
