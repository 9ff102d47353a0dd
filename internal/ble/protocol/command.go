// Package protocol implements the text command protocol spoken by the LED
// matrix firmware: one ASCII command per line, whitespace-separated decimal
// fields, CRLF terminated.
package protocol

import (
	"strconv"
)

// Terminator ends every outbound command line.
const Terminator = "\r\n"

// Command is one of Clear, Fill, SetPixel or SetBrightness.
type Command interface {
	// AppendWire appends the encoded command, including the terminator, to b.
	AppendWire(b []byte) []byte
	// String returns the command line without the terminator.
	String() string

	command()
}

// Clear turns every pixel off.
type Clear struct{}

// Fill sets every pixel to one color.
type Fill struct {
	R, G, B uint8
}

// SetPixel sets the color of a single pixel. Coordinates are not bounds
// checked here; the firmware ignores pixels outside the matrix.
type SetPixel struct {
	X, Y    uint
	R, G, B uint8
}

// SetBrightness sets the global brightness.
type SetBrightness struct {
	Level uint8
}

// Encode returns the wire bytes for cmd.
func Encode(cmd Command) []byte {
	return cmd.AppendWire(make([]byte, 0, 24))
}

func (Clear) AppendWire(b []byte) []byte {
	b = append(b, "CLEAR"...)
	return append(b, Terminator...)
}

func (c Fill) AppendWire(b []byte) []byte {
	b = append(b, "FILL"...)
	b = appendField(b, uint64(c.R))
	b = appendField(b, uint64(c.G))
	b = appendField(b, uint64(c.B))
	return append(b, Terminator...)
}

func (c SetPixel) AppendWire(b []byte) []byte {
	b = append(b, "PIX"...)
	b = appendField(b, uint64(c.X))
	b = appendField(b, uint64(c.Y))
	b = appendField(b, uint64(c.R))
	b = appendField(b, uint64(c.G))
	b = appendField(b, uint64(c.B))
	return append(b, Terminator...)
}

func (c SetBrightness) AppendWire(b []byte) []byte {
	b = append(b, "BGN"...)
	b = appendField(b, uint64(c.Level))
	return append(b, Terminator...)
}

func (c Clear) String() string         { return line(c) }
func (c Fill) String() string          { return line(c) }
func (c SetPixel) String() string      { return line(c) }
func (c SetBrightness) String() string { return line(c) }

func (Clear) command()         {}
func (Fill) command()          {}
func (SetPixel) command()      {}
func (SetBrightness) command() {}

// appendField appends a space and v in base 10.
func appendField(b []byte, v uint64) []byte {
	b = append(b, ' ')
	return strconv.AppendUint(b, v, 10)
}

func line(c Command) string {
	b := c.AppendWire(nil)
	return string(b[:len(b)-len(Terminator)])
}
