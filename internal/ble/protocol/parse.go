package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrEmptyLine is returned by ParseLine for blank input.
	ErrEmptyLine = errors.New("protocol: empty command line")
	// ErrUnknownCommand is returned by ParseLine for an unrecognised verb.
	ErrUnknownCommand = errors.New("protocol: unknown command")
)

// ParseByte converts user input to a channel or brightness value.
// Anything that is not a decimal integer in [0,255] becomes 0.
func ParseByte(s string) uint8 {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

// ParseCoord converts user input to a pixel coordinate.
// Anything that is not a non-negative decimal integer becomes 0.
func ParseCoord(s string) uint {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, strconv.IntSize)
	if err != nil {
		return 0
	}
	return uint(v)
}

// ParseHexColor parses "#rrggbb" or "rrggbb". Malformed input yields black.
func ParseHexColor(s string) (r, g, b uint8) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return 0, 0, 0
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v)
}

// ParseLine parses a human-typed command such as "pix 3 4 255 0 10".
// Verbs are case-insensitive. Missing or malformed numbers become 0;
// only an empty line or an unknown verb is an error.
//
//	clear
//	fill <r> <g> <b> | fill #rrggbb
//	pix <x> <y> <r> <g> <b>
//	bgn <level> | brightness <level>
func ParseLine(text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, ErrEmptyLine
	}
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	switch strings.ToLower(fields[0]) {
	case "clear":
		return Clear{}, nil
	case "fill":
		if strings.HasPrefix(arg(1), "#") {
			r, g, b := ParseHexColor(arg(1))
			return Fill{R: r, G: g, B: b}, nil
		}
		return Fill{R: ParseByte(arg(1)), G: ParseByte(arg(2)), B: ParseByte(arg(3))}, nil
	case "pix", "pixel":
		return SetPixel{
			X: ParseCoord(arg(1)),
			Y: ParseCoord(arg(2)),
			R: ParseByte(arg(3)),
			G: ParseByte(arg(4)),
			B: ParseByte(arg(5)),
		}, nil
	case "bgn", "brightness":
		return SetBrightness{Level: ParseByte(arg(1))}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
}
