// Package picker samples the screen color under the mouse cursor so it can
// be mirrored onto the matrix.
package picker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chaz8081/matrixctl/internal/history"
)

// Screen reads the cursor position and pixel colors from the desktop.
type Screen interface {
	CursorPosition() (x, y int)
	// PixelHex returns the color at (x, y) as six hex digits, with or
	// without a leading '#'.
	PixelHex(x, y int) string
}

// Sample is one picked color and where it was taken.
type Sample struct {
	X, Y  int
	Color history.Color
}

// Picker samples colors from a Screen.
type Picker struct {
	screen Screen
}

// New creates a Picker reading from screen.
func New(screen Screen) *Picker {
	return &Picker{screen: screen}
}

// Pick returns the color currently under the cursor.
func (p *Picker) Pick() (Sample, error) {
	x, y := p.screen.CursorPosition()
	hex := p.screen.PixelHex(x, y)
	c, err := parseHex(hex)
	if err != nil {
		return Sample{}, fmt.Errorf("picker: pixel at (%d,%d): %w", x, y, err)
	}
	return Sample{X: x, Y: y, Color: c}, nil
}

// Follow samples every interval and calls fn whenever the color under the
// cursor changes, starting with the first sample. It returns when ctx is
// done or fn returns an error.
func (p *Picker) Follow(ctx context.Context, interval time.Duration, fn func(Sample) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last history.Color
	first := true
	for {
		s, err := p.Pick()
		if err != nil {
			return err
		}
		if first || s.Color != last {
			if err := fn(s); err != nil {
				return err
			}
			last, first = s.Color, false
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func parseHex(s string) (history.Color, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return history.Color{}, fmt.Errorf("malformed color %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return history.Color{}, fmt.Errorf("malformed color %q: %w", s, err)
	}
	return history.Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}
