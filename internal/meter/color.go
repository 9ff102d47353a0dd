package meter

import "fmt"

// RGB is one pixel color.
type RGB struct {
	R, G, B uint8
}

// ColorMode selects how bars are colored by column.
type ColorMode int

const (
	// Rainbow walks the color wheel across the columns.
	Rainbow ColorMode = iota
	// Mono draws every bar white.
	Mono
	// Gradient fades from blue on the left to red on the right.
	Gradient
)

// ParseColorMode maps a config name to a ColorMode.
func ParseColorMode(s string) (ColorMode, error) {
	switch s {
	case "rainbow":
		return Rainbow, nil
	case "mono":
		return Mono, nil
	case "gradient":
		return Gradient, nil
	default:
		return 0, fmt.Errorf("meter: unknown color mode %q", s)
	}
}

func (m ColorMode) String() string {
	switch m {
	case Rainbow:
		return "rainbow"
	case Mono:
		return "mono"
	case Gradient:
		return "gradient"
	default:
		return fmt.Sprintf("ColorMode(%d)", int(m))
	}
}

// Color returns the bar color of column x in a matrix width columns wide.
func (m ColorMode) Color(x, width int) RGB {
	pos := uint8(0)
	if width > 1 {
		pos = uint8(255 * x / (width - 1))
	}
	switch m {
	case Mono:
		return RGB{255, 255, 255}
	case Gradient:
		return RGB{R: pos, B: 255 - pos}
	default:
		return Wheel(pos)
	}
}

// Wheel maps 0..255 onto a red-green-blue color wheel.
func Wheel(pos uint8) RGB {
	p := 255 - int(pos)
	switch {
	case p < 85:
		return RGB{uint8(255 - p*3), 0, uint8(p * 3)}
	case p < 170:
		p -= 85
		return RGB{0, uint8(p * 3), uint8(255 - p*3)}
	default:
		p -= 170
		return RGB{uint8(p * 3), uint8(255 - p*3), 0}
	}
}
