package meter

import "github.com/chaz8081/matrixctl/internal/ble/protocol"

// Renderer converts bar heights into the commands needed to bring the
// matrix from its last known frame to the new one. Row 0 is the bottom.
type Renderer struct {
	width, height int
	mode          ColorMode

	// prev is the frame the matrix is believed to show; nil means unknown.
	prev []RGB
}

// NewRenderer creates a renderer for a width x height matrix.
func NewRenderer(width, height int, mode ColorMode) *Renderer {
	return &Renderer{width: width, height: height, mode: mode}
}

// Frame returns the pixel grid for heights, indexed x*height+y.
func (r *Renderer) Frame(heights []int) []RGB {
	frame := make([]RGB, r.width*r.height)
	for x := 0; x < r.width && x < len(heights); x++ {
		c := r.mode.Color(x, r.width)
		for y := 0; y < heights[x] && y < r.height; y++ {
			frame[x*r.height+y] = c
		}
	}
	return frame
}

// Diff returns the commands that draw heights and records the result as
// the current frame. With no known frame it starts from CLEAR.
func (r *Renderer) Diff(heights []int) []protocol.Command {
	frame := r.Frame(heights)

	var cmds []protocol.Command
	prev := r.prev
	if prev == nil {
		cmds = append(cmds, protocol.Clear{})
		prev = make([]RGB, len(frame))
	}
	for i, c := range frame {
		if c == prev[i] {
			continue
		}
		cmds = append(cmds, protocol.SetPixel{
			X: uint(i / r.height),
			Y: uint(i % r.height),
			R: c.R, G: c.G, B: c.B,
		})
	}
	r.prev = frame
	return cmds
}

// Invalidate forgets the last frame, so the next Diff redraws everything.
// Used when commands may not have reached the matrix.
func (r *Renderer) Invalidate() {
	r.prev = nil
}
