package meter

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/matrixctl/internal/audio"
	"github.com/chaz8081/matrixctl/internal/ble"
	"github.com/chaz8081/matrixctl/internal/ble/protocol"
)

// clearTimeout bounds the final CLEAR sent on shutdown.
const clearTimeout = 2 * time.Second

// Sender delivers commands to the matrix.
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command) error
}

// Options configures a Meter.
type Options struct {
	BlockSize  int
	FPS        float64
	Brightness uint8 // sent once at start; 0 leaves the current brightness
}

// Meter samples a Source, analyses each block and draws the result.
type Meter struct {
	sender   Sender
	src      audio.Source
	analyzer *Analyzer
	renderer *Renderer
	limiter  *rate.Limiter
	opts     Options
	block    []float32

	paused atomic.Bool
	level  atomic.Uint64 // float64 bits of the last dBFS reading
	frames atomic.Uint64
}

// New creates a meter. The analyzer and renderer must match the matrix
// geometry.
func New(sender Sender, src audio.Source, analyzer *Analyzer, renderer *Renderer, opts Options) *Meter {
	m := &Meter{
		sender:   sender,
		src:      src,
		analyzer: analyzer,
		renderer: renderer,
		limiter:  rate.NewLimiter(rate.Limit(opts.FPS), 1),
		opts:     opts,
		block:    make([]float32, opts.BlockSize),
	}
	m.level.Store(math.Float64bits(silentDB))
	return m
}

// SetPaused freezes or resumes drawing. The matrix keeps its last frame
// while paused.
func (m *Meter) SetPaused(p bool) {
	if m.paused.Swap(p) != p {
		slog.Info("[METER] pause toggled", "paused", p)
	}
}

// Paused reports whether drawing is frozen.
func (m *Meter) Paused() bool { return m.paused.Load() }

// Level returns the last measured level in dBFS.
func (m *Meter) Level() float64 { return math.Float64frombits(m.level.Load()) }

// Frames returns how many frames have been drawn.
func (m *Meter) Frames() uint64 { return m.frames.Load() }

// Step draws one frame. It does nothing while paused or before the source
// has a full block.
func (m *Meter) Step(ctx context.Context) error {
	if m.paused.Load() || !m.src.Latest(m.block) {
		return nil
	}

	heights, db := m.analyzer.Levels(m.block)
	m.level.Store(math.Float64bits(db))

	for _, cmd := range m.renderer.Diff(heights) {
		if err := m.sender.Send(ctx, cmd); err != nil {
			m.renderer.Invalidate()
			return err
		}
	}
	m.frames.Add(1)
	return nil
}

// Run draws frames at the configured rate until ctx is done, then clears
// the matrix.
func (m *Meter) Run(ctx context.Context) error {
	if m.opts.Brightness > 0 {
		if err := m.sender.Send(ctx, protocol.SetBrightness{Level: m.opts.Brightness}); err != nil {
			slog.Warn("[METER] set brightness failed", "error", err)
		}
	}

	for {
		if err := m.limiter.Wait(ctx); err != nil {
			break
		}
		err := m.Step(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ble.ErrDropped):
			slog.Debug("[METER] frame dropped, matrix not ready")
		case ctx.Err() != nil:
		default:
			slog.Warn("[METER] frame failed", "error", err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	clearCtx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	if err := m.sender.Send(clearCtx, protocol.Clear{}); err != nil && !errors.Is(err, ble.ErrDropped) {
		slog.Warn("[METER] clear on exit failed", "error", err)
	}
	slog.Info("[METER] stopped", "frames", m.Frames())
	return nil
}
