package audio

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// WAVSource plays a decoded WAV file in a loop against the wall clock, so
// Latest returns what a listener would be hearing right now.
type WAVSource struct {
	samples    []float32
	sampleRate uint32

	mu    sync.Mutex
	start time.Time
	now   func() time.Time
}

// Compile-time interface satisfaction check.
var _ Source = (*WAVSource)(nil)

// LoadWAV decodes the PCM file at path, keeping the first channel
// normalised to [-1, 1].
func LoadWAV(path string) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	if depth < 2 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))

	samples := make([]float32, 0, len(buf.Data)/channels)
	for i := 0; i < len(buf.Data); i += channels {
		samples = append(samples, float32(buf.Data[i])/scale)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%s contains no samples", path)
	}

	return &WAVSource{
		samples:    samples,
		sampleRate: uint32(buf.Format.SampleRate),
		now:        time.Now,
	}, nil
}

// SampleRate returns the file's sample rate.
func (w *WAVSource) SampleRate() uint32 { return w.sampleRate }

// Len returns the number of mono samples in the file.
func (w *WAVSource) Len() int { return len(w.samples) }

// Latest copies the window ending at the current playback position. The
// clock starts on the first call.
func (w *WAVSource) Latest(dst []float32) bool {
	w.mu.Lock()
	if w.start.IsZero() {
		w.start = w.now()
	}
	elapsed := w.now().Sub(w.start)
	w.mu.Unlock()

	n := len(w.samples)
	end := int(elapsed.Seconds() * float64(w.sampleRate))
	if end < len(dst) {
		end = len(dst)
	}
	for i := range dst {
		idx := (end - len(dst) + i) % n
		dst[i] = w.samples[idx]
	}
	return true
}
