// Package audio provides mono sample sources for the spectrum meter: live
// capture from the default input device and looped playback of WAV files.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// Source yields the most recent mono samples.
type Source interface {
	SampleRate() uint32
	// Latest fills dst with the newest len(dst) samples, oldest first.
	// It reports false while fewer samples than that are available.
	Latest(dst []float32) bool
}

// Recorder captures audio from the default input device into a rolling
// window. Only the first channel of each frame is kept.
type Recorder struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate uint32
	channels   uint32

	mu        sync.Mutex
	ring      *ring
	recording bool
}

// Compile-time interface satisfaction check.
var _ Source = (*Recorder)(nil)

// NewRecorder creates a new audio recorder holding the last window samples.
// Call Close() when done.
func NewRecorder(sampleRate, channels uint32, window int) (*Recorder, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	r := &Recorder{
		ctx:        ctx,
		sampleRate: sampleRate,
		channels:   channels,
		ring:       newRing(window),
	}

	return r, nil
}

// SampleRate returns the capture rate.
func (r *Recorder) SampleRate() uint32 { return r.sampleRate }

// Start begins capturing audio from the default input device.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return fmt.Errorf("already recording")
	}
	r.ring.reset()
	r.recording = true
	r.mu.Unlock()

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = r.channels
	deviceCfg.SampleRate = r.sampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: r.onData,
	}

	device, err := malgo.InitDevice(r.ctx.Context, deviceCfg, callbacks)
	if err != nil {
		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()
		return fmt.Errorf("initializing capture device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()
		return fmt.Errorf("starting capture device: %w", err)
	}

	r.mu.Lock()
	r.device = device
	r.mu.Unlock()

	return nil
}

// Latest copies the newest samples into dst.
func (r *Recorder) Latest(dst []float32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.latest(dst)
}

// Stop ends the capture. Samples already captured stay readable.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.device != nil {
		r.device.Uninit()
		r.device = nil
	}
	r.recording = false
}

// IsRecording returns whether the recorder is currently capturing audio.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Close releases all audio resources.
func (r *Recorder) Close() error {
	r.Stop()

	if r.ctx != nil {
		if err := r.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninitializing audio context: %w", err)
		}
		r.ctx.Free()
	}

	return nil
}

// onData is the malgo callback invoked when audio data is available.
// pSample contains the captured audio frames as raw bytes (float32 format).
func (r *Recorder) onData(_, pSample []byte, frameCount uint32) {
	samples := bytesToFloat32(pSample, frameCount*r.channels)

	r.mu.Lock()
	for i := 0; i < len(samples); i += int(r.channels) {
		r.ring.push(samples[i])
	}
	r.mu.Unlock()
}

// bytesToFloat32 converts raw bytes (little-endian float32) to a float32 slice.
func bytesToFloat32(data []byte, sampleCount uint32) []float32 {
	samples := make([]float32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(data)) {
			break
		}
		bits := binary.LittleEndian.Uint32(data[offset : offset+4])
		samples = append(samples, math.Float32frombits(bits))
	}
	return samples
}

// ring is a fixed-size window over the newest samples. Not safe for
// concurrent use.
type ring struct {
	buf    []float32
	next   int
	filled int
}

func newRing(size int) *ring {
	if size < 1 {
		size = 1
	}
	return &ring{buf: make([]float32, size)}
}

func (r *ring) push(v float32) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.filled < len(r.buf) {
		r.filled++
	}
}

func (r *ring) latest(dst []float32) bool {
	n := len(dst)
	if n > r.filled {
		return false
	}
	start := (r.next - n + len(r.buf)) % len(r.buf)
	k := copy(dst, r.buf[start:min(start+n, len(r.buf))])
	copy(dst[k:], r.buf[:n-k])
	return true
}

func (r *ring) reset() {
	r.next, r.filled = 0, 0
}
