// Package meter turns audio into a bar-graph spectrum and renders it onto
// the LED matrix as protocol commands.
package meter

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	minFreq  = 20.0
	epsilon  = 1e-6
	silentDB = -120.0
)

// Analyzer computes per-column bar heights from a block of samples.
// Columns cover log-spaced bands from 20 Hz to Nyquist. Not safe for
// concurrent use.
type Analyzer struct {
	rate   float64
	width  int
	height int
	gain   float64

	fft   *fourier.FFT
	seq   []float64
	coeff []complex128
	edges []float64
}

// NewAnalyzer creates an analyzer for blocks of blockSize samples.
func NewAnalyzer(sampleRate uint32, blockSize, width, height int, gain float64) *Analyzer {
	a := &Analyzer{
		rate:   float64(sampleRate),
		width:  width,
		height: height,
		gain:   gain,
		fft:    fourier.NewFFT(blockSize),
		seq:    make([]float64, blockSize),
	}
	a.edges = logEdges(minFreq, a.rate/2, width)
	return a
}

// Levels returns one bar height in [0, height] per column, plus the RMS
// level of the normalised block in dBFS.
func (a *Analyzer) Levels(samples []float32) ([]int, float64) {
	for i := range a.seq {
		if i < len(samples) {
			a.seq[i] = float64(samples[i])
		} else {
			a.seq[i] = 0
		}
	}
	window.Hann(a.seq)

	peak := 0.0
	for _, v := range a.seq {
		peak = math.Max(peak, math.Abs(v))
	}
	var sumSq float64
	for i := range a.seq {
		a.seq[i] /= peak + epsilon
		sumSq += a.seq[i] * a.seq[i]
	}
	db := silentDB
	if rms := math.Sqrt(sumSq / float64(len(a.seq))); rms > 0 {
		db = 20 * math.Log10(rms+epsilon)
	}

	a.coeff = a.fft.Coefficients(a.coeff, a.seq)

	energy := make([]float64, a.width)
	for col := 0; col < a.width; col++ {
		lo, hi := a.edges[col], a.edges[col+1]
		var sum float64
		var n int
		for k, c := range a.coeff {
			f := a.fft.Freq(k) * a.rate
			if f < lo || f >= hi {
				continue
			}
			sum += math.Log1p(cmplx.Abs(c) * a.gain)
			n++
		}
		if n > 0 {
			energy[col] = sum / float64(n)
		}
	}

	peakEnergy := 0.0
	for _, e := range energy {
		peakEnergy = math.Max(peakEnergy, e)
	}
	if peakEnergy == 0 {
		peakEnergy = 1
	}

	heights := make([]int, a.width)
	for i, e := range energy {
		h := int(e / peakEnergy * float64(a.height))
		heights[i] = min(max(h, 0), a.height)
	}
	return heights, db
}

// logEdges returns n+1 band edges spaced evenly on a log scale.
func logEdges(lo, hi float64, n int) []float64 {
	edges := make([]float64, n+1)
	llo, lhi := math.Log10(lo), math.Log10(hi)
	for i := range edges {
		edges[i] = math.Pow(10, llo+(lhi-llo)*float64(i)/float64(n))
	}
	return edges
}

