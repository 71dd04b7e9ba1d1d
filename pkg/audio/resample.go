// Package audio provides PCM16LE helpers for the voxbridge transcoding
// pipeline: rational polyphase resampling, fixed-duration framing, and
// silence generation. All functions operate on little-endian 16-bit mono
// sample buffers.
package audio

import (
	"fmt"
	"math"
)

// kaiserBeta is the Kaiser window shape parameter of the anti-aliasing
// lowpass filter. Together with the half-length factor below it matches the
// filter the reference pipeline used, so resampled audio is bit-comparable.
const kaiserBeta = 5.0

// halfLenFactor scales the filter half-length by max(up, down).
const halfLenFactor = 10

// Resampler converts a PCM16LE mono stream between two sample rates using a
// rational polyphase FIR filter. It is stateless: every Resample call
// processes its input independently, so inputs must already be aligned to
// whole samples. Safe for concurrent use.
type Resampler struct {
	InRate  int
	OutRate int

	up   int
	down int
	taps []float64
	half int
}

// NewResampler creates a Resampler from inRate to outRate. The rates are
// reduced to a minimal up/down integer ratio before the filter is designed.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", inRate, outRate)
	}
	g := gcd(inRate, outRate)
	r := &Resampler{
		InRate:  inRate,
		OutRate: outRate,
		up:      outRate / g,
		down:    inRate / g,
	}
	if r.up != r.down {
		r.taps, r.half = designLowpass(r.up, r.down)
	}
	return r, nil
}

// Ratio returns the reduced upsample/downsample factors.
func (r *Resampler) Ratio() (up, down int) {
	return r.up, r.down
}

// Resample converts pcm from InRate to OutRate and returns the result as
// PCM16LE bytes. The output holds ceil(n*up/down) samples for n input
// samples, re-quantised with clamping to the int16 range.
//
// An input that is not a whole number of 16-bit samples is a caller defect
// and panics rather than silently truncating.
func (r *Resampler) Resample(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		panic(fmt.Sprintf("audio: resample input is %d bytes, not a whole number of samples", len(pcm)))
	}
	if len(pcm) == 0 {
		return nil
	}
	if r.up == r.down {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	n := len(pcm) / 2
	in := make([]float64, n)
	for i := range n {
		in[i] = float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}

	nOut := (n*r.up + r.down - 1) / r.down
	out := make([]byte, nOut*2)
	for m := range nOut {
		// Position of output sample m on the up-sampled grid; the filter
		// is centred so the output stays time-aligned with the input.
		p := m*r.down + r.half
		lo := (p - len(r.taps) + 1 + r.up - 1) / r.up // ceil division
		if lo < 0 {
			lo = 0
		}
		hi := p / r.up
		if hi >= n {
			hi = n - 1
		}
		var acc float64
		for k := lo; k <= hi; k++ {
			acc += in[k] * r.taps[p-k*r.up]
		}
		s := clampInt16(acc)
		out[m*2] = byte(s)
		out[m*2+1] = byte(s >> 8)
	}
	return out
}

// designLowpass builds the Kaiser-windowed sinc prototype for a polyphase
// up/down resampler: cutoff at 1/max(up,down) of the up-sampled Nyquist,
// unity DC gain, scaled by up to compensate the zero stuffing.
func designLowpass(up, down int) (taps []float64, half int) {
	maxUD := up
	if down > maxUD {
		maxUD = down
	}
	half = halfLenFactor * maxUD
	numTaps := 2*half + 1
	fc := 1.0 / float64(maxUD)

	taps = make([]float64, numTaps)
	var sum float64
	for i := range numTaps {
		x := float64(i - half)
		taps[i] = fc * sinc(fc*x) * kaiser(x/float64(half))
		sum += taps[i]
	}
	// Normalise to unity DC gain, then apply the interpolation gain.
	scale := float64(up) / sum
	for i := range taps {
		taps[i] *= scale
	}
	return taps, half
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// kaiser evaluates the Kaiser window at t in [-1, 1].
func kaiser(t float64) float64 {
	if t < -1 || t > 1 {
		return 0
	}
	return besselI0(kaiserBeta*math.Sqrt(1-t*t)) / besselI0(kaiserBeta)
}

// besselI0 is the zeroth-order modified Bessel function of the first kind,
// computed by its power series.
func besselI0(x float64) float64 {
	sum := 1.0
	term := 1.0
	half := x / 2
	for k := 1; k < 64; k++ {
		term *= (half / float64(k)) * (half / float64(k))
		sum += term
		if term < sum*1e-15 {
			break
		}
	}
	return sum
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
