package voice

import "math"

// Resample converts float samples in [-1, 1] captured at inputRate into a
// 16 kHz frame of 16-bit PCM using linear interpolation. Output length is
// floor(len(input) * 16000 / inputRate). Each call is independent.
func Resample(input []float32, inputRate int) AudioFrame {
	out, _ := resampleFrom(input, inputRate, 0, false)
	return AudioFrame{Samples: out, SampleRate: OutboundSampleRate}
}

// resampleFrom resamples input starting at fractional source position
// phase. With carry set, every grid position inside the buffer is emitted
// and the returned value is the position of the next output sample relative
// to the end of input; otherwise the output length is
// floor(len(input) * 16000 / inputRate).
func resampleFrom(input []float32, inputRate int, phase float64, carry bool) ([]int16, float64) {
	n := len(input)
	if n == 0 || inputRate <= 0 {
		return []int16{}, phase
	}
	ratio := float64(inputRate) / float64(OutboundSampleRate)

	outLen := 0
	switch {
	case !carry:
		outLen = int(int64(n) * OutboundSampleRate / int64(inputRate))
	case phase < float64(n):
		outLen = int(math.Ceil((float64(n) - phase) / ratio))
	}

	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		pos := phase + float64(i)*ratio
		idx := int(math.Floor(pos))
		if idx >= n {
			idx = n - 1
		}
		frac := pos - float64(idx)
		next := idx + 1
		if next > n-1 {
			next = n - 1
		}
		s := float64(input[idx]) + (float64(input[next])-float64(input[idx]))*frac
		out[i] = toPCM16(s)
	}
	return out, phase + float64(outLen)*ratio - float64(n)
}

// toPCM16 scales a [-1, 1] sample by 32768, rounds and clamps.
func toPCM16(s float64) int16 {
	v := math.Round(s * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// PhaseResampler is a stateful Resample that carries the fractional source
// position from one buffer to the next, so consecutive capture buffers are
// sampled on one continuous grid. Not safe for concurrent use.
type PhaseResampler struct {
	inputRate int
	phase     float64
}

// NewPhaseResampler returns a resampler for a stream captured at inputRate.
func NewPhaseResampler(inputRate int) *PhaseResampler {
	return &PhaseResampler{inputRate: inputRate}
}

// Resample converts the next buffer of the stream.
func (r *PhaseResampler) Resample(input []float32) AudioFrame {
	out, next := resampleFrom(input, r.inputRate, r.phase, true)
	if len(input) > 0 {
		r.phase = next
	}
	return AudioFrame{Samples: out, SampleRate: OutboundSampleRate}
}

// Reset drops the carried phase.
func (r *PhaseResampler) Reset() {
	r.phase = 0
}
