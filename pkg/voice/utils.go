package voice

import (
	"math"
	"time"
)

// SineWave synthesizes n float samples of a sine at freq Hz and peak
// amplitude.
func SineWave(freq, amplitude float64, rate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

// TestTone returns a 24 kHz frame of a sine tone lasting d.
func TestTone(freq, amplitude float64, d time.Duration) AudioFrame {
	n := int(d * InboundSampleRate / time.Second)
	wave := SineWave(freq, amplitude, InboundSampleRate, n)
	samples := make([]int16, n)
	for i, s := range wave {
		samples[i] = toPCM16(float64(s))
	}
	return AudioFrame{Samples: samples, SampleRate: InboundSampleRate}
}
