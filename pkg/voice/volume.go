package voice

import (
	"math"
	"sync"
)

// DefaultVolumeWindow is the number of capture samples the meter averages over.
const DefaultVolumeWindow = 2048

// Level returns the root-mean-square amplitude of samples. An empty
// buffer has level 0.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// NormalizeLevel scales an RMS level for display. Speech RMS rarely exceeds
// 0.3, so the level is multiplied by 4 and capped at 1.
func NormalizeLevel(level float64) float64 {
	return math.Min(1, math.Max(0, level*4))
}

// VolumeMeter keeps a rolling window of the most recent capture samples.
// Push is called from the capture callback and Level from the session's
// refresh loop, so both are guarded.
type VolumeMeter struct {
	mu     sync.Mutex
	window []float32
	next   int
	filled int
}

// NewVolumeMeter creates a meter over the last size samples.
func NewVolumeMeter(size int) *VolumeMeter {
	if size <= 0 {
		size = DefaultVolumeWindow
	}
	return &VolumeMeter{window: make([]float32, size)}
}

// Push appends samples to the window, evicting the oldest.
func (m *VolumeMeter) Push(samples []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(samples) >= len(m.window) {
		copy(m.window, samples[len(samples)-len(m.window):])
		m.next = 0
		m.filled = len(m.window)
		return
	}
	for _, s := range samples {
		m.window[m.next] = s
		m.next = (m.next + 1) % len(m.window)
	}
	m.filled = min(m.filled+len(samples), len(m.window))
}

// Level returns the RMS of the samples currently in the window, clamped to [0, 1].
func (m *VolumeMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var level float64
	if m.filled == len(m.window) {
		level = Level(m.window)
	} else {
		// Not yet wrapped: valid samples are window[0:filled].
		level = Level(m.window[:m.filled])
	}
	return math.Min(1, level)
}

// Reset empties the window.
func (m *VolumeMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.window)
	m.next = 0
	m.filled = 0
}
