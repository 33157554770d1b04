package voice

import (
	"sync"
	"time"
)

// OutputDevice is a playback device with its own clock. Now reports the
// device's current playback position; Schedule queues a frame to begin at
// a position on that clock.
type OutputDevice interface {
	Now() time.Duration
	Schedule(frame AudioFrame, at time.Duration) error
	Close() error
}

// PlaybackScheduler plays discrete frames back to back with no gaps.
//
// It keeps a single cursor, the start time of the next frame. Each frame
// starts at max(now, cursor) and advances the cursor by its duration, so
// frames that arrive early abut exactly and a late frame plays immediately
// instead of being dropped. Enqueue order is playback order.
//
// The cursor is held as an anchor time plus a whole number of samples, so
// sub-nanosecond frame lengths do not accumulate into drift.
type PlaybackScheduler struct {
	mu      sync.Mutex
	output  OutputDevice
	anchor  time.Duration
	offset  int64
	rate    int
	started bool
	logger  *Logger
	metrics *Metrics
}

// NewPlaybackScheduler creates a scheduler for output. A nil output makes
// Enqueue report OutputError for every frame.
func NewPlaybackScheduler(output OutputDevice, logger *Logger, metrics *Metrics) *PlaybackScheduler {
	return &PlaybackScheduler{
		output:  output,
		logger:  componentLogger(logger, "PlaybackScheduler"),
		metrics: metrics,
	}
}

// Enqueue schedules frame after every previously enqueued frame and returns
// the start time it was given.
func (p *PlaybackScheduler) Enqueue(frame AudioFrame) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.output == nil {
		return 0, NewOutputError("no output device", nil)
	}
	if frame.Len() == 0 {
		return p.cursor(), nil
	}

	now := p.output.Now()
	if !p.started {
		p.rebase(now, frame.SampleRate)
		p.started = true
	}
	start := p.cursor()
	late := now > start
	if late {
		p.metrics.lateFrame()
		p.logger.WithFields(map[string]interface{}{
			"behind_ms": (now - start).Milliseconds(),
		}).Debug("Frame arrived after its ideal start, playing immediately")
		start = now
	}

	if err := p.output.Schedule(frame, start); err != nil {
		return start, NewOutputError("schedule frame", err)
	}
	if late || frame.SampleRate != p.rate {
		p.rebase(start, frame.SampleRate)
	}
	p.offset += int64(frame.Len())
	return start, nil
}

func (p *PlaybackScheduler) rebase(at time.Duration, rate int) {
	p.anchor = at
	p.offset = 0
	p.rate = rate
}

func (p *PlaybackScheduler) cursor() time.Duration {
	if p.rate <= 0 {
		return p.anchor
	}
	return p.anchor + time.Duration(p.offset)*time.Second/time.Duration(p.rate)
}

// NextStart returns the cursor: where the next frame would start if it
// arrived now-or-earlier.
func (p *PlaybackScheduler) NextStart() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor()
}

// Reset discards the cursor. The next Enqueue starts from the output clock.
func (p *PlaybackScheduler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebase(0, 0)
	p.started = false
}
