package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PortAudioCapture is a mono float32 PortAudio input stream.
type PortAudioCapture struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	rate    int
	handler func([]float32)
	running bool
	closed  bool

	ended     chan struct{}
	endOnce   sync.Once
	watchdog  *stallWatchdog
	watchStop chan struct{}
	logger    *Logger
}

// OpenPortAudioCapture opens the configured (or default) input device.
// Failures are reported as DeviceError.
func OpenPortAudioCapture(config AudioConfig, logger *Logger) (*PortAudioCapture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, NewDeviceError("initialize PortAudio", err)
	}

	dev, err := lookupPortAudioDevice(config.CaptureDeviceID, true)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	rate := config.CaptureSampleRate
	if rate <= 0 {
		rate = int(dev.DefaultSampleRate)
	}

	c := &PortAudioCapture{
		rate:     rate,
		ended:    make(chan struct{}),
		watchdog: newStallWatchdog(captureStallTimeout(config.BufferSize, rate), time.Now),
		logger:   componentLogger(logger, "PortAudioCapture"),
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = config.BufferSize

	stream, err := portaudio.OpenStream(params, c.process)
	if err != nil {
		portaudio.Terminate()
		return nil, NewDeviceError(fmt.Sprintf("open input device %q", dev.Name), err)
	}
	c.stream = stream

	c.logger.LogAudioEvent("capture_opened", map[string]interface{}{
		"device":      dev.Name,
		"sample_rate": rate,
		"buffer_size": config.BufferSize,
	})
	return c, nil
}

// process runs on the PortAudio callback thread. The buffer is reused by
// PortAudio, so it is copied before being handed on.
func (c *PortAudioCapture) process(in []float32) {
	c.watchdog.kick()
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}
	buf := make([]float32, len(in))
	copy(buf, in)
	handler(buf)
}

func (c *PortAudioCapture) SampleRate() int {
	return c.rate
}

func (c *PortAudioCapture) Start(onSamples func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return NewDeviceError("capture device closed", nil)
	}
	if c.running {
		return nil
	}
	c.handler = onSamples
	if err := c.stream.Start(); err != nil {
		c.handler = nil
		return NewDeviceError("start input stream", err)
	}
	c.running = true

	c.watchdog.kick()
	c.watchStop = make(chan struct{})
	ticker := time.NewTicker(c.watchdog.timeout / 2)
	go func(stop <-chan struct{}) {
		defer ticker.Stop()
		c.watchdog.run(ticker.C, stop, c.stalled)
	}(c.watchStop)
	return nil
}

// stalled ends the device once the input callback has stopped arriving,
// which is how an unplugged microphone shows up.
func (c *PortAudioCapture) stalled() {
	c.logger.WithField("timeout", c.watchdog.timeout.String()).Warn("Input callback stalled, ending capture")
	c.endOnce.Do(func() { close(c.ended) })
}

func (c *PortAudioCapture) stopWatchdog() {
	if c.watchStop != nil {
		close(c.watchStop)
		c.watchStop = nil
	}
}

func (c *PortAudioCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	c.stopWatchdog()
	if !c.running {
		return nil
	}
	c.running = false
	if err := c.stream.Stop(); err != nil {
		return NewDeviceError("stop input stream", err)
	}
	return nil
}

func (c *PortAudioCapture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handler = nil
	c.running = false
	c.stopWatchdog()
	c.mu.Unlock()

	defer c.endOnce.Do(func() { close(c.ended) })
	err := c.stream.Close()
	portaudio.Terminate()
	if err != nil {
		return NewDeviceError("close input stream", err)
	}
	c.logger.LogAudioEvent("capture_closed", nil)
	return nil
}

func (c *PortAudioCapture) Ended() <-chan struct{} {
	return c.ended
}

const (
	stallBuffers    = 8
	minStallTimeout = 500 * time.Millisecond
)

// captureStallTimeout is how long the input callback may stay silent
// before the device is considered gone: several buffer periods, with a
// floor.
func captureStallTimeout(bufferSize, rate int) time.Duration {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if rate <= 0 {
		rate = OutboundSampleRate
	}
	timeout := stallBuffers * time.Duration(bufferSize) * time.Second / time.Duration(rate)
	if timeout < minStallTimeout {
		return minStallTimeout
	}
	return timeout
}

// stallWatchdog trips when kick has not been called for longer than
// timeout.
type stallWatchdog struct {
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	last time.Time
}

func newStallWatchdog(timeout time.Duration, now func() time.Time) *stallWatchdog {
	return &stallWatchdog{timeout: timeout, now: now, last: now()}
}

func (w *stallWatchdog) kick() {
	t := w.now()
	w.mu.Lock()
	w.last = t
	w.mu.Unlock()
}

func (w *stallWatchdog) stalled() bool {
	t := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	return t.Sub(w.last) > w.timeout
}

// run checks for a stall on every tick until stop is closed. onStall is
// called at most once, after which run returns.
func (w *stallWatchdog) run(tick <-chan time.Time, stop <-chan struct{}, onStall func()) {
	for {
		select {
		case <-stop:
			return
		case <-tick:
			if w.stalled() {
				onStall()
				return
			}
		}
	}
}

// PortAudioCaptureOpener returns a CaptureOpener backed by PortAudio.
func PortAudioCaptureOpener(config AudioConfig, logger *Logger) CaptureOpener {
	return func(ctx context.Context) (CaptureDevice, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return OpenPortAudioCapture(config, logger)
	}
}

// PortAudioOutput plays 24 kHz mono PCM through a PortAudio output stream.
// Its clock is the number of samples the stream has rendered, so Now and
// Schedule share one timeline with the hardware.
type PortAudioOutput struct {
	stream   *portaudio.Stream
	timeline *outputTimeline
	logger   *Logger

	closeOnce sync.Once
}

// OpenPortAudioOutput opens and starts the configured (or default) output
// device. Failures are reported as OutputError.
func OpenPortAudioOutput(config AudioConfig, logger *Logger) (*PortAudioOutput, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, NewOutputError("initialize PortAudio", err)
	}

	dev, err := lookupPortAudioDevice(config.OutputDeviceID, false)
	if err != nil {
		portaudio.Terminate()
		return nil, WrapError(err, ErrCodeOutput)
	}

	o := &PortAudioOutput{
		timeline: newOutputTimeline(InboundSampleRate),
		logger:   componentLogger(logger, "PortAudioOutput"),
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(InboundSampleRate)
	params.FramesPerBuffer = config.OutputBufferSize

	stream, err := portaudio.OpenStream(params, o.timeline.render)
	if err != nil {
		portaudio.Terminate()
		return nil, NewOutputError(fmt.Sprintf("open output device %q", dev.Name), err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, NewOutputError("start output stream", err)
	}
	o.stream = stream

	o.logger.LogAudioEvent("output_opened", map[string]interface{}{
		"device":      dev.Name,
		"sample_rate": InboundSampleRate,
	})
	return o, nil
}

func (o *PortAudioOutput) Now() time.Duration {
	return o.timeline.now()
}

func (o *PortAudioOutput) Schedule(frame AudioFrame, at time.Duration) error {
	return o.timeline.schedule(frame, at)
}

func (o *PortAudioOutput) Close() error {
	var err error
	o.closeOnce.Do(func() {
		if stopErr := o.stream.Stop(); stopErr != nil {
			o.logger.WithError(stopErr).Debug("Output stream stop failed")
		}
		err = o.stream.Close()
		portaudio.Terminate()
		o.timeline.clear()
	})
	if err != nil {
		return NewOutputError("close output stream", err)
	}
	return nil
}

// PortAudioOutputOpener returns an OutputOpener backed by PortAudio.
func PortAudioOutputOpener(config AudioConfig, logger *Logger) OutputOpener {
	return func(ctx context.Context) (OutputDevice, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return OpenPortAudioOutput(config, logger)
	}
}

type scheduledFrame struct {
	start   int64
	samples []int16
}

// outputTimeline maps scheduled frames onto a sample-indexed timeline that
// the output callback renders in order, emitting silence where nothing is
// scheduled.
type outputTimeline struct {
	mu       sync.Mutex
	rate     int
	rendered int64
	queue    []scheduledFrame
}

func newOutputTimeline(rate int) *outputTimeline {
	return &outputTimeline{rate: rate}
}

func (t *outputTimeline) now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.rendered) * time.Second / time.Duration(t.rate)
}

func (t *outputTimeline) schedule(frame AudioFrame, at time.Duration) error {
	if frame.SampleRate != t.rate {
		return NewOutputError(fmt.Sprintf("frame rate %d does not match output rate %d", frame.SampleRate, t.rate), nil)
	}
	// Round to the nearest sample; frame durations are truncated to whole
	// nanoseconds.
	start := (int64(at)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)

	t.mu.Lock()
	defer t.mu.Unlock()
	if start < t.rendered {
		start = t.rendered
	}
	f := scheduledFrame{start: start, samples: frame.Samples}
	i := len(t.queue)
	for i > 0 && t.queue[i-1].start > start {
		i--
	}
	t.queue = append(t.queue, scheduledFrame{})
	copy(t.queue[i+1:], t.queue[i:])
	t.queue[i] = f
	return nil
}

func (t *outputTimeline) render(out []int16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range out {
		pos := t.rendered + int64(i)
		for len(t.queue) > 0 && t.queue[0].start+int64(len(t.queue[0].samples)) <= pos {
			t.queue = t.queue[1:]
		}
		out[i] = 0
		if len(t.queue) > 0 && t.queue[0].start <= pos {
			out[i] = t.queue[0].samples[pos-t.queue[0].start]
		}
	}
	t.rendered += int64(len(out))
}

func (t *outputTimeline) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = nil
}
