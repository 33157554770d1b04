package voice

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configures a Controller. Only Config is required.
type Options struct {
	Config  *Config
	Logger  *Logger
	Metrics *Metrics

	// CaptureOpener and OutputOpener default to PortAudio devices.
	CaptureOpener CaptureOpener
	OutputOpener  OutputOpener

	// Recognizer is optional; without one, backend transcripts drive the
	// display.
	Recognizer Recognizer

	// TokenSource defaults to a SignedTokenSource when Config.APIKey is set.
	TokenSource TokenSource
}

// Controller runs voice sessions: it owns the capture device, the
// transport and the playback output of the current session and drives the
// session state machine. At most one session runs at a time.
type Controller struct {
	config     *Config
	logger     *Logger
	base       *Logger
	metrics    *Metrics
	openInput  CaptureOpener
	openOutput OutputOpener
	recognizer Recognizer
	tokens     TokenSource

	transcript *TranscriptReconciler
	meter      *VolumeMeter

	mu             sync.Mutex
	state          SessionState
	sess           *session
	idle           chan struct{}
	widgetToken    *string
	volume         float64
	outputDegraded bool
	lastError      string
	sessionID      string

	subMu       sync.Mutex
	subscribers map[int]SnapshotHandler
	nextSub     int
}

// session holds the resources of one run. Acquired resources are adopted
// under mu so a concurrent teardown either sees them or the acquirer
// releases them itself.
type session struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	mu         sync.Mutex
	torn       bool
	capture    CaptureDevice
	output     OutputDevice
	scheduler  *PlaybackScheduler
	transport  *ProtocolSession
	recognizer Recognizer
	degraded   bool
	// consecutive playback failures; reset by a successful Enqueue
	playbackFailures int
}

// maxPlaybackFailures consecutive scheduling errors mark the output as
// unusable for the rest of the session.
const maxPlaybackFailures = 3

// NewController creates a controller in the Idle state.
func NewController(opts Options) (*Controller, error) {
	if opts.Config == nil {
		return nil, NewConfigError("config is required")
	}
	if issues := opts.Config.Validate(); len(issues) > 0 {
		return nil, NewConfigError("invalid configuration: " + strings.Join(issues, "; ")).
			AddDetail("issues", issues)
	}

	logger := componentLogger(opts.Logger, "VoiceController")

	metrics := opts.Metrics
	if metrics == nil {
		var err error
		if metrics, err = NewMetrics(nil); err != nil {
			return nil, WrapErrorMessage(err, "create metrics", ErrCodeUnknown)
		}
	}

	tokens := opts.TokenSource
	if tokens == nil && opts.Config.APIKey != "" {
		signed, err := NewSignedTokenSource(opts.Config.APIKey, opts.Config.TokenTTL)
		if err != nil {
			return nil, err
		}
		tokens = signed
	}

	openInput := opts.CaptureOpener
	if openInput == nil {
		openInput = PortAudioCaptureOpener(opts.Config.Audio, opts.Logger)
	}
	openOutput := opts.OutputOpener
	if openOutput == nil {
		openOutput = PortAudioOutputOpener(opts.Config.Audio, opts.Logger)
	}

	idle := make(chan struct{})
	close(idle)

	return &Controller{
		config:      opts.Config,
		logger:      logger,
		base:        opts.Logger,
		metrics:     metrics,
		openInput:   openInput,
		openOutput:  openOutput,
		recognizer:  opts.Recognizer,
		tokens:      tokens,
		transcript:  NewTranscriptReconciler(opts.Config.TranscriptPolicy),
		meter:       NewVolumeMeter(DefaultVolumeWindow),
		state:       StateIdle,
		idle:        idle,
		subscribers: make(map[int]SnapshotHandler),
	}, nil
}

// Start begins a session and returns once it is Active. Calling Start while
// a session is starting or active does nothing. If a previous session is
// still stopping, Start waits for it to finish first.
//
// ctx bounds device acquisition and the connect handshake only; the session
// itself runs until Stop, a transport close or a device failure. A failed
// start leaves the controller Idle with LastError set.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	for c.state == StateStopping {
		idle := c.idle
		c.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if c.state == StateStarting || c.state == StateActive {
		c.mu.Unlock()
		return nil
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		id:        uuid.NewString(),
		ctx:       sctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	prev := c.state
	c.state = StateStarting
	c.sess = sess
	c.sessionID = sess.id
	c.idle = make(chan struct{})
	c.lastError = ""
	c.outputDegraded = false
	c.volume = 0
	c.mu.Unlock()

	log := c.logger.WithField("session_id", sess.id)
	log.LogSessionEvent(prev, StateStarting, nil)
	c.publish()

	acqCtx, acqCancel := context.WithCancel(ctx)
	defer acqCancel()
	stopAcq := context.AfterFunc(sctx, acqCancel)
	defer stopAcq()

	if err := c.acquire(acqCtx, sess, log); err != nil {
		if c.stoppedDuringStart(sess) {
			log.WithError(err).Debug("Start interrupted by stop")
			return ErrSessionClosed
		}
		c.failStart(sess, err)
		return err
	}

	c.mu.Lock()
	if c.sess != sess || c.state != StateStarting {
		// Stopped while starting; teardown is already under way.
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.state = StateActive
	c.mu.Unlock()

	log.LogSessionEvent(StateStarting, StateActive, map[string]interface{}{
		"output_degraded":  sess.isDegraded(),
		"local_recognizer": sess.recognizer != nil,
	})
	c.publish()

	go c.watchCapture(sess)
	go c.volumeLoop(sess)
	return nil
}

// acquire opens the capture device, the output and the transport, in that
// order, and starts audio flowing.
func (c *Controller) acquire(ctx context.Context, sess *session, log *Logger) error {
	capture, err := c.openInput(ctx)
	if err != nil {
		if !IsErrorCode(err, ErrCodeDevice) {
			err = NewDeviceError("open capture device", err)
		}
		return err
	}
	if !sess.adopt(func() { sess.capture = capture }) {
		_ = capture.Close()
		return ErrSessionClosed
	}

	output, err := c.openOutput(ctx)
	if err != nil {
		log.WithError(err).Warn("Output device unavailable, continuing without playback")
		output = nil
	}
	if !sess.adopt(func() {
		sess.output = output
		sess.degraded = output == nil
		sess.scheduler = NewPlaybackScheduler(output, c.base, c.metrics)
	}) {
		if output != nil {
			_ = output.Close()
		}
		return ErrSessionClosed
	}
	if output == nil {
		c.mu.Lock()
		c.outputDegraded = true
		c.mu.Unlock()
	}

	if s, ok := c.tokens.(interface{ SetSession(string) }); ok {
		s.SetSession(sess.id)
	}
	header, err := authHeader(ctx, c.tokens)
	if err != nil {
		if !IsErrorCode(err, ErrCodeAuthFailed) {
			err = NewAuthError("obtain voice token", err)
		}
		return err
	}
	url, err := c.config.VoiceURL()
	if err != nil {
		return err
	}

	c.transcript.Reset()
	c.transcript.SetLocalActive(false)
	sess.scheduler.Reset()
	c.meter.Reset()

	transport := NewProtocolSession(ProtocolConfig{
		SendQueueSize: c.config.SendQueueSize,
		DialTimeout:   c.config.DialTimeout,
		CloseTimeout:  c.config.CloseTimeout,
		Logger:        c.base,
		Metrics:       c.metrics,
	}, ProtocolHandlers{
		OnAudio:   func(f AudioFrame) { c.handleAudio(sess, f) },
		OnControl: func(ev ControlEvent) { c.handleControl(sess, ev) },
		OnClose:   func(err error) { c.endSession(sess, err) },
	})
	if !sess.adopt(func() { sess.transport = transport }) {
		return ErrSessionClosed
	}
	if err := transport.Connect(ctx, url, header); err != nil {
		return err
	}

	resample := c.newResampler(capture.SampleRate())
	onSamples := func(samples []float32) {
		c.meter.Push(samples)
		if err := transport.SendAudio(resample(samples)); err != nil && !errors.Is(err, ErrSessionClosed) {
			log.WithError(err).Debug("Audio send failed")
		}
	}
	if err := capture.Start(onSamples); err != nil {
		if !IsErrorCode(err, ErrCodeDevice) {
			err = NewDeviceError("start capture", err)
		}
		return err
	}

	if c.recognizer != nil {
		c.startRecognizer(sess, log)
	}
	return nil
}

func (c *Controller) newResampler(rate int) func([]float32) AudioFrame {
	if c.config.ResampleCarryPhase {
		return NewPhaseResampler(rate).Resample
	}
	return func(in []float32) AudioFrame { return Resample(in, rate) }
}

func (c *Controller) startRecognizer(sess *session, log *Logger) {
	r := c.recognizer
	r.OnPartial(func(text string) {
		if c.current(sess) {
			c.transcript.ApplyLocalPartial(text)
			c.publish()
		}
	})
	r.OnFinal(func(text string) {
		if c.current(sess) {
			c.transcript.ApplyLocalFinal(text)
			c.publish()
		}
	})
	if err := r.Start(sess.ctx); err != nil {
		log.WithError(err).Warn("Local recognizer unavailable, using backend transcripts")
		return
	}
	if !sess.adopt(func() { sess.recognizer = r }) {
		_ = r.Stop()
		return
	}
	c.transcript.SetLocalActive(true)
}

// stoppedDuringStart reports whether Stop took sess over while it was
// still starting.
func (c *Controller) stoppedDuringStart(sess *session) bool {
	if sess.ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != sess || c.state != StateStarting
}

// failStart tears down a session whose start failed and returns to Idle.
func (c *Controller) failStart(sess *session, err error) {
	if errors.Is(err, ErrSessionClosed) {
		return
	}
	c.logger.WithField("session_id", sess.id).WithError(err).Warn("Voice session failed to start")

	c.mu.Lock()
	if c.sess != sess || c.state != StateStarting {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()

	c.teardown(sess, err, StateIdle)
}

// Stop ends the current session. It returns immediately; use Idle to wait
// for teardown to complete. Stop is a no-op when no session is running or
// one is already stopping.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state != StateStarting && c.state != StateActive {
		c.mu.Unlock()
		return
	}
	sess := c.sess
	prev := c.state
	c.state = StateStopping
	c.mu.Unlock()

	c.logger.WithField("session_id", sess.id).LogSessionEvent(prev, StateStopping, map[string]interface{}{"reason": "stop"})
	c.publish()
	go c.teardown(sess, nil, StateIdle)
}

// endSession handles the session ending on its own: a transport close or
// error, or the capture device going away. A nil cause ends in Idle,
// anything else in Failed.
func (c *Controller) endSession(sess *session, cause error) {
	c.mu.Lock()
	if c.sess != sess || (c.state != StateActive && c.state != StateStarting) {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateStopping
	c.mu.Unlock()

	final := StateIdle
	fields := map[string]interface{}{"reason": "closed"}
	if cause != nil {
		final = StateFailed
		fields["reason"] = cause.Error()
	}
	c.logger.WithField("session_id", sess.id).LogSessionEvent(prev, StateStopping, fields)
	c.publish()
	go c.teardown(sess, cause, final)
}

// teardown releases the session's resources in reverse acquisition order.
// Every step runs even if an earlier one fails; failures are logged only.
func (c *Controller) teardown(sess *session, cause error, final SessionState) {
	log := c.logger.WithField("session_id", sess.id)
	sess.cancel()

	sess.mu.Lock()
	sess.torn = true
	recognizer, capture, transport, output := sess.recognizer, sess.capture, sess.transport, sess.output
	sess.mu.Unlock()

	release := func(step string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("step", step).WithField("panic", r).Error("Teardown step panicked")
			}
		}()
		if err := fn(); err != nil {
			log.WithField("step", step).WithError(err).Warn("Teardown step failed")
		}
	}

	if recognizer != nil {
		release("stop_recognizer", recognizer.Stop)
	}
	if capture != nil {
		release("detach_capture", capture.Stop)
		release("close_capture", capture.Close)
	}
	if transport != nil {
		release("close_transport", transport.Close)
	}
	if output != nil {
		release("close_output", output.Close)
	}
	if sess.scheduler != nil {
		sess.scheduler.Reset()
	}
	c.transcript.SetLocalActive(false)

	outcome := "stopped"
	switch {
	case final == StateFailed:
		outcome = "failed"
	case cause != nil:
		outcome = "start_failed"
	}

	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.metrics.sessionEnded(outcome, time.Since(sess.startedAt).Seconds())
	c.state = final
	c.sess = nil
	c.volume = 0
	if cause != nil {
		c.lastError = cause.Error()
	}
	close(c.idle)
	c.mu.Unlock()

	log.LogSessionEvent(StateStopping, final, map[string]interface{}{"outcome": outcome})
	c.publish()
}

func (c *Controller) handleAudio(sess *session, frame AudioFrame) {
	if !c.current(sess) || sess.isDegraded() {
		return
	}
	_, err := sess.scheduler.Enqueue(frame)
	sess.mu.Lock()
	if err == nil {
		sess.playbackFailures = 0
		sess.mu.Unlock()
		return
	}
	sess.playbackFailures++
	failures := sess.playbackFailures
	if failures >= maxPlaybackFailures {
		sess.degraded = true
	}
	sess.mu.Unlock()

	if failures < maxPlaybackFailures {
		c.logger.WithError(err).WithField("failures", failures).Debug("Dropped reply frame")
		return
	}
	c.logger.WithError(err).Warn("Playback keeps failing, muting session audio")
	c.mu.Lock()
	c.outputDegraded = true
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) handleControl(sess *session, ev ControlEvent) {
	if !c.current(sess) {
		return
	}
	c.logger.Trace("Control event " + ev.String())
	switch ev.Kind {
	case PartialTranscript:
		c.transcript.ApplyBackendPartial(ev.Text)
	case FinalTranscript:
		c.transcript.ApplyBackendFinal(ev.Text)
	case ReplyTranscript:
		c.transcript.ApplyReply(ev.Text)
	case MapContextToken:
		c.mu.Lock()
		if ev.Cleared {
			c.widgetToken = nil
		} else {
			token := ev.Text
			c.widgetToken = &token
		}
		c.mu.Unlock()
	default:
		return
	}
	c.publish()
}

func (c *Controller) watchCapture(sess *session) {
	sess.mu.Lock()
	capture := sess.capture
	sess.mu.Unlock()
	if capture == nil {
		return
	}
	select {
	case <-capture.Ended():
		c.endSession(sess, NewDeviceError("capture device ended", nil))
	case <-sess.ctx.Done():
	}
}

// volumeLoop samples the meter every VolumeInterval while the session is
// active.
func (c *Controller) volumeLoop(sess *session) {
	ticker := time.NewTicker(c.config.VolumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			level := c.meter.Level()
			c.mu.Lock()
			if c.sess != sess || c.state != StateActive {
				c.mu.Unlock()
				return
			}
			changed := math.Abs(level-c.volume) >= 0.01
			c.volume = level
			c.mu.Unlock()
			if changed {
				c.publish()
			}
		}
	}
}

func (c *Controller) current(sess *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == sess
}

// SetWidgetToken replaces the map-context token, e.g. with one returned by
// a chat reply.
func (c *Controller) SetWidgetToken(token *string) {
	c.mu.Lock()
	if token == nil {
		c.widgetToken = nil
	} else {
		t := *token
		c.widgetToken = &t
	}
	c.mu.Unlock()
	c.publish()
}

// State returns the current session state.
func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether a session is Active.
func (c *Controller) IsActive() bool {
	return c.State() == StateActive
}

// Idle returns a channel that is closed once no session is running.
func (c *Controller) Idle() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		State:          c.state,
		IsActive:       c.state == StateActive,
		Volume:         c.volume,
		OutputDegraded: c.outputDegraded,
		LastError:      c.lastError,
		SessionID:      c.sessionID,
	}
	if c.widgetToken != nil {
		t := *c.widgetToken
		snap.WidgetToken = &t
	}
	c.mu.Unlock()

	snap.LiveTranscript = c.transcript.LiveText()
	snap.FinalTranscript = c.transcript.FinalText()
	snap.BackendTranscript = c.transcript.BackendText()
	snap.ReplyText = c.transcript.ReplyText()
	return snap
}

// Subscribe registers handler to receive a Snapshot after every observable
// change. Handlers run synchronously on the goroutine that made the change
// and must not block or call Start. The returned func unsubscribes.
func (c *Controller) Subscribe(handler SnapshotHandler) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = handler
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) publish() {
	c.subMu.Lock()
	if len(c.subscribers) == 0 {
		c.subMu.Unlock()
		return
	}
	handlers := make([]SnapshotHandler, 0, len(c.subscribers))
	for _, h := range c.subscribers {
		handlers = append(handlers, h)
	}
	c.subMu.Unlock()

	snap := c.Snapshot()
	for _, h := range handlers {
		h(snap)
	}
}

func (s *session) adopt(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return false
	}
	fn()
	return true
}

func (s *session) isDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}
