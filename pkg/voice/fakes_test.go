package voice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeOutput is an OutputDevice with a manually advanced clock.
type fakeOutput struct {
	mu          sync.Mutex
	now         time.Duration
	scheduled   []scheduledCall
	scheduleErr error
	attempts    int
	closed      int
}

type scheduledCall struct {
	frame AudioFrame
	at    time.Duration
}

func (o *fakeOutput) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *fakeOutput) Schedule(frame AudioFrame, at time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
	if o.scheduleErr != nil {
		return o.scheduleErr
	}
	o.scheduled = append(o.scheduled, scheduledCall{frame: frame, at: at})
	return nil
}

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
	return nil
}

func (o *fakeOutput) advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

func (o *fakeOutput) calls() []scheduledCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]scheduledCall(nil), o.scheduled...)
}

func (o *fakeOutput) failWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scheduleErr = err
}

func (o *fakeOutput) attemptCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

func (o *fakeOutput) closeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// fakeCapture is a CaptureDevice whose samples are pushed by the test.
type fakeCapture struct {
	rate int

	mu        sync.Mutex
	onSamples func([]float32)
	started   bool
	stopped   int
	closed    int
	ended     chan struct{}
	endOnce   sync.Once
}

func newFakeCapture(rate int) *fakeCapture {
	return &fakeCapture{rate: rate, ended: make(chan struct{})}
}

func (c *fakeCapture) SampleRate() int { return c.rate }

func (c *fakeCapture) Start(onSamples func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSamples = onSamples
	c.started = true
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSamples = nil
	c.stopped++
	return nil
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	c.endOnce.Do(func() { close(c.ended) })
	return nil
}

func (c *fakeCapture) Ended() <-chan struct{} { return c.ended }

// push delivers samples as the real-time callback would. Returns false
// when processing is detached.
func (c *fakeCapture) push(samples []float32) bool {
	c.mu.Lock()
	fn := c.onSamples
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(samples)
	return true
}

// unplug simulates the device disappearing.
func (c *fakeCapture) unplug() {
	c.endOnce.Do(func() { close(c.ended) })
}

func (c *fakeCapture) counts() (stopped, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped, c.closed
}

// fakeRecognizer is a Recognizer driven by the test.
type fakeRecognizer struct {
	mu       sync.Mutex
	startErr error
	running  bool
	stops    int
	partial  func(string)
	final    func(string)
}

func (r *fakeRecognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.running = true
	return nil
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.stops++
	return nil
}

func (r *fakeRecognizer) OnPartial(fn func(string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partial = fn
}

func (r *fakeRecognizer) OnFinal(fn func(string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final = fn
}

func (r *fakeRecognizer) emitPartial(text string) {
	r.mu.Lock()
	fn := r.partial
	r.mu.Unlock()
	fn(text)
}

func (r *fakeRecognizer) emitFinal(text string) {
	r.mu.Lock()
	fn := r.final
	r.mu.Unlock()
	fn(text)
}

// voiceServer is an httptest websocket backend. Each accepted connection
// is handed to the test through conns.
type voiceServer struct {
	*httptest.Server
	conns   chan *websocket.Conn
	queries chan string
	headers chan http.Header
}

func newVoiceServer(t *testing.T) *voiceServer {
	t.Helper()
	vs := &voiceServer{
		conns:   make(chan *websocket.Conn, 4),
		queries: make(chan string, 4),
		headers: make(chan http.Header, 4),
	}
	upgrader := websocket.Upgrader{}
	vs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		vs.queries <- r.URL.RawQuery
		vs.headers <- r.Header.Clone()
		vs.conns <- conn
	}))
	t.Cleanup(vs.Close)
	return vs
}

func (vs *voiceServer) wsURL() string {
	return "ws" + strings.TrimPrefix(vs.URL, "http")
}

func (vs *voiceServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-vs.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("backend never received a connection")
		return nil
	}
}

var errFake = errors.New("fake failure")
