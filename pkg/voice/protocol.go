package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// ProtocolHandlers receives decoded traffic from a ProtocolSession. Handlers
// run on the session's read goroutine and must not block for long.
type ProtocolHandlers struct {
	OnAudio   func(AudioFrame)
	OnControl func(ControlEvent)
	// OnClose fires exactly once when the connection ends. err is nil for a
	// local Close or a clean close from the backend.
	OnClose func(err error)
}

// ProtocolConfig tunes a ProtocolSession.
type ProtocolConfig struct {
	SendQueueSize int
	DialTimeout   time.Duration
	CloseTimeout  time.Duration
	Logger        *Logger
	Metrics       *Metrics
}

// ProtocolSession owns one duplex websocket connection to the voice backend.
//
// Outbound audio goes through a bounded queue drained by a writer goroutine;
// when the queue is full the frame is dropped so the capture callback never
// blocks. Inbound binary messages are 24 kHz PCM frames, text messages are
// JSON control events.
type ProtocolSession struct {
	config   ProtocolConfig
	handlers ProtocolHandlers
	logger   *Logger
	metrics  *Metrics

	mu     sync.Mutex
	conn   *websocket.Conn
	state  ConnectionState
	sendCh chan []byte
	cancel context.CancelFunc

	closing   bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewProtocolSession creates an unconnected session.
func NewProtocolSession(config ProtocolConfig, handlers ProtocolHandlers) *ProtocolSession {
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 32
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = 2 * time.Second
	}
	return &ProtocolSession{
		config:   config,
		handlers: handlers,
		logger:   componentLogger(config.Logger, "ProtocolSession"),
		metrics:  config.Metrics,
		state:    Disconnected,
		done:     make(chan struct{}),
	}
}

// Connect dials url and starts the read and write loops. It returns once the
// websocket handshake has completed. ctx bounds the dial only.
func (s *ProtocolSession) Connect(ctx context.Context, url string, header http.Header) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return NewTransportError(fmt.Sprintf("cannot connect from state %s", s.state), nil)
	}
	s.state = Connecting
	s.mu.Unlock()

	s.logger.LogConnectionEvent("dialing", Connecting, map[string]interface{}{"url": url})

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.config.DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		s.mu.Lock()
		s.state = Closed
		closing := s.closing
		s.mu.Unlock()
		if closing {
			// Close ran mid-dial and left finish to us.
			s.finish(nil)
			return ErrSessionClosed
		}
		terr := NewTransportError("dial voice endpoint", err)
		if resp != nil {
			terr.AddDetail("status", resp.StatusCode)
		}
		return terr
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		s.finish(nil)
		return ErrSessionClosed
	}
	s.conn = conn
	s.sendCh = make(chan []byte, s.config.SendQueueSize)
	s.cancel = cancel
	s.state = Connected
	s.mu.Unlock()

	s.logger.LogConnectionEvent("connected", Connected, nil)

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(s.readLoop)
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.closeConn()
		return nil
	})
	go func() {
		err := g.Wait()
		cancel()
		s.finish(err)
	}()
	return nil
}

func (s *ProtocolSession) readLoop() error {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("Backend closed the voice connection")
				return errRemoteClosed
			}
			return NewTransportError("read from voice connection", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.handleAudio(data)
		case websocket.TextMessage:
			s.handleText(data)
		}
	}
}

// errRemoteClosed stops the loops on a clean close and is reported as nil.
var errRemoteClosed = errors.New("voice: remote closed")

func (s *ProtocolSession) handleAudio(data []byte) {
	samples, err := DecodePCM16LE(data)
	if err != nil {
		s.metrics.decodeError()
		s.logger.WithError(err).Warn("Dropping malformed audio frame")
		return
	}
	s.metrics.frameReceived()
	if s.handlers.OnAudio != nil {
		s.handlers.OnAudio(AudioFrame{Samples: samples, SampleRate: InboundSampleRate})
	}
}

func (s *ProtocolSession) handleText(data []byte) {
	events, err := DecodeTextFrame(data)
	if err != nil {
		s.metrics.decodeError()
		s.logger.WithError(err).Debug("Dropping undecodable text frame")
		return
	}
	if s.handlers.OnControl == nil {
		return
	}
	for _, ev := range events {
		s.handlers.OnControl(ev)
	}
}

func (s *ProtocolSession) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-s.sendCh:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				if s.isClosing() {
					return nil
				}
				return NewTransportError("write to voice connection", err)
			}
			s.metrics.frameSent()
		}
	}
}

// SendAudio queues frame for sending and returns immediately. If the queue
// is full the frame is dropped and a nil error is returned. Sending after
// the session has ended returns ErrSessionClosed.
func (s *ProtocolSession) SendAudio(frame AudioFrame) error {
	if frame.Len() == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.closing {
		return ErrSessionClosed
	}
	select {
	case s.sendCh <- frame.Bytes():
	default:
		s.metrics.frameDropped()
		s.logger.Trace("Send queue full, dropping audio frame")
	}
	return nil
}

// Close ends the session. It is safe to call more than once and from any
// goroutine; it does not wait for the loops to exit.
func (s *ProtocolSession) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	cancel := s.cancel
	state := s.state
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	} else if state != Connecting {
		// Never connected: nothing will call finish.
		s.finish(nil)
	}
	return nil
}

// Done is closed after OnClose has run.
func (s *ProtocolSession) Done() <-chan struct{} {
	return s.done
}

func (s *ProtocolSession) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ProtocolSession) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *ProtocolSession) closeConn() {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	deadline := time.Now().Add(s.config.CloseTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.logger.WithError(err).Debug("Close frame not sent")
	}
	if err := conn.Close(); err != nil {
		s.logger.WithError(err).Debug("Connection close failed")
	}
}

func (s *ProtocolSession) finish(err error) {
	s.closeOnce.Do(func() {
		if errors.Is(err, errRemoteClosed) {
			err = nil
		}
		s.mu.Lock()
		s.state = Closed
		s.mu.Unlock()
		s.logger.LogConnectionEvent("closed", Closed, nil)
		if s.handlers.OnClose != nil {
			s.handlers.OnClose(err)
		}
		close(s.done)
	})
}

// DecodeTextFrame parses one inbound JSON text frame into control events,
// in the order user_transcript, transcript, widget_token. Unknown keys are
// ignored. A frame that is not a JSON object, or whose known keys have the
// wrong type, is a decode error.
func DecodeTextFrame(data []byte) ([]ControlEvent, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, NewDecodeError("invalid control frame", err)
	}

	var events []ControlEvent
	if raw, ok := fields["user_transcript"]; ok {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, NewDecodeError("user_transcript is not a string", err)
		}
		events = append(events, ControlEvent{Kind: PartialTranscript, Text: text})
	}
	if raw, ok := fields["transcript"]; ok {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, NewDecodeError("transcript is not a string", err)
		}
		events = append(events, ControlEvent{Kind: ReplyTranscript, Text: text})
	}
	if raw, ok := fields["widget_token"]; ok {
		var token *string
		if err := json.Unmarshal(raw, &token); err != nil {
			return nil, NewDecodeError("widget_token is not a string or null", err)
		}
		if token == nil {
			events = append(events, ControlEvent{Kind: MapContextToken, Cleared: true})
		} else {
			events = append(events, ControlEvent{Kind: MapContextToken, Text: *token})
		}
	}
	return events, nil
}
