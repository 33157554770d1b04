package voice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// protocolRecorder collects everything a ProtocolSession delivers.
type protocolRecorder struct {
	mu     sync.Mutex
	frames []AudioFrame
	events []ControlEvent
	closes int32
	err    error
}

func (r *protocolRecorder) handlers() ProtocolHandlers {
	return ProtocolHandlers{
		OnAudio: func(f AudioFrame) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.frames = append(r.frames, f)
		},
		OnControl: func(ev ControlEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
		},
		OnClose: func(err error) {
			atomic.AddInt32(&r.closes, 1)
			r.mu.Lock()
			defer r.mu.Unlock()
			r.err = err
		},
	}
}

func (r *protocolRecorder) snapshot() ([]AudioFrame, []ControlEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AudioFrame(nil), r.frames...), append([]ControlEvent(nil), r.events...)
}

func connectSession(t *testing.T, vs *voiceServer, rec *protocolRecorder) (*ProtocolSession, *websocket.Conn) {
	t.Helper()
	s := NewProtocolSession(ProtocolConfig{Logger: NopLogger(), DialTimeout: 5 * time.Second}, rec.handlers())
	require.NoError(t, s.Connect(context.Background(), vs.wsURL(), nil))
	t.Cleanup(func() { _ = s.Close() })
	return s, vs.accept(t)
}

func waitDone(t *testing.T, s *ProtocolSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestProtocolSession_ReceivesAudio(t *testing.T) {
	vs := newVoiceServer(t)
	rec := &protocolRecorder{}
	s, conn := connectSession(t, vs, rec)
	assert.Equal(t, Connected, s.State())

	samples := make([]int16, 480)
	samples[0] = 1234
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, EncodePCM16LE(samples)))

	require.Eventually(t, func() bool {
		frames, _ := rec.snapshot()
		return len(frames) == 1
	}, 2*time.Second, 10*time.Millisecond)

	frames, _ := rec.snapshot()
	assert.Equal(t, InboundSampleRate, frames[0].SampleRate)
	assert.Equal(t, 480, frames[0].Len())
	assert.Equal(t, int16(1234), frames[0].Samples[0])
	assert.Equal(t, 20*time.Millisecond, frames[0].Duration())
}

func TestProtocolSession_ControlEvents(t *testing.T) {
	vs := newVoiceServer(t)
	rec := &protocolRecorder{}
	_, conn := connectSession(t, vs, rec)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"widget_token":"abc123"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"user_transcript":"tacos"}`)))

	require.Eventually(t, func() bool {
		_, events := rec.snapshot()
		return len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	frames, events := rec.snapshot()
	assert.Empty(t, frames, "odd-length audio is dropped")
	assert.Equal(t, []ControlEvent{
		{Kind: MapContextToken, Text: "abc123"},
		{Kind: PartialTranscript, Text: "tacos"},
	}, events)
	assert.Equal(t, int32(0), atomic.LoadInt32(&rec.closes), "malformed frames do not end the session")
}

func TestProtocolSession_SendsAudio(t *testing.T) {
	vs := newVoiceServer(t)
	rec := &protocolRecorder{}
	s, conn := connectSession(t, vs, rec)

	frame := AudioFrame{Samples: []int16{1, -1, 300}, SampleRate: OutboundSampleRate}
	require.NoError(t, s.SendAudio(frame))
	require.NoError(t, s.SendAudio(AudioFrame{}), "empty frames are skipped")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, frame.Bytes(), data)
}

func TestProtocolSession_LocalClose(t *testing.T) {
	vs := newVoiceServer(t)
	rec := &protocolRecorder{}
	s, conn := connectSession(t, vs, rec)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	waitDone(t, s)

	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.closes))
	assert.NoError(t, rec.err)
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.SendAudio(frameOf(10)), ErrSessionClosed)

	// The backend sees a normal close.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestProtocolSession_RemoteCleanClose(t *testing.T) {
	vs := newVoiceServer(t)
	rec := &protocolRecorder{}
	s, conn := connectSession(t, vs, rec)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	waitDone(t, s)

	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.closes))
	assert.NoError(t, rec.err)
}

func TestProtocolSession_RemoteDrop(t *testing.T) {
	vs := newVoiceServer(t)
	rec := &protocolRecorder{}
	s, conn := connectSession(t, vs, rec)

	require.NoError(t, conn.UnderlyingConn().Close())
	waitDone(t, s)

	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.closes))
	require.Error(t, rec.err)
	assert.True(t, IsErrorCode(rec.err, ErrCodeTransport))
	assert.True(t, IsSessionFatal(rec.err))

	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.closes), "OnClose fires once")
}

func TestProtocolSession_DialFailure(t *testing.T) {
	vs := newVoiceServer(t)
	rec := &protocolRecorder{}
	s := NewProtocolSession(ProtocolConfig{Logger: NopLogger()}, rec.handlers())

	err := s.Connect(context.Background(), vs.URL+"/not-a-websocket", nil)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeTransport))
	assert.Equal(t, Closed, s.State())

	// A session that never connected still reports its close once.
	require.NoError(t, s.Close())
	waitDone(t, s)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.closes))
}

func TestProtocolSession_CloseDuringFailedDial(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	rec := &protocolRecorder{}
	s := NewProtocolSession(ProtocolConfig{Logger: NopLogger(), DialTimeout: 5 * time.Second}, rec.handlers())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("dial never reached the server")
	}
	assert.Equal(t, Connecting, s.State())
	require.NoError(t, s.Close())
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return")
	}
	waitDone(t, s)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.closes))
	rec.mu.Lock()
	assert.NoError(t, rec.err)
	rec.mu.Unlock()
}

func TestProtocolSession_RejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewProtocolSession(ProtocolConfig{Logger: NopLogger()}, ProtocolHandlers{})
	err := s.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)

	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ErrCodeTransport, verr.Code)
	status, ok := verr.GetDetail("status")
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestProtocolSession_ConnectTwice(t *testing.T) {
	vs := newVoiceServer(t)
	rec := &protocolRecorder{}
	s, _ := connectSession(t, vs, rec)
	err := s.Connect(context.Background(), vs.wsURL(), nil)
	assert.True(t, IsErrorCode(err, ErrCodeTransport))
}

func TestProtocolSession_SendBeforeConnect(t *testing.T) {
	s := NewProtocolSession(ProtocolConfig{Logger: NopLogger()}, ProtocolHandlers{})
	assert.ErrorIs(t, s.SendAudio(frameOf(10)), ErrSessionClosed)
}

func TestProtocolSession_FullQueueDrops(t *testing.T) {
	s := NewProtocolSession(ProtocolConfig{SendQueueSize: 1, Logger: NopLogger()}, ProtocolHandlers{})
	// Simulate a connected session whose writer is stalled.
	s.state = Connected
	s.sendCh = make(chan []byte, 1)

	require.NoError(t, s.SendAudio(frameOf(10)))
	require.NoError(t, s.SendAudio(frameOf(10)), "a full queue drops without blocking or failing")
	assert.Len(t, s.sendCh, 1)
}

func TestDecodeTextFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []ControlEvent
		wantErr bool
	}{
		{
			name:  "widget token only",
			input: `{"widget_token":"abc123"}`,
			want:  []ControlEvent{{Kind: MapContextToken, Text: "abc123"}},
		},
		{
			name:  "null token clears",
			input: `{"widget_token":null}`,
			want:  []ControlEvent{{Kind: MapContextToken, Cleared: true}},
		},
		{
			name:  "all keys in fixed order",
			input: `{"widget_token":"t","transcript":"Try Seis.","user_transcript":"tacos"}`,
			want: []ControlEvent{
				{Kind: PartialTranscript, Text: "tacos"},
				{Kind: ReplyTranscript, Text: "Try Seis."},
				{Kind: MapContextToken, Text: "t"},
			},
		},
		{
			name:  "unknown keys ignored",
			input: `{"status":"thinking"}`,
			want:  nil,
		},
		{name: "not json", input: `tacos`, wantErr: true},
		{name: "not an object", input: `["tacos"]`, wantErr: true},
		{name: "transcript wrong type", input: `{"transcript":42}`, wantErr: true},
		{name: "token wrong type", input: `{"widget_token":{"id":1}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeTextFrame([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsErrorCode(err, ErrCodeDecode))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
