package voice

import (
	"sync"
)

// Factory functions for common snapshot handlers. Each handler remembers
// the last snapshot it saw and only calls back on a change.

// CreateLoggingSnapshotHandler logs state transitions at Info and
// transcript changes at Debug.
func CreateLoggingSnapshotHandler(logger *Logger) SnapshotHandler {
	log := componentLogger(logger, "SnapshotLogger")
	var mu sync.Mutex
	var last Snapshot

	return func(snap Snapshot) {
		mu.Lock()
		prev := last
		last = snap
		mu.Unlock()

		if snap.State != prev.State {
			fields := map[string]interface{}{"session_id": snap.SessionID}
			if snap.LastError != "" {
				fields["last_error"] = snap.LastError
			}
			log.LogSessionEvent(prev.State, snap.State, fields)
		}
		if snap.LiveTranscript != prev.LiveTranscript {
			log.WithField("live", snap.LiveTranscript).Debug("Transcript updated")
		}
		if snap.ReplyText != prev.ReplyText {
			log.WithField("reply", snap.ReplyText).Debug("Reply updated")
		}
	}
}

// CreateTranscriptHandler calls back when the live or final transcript
// changes.
func CreateTranscriptHandler(callback func(live, final string)) SnapshotHandler {
	var mu sync.Mutex
	var live, final string

	return func(snap Snapshot) {
		mu.Lock()
		changed := snap.LiveTranscript != live || snap.FinalTranscript != final
		live, final = snap.LiveTranscript, snap.FinalTranscript
		mu.Unlock()
		if changed {
			callback(snap.LiveTranscript, snap.FinalTranscript)
		}
	}
}

// CreateReplyHandler calls back with the accumulated reply text whenever
// it grows.
func CreateReplyHandler(callback func(reply string)) SnapshotHandler {
	var mu sync.Mutex
	var reply string

	return func(snap Snapshot) {
		mu.Lock()
		changed := snap.ReplyText != reply
		reply = snap.ReplyText
		mu.Unlock()
		if changed {
			callback(snap.ReplyText)
		}
	}
}

// CreateWidgetTokenHandler calls back when the map-context token is set,
// replaced or cleared.
func CreateWidgetTokenHandler(callback func(token *string)) SnapshotHandler {
	var mu sync.Mutex
	var token *string

	return func(snap Snapshot) {
		mu.Lock()
		changed := !equalTokens(token, snap.WidgetToken)
		token = snap.WidgetToken
		mu.Unlock()
		if changed {
			callback(snap.WidgetToken)
		}
	}
}

func equalTokens(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// CreateStateChangeHandler calls back on every session state transition.
func CreateStateChangeHandler(callback func(from, to SessionState)) SnapshotHandler {
	var mu sync.Mutex
	state := StateIdle

	return func(snap Snapshot) {
		mu.Lock()
		from := state
		state = snap.State
		mu.Unlock()
		if from != snap.State {
			callback(from, snap.State)
		}
	}
}

// CreateErrorHandler calls back when a session records a new last error.
func CreateErrorHandler(callback func(message string)) SnapshotHandler {
	var mu sync.Mutex
	var last string

	return func(snap Snapshot) {
		mu.Lock()
		changed := snap.LastError != "" && snap.LastError != last
		last = snap.LastError
		mu.Unlock()
		if changed {
			callback(snap.LastError)
		}
	}
}

// CreateVolumeHandler passes the display-scaled input level to callback.
func CreateVolumeHandler(callback func(level float64)) SnapshotHandler {
	var mu sync.Mutex
	last := -1.0

	return func(snap Snapshot) {
		level := NormalizeLevel(snap.Volume)
		mu.Lock()
		changed := level != last
		last = level
		mu.Unlock()
		if changed {
			callback(level)
		}
	}
}

// CreateBufferedHandler runs handler on its own goroutine behind a buffer
// of bufferSize snapshots, dropping snapshots when the buffer is full. The
// returned stop func closes the buffer.
func CreateBufferedHandler(bufferSize int, handler SnapshotHandler) (SnapshotHandler, func()) {
	ch := make(chan Snapshot, bufferSize)
	var once sync.Once
	var mu sync.RWMutex
	closed := false

	go func() {
		for snap := range ch {
			handler(snap)
		}
	}()

	buffered := func(snap Snapshot) {
		mu.RLock()
		defer mu.RUnlock()
		if closed {
			return
		}
		select {
		case ch <- snap:
		default:
		}
	}
	stop := func() {
		once.Do(func() {
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return buffered, stop
}

// ChainSnapshotHandlers runs handlers in order.
func ChainSnapshotHandlers(handlers ...SnapshotHandler) SnapshotHandler {
	return func(snap Snapshot) {
		for _, h := range handlers {
			if h != nil {
				h(snap)
			}
		}
	}
}
