package voice

import (
	"strings"
	"sync"
)

// TranscriptPolicy decides which source drives the displayed transcript
// when a local recognizer is running alongside the backend.
type TranscriptPolicy string

const (
	// PolicyPreferLocal lets a running local recognizer drive the display;
	// backend user transcripts are still accumulated for logging.
	PolicyPreferLocal TranscriptPolicy = "prefer_local"
	// PolicyPreferBackend always displays backend transcripts and ignores
	// local results.
	PolicyPreferBackend TranscriptPolicy = "prefer_backend"
)

// Valid reports whether p is a known policy.
func (p TranscriptPolicy) Valid() bool {
	return p == PolicyPreferLocal || p == PolicyPreferBackend
}

// TranscriptReconciler merges local recognition results and backend
// transcript events into one final and one live transcript.
//
// finalText only grows within a session. liveText is finalText followed by
// the current interim fragment of whichever source drives the display.
type TranscriptReconciler struct {
	mu          sync.Mutex
	policy      TranscriptPolicy
	localActive bool

	finalText string
	liveText  string

	// backendText accumulates backend-final user transcripts regardless of
	// which source drives the display.
	backendText    string
	backendPending string
	replyText      string
}

// NewTranscriptReconciler creates a reconciler with the given policy.
// An unknown policy falls back to PolicyPreferLocal.
func NewTranscriptReconciler(policy TranscriptPolicy) *TranscriptReconciler {
	if !policy.Valid() {
		policy = PolicyPreferLocal
	}
	return &TranscriptReconciler{policy: policy}
}

// SetLocalActive records whether a local recognizer is currently running.
// While it is, backend user transcripts stop driving the display under
// PolicyPreferLocal.
func (r *TranscriptReconciler) SetLocalActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localActive = active
}

func (r *TranscriptReconciler) localDrives() bool {
	return r.localActive && r.policy == PolicyPreferLocal
}

// ApplyLocalPartial replaces the interim fragment with a local result.
func (r *TranscriptReconciler) ApplyLocalPartial(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy != PolicyPreferLocal {
		return
	}
	r.liveText = joinTranscript(r.finalText, strings.TrimSpace(text))
}

// ApplyLocalFinal appends a finished local utterance to the final text.
// Empty or whitespace-only text is ignored.
func (r *TranscriptReconciler) ApplyLocalFinal(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy != PolicyPreferLocal {
		return
	}
	t := strings.TrimSpace(text)
	if t == "" {
		return
	}
	r.finalText = joinTranscript(r.finalText, t)
	r.liveText = r.finalText
}

// ApplyBackendPartial records the backend's current best transcript of the
// user's utterance. It replaces, rather than extends, the previous one.
func (r *TranscriptReconciler) ApplyBackendPartial(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backendPending = strings.TrimSpace(text)
	if r.localDrives() {
		return
	}
	r.liveText = joinTranscript(r.finalText, r.backendPending)
}

// ApplyBackendFinal commits a finished backend utterance.
func (r *TranscriptReconciler) ApplyBackendFinal(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyBackendFinal(text)
}

func (r *TranscriptReconciler) applyBackendFinal(text string) {
	t := strings.TrimSpace(text)
	if t == "" {
		return
	}
	r.backendPending = ""
	r.backendText = joinTranscript(r.backendText, t)
	if r.localDrives() {
		return
	}
	r.finalText = joinTranscript(r.finalText, t)
	r.liveText = r.finalText
}

// ApplyReply appends backend reply text. The start of a reply ends the
// user's turn, so any pending backend partial is committed first.
func (r *TranscriptReconciler) ApplyReply(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backendPending != "" {
		r.applyBackendFinal(r.backendPending)
	}
	r.replyText += text
}

// Reset clears all transcript state. Called once per session start.
func (r *TranscriptReconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalText = ""
	r.liveText = ""
	r.backendText = ""
	r.backendPending = ""
	r.replyText = ""
}

// FinalText returns the committed transcript.
func (r *TranscriptReconciler) FinalText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalText
}

// LiveText returns the committed transcript plus the interim fragment.
func (r *TranscriptReconciler) LiveText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveText
}

// BackendText returns backend-final user transcripts for this session.
func (r *TranscriptReconciler) BackendText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backendText
}

// ReplyText returns the backend's spoken reply text for this session.
func (r *TranscriptReconciler) ReplyText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replyText
}

func joinTranscript(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
