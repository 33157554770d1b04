package voice

import (
	"fmt"
	"time"
)

// Wire sample rates
const (
	OutboundSampleRate = 16000
	InboundSampleRate  = 24000
)

// AudioFrame is a mono buffer of signed 16-bit samples at a fixed rate.
// Frames are treated as immutable once produced.
type AudioFrame struct {
	Samples    []int16
	SampleRate int
}

// Duration returns how long the frame plays at its sample rate.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Len returns the number of samples in the frame.
func (f AudioFrame) Len() int {
	return len(f.Samples)
}

// SessionState enum
type SessionState string

const (
	StateIdle     SessionState = "idle"
	StateStarting SessionState = "starting"
	StateActive   SessionState = "active"
	StateStopping SessionState = "stopping"
	StateFailed   SessionState = "failed"
)

// ConnectionState enum
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Closed       ConnectionState = "closed"
)

// ControlKind tags a ControlEvent.
type ControlKind string

const (
	PartialTranscript ControlKind = "partial_transcript"
	FinalTranscript   ControlKind = "final_transcript"
	MapContextToken   ControlKind = "map_context_token"
	ReplyTranscript   ControlKind = "reply_transcript"
)

// ControlEvent is one decoded side-channel event from a text frame.
// For MapContextToken, Cleared reports an explicit null token.
type ControlEvent struct {
	Kind    ControlKind
	Text    string
	Cleared bool
}

func (e ControlEvent) String() string {
	if e.Kind == MapContextToken && e.Cleared {
		return fmt.Sprintf("%s(null)", e.Kind)
	}
	return fmt.Sprintf("%s(%q)", e.Kind, e.Text)
}

// Snapshot is the read-only view of a voice session exposed to the UI.
type Snapshot struct {
	State             SessionState
	IsActive          bool
	LiveTranscript    string
	FinalTranscript   string
	BackendTranscript string
	ReplyText         string
	WidgetToken       *string
	Volume            float64
	OutputDegraded    bool
	LastError         string
	SessionID         string
}

// SnapshotHandler observes controller state changes.
type SnapshotHandler func(Snapshot)
