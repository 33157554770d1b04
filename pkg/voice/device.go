package voice

import "context"

// CaptureDevice is a microphone-like source delivering float samples in
// [-1, 1] at its own rate on a real-time callback.
//
// Stop detaches processing and halts delivery; Close releases the device.
// Ended is closed when the device stops producing audio on its own or is
// closed.
type CaptureDevice interface {
	SampleRate() int
	Start(onSamples func([]float32)) error
	Stop() error
	Close() error
	Ended() <-chan struct{}
}

// CaptureOpener acquires a capture device for one session.
type CaptureOpener func(ctx context.Context) (CaptureDevice, error)

// OutputOpener acquires a playback device for one session.
type OutputOpener func(ctx context.Context) (OutputDevice, error)
