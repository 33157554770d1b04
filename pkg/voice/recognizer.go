package voice

import "context"

// Recognizer is an optional on-device speech recognizer. When one is
// running its results drive the displayed transcript under
// PolicyPreferLocal. Callbacks may be invoked from any goroutine.
type Recognizer interface {
	Start(ctx context.Context) error
	Stop() error
	OnPartial(func(text string))
	OnFinal(func(text string))
}
