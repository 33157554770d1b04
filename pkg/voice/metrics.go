package voice

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all voice metrics.
const meterName = "github.com/dishcovery/voice-go"

// Metrics holds the OpenTelemetry instruments recorded by a voice session.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Sessions        metric.Int64Counter
	FramesSent      metric.Int64Counter
	FramesDropped   metric.Int64Counter
	FramesReceived  metric.Int64Counter
	DecodeErrors    metric.Int64Counter
	LateFrames      metric.Int64Counter
	SessionDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on mp. A nil mp uses the global
// provider, which is a no-op until the application installs one.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Sessions, err = m.Int64Counter("dishcovery.voice.sessions",
		metric.WithDescription("Voice sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("dishcovery.voice.audio.frames_sent",
		metric.WithDescription("Outbound 16 kHz audio frames handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("dishcovery.voice.audio.frames_dropped",
		metric.WithDescription("Outbound audio frames dropped because the send queue was full."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("dishcovery.voice.audio.frames_received",
		metric.WithDescription("Inbound 24 kHz audio frames received from the backend."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("dishcovery.voice.protocol.decode_errors",
		metric.WithDescription("Inbound text frames dropped as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.LateFrames, err = m.Int64Counter("dishcovery.voice.playback.late_frames",
		metric.WithDescription("Playback frames that arrived after their gapless start time."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("dishcovery.voice.session.duration",
		metric.WithDescription("Wall-clock length of voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1800),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *Metrics) sessionEnded(outcome string, seconds float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Sessions.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) frameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Add(context.Background(), 1)
}

func (m *Metrics) frameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Add(context.Background(), 1)
}

func (m *Metrics) frameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Add(context.Background(), 1)
}

func (m *Metrics) decodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Add(context.Background(), 1)
}

func (m *Metrics) lateFrame() {
	if m == nil {
		return
	}
	m.LateFrames.Add(context.Background(), 1)
}
