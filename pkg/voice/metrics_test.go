package voice

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue sums every data point of an Int64 counter.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.sessionEnded("stopped", 1)
		m.frameSent()
		m.frameDropped()
		m.frameReceived()
		m.decodeError()
		m.lateFrame()
	})
}

func TestMetrics_Recorders(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.frameSent()
	m.frameSent()
	m.frameDropped()
	m.frameReceived()
	m.decodeError()
	m.lateFrame()
	m.sessionEnded("failed", 12.5)

	rm := collect(t, reader)
	assert.Equal(t, int64(2), counterValue(t, rm, "dishcovery.voice.audio.frames_sent"))
	assert.Equal(t, int64(1), counterValue(t, rm, "dishcovery.voice.audio.frames_dropped"))
	assert.Equal(t, int64(1), counterValue(t, rm, "dishcovery.voice.audio.frames_received"))
	assert.Equal(t, int64(1), counterValue(t, rm, "dishcovery.voice.protocol.decode_errors"))
	assert.Equal(t, int64(1), counterValue(t, rm, "dishcovery.voice.playback.late_frames"))

	sessions := findMetric(rm, "dishcovery.voice.sessions")
	require.NotNil(t, sessions)
	sum := sessions.Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	outcome, ok := sum.DataPoints[0].Attributes.Value(attribute.Key("outcome"))
	require.True(t, ok)
	assert.Equal(t, "failed", outcome.AsString())

	duration := findMetric(rm, "dishcovery.voice.session.duration")
	require.NotNil(t, duration)
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.Equal(t, 12.5, hist.DataPoints[0].Sum)
}

func TestMetrics_PlaybackLateFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	out := &fakeOutput{}
	p := NewPlaybackScheduler(out, NopLogger(), m)

	_, err := p.Enqueue(frameOf(480))
	require.NoError(t, err)
	out.advance(time.Second)
	_, err = p.Enqueue(frameOf(480))
	require.NoError(t, err)

	rm := collect(t, reader)
	assert.Equal(t, int64(1), counterValue(t, rm, "dishcovery.voice.playback.late_frames"))
}

func TestMetrics_ControllerSession(t *testing.T) {
	m, reader := newTestMetrics(t)
	f := newControllerFixture(t, func(o *Options) { o.Metrics = m })

	require.NoError(t, f.ctrl.Start(context.Background()))
	conn := f.server.accept(t)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, EncodePCM16LE(make([]int16, 480))))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"transcript":`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"transcript":"done"}`)))
	require.Eventually(t, func() bool {
		return f.ctrl.Snapshot().ReplyText == "done"
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, f.capture.push(make([]float32, 480)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	f.ctrl.Stop()
	waitIdle(t, f.ctrl)

	// The writer counts a frame after the write returns, which may be after
	// the backend has read it.
	require.Eventually(t, func() bool {
		return counterValue(t, collect(t, reader), "dishcovery.voice.audio.frames_sent") == 1
	}, 2*time.Second, 10*time.Millisecond)

	rm := collect(t, reader)
	assert.Equal(t, int64(1), counterValue(t, rm, "dishcovery.voice.audio.frames_received"))
	assert.Equal(t, int64(1), counterValue(t, rm, "dishcovery.voice.protocol.decode_errors"))
	assert.Equal(t, int64(1), counterValue(t, rm, "dishcovery.voice.sessions"))
}
