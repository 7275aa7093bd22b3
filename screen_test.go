package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/remote-session/shared"
)

// fakeScreenSource paces out tiny dummy samples and records encoder
// settings applied to it.
type fakeScreenSource struct {
	w, h int

	mu      sync.Mutex
	closed  bool
	maxKbps int
	minKbps int
	maxFPS  int
	scale   float64
}

func (f *fakeScreenSource) Size() (int, int) { return f.w, f.h }

func (f *fakeScreenSource) ReadSample(ctx context.Context) (media.Sample, error) {
	select {
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return media.Sample{Data: make([]byte, 16), Duration: 10 * time.Millisecond}, nil
}

func (f *fakeScreenSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeScreenSource) SetBitrate(maxKbps, minKbps int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxKbps, f.minKbps = maxKbps, minKbps
}

func (f *fakeScreenSource) SetFramerate(fps int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxFPS = fps
}

func (f *fakeScreenSource) SetScaleDown(factor float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scale = factor
}

func (f *fakeScreenSource) Implementation() string { return "fake" }

type fakeCapture struct {
	source *fakeScreenSource
}

func (f *fakeCapture) Start(_ context.Context, w, h, _ int) (ScreenSource, error) {
	if f.source == nil {
		f.source = &fakeScreenSource{w: w, h: h}
	}
	return f.source, nil
}

func screenTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.ICEServers = nil
	cfg.PingInterval = time.Hour
	cfg.SilenceTimeout = time.Hour
	return cfg
}

func newTestScreenController(t *testing.T, cfg *Config) (*ScreenController, *MemoryRelay, *fakeCapture, *GateFlags) {
	t.Helper()
	relay := NewMemoryRelay()
	startTestSession(t, relay, "s1")
	capture := &fakeCapture{}
	flags := &GateFlags{}

	sc, err := NewScreenController(context.Background(), shared.NewNopLogger(), cfg, relay, capture, flags, "s1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Close() })
	return sc, relay, capture, flags
}

func offersIn(log []SignalEvent) int {
	n := 0
	for _, ev := range log {
		if ev.Type == SignalOffer {
			n++
		}
	}
	return n
}

func TestScreenStartPublishesOffer(t *testing.T) {
	sc, relay, capture, flags := newTestScreenController(t, screenTestConfig())

	require.NoError(t, sc.Start())
	assert.True(t, flags.SessionActive())

	log := relay.SignalLog("s1")
	require.NotEmpty(t, log)
	assert.Equal(t, SignalOffer, log[0].Type)
	assert.Equal(t, PeerClient, log[0].From)
	assert.NotEmpty(t, log[0].SDP)

	w, h, ok := sc.FrameSize()
	require.True(t, ok)
	assert.Equal(t, capture.source.w, w)
	assert.Equal(t, capture.source.h, h)

	assert.ErrorIs(t, sc.Start(), shared.ErrShareAlreadyActive)
}

func TestScreenRenegotiatePublishesFreshOffer(t *testing.T) {
	sc, relay, _, _ := newTestScreenController(t, screenTestConfig())

	require.NoError(t, sc.Start())
	require.NoError(t, sc.Renegotiate(true))

	assert.Equal(t, 2, offersIn(relay.SignalLog("s1")))
}

func TestScreenQueuesCandidatesBeforeAnswer(t *testing.T) {
	sc, relay, _, _ := newTestScreenController(t, screenTestConfig())
	require.NoError(t, sc.Start())

	err := relay.PublishSignal(context.Background(), "s1", SignalEvent{
		Type:      SignalICE,
		From:      PeerTech,
		Candidate: "candidate:early",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		return sc.pending.len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScreenRenegotiateDropsQueuedCandidates(t *testing.T) {
	sc, relay, _, _ := newTestScreenController(t, screenTestConfig())
	require.NoError(t, sc.Start())

	err := relay.PublishSignal(context.Background(), "s1", SignalEvent{
		Type:      SignalICE,
		From:      PeerTech,
		Candidate: "candidate:old-round",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		return sc.pending.len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sc.Renegotiate(true))

	sc.mu.Lock()
	queued := sc.pending.len()
	applied := sc.remoteApplied
	sc.mu.Unlock()
	assert.Equal(t, 0, queued, "superseded-round candidates must be dropped")
	assert.False(t, applied)
}

func TestScreenHangupStops(t *testing.T) {
	sc, relay, capture, flags := newTestScreenController(t, screenTestConfig())

	var (
		mu     sync.Mutex
		reason string
	)
	require.NoError(t, sc.RegisterStoppedHandler(func(r string) {
		mu.Lock()
		defer mu.Unlock()
		reason = r
	}))
	require.NoError(t, sc.Start())

	err := relay.PublishSignal(context.Background(), "s1", SignalEvent{
		Type: SignalHangup,
		From: PeerTech,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reason == "hangup"
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, flags.SessionActive())

	capture.source.mu.Lock()
	closed := capture.source.closed
	capture.source.mu.Unlock()
	assert.True(t, closed)
}

func TestScreenQualityAppliesPreset(t *testing.T) {
	sc, _, capture, _ := newTestScreenController(t, screenTestConfig())
	require.NoError(t, sc.Start())

	sc.SetQuality(QualityLow)
	assert.Equal(t, QualityLow, sc.Quality())

	preset := qualityPresets[QualityLow]
	capture.source.mu.Lock()
	defer capture.source.mu.Unlock()
	assert.Equal(t, preset.maxKbps, capture.source.maxKbps)
	assert.Equal(t, preset.minKbps, capture.source.minKbps)
	assert.Equal(t, preset.maxFPS, capture.source.maxFPS)
	assert.Equal(t, preset.scaleDown, capture.source.scale)
}

func TestScreenRenegotiateRequiresActiveShare(t *testing.T) {
	sc, _, _, _ := newTestScreenController(t, screenTestConfig())
	assert.ErrorIs(t, sc.Renegotiate(true), shared.ErrShareNotActive)
}

func TestScreenCloseIsIdempotent(t *testing.T) {
	sc, _, _, flags := newTestScreenController(t, screenTestConfig())
	require.NoError(t, sc.Start())

	require.NoError(t, sc.Close())
	require.NoError(t, sc.Close())
	assert.False(t, flags.SessionActive())

	assert.Error(t, sc.Renegotiate(true))
}

func TestScreenRegisterHandlersRejectedWhileRunning(t *testing.T) {
	sc, _, _, _ := newTestScreenController(t, screenTestConfig())
	require.NoError(t, sc.Start())

	err := sc.RegisterCommandHandler(func([]byte) {})
	assert.ErrorIs(t, err, shared.ErrShareAlreadyActive)
	err = sc.RegisterStoppedHandler(func(string) {})
	assert.ErrorIs(t, err, shared.ErrShareAlreadyActive)
}
