package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/remote-session/shared"
)

func startTestSession(t *testing.T, r *MemoryRelay, sessionID string) {
	t.Helper()
	err := r.StartSession(context.Background(), sessionID, ClientInfo{DeviceModel: "test"}, nil)
	require.NoError(t, err)
}

func collect[T any](t *testing.T, ch <-chan T, n int) []T {
	t.Helper()
	out := make([]T, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case v, ok := <-ch:
			require.True(t, ok, "channel closed after %d of %d", len(out), n)
			out = append(out, v)
		case <-timeout:
			t.Fatalf("timed out after %d of %d", len(out), n)
		}
	}
	return out
}

func TestMemoryRelaySignalOrdering(t *testing.T) {
	r := NewMemoryRelay()
	startTestSession(t, r, "s1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		err := r.PublishSignal(ctx, "s1", SignalEvent{ID: id, Type: SignalICE, From: PeerTech})
		require.NoError(t, err)
	}

	events, err := r.WatchSignals(ctx, "s1")
	require.NoError(t, err)
	got := collect(t, events, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", got[2].ID)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(3), got[2].Seq)
}

func TestMemoryRelayReplayThenStream(t *testing.T) {
	r := NewMemoryRelay()
	startTestSession(t, r, "s1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.PublishSignal(ctx, "s1", SignalEvent{ID: "old", Type: SignalOffer, From: PeerClient}))

	events, err := r.WatchSignals(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, r.PublishSignal(ctx, "s1", SignalEvent{ID: "new", Type: SignalAnswer, From: PeerTech}))

	got := collect(t, events, 2)
	assert.Equal(t, "old", got[0].ID)
	assert.Equal(t, "new", got[1].ID)
}

func TestMemoryRelayDedupesByID(t *testing.T) {
	r := NewMemoryRelay()
	startTestSession(t, r, "s1")
	ctx := context.Background()

	require.NoError(t, r.PublishSignal(ctx, "s1", SignalEvent{ID: "dup", Type: SignalICE}))
	require.NoError(t, r.PublishSignal(ctx, "s1", SignalEvent{ID: "dup", Type: SignalICE}))
	assert.Len(t, r.SignalLog("s1"), 1)
}

func TestMemoryRelayAssignsIDs(t *testing.T) {
	r := NewMemoryRelay()
	startTestSession(t, r, "s1")

	require.NoError(t, r.PublishSignal(context.Background(), "s1", SignalEvent{Type: SignalOffer}))
	log := r.SignalLog("s1")
	require.Len(t, log, 1)
	assert.NotEmpty(t, log[0].ID)
}

func TestMemoryRelayRequiresSession(t *testing.T) {
	r := NewMemoryRelay()
	err := r.PublishSignal(context.Background(), "nope", SignalEvent{Type: SignalOffer})
	assert.ErrorIs(t, err, shared.ErrNoSession)

	_, err = r.WatchSignals(context.Background(), "nope")
	assert.ErrorIs(t, err, shared.ErrNoSession)
}

func TestMemoryRelayClosedSessionRejectsWrites(t *testing.T) {
	r := NewMemoryRelay()
	startTestSession(t, r, "s1")
	require.NoError(t, r.CloseSession(context.Background(), "s1"))

	err := r.PublishSignal(context.Background(), "s1", SignalEvent{Type: SignalOffer})
	assert.ErrorIs(t, err, shared.ErrSessionClosed)
	err = r.PushTelemetry(context.Background(), "s1", TelemetrySnapshot{})
	assert.ErrorIs(t, err, shared.ErrSessionClosed)
	assert.True(t, r.SessionClosed("s1"))
}

func TestMemoryRelayCallPatchMerge(t *testing.T) {
	r := NewMemoryRelay()
	startTestSession(t, r, "s1")
	ctx := context.Background()

	callID := "call-1"
	direction := CallOutgoing
	status := CallRinging
	require.NoError(t, r.UpdateCall(ctx, "s1", CallPatch{
		CallID:    &callID,
		Direction: &direction,
		Status:    &status,
	}))

	offer := "v=0 offer"
	require.NoError(t, r.UpdateCall(ctx, "s1", CallPatch{OfferSDP: &offer}))

	rec, ok := r.CallSnapshot("s1")
	require.True(t, ok)
	assert.Equal(t, "call-1", rec.CallID)
	assert.Equal(t, CallOutgoing, rec.Direction)
	assert.Equal(t, CallRinging, rec.Status)
	assert.Equal(t, "v=0 offer", rec.OfferSDP)
}

func TestMemoryRelayWatchCallEmitsMergedRecords(t *testing.T) {
	r := NewMemoryRelay()
	startTestSession(t, r, "s1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	records, err := r.WatchCall(ctx, "s1")
	require.NoError(t, err)

	callID := "call-1"
	status := CallRinging
	require.NoError(t, r.UpdateCall(ctx, "s1", CallPatch{CallID: &callID, Status: &status}))
	first := collect(t, records, 1)[0]
	assert.Equal(t, CallRinging, first.Status)

	accepted := CallAccepted
	require.NoError(t, r.UpdateCall(ctx, "s1", CallPatch{Status: &accepted}))
	second := collect(t, records, 1)[0]
	assert.Equal(t, CallAccepted, second.Status)
	assert.Equal(t, "call-1", second.CallID)
}

func TestMemoryRelayCandidateLanesAreSeparate(t *testing.T) {
	r := NewMemoryRelay()
	startTestSession(t, r, "s1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.AddCallCandidate(ctx, "s1", LaneClient, CallCandidate{CallID: "c", Candidate: "client-cand"}))
	require.NoError(t, r.AddCallCandidate(ctx, "s1", LaneTech, CallCandidate{CallID: "c", Candidate: "tech-cand"}))

	techLane, err := r.WatchCallCandidates(ctx, "s1", LaneTech)
	require.NoError(t, err)
	got := collect(t, techLane, 1)
	assert.Equal(t, "tech-cand", got[0].Candidate)
	assert.Len(t, r.CandidateLog("s1", LaneClient), 1)
	assert.Len(t, r.CandidateLog("s1", LaneTech), 1)
}

func TestMemoryRelayCommandsStreamFromSubscription(t *testing.T) {
	r := NewMemoryRelay()
	startTestSession(t, r, "s1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sent before anyone watches: logged but not replayed.
	require.NoError(t, r.SendCommand(ctx, "s1", Command{From: PeerTech, Type: CommandShareStart}))

	commands, err := r.WatchCommands(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, r.SendCommand(ctx, "s1", Command{From: PeerTech, Type: CommandRemoteEnable}))

	got := collect(t, commands, 1)
	assert.Equal(t, CommandRemoteEnable, got[0].Type)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Len(t, r.CommandLog("s1"), 2)
}

func TestMemoryRelayWatchClosesOnCancel(t *testing.T) {
	r := NewMemoryRelay()
	startTestSession(t, r, "s1")
	ctx, cancel := context.WithCancel(context.Background())

	events, err := r.WatchSignals(ctx, "s1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel did not close")
	}
}

func TestMemoryRelayAuditAndTelemetry(t *testing.T) {
	r := NewMemoryRelay()
	startTestSession(t, r, "s1")
	ctx := context.Background()

	require.NoError(t, r.AppendAudit(ctx, "s1", AuditEvent{Type: "share_start", Origin: PeerClient}))
	battery := 42
	require.NoError(t, r.PushTelemetry(ctx, "s1", TelemetrySnapshot{Battery: &battery, Net: "wifi", Sharing: true}))

	audit := r.AuditLog("s1")
	require.Len(t, audit, 1)
	assert.Equal(t, PeerClient, audit[0].Origin)
	assert.False(t, audit[0].At.IsZero())

	telemetry := r.TelemetryLog("s1")
	require.Len(t, telemetry, 1)
	assert.True(t, telemetry[0].Sharing)
	require.NotNil(t, telemetry[0].Battery)
	assert.Equal(t, 42, *telemetry[0].Battery)
}
