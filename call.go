package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/bt-bridge/remote-session/shared"
)

// CallState is the local state of the voice-call machine. Terminal
// outcomes are written to the call record; locally the machine returns to
// idle once teardown completes.
type CallState string

const (
	CallStateIdle            CallState = "idle"
	CallStateOutgoingRinging CallState = "outgoing_ringing"
	CallStateIncomingRinging CallState = "incoming_ringing"
	CallStateConnecting      CallState = "connecting"
	CallStateInCall          CallState = "in_call"
	CallStateEnded           CallState = "ended"
	CallStateFailed          CallState = "failed"
	CallStateDeclined        CallState = "declined"
	CallStateTimeout         CallState = "timeout"
)

// CallStateHandler observes every state transition of the machine.
type CallStateHandler func(state CallState)

// RemoteAudioHandler receives the technician's audio track once the call
// connects.
type RemoteAudioHandler func(track *webrtc.TrackRemote)

// CallManager runs the voice call for one session: the ringing/accept/
// decline handshake through the shared call record, the offer/answer
// exchange embedded in that record, directional ICE lanes keyed by call
// id, and the ringing timeout. It never touches the screen transport.
type CallManager struct {
	logger shared.LoggerAdapter
	cfg    *Config
	store  CallStore
	audio  AudioSource // optional; receive-only call without it
	router AudioRouter // optional

	mu        sync.Mutex
	sessionID string
	state     CallState
	callID    string
	direction CallDirection

	pc        *webrtc.PeerConnection
	stopTrack func()
	pending   pendingCandidates

	// Per-call negotiation latches, all reset when the observed callId
	// changes.
	offerSent           bool
	remoteOfferApplied  bool
	remoteAnswerApplied bool
	localAccepted       bool

	lastRec *CallRecord
	timeout *time.Timer

	// finishedCallID remembers the last torn-down call so its records,
	// which may still be in flight from the watcher, are not mistaken for
	// a fresh call.
	finishedCallID string

	onState       CallStateHandler
	onRemoteAudio RemoteAudioHandler

	watchCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewCallManager(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *Config,
	store CallStore,
	audio AudioSource,
	router AudioRouter,
) (*CallManager, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if store == nil {
		return nil, shared.ErrNoRelay
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &CallManager{
		logger: logger.With(zap.String("component", "call")),
		cfg:    cfg,
		store:  store,
		audio:  audio,
		router: router,
		state:  CallStateIdle,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// RegisterStateHandler sets the transition observer. Must be called
// before BindSession. The handler runs on the manager's lock and must
// not call back into it.
func (m *CallManager) RegisterStateHandler(handler CallStateHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID != "" {
		return shared.ErrSessionAlreadyBound
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	m.onState = handler
	return nil
}

// RegisterRemoteAudioHandler sets the sink for the remote audio track.
// Must be called before BindSession.
func (m *CallManager) RegisterRemoteAudioHandler(handler RemoteAudioHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID != "" {
		return shared.ErrSessionAlreadyBound
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	m.onRemoteAudio = handler
	return nil
}

// BindSession attaches the machine to a session and starts watching the
// call record and the technician ICE lane.
func (m *CallManager) BindSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID != "" {
		return shared.ErrSessionAlreadyBound
	}
	if err := m.respectCtx(); err != nil {
		return fmt.Errorf("respecting call context: %w", err)
	}

	watchCtx, watchCancel := context.WithCancel(m.ctx)
	records, err := m.store.WatchCall(watchCtx, sessionID)
	if err != nil {
		watchCancel()
		return fmt.Errorf("watching call record: %w", err)
	}
	candidates, err := m.store.WatchCallCandidates(watchCtx, sessionID, LaneTech)
	if err != nil {
		watchCancel()
		return fmt.Errorf("watching call candidates: %w", err)
	}

	m.sessionID = sessionID
	m.watchCancel = watchCancel
	m.logger = m.logger.With(zap.String("session_id", sessionID))
	go m.consumeRecords(records)
	go m.consumeCandidates(candidates)
	return nil
}

// Release ends any active call and detaches from the session. Idempotent.
func (m *CallManager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != CallStateIdle {
		m.writeStatusLocked(CallEnded)
		m.finishLocked(CallStateEnded)
	}
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	m.sessionID = ""
	m.lastRec = nil
}

// Close releases the machine permanently.
func (m *CallManager) Close() error {
	m.Release()
	m.cancel(errors.New("call manager closed"))
	return nil
}

func (m *CallManager) respectCtx() error {
	select {
	case <-m.ctx.Done():
		return m.ctx.Err()
	default:
	}
	return nil
}

func (m *CallManager) State() CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *CallManager) CallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callID
}

// StartOutgoingCall rings the technician. Valid only from idle.
func (m *CallManager) StartOutgoingCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID == "" {
		return shared.ErrNoSession
	}
	if m.state != CallStateIdle {
		return shared.ErrCallNotIdle
	}
	if err := m.respectCtx(); err != nil {
		return fmt.Errorf("respecting call context: %w", err)
	}

	m.adoptCallLocked(uuid.NewString(), CallOutgoing)
	now := time.Now().UTC()
	// The record is merge-updated, so the previous call's SDP must be
	// blanked out or it would be mistaken for this call's negotiation.
	empty := ""
	err := m.store.UpdateCall(m.ctx, m.sessionID, CallPatch{
		CallID:    &m.callID,
		Direction: &m.direction,
		Status:    callStatusPtr(CallRinging),
		OfferSDP:  &empty,
		AnswerSDP: &empty,
		CreatedAt: &now,
	})
	if err != nil {
		m.resetCallLocked()
		return fmt.Errorf("writing ringing record: %w", err)
	}
	m.scheduleTimeoutLocked(m.callID)
	m.setStateLocked(CallStateOutgoingRinging)
	m.logger.Info("outgoing call ringing", zap.String("call_id", m.callID))
	return nil
}

// AcceptIncomingCall accepts a ringing incoming call and starts the
// answerer flow.
func (m *CallManager) AcceptIncomingCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != CallStateIncomingRinging && m.state != CallStateConnecting {
		return shared.ErrCallNotRinging
	}
	if err := m.respectCtx(); err != nil {
		return fmt.Errorf("respecting call context: %w", err)
	}

	m.localAccepted = true
	m.cancelTimeoutLocked()
	now := time.Now().UTC()
	err := m.store.UpdateCall(m.ctx, m.sessionID, CallPatch{
		Status:     callStatusPtr(CallAccepted),
		AcceptedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("writing accepted record: %w", err)
	}
	m.setStateLocked(CallStateConnecting)
	m.logger.Info("incoming call accepted", zap.String("call_id", m.callID))

	// The offer may already be sitting in the record.
	if m.lastRec != nil {
		rec := *m.lastRec
		m.progressNegotiationLocked(rec)
	}
	return nil
}

// DeclineIncomingCall declines a ringing incoming call.
func (m *CallManager) DeclineIncomingCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != CallStateIncomingRinging {
		return shared.ErrCallNotRinging
	}
	m.writeStatusLocked(CallDeclined)
	m.finishLocked(CallStateDeclined)
	m.logger.Info("incoming call declined")
	return nil
}

// EndCall hangs up. Valid whenever a call is in flight.
func (m *CallManager) EndCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == CallStateIdle {
		return shared.ErrCallNotIdle
	}
	m.writeStatusLocked(CallEnded)
	m.finishLocked(CallStateEnded)
	m.logger.Info("call ended locally")
	return nil
}

func (m *CallManager) consumeRecords(records <-chan CallRecord) {
	for rec := range records {
		m.handleRecord(rec)
	}
}

func (m *CallManager) handleRecord(rec CallRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CallID == "" || m.sessionID == "" {
		return
	}
	if rec.CallID != m.callID && rec.CallID == m.finishedCallID {
		return
	}
	m.lastRec = &rec

	if rec.CallID != m.callID {
		// A fresh callId supersedes everything buffered for the old one,
		// including a call still in flight.
		if m.callID != "" {
			m.logger.Debug("call id changed, discarding prior call",
				zap.String("old", m.callID),
				zap.String("new", rec.CallID),
			)
		}
		if m.state != CallStateIdle {
			m.finishLocked(CallStateEnded)
		} else {
			m.resetNegotiationLocked()
		}
		if rec.Direction != CallIncoming || rec.Status != CallRinging || m.state != CallStateIdle {
			return
		}
		m.adoptCallLocked(rec.CallID, CallIncoming)
		m.scheduleTimeoutLocked(rec.CallID)
		m.setStateLocked(CallStateIncomingRinging)
		m.logger.Info("incoming call ringing", zap.String("call_id", m.callID))
		return
	}

	switch rec.Status {
	case CallAccepted:
		if m.direction == CallOutgoing && (m.state == CallStateOutgoingRinging || m.state == CallStateConnecting) {
			m.cancelTimeoutLocked()
			if m.state == CallStateOutgoingRinging {
				m.setStateLocked(CallStateConnecting)
			}
		}
	case CallDeclined:
		if m.state != CallStateIdle {
			m.finishLocked(CallStateDeclined)
		}
		return
	case CallEnded:
		if m.state != CallStateIdle {
			m.finishLocked(CallStateEnded)
		}
		return
	case CallTimedOut:
		if m.state != CallStateIdle {
			m.finishLocked(CallStateTimeout)
		}
		return
	}

	m.progressNegotiationLocked(rec)
}

// progressNegotiationLocked advances the offer/answer exchange embedded
// in the call record as far as the latches allow.
func (m *CallManager) progressNegotiationLocked(rec CallRecord) {
	switch m.direction {
	case CallOutgoing:
		if m.state == CallStateConnecting && !m.offerSent {
			if err := m.sendOfferLocked(); err != nil {
				m.logger.Error("offerer flow failed", err)
				m.writeStatusLocked(CallEnded)
				m.finishLocked(CallStateFailed)
				return
			}
		}
		if rec.AnswerSDP != "" && m.offerSent && !m.remoteAnswerApplied {
			if err := m.applyRemoteLocked(webrtc.SDPTypeAnswer, rec.AnswerSDP); err != nil {
				// The latch stays unset; a usable answer on a later record
				// still goes through.
				m.logger.Warn("applying remote answer failed", zap.Error(err))
				return
			}
			m.remoteAnswerApplied = true
			m.flushPendingLocked()
		}
	case CallIncoming:
		if rec.OfferSDP != "" && m.localAccepted && !m.remoteOfferApplied {
			if err := m.sendAnswerLocked(rec.OfferSDP); err != nil {
				m.logger.Error("answerer flow failed", err)
				m.writeStatusLocked(CallEnded)
				m.finishLocked(CallStateFailed)
				return
			}
			m.remoteOfferApplied = true
			m.flushPendingLocked()
		}
	}
}

func (m *CallManager) sendOfferLocked() error {
	if err := m.ensurePCLocked(); err != nil {
		return err
	}
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err = m.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	if err = m.store.UpdateCall(m.ctx, m.sessionID, CallPatch{OfferSDP: &offer.SDP}); err != nil {
		return fmt.Errorf("publishing offer: %w", err)
	}
	m.offerSent = true
	m.logger.Debug("call offer published")
	return nil
}

func (m *CallManager) sendAnswerLocked(offerSDP string) error {
	if err := m.ensurePCLocked(); err != nil {
		return err
	}
	if err := m.applyRemoteLocked(webrtc.SDPTypeOffer, offerSDP); err != nil {
		return err
	}
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err = m.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	if err = m.store.UpdateCall(m.ctx, m.sessionID, CallPatch{AnswerSDP: &answer.SDP}); err != nil {
		return fmt.Errorf("publishing answer: %w", err)
	}
	m.logger.Debug("call answer published")
	return nil
}

func (m *CallManager) applyRemoteLocked(sdpType webrtc.SDPType, sdp string) error {
	if err := m.ensurePCLocked(); err != nil {
		return err
	}
	err := m.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp})
	if err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (m *CallManager) flushPendingLocked() {
	for _, cand := range m.pending.drain() {
		if err := m.pc.AddICECandidate(cand); err != nil {
			m.logger.Warn("applying queued call candidate failed", zap.Error(err))
		}
	}
}

// ensurePCLocked lazily builds the call peer connection with the local
// audio track, or a receive-only transceiver when no audio source is
// bound.
func (m *CallManager) ensurePCLocked() error {
	if m.pc != nil {
		return nil
	}
	pc, err := webrtc.NewPeerConnection(m.cfg.webrtcConfiguration())
	if err != nil {
		return fmt.Errorf("creating call peer connection: %w", err)
	}

	if m.audio != nil {
		track, stop, err := m.audio.OpenTrack(m.ctx)
		if err != nil {
			_ = pc.Close()
			return fmt.Errorf("opening audio track: %w", err)
		}
		if _, err = pc.AddTrack(track); err != nil {
			stop()
			_ = pc.Close()
			return fmt.Errorf("adding audio track: %w", err)
		}
		m.stopTrack = stop
	} else {
		_, err = pc.AddTransceiverFromKind(
			webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		)
		if err != nil {
			_ = pc.Close()
			return fmt.Errorf("adding audio transceiver: %w", err)
		}
	}

	callID := m.callID
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		cand := CallCandidate{CallID: callID, Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		if err := m.store.AddCallCandidate(m.ctx, m.sessionID, LaneClient, cand); err != nil {
			m.logger.Error("publishing call candidate failed", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		m.mu.Lock()
		handler := m.onRemoteAudio
		m.mu.Unlock()
		if handler != nil {
			go handler(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.callID != callID {
			return
		}
		m.logger.Trace("call connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.setStateLocked(CallStateInCall)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			if m.state != CallStateIdle {
				m.writeStatusLocked(CallEnded)
				m.finishLocked(CallStateFailed)
			}
		}
	})

	if m.router != nil {
		m.router.SetCallMode(true)
	}
	m.pc = pc
	return nil
}

func (m *CallManager) consumeCandidates(candidates <-chan CallCandidate) {
	for cand := range candidates {
		m.handleCandidate(cand)
	}
}

func (m *CallManager) handleCandidate(cand CallCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Foreign or stale call ids never reach the peer connection.
	if cand.CallID == "" || cand.CallID != m.callID {
		return
	}
	mid, mline := cand.SDPMid, cand.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	}
	if m.pc == nil || (!m.remoteOfferApplied && !m.remoteAnswerApplied) {
		m.pending.add(init)
		return
	}
	if err := m.pc.AddICECandidate(init); err != nil {
		m.logger.Warn("applying call candidate failed", zap.Error(err))
	}
}

func (m *CallManager) scheduleTimeoutLocked(callID string) {
	m.cancelTimeoutLocked()
	m.timeout = time.AfterFunc(m.cfg.CallTimeout, func() {
		m.onTimeout(callID)
	})
}

func (m *CallManager) cancelTimeoutLocked() {
	if m.timeout != nil {
		m.timeout.Stop()
		m.timeout = nil
	}
}

func (m *CallManager) onTimeout(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callID != callID {
		return
	}
	if m.state != CallStateOutgoingRinging && m.state != CallStateIncomingRinging {
		return
	}
	m.logger.Info("call timed out while ringing", zap.String("call_id", callID))
	m.writeStatusLocked(CallTimedOut)
	m.finishLocked(CallStateTimeout)
}

// writeStatusLocked records a terminal status; failures only log, the
// local machine proceeds regardless.
func (m *CallManager) writeStatusLocked(status CallStatus) {
	if m.sessionID == "" || m.callID == "" {
		return
	}
	now := time.Now().UTC()
	err := m.store.UpdateCall(m.ctx, m.sessionID, CallPatch{
		Status:  &status,
		EndedAt: &now,
	})
	if err != nil {
		m.logger.Error("writing call status failed", err, zap.String("status", string(status)))
	}
}

// finishLocked runs the teardown sequence exactly once per call: notify
// the terminal state, release the audio transport, restore routing, clear
// per-call flags, return to idle.
func (m *CallManager) finishLocked(terminal CallState) {
	m.cancelTimeoutLocked()
	m.setStateLocked(terminal)
	m.resetNegotiationLocked()
	m.finishedCallID = m.callID
	m.resetCallLocked()
	m.setStateLocked(CallStateIdle)
}

// resetNegotiationLocked discards the peer connection and all buffered
// negotiation state for the current call without touching the machine
// state.
func (m *CallManager) resetNegotiationLocked() {
	if m.pc != nil {
		if err := m.pc.Close(); err != nil {
			m.logger.Error("closing call peer connection failed", err)
		}
		m.pc = nil
	}
	if m.stopTrack != nil {
		m.stopTrack()
		m.stopTrack = nil
	}
	if m.router != nil {
		m.router.SetCallMode(false)
	}
	m.pending.clear()
	m.offerSent = false
	m.remoteOfferApplied = false
	m.remoteAnswerApplied = false
	m.localAccepted = false
}

func (m *CallManager) resetCallLocked() {
	m.callID = ""
	m.direction = ""
}

func (m *CallManager) adoptCallLocked(callID string, direction CallDirection) {
	m.callID = callID
	m.direction = direction
}

func (m *CallManager) setStateLocked(state CallState) {
	if m.state == state {
		return
	}
	m.logger.Trace("call state changed",
		zap.String("prev", string(m.state)),
		zap.String("new", string(state)),
	)
	m.state = state
	if m.onState != nil {
		m.onState(state)
	}
}

func callStatusPtr(s CallStatus) *CallStatus { return &s }
