package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/bt-bridge/remote-session/shared"
)

// Data channel labels on the screen transport. The status channel carries
// keepalive, status and stats traffic; the command channel carries raw
// remote-input payloads.
const (
	dcLabelStatus  = "control"
	dcLabelCommand = "ctrl"
)

// CommandHandler receives raw command-channel payloads.
type CommandHandler func(data []byte)

// StoppedHandler is notified once when the screen transport goes down,
// with the reason that ended it.
type StoppedHandler func(reason string)

// ScreenController owns the screen/control peer connection for one
// session: offer/answer/ICE exchange through the relay, the keepalive
// loop on the status channel, quality adaptation, and the frame pump
// from the capture backend into the outbound video track.
type ScreenController struct {
	logger    shared.LoggerAdapter
	cfg       *Config
	relay     Signaling
	capture   Capture
	flags     *GateFlags
	sessionID string

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	statusDC *webrtc.DataChannel
	cmdDC    *webrtc.DataChannel
	track    *webrtc.TrackLocalStaticSample
	source   ScreenSource
	state    webrtc.PeerConnectionState
	quality  QualityLevel
	running  bool

	// remoteApplied latches once the answer for the current negotiation
	// round has been applied; candidates arriving earlier queue up.
	remoteApplied bool
	pending       pendingCandidates
	seen          map[string]struct{}

	onCommand CommandHandler
	onStopped StoppedHandler
	stopOnce  sync.Once

	lastPong      atomic.Int64 // unix nanos of the last pong
	framesWritten atomic.Uint64
	statsFrames   uint64
	statsAt       time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewScreenController(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *Config,
	relay Signaling,
	capture Capture,
	flags *GateFlags,
	sessionID string,
) (*ScreenController, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if relay == nil {
		return nil, shared.ErrNoRelay
	}
	if capture == nil {
		return nil, shared.ErrNoCapture
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &ScreenController{
		logger:    logger.With(zap.String("component", "screen"), zap.String("session_id", sessionID)),
		cfg:       cfg,
		relay:     relay,
		capture:   capture,
		flags:     flags,
		sessionID: sessionID,
		quality:   cfg.DefaultQuality,
		seen:      make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (s *ScreenController) respectCtx() error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}
	return nil
}

// RegisterCommandHandler sets the sink for raw command-channel payloads.
// Must be called before Start.
func (s *ScreenController) RegisterCommandHandler(handler CommandHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return shared.ErrShareAlreadyActive
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	s.onCommand = handler
	return nil
}

// RegisterStoppedHandler sets the callback fired once when the transport
// goes down. Must be called before Start.
func (s *ScreenController) RegisterStoppedHandler(handler StoppedHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return shared.ErrShareAlreadyActive
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	s.onStopped = handler
	return nil
}

// Start brings up capture, the peer connection, both data channels and
// the signaling watcher, then issues the initial offer.
func (s *ScreenController) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return shared.ErrShareAlreadyActive
	}
	if err := s.respectCtx(); err != nil {
		return fmt.Errorf("respecting controller context: %w", err)
	}

	source, err := s.capture.Start(s.ctx, s.cfg.CaptureWidth, s.cfg.CaptureHeight, s.cfg.CaptureFPS)
	if err != nil {
		return fmt.Errorf("starting capture: %w", err)
	}
	s.source = source

	s.pc, err = webrtc.NewPeerConnection(s.cfg.webrtcConfiguration())
	if err != nil {
		_ = source.Close()
		s.source = nil
		return fmt.Errorf("creating peer connection: %w", err)
	}

	s.track, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		"screen",
		"capture",
	)
	if err != nil {
		return s.failStart(fmt.Errorf("creating local video track: %w", err))
	}
	if _, err = s.pc.AddTrack(s.track); err != nil {
		return s.failStart(fmt.Errorf("adding video track to peer connection: %w", err))
	}

	s.statusDC, err = s.pc.CreateDataChannel(dcLabelStatus, nil)
	if err != nil {
		return s.failStart(fmt.Errorf("creating status channel: %w", err))
	}
	s.cmdDC, err = s.pc.CreateDataChannel(dcLabelCommand, nil)
	if err != nil {
		return s.failStart(fmt.Errorf("creating command channel: %w", err))
	}

	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		ev := SignalEvent{
			Type:      SignalICE,
			From:      PeerClient,
			Candidate: init.Candidate,
		}
		if init.SDPMid != nil {
			ev.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			ev.SDPMLineIndex = *init.SDPMLineIndex
		}
		if err := s.relay.PublishSignal(s.ctx, s.sessionID, ev); err != nil {
			s.logger.Error("publishing local candidate failed", err)
		}
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.respectCtx(); err != nil {
			s.logger.Warn("respecting controller context failed", zap.Error(err))
			return
		}
		s.logger.Trace(
			"peer connection state changed",
			zap.String("prev", s.state.String()),
			zap.String("new", state.String()),
		)
		s.state = state
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.sendStatusLocked("connected", "")
		case webrtc.PeerConnectionStateDisconnected:
			s.sendStatusLocked("disconnected", "")
			go s.Renegotiate(true)
		case webrtc.PeerConnectionStateFailed:
			s.sendStatusLocked("failed", "")
			go s.Renegotiate(true)
		}
	})

	s.statusDC.OnOpen(func() {
		s.lastPong.Store(time.Now().UnixNano())
		s.mu.Lock()
		s.statsAt = time.Now()
		s.mu.Unlock()
		go s.pingLoop()
		s.logger.Info("status channel opened")
	})
	s.statusDC.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.handleControl(msg.Data)
	})

	s.cmdDC.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.Lock()
		handler := s.onCommand
		s.mu.Unlock()
		if handler != nil {
			handler(msg.Data)
		}
	})

	events, err := s.relay.WatchSignals(s.ctx, s.sessionID)
	if err != nil {
		return s.failStart(fmt.Errorf("watching signals: %w", err))
	}
	go s.consumeSignals(events)
	go s.pumpFrames(source)

	if err = s.negotiateLocked(false); err != nil {
		return s.failStart(err)
	}

	s.running = true
	if s.flags != nil {
		s.flags.SetSessionActive(true)
	}
	s.applyQualityLocked(s.quality)
	s.logger.Info("screen share started", zap.String("quality", string(s.quality)))
	return nil
}

// failStart unwinds a partial Start while the lock is held.
func (s *ScreenController) failStart(err error) error {
	if s.pc != nil {
		_ = s.pc.Close()
		s.pc = nil
	}
	if s.source != nil {
		_ = s.source.Close()
		s.source = nil
	}
	s.statusDC, s.cmdDC, s.track = nil, nil, nil
	s.cancel(err)
	return err
}

// Renegotiate issues a fresh offer. Safe to call repeatedly; every call
// supersedes the in-flight negotiation round and drops its queued
// candidates.
func (s *ScreenController) Renegotiate(iceRestart bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.respectCtx(); err != nil {
		return fmt.Errorf("respecting controller context: %w", err)
	}
	if s.pc == nil {
		return shared.ErrShareNotActive
	}
	return s.negotiateLocked(iceRestart)
}

func (s *ScreenController) negotiateLocked(iceRestart bool) error {
	s.pending.clear()
	s.remoteApplied = false

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err = s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	ev := SignalEvent{
		Type: SignalOffer,
		From: PeerClient,
		SDP:  offer.SDP,
	}
	if err = s.relay.PublishSignal(s.ctx, s.sessionID, ev); err != nil {
		return fmt.Errorf("publishing offer: %w", err)
	}
	s.logger.Info("offer published", zap.Bool("ice_restart", iceRestart))
	return nil
}

// consumeSignals applies relay events in creation order, deduping by event
// id and skipping our own publications.
func (s *ScreenController) consumeSignals(events <-chan SignalEvent) {
	for ev := range events {
		s.mu.Lock()
		if _, dup := s.seen[ev.ID]; dup {
			s.mu.Unlock()
			continue
		}
		s.seen[ev.ID] = struct{}{}
		s.mu.Unlock()

		if ev.From == PeerClient {
			continue
		}
		switch ev.Type {
		case SignalAnswer:
			s.handleAnswer(ev.SDP)
		case SignalICE:
			s.handleCandidate(ev)
		case SignalHangup:
			s.stop("hangup")
			return
		}
	}
}

func (s *ScreenController) handleAnswer(sdp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return
	}
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		s.logger.Error("applying remote answer failed", err)
		return
	}
	s.remoteApplied = true
	for _, cand := range s.pending.drain() {
		if err = s.pc.AddICECandidate(cand); err != nil {
			s.logger.Warn("applying queued candidate failed", zap.Error(err))
		}
	}
	s.logger.Debug("remote answer applied")
}

func (s *ScreenController) handleCandidate(ev SignalEvent) {
	mid, mline := ev.SDPMid, ev.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     ev.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return
	}
	if !s.remoteApplied {
		s.pending.add(init)
		return
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		s.logger.Warn("applying remote candidate failed", zap.Error(err))
	}
}

// handleControl processes one status-channel message.
func (s *ScreenController) handleControl(data []byte) {
	msg, err := decodeControl(data)
	if err != nil {
		s.logger.Debug("dropping malformed control message", zap.Error(err))
		return
	}
	switch msg.T {
	case wirePong:
		s.lastPong.Store(time.Now().UnixNano())
	case wirePing:
		s.sendControl(controlMessage{T: wirePong})
	case ctrlStop:
		go s.stop("remote_stop")
	case ctrlQuality:
		s.SetQuality(ParseQualityLevel(msg.Level))
	case ctrlRequestStats:
		go s.sendStats()
	case ctrlICERestart:
		go s.Renegotiate(true)
	default:
		s.logger.Debug("ignoring unknown control message", zap.String("t", msg.T))
	}
}

func (s *ScreenController) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		s.sendControl(controlMessage{T: wirePing})

		silence := time.Since(time.Unix(0, s.lastPong.Load()))
		if silence > s.cfg.SilenceTimeout {
			s.logger.Warn("keepalive silence, forcing ICE restart", zap.Duration("silence", silence))
			// Reset the window so one stall triggers one restart.
			s.lastPong.Store(time.Now().UnixNano())
			if err := s.Renegotiate(true); err != nil {
				s.logger.Error("keepalive renegotiation failed", err)
			}
		}
	}
}

func (s *ScreenController) pumpFrames(source ScreenSource) {
	for {
		sample, err := source.ReadSample(s.ctx)
		if err != nil {
			if s.respectCtx() == nil {
				s.logger.Error("reading capture sample failed", err)
			}
			return
		}
		if err = s.track.WriteSample(sample); err != nil {
			s.logger.Warn("writing video sample failed", zap.Error(err))
			continue
		}
		s.framesWritten.Add(1)
	}
}

// SetQuality applies a preset to the outbound encoder. No renegotiation.
func (s *ScreenController) SetQuality(level QualityLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality = level
	s.applyQualityLocked(level)
}

func (s *ScreenController) applyQualityLocked(level QualityLevel) {
	ec, ok := s.source.(EncoderControl)
	if !ok {
		return
	}
	preset := qualityPresets[level]
	ec.SetBitrate(preset.maxKbps, preset.minKbps)
	ec.SetFramerate(preset.maxFPS)
	ec.SetScaleDown(preset.scaleDown)
	s.logger.Info("quality applied",
		zap.String("level", string(level)),
		zap.Int("max_kbps", preset.maxKbps),
		zap.Int("max_fps", preset.maxFPS),
	)
}

// Quality returns the currently applied level.
func (s *ScreenController) Quality() QualityLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// FrameSize reports the live capture-frame dimensions, driving coordinate
// mapping for remote input.
func (s *ScreenController) FrameSize() (int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return 0, 0, false
	}
	w, h := s.source.Size()
	return w, h, true
}

func (s *ScreenController) State() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ScreenController) Done() <-chan struct{} {
	return s.ctx.Done()
}

// sendStats answers a request-stats command with a snapshot from the peer
// connection plus the controller's own frame counters.
func (s *ScreenController) sendStats() {
	s.mu.Lock()
	pc := s.pc
	source := s.source
	prevFrames, prevAt := s.statsFrames, s.statsAt
	frames := s.framesWritten.Load()
	now := time.Now()
	s.statsFrames, s.statsAt = frames, now
	s.mu.Unlock()
	if pc == nil {
		return
	}

	out := statsMessage{T: wireStats}
	if elapsed := now.Sub(prevAt).Seconds(); elapsed > 0 && frames >= prevFrames {
		fps := float64(frames-prevFrames) / elapsed
		out.FPS = &fps
	}
	if ec, ok := source.(EncoderControl); ok {
		impl := ec.Implementation()
		out.EncoderImpl = &impl
	}
	for _, st := range pc.GetStats() {
		switch v := st.(type) {
		case webrtc.OutboundRTPStreamStats:
			if v.Kind != "video" {
				continue
			}
			out.BytesSent = v.BytesSent
			out.FramesEncoded = uint64(v.FramesEncoded)
			if v.QualityLimitationReason != "" {
				reason := string(v.QualityLimitationReason)
				out.QualityLimitation = &reason
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if v.RoundTripTime > 0 {
				rtt := v.RoundTripTime * 1000
				out.RTTMs = &rtt
			}
		}
	}

	data, err := encodeStats(out)
	if err != nil {
		s.logger.Error("encoding stats failed", err)
		return
	}
	s.sendRaw(data)
}

func (s *ScreenController) sendStatusLocked(status, reason string) {
	dc := s.statusDC
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	data, err := encodeControl(controlMessage{T: wireStatus, Status: status, Reason: reason})
	if err != nil {
		s.logger.Error("encoding status failed", err)
		return
	}
	if err = dc.Send(data); err != nil {
		s.logger.Debug("sending status failed", zap.Error(err))
	}
}

func (s *ScreenController) sendControl(msg controlMessage) {
	data, err := encodeControl(msg)
	if err != nil {
		s.logger.Error("encoding control message failed", err)
		return
	}
	s.sendRaw(data)
}

func (s *ScreenController) sendRaw(data []byte) {
	s.mu.Lock()
	dc := s.statusDC
	s.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	if err := dc.Send(data); err != nil {
		s.logger.Debug("sending control message failed", zap.Error(err))
	}
}

// stop tears down once and notifies the stopped handler with the reason.
func (s *ScreenController) stop(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		handler := s.onStopped
		s.sendStatusLocked("stopped", reason)
		s.mu.Unlock()

		if err := s.Close(); err != nil {
			s.logger.Error("closing screen controller failed", err)
		}
		if handler != nil {
			go handler(reason)
		}
	})
}

// Close releases the transport and capture resources. Idempotent; clears
// the session-active gate flag.
func (s *ScreenController) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running && s.pc == nil {
		return nil
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.logger.Error("closing peer connection failed", err)
		}
		s.pc = nil
	}
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			s.logger.Error("closing capture source failed", err)
		}
		s.source = nil
	}
	s.statusDC, s.cmdDC, s.track = nil, nil, nil
	s.pending.clear()
	s.cancel(errors.New("screen controller closed"))
	s.running = false
	if s.flags != nil {
		s.flags.SetSessionActive(false)
	}
	s.logger.Info("screen share stopped")
	return nil
}
