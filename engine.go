package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bt-bridge/remote-session/shared"
)

// Audit event types the engine records.
const (
	auditShareStart   = "share_start"
	auditShareStop    = "share_stop"
	auditRemoteEnable = "remote_enable"
	auditRemoteRevoke = "remote_revoke"
	auditCallStart    = "call_start"
	auditCallEnd      = "call_end"
	auditSessionEnd   = "session_end"
)

// Backends bundles the platform collaborators the engine drives. Only
// Capture is required for screen sharing; everything else degrades to a
// no-op when absent.
type Backends struct {
	Capture   Capture
	Injector  Injector
	Telemetry Telemetry
	Audio     AudioSource
	Router    AudioRouter
}

// Engine is the session orchestrator: it binds one session at a time,
// owns the gate flags and the session state, routes session commands from
// the relay to the screen controller and call machine, pushes periodic
// telemetry, records audit events, and guarantees exactly one finalize
// sequence per session no matter which side or condition ends it.
type Engine struct {
	logger   shared.LoggerAdapter
	cfg      *Config
	relay    Relay
	backends Backends

	flags *GateFlags

	mu            sync.Mutex
	state         State
	screen        *ScreenController
	call          *CallManager
	dispatcher    *Dispatcher
	finalize      *sync.Once
	sessionCancel context.CancelFunc

	callActive    atomic.Bool
	callConnected atomic.Bool

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewEngine(ctx context.Context, logger shared.LoggerAdapter, cfg *Config, relay Relay, backends Backends) (*Engine, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if relay == nil {
		return nil, shared.ErrNoRelay
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Engine{
		logger:   logger.With(zap.String("component", "engine")),
		cfg:      cfg,
		relay:    relay,
		backends: backends,
		flags:    &GateFlags{},
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Flags exposes the gate flag handle, mainly for tests.
func (e *Engine) Flags() *GateFlags { return e.flags }

// Snapshot returns the current session state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state
	st.RemoteEnabled = e.flags.RemoteEnabled()
	st.Calling = e.callActive.Load()
	st.CallConnected = e.callConnected.Load()
	return st
}

func (e *Engine) respectCtx() error {
	select {
	case <-e.ctx.Done():
		return e.ctx.Err()
	default:
	}
	return nil
}

// Bind attaches the engine to an accepted support session: registers it
// with the relay, binds the call machine, starts the command watcher and
// the telemetry loop.
func (e *Engine) Bind(sessionID string, client ClientInfo, tech *TechInfo) error {
	if err := e.respectCtx(); err != nil {
		return fmt.Errorf("respecting engine context: %w", err)
	}

	e.mu.Lock()
	if e.state.ID != "" {
		e.mu.Unlock()
		return shared.ErrSessionAlreadyBound
	}
	sessionCtx, sessionCancel := context.WithCancel(e.ctx)
	e.sessionCancel = sessionCancel
	e.state = State{ID: sessionID, Status: StatusActive}
	if tech != nil {
		e.state.TechName = tech.Name
	}
	e.finalize = new(sync.Once)
	e.mu.Unlock()

	if err := e.relay.StartSession(sessionCtx, sessionID, client, tech); err != nil {
		e.unbind()
		return fmt.Errorf("registering session: %w", err)
	}

	call, err := NewCallManager(sessionCtx, e.logger, e.cfg, e.relay, e.backends.Audio, e.backends.Router)
	if err != nil {
		e.unbind()
		return fmt.Errorf("creating call manager: %w", err)
	}
	if err = call.RegisterStateHandler(e.onCallState); err != nil {
		e.unbind()
		return fmt.Errorf("registering call state handler: %w", err)
	}
	if err = call.BindSession(sessionID); err != nil {
		e.unbind()
		return fmt.Errorf("binding call manager: %w", err)
	}

	commands, err := e.relay.WatchCommands(sessionCtx, sessionID)
	if err != nil {
		call.Release()
		e.unbind()
		return fmt.Errorf("watching session commands: %w", err)
	}

	e.mu.Lock()
	e.call = call
	e.mu.Unlock()

	go e.commandLoop(commands)
	go e.telemetryLoop(sessionCtx, sessionID)

	e.logger.Info("session bound",
		zap.String("session_id", sessionID),
		zap.String("tech", e.Snapshot().TechName),
	)
	return nil
}

// unbind rolls back a partial Bind.
func (e *Engine) unbind() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionCancel != nil {
		e.sessionCancel()
		e.sessionCancel = nil
	}
	e.state = State{}
	e.call = nil
	e.finalize = nil
}

// StartShare begins screen sharing, initiated locally.
func (e *Engine) StartShare() error { return e.startShare(PeerClient) }

// StopShare ends screen sharing, initiated locally.
func (e *Engine) StopShare() error { return e.stopShare(PeerClient) }

func (e *Engine) startShare(origin Peer) error {
	e.mu.Lock()
	if e.state.ID == "" {
		e.mu.Unlock()
		return shared.ErrNoSession
	}
	if e.screen != nil {
		e.mu.Unlock()
		return shared.ErrShareAlreadyActive
	}
	if e.backends.Capture == nil {
		e.mu.Unlock()
		return shared.ErrNoCapture
	}
	sessionID := e.state.ID
	e.mu.Unlock()

	screen, err := NewScreenController(e.ctx, e.logger, e.cfg, e.relay, e.backends.Capture, e.flags, sessionID)
	if err != nil {
		return fmt.Errorf("creating screen controller: %w", err)
	}

	gate := NewGate(e.flags, e.injectorReady)
	dispatcher := NewDispatcher(e.logger, gate, e.backends.Injector, screen.FrameSize)
	if err = screen.RegisterCommandHandler(dispatcher.HandleMessage); err != nil {
		return fmt.Errorf("registering command handler: %w", err)
	}
	if err = screen.RegisterStoppedHandler(func(reason string) {
		e.onShareStopped(sessionID, reason)
	}); err != nil {
		return fmt.Errorf("registering stopped handler: %w", err)
	}

	if err = screen.Start(); err != nil {
		return fmt.Errorf("starting screen share: %w", err)
	}

	e.mu.Lock()
	e.screen = screen
	e.dispatcher = dispatcher
	e.state.Sharing = true
	e.mu.Unlock()

	e.appendAudit(auditShareStart, origin, nil)
	return nil
}

func (e *Engine) stopShare(origin Peer) error {
	e.mu.Lock()
	screen := e.screen
	dispatcher := e.dispatcher
	e.screen = nil
	e.dispatcher = nil
	e.state.Sharing = false
	e.mu.Unlock()
	if screen == nil {
		return nil
	}
	if dispatcher != nil {
		dispatcher.Reset()
	}
	if err := screen.Close(); err != nil {
		return fmt.Errorf("closing screen share: %w", err)
	}
	e.appendAudit(auditShareStop, origin, nil)
	return nil
}

// onShareStopped reacts to the transport going down on its own (remote
// stop command or hangup signal).
func (e *Engine) onShareStopped(sessionID, reason string) {
	e.mu.Lock()
	current := e.state.ID == sessionID && e.screen != nil
	if current {
		e.screen = nil
		e.dispatcher = nil
		e.state.Sharing = false
	}
	e.mu.Unlock()
	if !current {
		return
	}
	e.appendAudit(auditShareStop, PeerTech, map[string]any{"reason": reason})
	e.logger.Info("screen share stopped remotely", zap.String("reason", reason))
}

func (e *Engine) injectorReady() bool {
	if e.backends.Injector == nil {
		return false
	}
	return e.backends.Injector.Ready()
}

// SetRemoteEnabled grants or revokes remote control, initiated locally.
func (e *Engine) SetRemoteEnabled(enabled bool) error {
	return e.setRemoteEnabled(PeerClient, enabled)
}

func (e *Engine) setRemoteEnabled(origin Peer, enabled bool) error {
	e.mu.Lock()
	bound := e.state.ID != ""
	dispatcher := e.dispatcher
	e.mu.Unlock()
	if !bound {
		return shared.ErrNoSession
	}

	was := e.flags.RemoteEnabled()
	e.flags.SetRemoteEnabled(enabled)
	if was == enabled {
		return nil
	}
	if !enabled && dispatcher != nil {
		// Revocation also drops any open stroke mid-gesture.
		dispatcher.Reset()
	}
	if enabled {
		e.appendAudit(auditRemoteEnable, origin, nil)
	} else {
		e.appendAudit(auditRemoteRevoke, origin, nil)
	}
	return nil
}

// StartCall rings the technician.
func (e *Engine) StartCall() error {
	call := e.currentCall()
	if call == nil {
		return shared.ErrNoSession
	}
	if err := call.StartOutgoingCall(); err != nil {
		return err
	}
	e.appendAudit(auditCallStart, PeerClient, nil)
	return nil
}

// AcceptCall accepts a ringing incoming call.
func (e *Engine) AcceptCall() error {
	call := e.currentCall()
	if call == nil {
		return shared.ErrNoSession
	}
	return call.AcceptIncomingCall()
}

// DeclineCall declines a ringing incoming call.
func (e *Engine) DeclineCall() error {
	call := e.currentCall()
	if call == nil {
		return shared.ErrNoSession
	}
	return call.DeclineIncomingCall()
}

// EndCall hangs up the active call.
func (e *Engine) EndCall() error {
	call := e.currentCall()
	if call == nil {
		return shared.ErrNoSession
	}
	if err := call.EndCall(); err != nil {
		return err
	}
	e.appendAudit(auditCallEnd, PeerClient, nil)
	return nil
}

func (e *Engine) currentCall() *CallManager {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.call
}

// onCallState tracks the call machine's transitions into the engine's
// flags. Runs on the call manager's lock; must stay reentrancy-free.
func (e *Engine) onCallState(state CallState) {
	switch state {
	case CallStateOutgoingRinging, CallStateIncomingRinging, CallStateConnecting:
		e.callActive.Store(true)
		e.callConnected.Store(false)
	case CallStateInCall:
		e.callActive.Store(true)
		e.callConnected.Store(true)
	default:
		e.callActive.Store(false)
		e.callConnected.Store(false)
	}
}

// EndSession finalizes the session, initiated locally.
func (e *Engine) EndSession() error {
	e.finalizeSession(PeerClient, "local_end")
	return nil
}

// commandLoop applies session commands arriving from the relay.
func (e *Engine) commandLoop(commands <-chan Command) {
	for cmd := range commands {
		// Our own commands echo back through the bus.
		if cmd.From == PeerClient {
			continue
		}
		e.handleCommand(cmd)
	}
}

func (e *Engine) handleCommand(cmd Command) {
	e.logger.Debug("session command received",
		zap.String("type", string(cmd.Type)),
		zap.String("from", string(cmd.From)),
	)
	switch cmd.Type {
	case CommandShareStart:
		if err := e.startShare(cmd.From); err != nil && !errors.Is(err, shared.ErrShareAlreadyActive) {
			e.logger.Error("share start command failed", err)
		}
	case CommandShareStop:
		if err := e.stopShare(cmd.From); err != nil {
			e.logger.Error("share stop command failed", err)
		}
	case CommandRemoteEnable:
		if err := e.setRemoteEnabled(cmd.From, true); err != nil {
			e.logger.Error("remote enable command failed", err)
		}
	case CommandRemoteRevoke:
		if err := e.setRemoteEnabled(cmd.From, false); err != nil {
			e.logger.Error("remote revoke command failed", err)
		}
	case CommandCallStart:
		// The call record watcher drives the actual ringing; the command
		// is informational.
		e.appendAudit(auditCallStart, cmd.From, nil)
	case CommandCallEnd:
		if call := e.currentCall(); call != nil {
			if err := call.EndCall(); err != nil && !errors.Is(err, shared.ErrCallNotIdle) {
				e.logger.Error("call end command failed", err)
			} else if err == nil {
				e.appendAudit(auditCallEnd, cmd.From, nil)
			}
		}
	case CommandSessionEnd:
		e.finalizeSession(cmd.From, cmd.Reason)
	default:
		e.logger.Warn("ignoring unknown session command", zap.String("type", string(cmd.Type)))
	}
}

// telemetryLoop pushes a state+telemetry snapshot on a fixed period while
// the session lives.
func (e *Engine) telemetryLoop(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(e.cfg.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap := e.telemetrySnapshot()
		if err := e.relay.PushTelemetry(ctx, sessionID, snap); err != nil {
			if errors.Is(err, shared.ErrSessionClosed) || errors.Is(err, shared.ErrNoSession) {
				return
			}
			e.logger.Warn("pushing telemetry failed", zap.Error(err))
		}
	}
}

func (e *Engine) telemetrySnapshot() TelemetrySnapshot {
	e.mu.Lock()
	sharing := e.state.Sharing
	e.mu.Unlock()

	snap := TelemetrySnapshot{
		Sharing:       sharing,
		RemoteEnabled: e.flags.RemoteEnabled(),
		Calling:       e.callActive.Load(),
		CallConnected: e.callConnected.Load(),
	}
	if e.backends.Telemetry != nil {
		if pct, ok := e.backends.Telemetry.Battery(); ok {
			snap.Battery = &pct
		}
		snap.Net = e.backends.Telemetry.NetworkType()
	}
	return snap
}

func (e *Engine) appendAudit(eventType string, origin Peer, extra map[string]any) {
	e.mu.Lock()
	sessionID := e.state.ID
	e.mu.Unlock()
	if sessionID == "" {
		return
	}
	ev := AuditEvent{
		Type:   eventType,
		Origin: origin,
		Extra:  extra,
		At:     time.Now().UTC(),
	}
	if err := e.relay.AppendAudit(e.ctx, sessionID, ev); err != nil {
		e.logger.Warn("appending audit event failed",
			zap.Error(err),
			zap.String("type", eventType),
		)
	}
}

// finalizeSession runs the end-of-session sequence exactly once per bound
// session: stop sharing and keepalive, release the call machine, reset
// every flag, record the audit trail, close the relay session, and clear
// the bound id.
func (e *Engine) finalizeSession(origin Peer, reason string) {
	e.mu.Lock()
	once := e.finalize
	sessionID := e.state.ID
	e.mu.Unlock()
	if once == nil || sessionID == "" {
		return
	}

	once.Do(func() {
		e.logger.Info("finalizing session",
			zap.String("session_id", sessionID),
			zap.String("origin", string(origin)),
			zap.String("reason", reason),
		)

		if err := e.stopShare(origin); err != nil {
			e.logger.Error("stopping share during finalize failed", err)
		}
		if call := e.currentCall(); call != nil {
			call.Release()
		}

		e.flags.SetSessionActive(false)
		e.flags.SetRemoteEnabled(false)
		e.callActive.Store(false)
		e.callConnected.Store(false)

		extra := map[string]any(nil)
		if reason != "" {
			extra = map[string]any{"reason": reason}
		}
		e.appendAudit(auditSessionEnd, origin, extra)
		if err := e.relay.CloseSession(e.ctx, sessionID); err != nil {
			e.logger.Error("closing relay session failed", err)
		}

		e.mu.Lock()
		if e.sessionCancel != nil {
			e.sessionCancel()
			e.sessionCancel = nil
		}
		e.state = State{Status: StatusClosed}
		e.call = nil
		e.finalize = nil
		e.mu.Unlock()
	})
}

// Close finalizes any bound session and shuts the engine down.
func (e *Engine) Close() error {
	e.finalizeSession(PeerClient, "engine_closed")
	e.cancel(errors.New("engine closed"))
	return nil
}
