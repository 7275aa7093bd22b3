package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bt-bridge/remote-session/shared"
)

// Compile-time interface check.
var _ Relay = (*MemoryRelay)(nil)

// MemoryRelay is an in-process Relay for tests. Signals, call state,
// commands, telemetry and audit records live in per-session logs guarded
// by a single mutex, and watchers are woken through a shared condition
// variable. Two engines sharing the same MemoryRelay can negotiate
// without any network relay.
type MemoryRelay struct {
	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[string]*memorySession
}

type memorySession struct {
	client ClientInfo
	tech   *TechInfo
	closed bool

	seq     uint64
	signals []SignalEvent
	byID    map[string]struct{}

	call        *CallRecord
	callVersion uint64
	lanes       map[CallLane][]CallCandidate

	commands  []Command
	telemetry []TelemetrySnapshot
	audit     []AuditEvent
}

// NewMemoryRelay creates a new in-process relay.
func NewMemoryRelay() *MemoryRelay {
	r := &MemoryRelay{sessions: make(map[string]*memorySession)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *MemoryRelay) StartSession(_ context.Context, sessionID string, client ClientInfo, tech *TechInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok && !s.closed {
		return shared.ErrSessionAlreadyBound
	}
	r.sessions[sessionID] = &memorySession{
		client: client,
		tech:   tech,
		byID:   make(map[string]struct{}),
		lanes:  make(map[CallLane][]CallCandidate),
	}
	r.cond.Broadcast()
	return nil
}

func (r *MemoryRelay) CloseSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return shared.ErrNoSession
	}
	s.closed = true
	r.cond.Broadcast()
	return nil
}

func (r *MemoryRelay) PublishSignal(_ context.Context, sessionID string, ev SignalEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.openSession(sessionID)
	if err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if _, dup := s.byID[ev.ID]; dup {
		return nil
	}
	s.byID[ev.ID] = struct{}{}
	s.seq++
	ev.Seq = s.seq
	s.signals = append(s.signals, ev)
	r.cond.Broadcast()
	return nil
}

func (r *MemoryRelay) WatchSignals(ctx context.Context, sessionID string) (<-chan SignalEvent, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, shared.ErrNoSession
	}

	out := make(chan SignalEvent)
	go r.wakeOnDone(ctx)
	go func() {
		defer close(out)
		next := 0
		for {
			r.mu.Lock()
			for next >= len(s.signals) && ctx.Err() == nil {
				r.cond.Wait()
			}
			if ctx.Err() != nil {
				r.mu.Unlock()
				return
			}
			ev := s.signals[next]
			next++
			r.mu.Unlock()

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *MemoryRelay) UpdateCall(_ context.Context, sessionID string, patch CallPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.openSession(sessionID)
	if err != nil {
		return err
	}
	if s.call == nil {
		s.call = &CallRecord{}
	}
	mergeCallPatch(s.call, patch)
	s.callVersion++
	r.cond.Broadcast()
	return nil
}

func (r *MemoryRelay) WatchCall(ctx context.Context, sessionID string) (<-chan CallRecord, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, shared.ErrNoSession
	}

	out := make(chan CallRecord)
	go r.wakeOnDone(ctx)
	go func() {
		defer close(out)
		var seen uint64
		for {
			r.mu.Lock()
			for (s.call == nil || s.callVersion == seen) && ctx.Err() == nil {
				r.cond.Wait()
			}
			if ctx.Err() != nil {
				r.mu.Unlock()
				return
			}
			rec := *s.call
			seen = s.callVersion
			r.mu.Unlock()

			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *MemoryRelay) AddCallCandidate(_ context.Context, sessionID string, lane CallLane, cand CallCandidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.openSession(sessionID)
	if err != nil {
		return err
	}
	s.lanes[lane] = append(s.lanes[lane], cand)
	r.cond.Broadcast()
	return nil
}

func (r *MemoryRelay) WatchCallCandidates(ctx context.Context, sessionID string, lane CallLane) (<-chan CallCandidate, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, shared.ErrNoSession
	}

	out := make(chan CallCandidate)
	go r.wakeOnDone(ctx)
	go func() {
		defer close(out)
		next := 0
		for {
			r.mu.Lock()
			for next >= len(s.lanes[lane]) && ctx.Err() == nil {
				r.cond.Wait()
			}
			if ctx.Err() != nil {
				r.mu.Unlock()
				return
			}
			cand := s.lanes[lane][next]
			next++
			r.mu.Unlock()

			select {
			case out <- cand:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *MemoryRelay) SendCommand(_ context.Context, sessionID string, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.openSession(sessionID)
	if err != nil {
		return err
	}
	cmd.SessionID = sessionID
	s.commands = append(s.commands, cmd)
	r.cond.Broadcast()
	return nil
}

// WatchCommands streams commands sent after the subscription: unlike the
// signaling log, replaying old session commands would re-execute them.
func (r *MemoryRelay) WatchCommands(ctx context.Context, sessionID string) (<-chan Command, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	next := 0
	if ok {
		next = len(s.commands)
	}
	r.mu.Unlock()
	if !ok {
		return nil, shared.ErrNoSession
	}

	out := make(chan Command)
	go r.wakeOnDone(ctx)
	go func() {
		defer close(out)
		for {
			r.mu.Lock()
			for next >= len(s.commands) && ctx.Err() == nil {
				r.cond.Wait()
			}
			if ctx.Err() != nil {
				r.mu.Unlock()
				return
			}
			cmd := s.commands[next]
			next++
			r.mu.Unlock()

			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *MemoryRelay) PushTelemetry(_ context.Context, sessionID string, snap TelemetrySnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.openSession(sessionID)
	if err != nil {
		return err
	}
	s.telemetry = append(s.telemetry, snap)
	return nil
}

func (r *MemoryRelay) AppendAudit(_ context.Context, sessionID string, ev AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.openSession(sessionID)
	if err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s.audit = append(s.audit, ev)
	return nil
}

// SignalLog returns a copy of the session's signaling log, for tests.
func (r *MemoryRelay) SignalLog(sessionID string) []SignalEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]SignalEvent, len(s.signals))
	copy(out, s.signals)
	return out
}

// CallSnapshot returns the current call record, for tests.
func (r *MemoryRelay) CallSnapshot(sessionID string) (CallRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.call == nil {
		return CallRecord{}, false
	}
	return *s.call, true
}

// CandidateLog returns a copy of one ICE lane, for tests.
func (r *MemoryRelay) CandidateLog(sessionID string, lane CallLane) []CallCandidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]CallCandidate, len(s.lanes[lane]))
	copy(out, s.lanes[lane])
	return out
}

// CommandLog returns a copy of the session's command log, for tests.
func (r *MemoryRelay) CommandLog(sessionID string) []Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// TelemetryLog returns a copy of the pushed telemetry snapshots, for tests.
func (r *MemoryRelay) TelemetryLog(sessionID string) []TelemetrySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]TelemetrySnapshot, len(s.telemetry))
	copy(out, s.telemetry)
	return out
}

// AuditLog returns a copy of the session's audit records, for tests.
func (r *MemoryRelay) AuditLog(sessionID string) []AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]AuditEvent, len(s.audit))
	copy(out, s.audit)
	return out
}

// SessionClosed reports whether the session exists and has been closed.
func (r *MemoryRelay) SessionClosed(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	return ok && s.closed
}

func (r *MemoryRelay) openSession(sessionID string) (*memorySession, error) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, shared.ErrNoSession
	}
	if s.closed {
		return nil, shared.ErrSessionClosed
	}
	return s, nil
}

// wakeOnDone nudges every watcher loop once the context is cancelled so
// they can observe ctx.Err() and exit.
func (r *MemoryRelay) wakeOnDone(ctx context.Context) {
	<-ctx.Done()
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

func mergeCallPatch(rec *CallRecord, patch CallPatch) {
	if patch.CallID != nil {
		rec.CallID = *patch.CallID
	}
	if patch.Direction != nil {
		rec.Direction = *patch.Direction
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.OfferSDP != nil {
		rec.OfferSDP = *patch.OfferSDP
	}
	if patch.AnswerSDP != nil {
		rec.AnswerSDP = *patch.AnswerSDP
	}
	if patch.CreatedAt != nil {
		rec.CreatedAt = *patch.CreatedAt
	}
	if patch.AcceptedAt != nil {
		rec.AcceptedAt = *patch.AcceptedAt
	}
	if patch.EndedAt != nil {
		rec.EndedAt = *patch.EndedAt
	}
}
