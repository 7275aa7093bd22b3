package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bt-bridge/remote-session/shared"
)

// Compile-time interface check.
var _ Relay = (*WSRelay)(nil)

// Relay wire channels. Each envelope names the channel it belongs to so a
// single websocket carries signaling, call state, commands, telemetry and
// audit trails side by side.
const (
	wsChannelSignal    = "signal"
	wsChannelCall      = "call"
	wsChannelCallICE   = "call_ice"
	wsChannelCommand   = "command"
	wsChannelTelemetry = "telemetry"
	wsChannelAudit     = "audit"
	wsChannelSession   = "session"
)

const (
	wsActionPublish = "publish"
	wsActionWatch   = "watch"
	wsActionUnwatch = "unwatch"
	wsActionStart   = "start"
	wsActionClose   = "close"
)

// wsEnvelope is the single frame type of the relay protocol. Exactly one
// payload pointer is set per frame, according to Channel.
type wsEnvelope struct {
	Channel   string             `json:"channel"`
	Action    string             `json:"action,omitempty"`
	SessionID string             `json:"sessionId"`
	Lane      CallLane           `json:"lane,omitempty"`
	Signal    *SignalEvent       `json:"signal,omitempty"`
	Patch     *CallPatch         `json:"patch,omitempty"`
	Record    *CallRecord        `json:"record,omitempty"`
	Candidate *CallCandidate     `json:"candidate,omitempty"`
	Command   *Command           `json:"command,omitempty"`
	Telemetry *TelemetrySnapshot `json:"telemetry,omitempty"`
	Audit     *AuditEvent        `json:"audit,omitempty"`
	Client    *ClientInfo        `json:"client,omitempty"`
	Tech      *TechInfo          `json:"tech,omitempty"`
}

type wsSub struct {
	ch        chan wsEnvelope
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSub) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

// WSRelay implements Relay over a single websocket connection to a relay
// server. Watch subscriptions are registered locally and announced to the
// server, which replays the relevant log before streaming live updates;
// the replay-then-stream and dedupe guarantees therefore hold end to end.
type WSRelay struct {
	logger shared.LoggerAdapter
	url    string

	writeMu sync.Mutex // serializes websocket writes
	mu      sync.Mutex // guards conn, subs, connected
	conn    *websocket.Conn
	subs    map[string][]*wsSub

	connected bool
}

// NewWSRelay creates a relay client for the given websocket URL. Connect
// must be called before any other method.
func NewWSRelay(url string, logger shared.LoggerAdapter) (*WSRelay, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &WSRelay{
		logger: logger.With(zap.String("component", "ws_relay")),
		url:    url,
		subs:   make(map[string][]*wsSub),
	}, nil
}

// Connect dials the relay server and starts the read pump.
func (r *WSRelay) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("relay dial %s: %w", r.url, err)
	}
	r.conn = conn
	r.connected = true
	go r.readPump(conn)

	r.logger.Info("relay connected", zap.String("url", r.url))
	return nil
}

// Close tears down the connection and closes every watch channel.
func (r *WSRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil
	}
	r.connected = false
	err := r.conn.Close()
	r.closeSubsLocked()
	return err
}

func (r *WSRelay) closeSubsLocked() {
	for _, list := range r.subs {
		for _, sub := range list {
			sub.close()
		}
	}
	r.subs = make(map[string][]*wsSub)
}

func (r *WSRelay) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			if r.connected && r.conn == conn {
				r.connected = false
				r.closeSubsLocked()
			}
			r.mu.Unlock()
			r.logger.Debug("relay read pump stopped", zap.Error(err))
			return
		}

		var env wsEnvelope
		if err = sonic.Unmarshal(data, &env); err != nil {
			r.logger.Warn("relay frame dropped", zap.Error(err))
			continue
		}
		r.dispatch(env)
	}
}

func (r *WSRelay) dispatch(env wsEnvelope) {
	key := subKey(env.Channel, env.SessionID, env.Lane)

	r.mu.Lock()
	list := make([]*wsSub, len(r.subs[key]))
	copy(list, r.subs[key])
	r.mu.Unlock()

	for _, sub := range list {
		select {
		case sub.ch <- env:
		case <-sub.done:
		}
	}
}

func (r *WSRelay) send(env wsEnvelope) error {
	r.mu.Lock()
	conn, connected := r.conn, r.connected
	r.mu.Unlock()
	if !connected {
		return shared.ErrRelayNotConnected
	}

	data, err := sonic.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode relay frame: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write relay frame: %w", err)
	}
	return nil
}

// watch registers a local subscription and announces it to the server. The
// returned channel closes when ctx is done or the connection drops.
func (r *WSRelay) watch(ctx context.Context, channel, sessionID string, lane CallLane) (*wsSub, error) {
	sub := &wsSub{
		ch:   make(chan wsEnvelope, 64),
		done: make(chan struct{}),
	}
	key := subKey(channel, sessionID, lane)

	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil, shared.ErrRelayNotConnected
	}
	r.subs[key] = append(r.subs[key], sub)
	r.mu.Unlock()

	err := r.send(wsEnvelope{Channel: channel, Action: wsActionWatch, SessionID: sessionID, Lane: lane})
	if err != nil {
		r.unsubscribe(key, sub)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			// Best effort: the server forgets us on disconnect anyway.
			_ = r.send(wsEnvelope{Channel: channel, Action: wsActionUnwatch, SessionID: sessionID, Lane: lane})
			r.unsubscribe(key, sub)
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (r *WSRelay) unsubscribe(key string, sub *wsSub) {
	r.mu.Lock()
	list := r.subs[key]
	for i, s := range list {
		if s == sub {
			r.subs[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	sub.close()
}

func subKey(channel, sessionID string, lane CallLane) string {
	if lane == "" {
		return channel + "|" + sessionID
	}
	return channel + "|" + sessionID + "|" + string(lane)
}

func (r *WSRelay) PublishSignal(_ context.Context, sessionID string, ev SignalEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return r.send(wsEnvelope{
		Channel:   wsChannelSignal,
		Action:    wsActionPublish,
		SessionID: sessionID,
		Signal:    &ev,
	})
}

func (r *WSRelay) WatchSignals(ctx context.Context, sessionID string) (<-chan SignalEvent, error) {
	sub, err := r.watch(ctx, wsChannelSignal, sessionID, "")
	if err != nil {
		return nil, err
	}
	out := make(chan SignalEvent)
	go func() {
		defer close(out)
		for env := range sub.ch {
			if env.Signal == nil {
				continue
			}
			select {
			case out <- *env.Signal:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *WSRelay) UpdateCall(_ context.Context, sessionID string, patch CallPatch) error {
	return r.send(wsEnvelope{
		Channel:   wsChannelCall,
		Action:    wsActionPublish,
		SessionID: sessionID,
		Patch:     &patch,
	})
}

func (r *WSRelay) WatchCall(ctx context.Context, sessionID string) (<-chan CallRecord, error) {
	sub, err := r.watch(ctx, wsChannelCall, sessionID, "")
	if err != nil {
		return nil, err
	}
	out := make(chan CallRecord)
	go func() {
		defer close(out)
		for env := range sub.ch {
			if env.Record == nil {
				continue
			}
			select {
			case out <- *env.Record:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *WSRelay) AddCallCandidate(_ context.Context, sessionID string, lane CallLane, cand CallCandidate) error {
	return r.send(wsEnvelope{
		Channel:   wsChannelCallICE,
		Action:    wsActionPublish,
		SessionID: sessionID,
		Lane:      lane,
		Candidate: &cand,
	})
}

func (r *WSRelay) WatchCallCandidates(ctx context.Context, sessionID string, lane CallLane) (<-chan CallCandidate, error) {
	sub, err := r.watch(ctx, wsChannelCallICE, sessionID, lane)
	if err != nil {
		return nil, err
	}
	out := make(chan CallCandidate)
	go func() {
		defer close(out)
		for env := range sub.ch {
			if env.Candidate == nil {
				continue
			}
			select {
			case out <- *env.Candidate:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *WSRelay) SendCommand(_ context.Context, sessionID string, cmd Command) error {
	cmd.SessionID = sessionID
	return r.send(wsEnvelope{
		Channel:   wsChannelCommand,
		Action:    wsActionPublish,
		SessionID: sessionID,
		Command:   &cmd,
	})
}

func (r *WSRelay) WatchCommands(ctx context.Context, sessionID string) (<-chan Command, error) {
	sub, err := r.watch(ctx, wsChannelCommand, sessionID, "")
	if err != nil {
		return nil, err
	}
	out := make(chan Command)
	go func() {
		defer close(out)
		for env := range sub.ch {
			if env.Command == nil {
				continue
			}
			select {
			case out <- *env.Command:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *WSRelay) PushTelemetry(_ context.Context, sessionID string, snap TelemetrySnapshot) error {
	return r.send(wsEnvelope{
		Channel:   wsChannelTelemetry,
		Action:    wsActionPublish,
		SessionID: sessionID,
		Telemetry: &snap,
	})
}

func (r *WSRelay) AppendAudit(_ context.Context, sessionID string, ev AuditEvent) error {
	return r.send(wsEnvelope{
		Channel:   wsChannelAudit,
		Action:    wsActionPublish,
		SessionID: sessionID,
		Audit:     &ev,
	})
}

func (r *WSRelay) StartSession(_ context.Context, sessionID string, client ClientInfo, tech *TechInfo) error {
	return r.send(wsEnvelope{
		Channel:   wsChannelSession,
		Action:    wsActionStart,
		SessionID: sessionID,
		Client:    &client,
		Tech:      tech,
	})
}

func (r *WSRelay) CloseSession(_ context.Context, sessionID string) error {
	return r.send(wsEnvelope{
		Channel:   wsChannelSession,
		Action:    wsActionClose,
		SessionID: sessionID,
	})
}
