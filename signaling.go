package session

import (
	"context"
	"time"
)

type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	SignalICE    SignalType = "ice"
	SignalHangup SignalType = "hangup"
)

// SignalEvent is one record of the per-session, append-only signaling log.
// Seq is assigned by the relay in creation order; ID is the event identity
// used for deduplication.
type SignalEvent struct {
	ID            string     `json:"id"`
	Type          SignalType `json:"type"`
	From          Peer       `json:"from"`
	SDP           string     `json:"sdp,omitempty"`
	Candidate     string     `json:"candidate,omitempty"`
	SDPMid        string     `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16     `json:"sdpMLineIndex,omitempty"`
	Seq           uint64     `json:"seq"`
}

// Signaling is the relay-backed exchange of negotiation messages for the
// screen/control transport. Events are delivered strictly in creation
// order, starting from the beginning of the session log, and may be
// re-delivered: consumers dedupe by SignalEvent.ID.
type Signaling interface {
	PublishSignal(ctx context.Context, sessionID string, ev SignalEvent) error

	// WatchSignals replays the existing log and then streams new events.
	// The channel closes when ctx is done.
	WatchSignals(ctx context.Context, sessionID string) (<-chan SignalEvent, error)
}

type CallDirection string

const (
	CallOutgoing CallDirection = "outgoing"
	CallIncoming CallDirection = "incoming"
)

type CallStatus string

const (
	CallRinging  CallStatus = "ringing"
	CallAccepted CallStatus = "accepted"
	CallDeclined CallStatus = "declined"
	CallEnded    CallStatus = "ended"
	CallTimedOut CallStatus = "timeout"
)

// CallRecord is the per-session singleton describing the current call
// attempt. A fresh CallID invalidates every piece of negotiation state
// buffered for the previous attempt.
type CallRecord struct {
	CallID     string        `json:"callId"`
	Direction  CallDirection `json:"direction"`
	Status     CallStatus    `json:"status"`
	OfferSDP   string        `json:"offerSdp,omitempty"`
	AnswerSDP  string        `json:"answerSdp,omitempty"`
	CreatedAt  time.Time     `json:"createdAt,omitempty"`
	AcceptedAt time.Time     `json:"acceptedAt,omitempty"`
	EndedAt    time.Time     `json:"endedAt,omitempty"`
}

// CallPatch is a merge-update of the call record: nil fields are left
// untouched, mirroring the partial writes both parties make while a call
// is negotiated.
type CallPatch struct {
	CallID     *string        `json:"callId,omitempty"`
	Direction  *CallDirection `json:"direction,omitempty"`
	Status     *CallStatus    `json:"status,omitempty"`
	OfferSDP   *string        `json:"offerSdp,omitempty"`
	AnswerSDP  *string        `json:"answerSdp,omitempty"`
	CreatedAt  *time.Time     `json:"createdAt,omitempty"`
	AcceptedAt *time.Time     `json:"acceptedAt,omitempty"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
}

// CallLane selects one of the two directional ICE sub-channels. The engine
// writes its candidates to LaneClient and consumes LaneTech.
type CallLane string

const (
	LaneClient CallLane = "client"
	LaneTech   CallLane = "tech"
)

// CallCandidate is an ICE candidate on a call lane. Candidates carrying a
// foreign or stale CallID are ignored by consumers.
type CallCandidate struct {
	CallID        string `json:"callId"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// CallStore is the relay-backed store for the voice-call record and its
// directional ICE lanes.
type CallStore interface {
	UpdateCall(ctx context.Context, sessionID string, patch CallPatch) error

	// WatchCall streams the merged record after every update, starting with
	// the current record if one exists. The channel closes when ctx is done.
	WatchCall(ctx context.Context, sessionID string) (<-chan CallRecord, error)

	AddCallCandidate(ctx context.Context, sessionID string, lane CallLane, cand CallCandidate) error

	// WatchCallCandidates replays the lane and then streams new candidates.
	WatchCallCandidates(ctx context.Context, sessionID string, lane CallLane) (<-chan CallCandidate, error)
}

type CommandType string

const (
	CommandShareStart   CommandType = "share_start"
	CommandShareStop    CommandType = "share_stop"
	CommandRemoteEnable CommandType = "remote_enable"
	CommandRemoteRevoke CommandType = "remote_revoke"
	CommandCallStart    CommandType = "call_start"
	CommandCallEnd      CommandType = "call_end"
	CommandSessionEnd   CommandType = "session_end"
)

// Command is a session-level control message exchanged between the two
// parties over the relay (distinct from remote-input commands, which ride
// the peer-to-peer control channel).
type Command struct {
	SessionID string      `json:"sessionId"`
	From      Peer        `json:"from"`
	Type      CommandType `json:"type"`
	Reason    string      `json:"reason,omitempty"`
	Connected *bool       `json:"connected,omitempty"`
}

// TelemetrySnapshot is the periodic state+telemetry push while a session
// is active.
type TelemetrySnapshot struct {
	Battery       *int   `json:"battery"`
	Net           string `json:"net"`
	Sharing       bool   `json:"sharing"`
	RemoteEnabled bool   `json:"remoteEnabled"`
	Calling       bool   `json:"calling"`
	CallConnected bool   `json:"callConnected"`
}

// AuditEvent is one discrete transition record (share start/stop, remote
// enable/revoke, call start/end, session end) tagged with the party that
// caused it.
type AuditEvent struct {
	Type   string         `json:"type"`
	Origin Peer           `json:"origin"`
	Extra  map[string]any `json:"extra,omitempty"`
	At     time.Time      `json:"at"`
}

// SessionBus carries session commands, telemetry and audit records between
// the engine and the relay.
type SessionBus interface {
	SendCommand(ctx context.Context, sessionID string, cmd Command) error

	// WatchCommands streams commands addressed to this session. The channel
	// closes when ctx is done.
	WatchCommands(ctx context.Context, sessionID string) (<-chan Command, error)

	PushTelemetry(ctx context.Context, sessionID string, snap TelemetrySnapshot) error
	AppendAudit(ctx context.Context, sessionID string, ev AuditEvent) error

	StartSession(ctx context.Context, sessionID string, client ClientInfo, tech *TechInfo) error
	CloseSession(ctx context.Context, sessionID string) error
}

// Relay is the full out-of-band surface the engine needs: signaling for the
// screen transport, the call store, and the session bus.
type Relay interface {
	Signaling
	CallStore
	SessionBus
}
