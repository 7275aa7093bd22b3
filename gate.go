package session

import "sync/atomic"

// GateFlags is the narrow shared-state handle between the Engine (the
// single writer) and the command gate. Both flags default to false.
type GateFlags struct {
	sessionActive atomic.Bool
	remoteEnabled atomic.Bool
}

func (f *GateFlags) SetSessionActive(active bool) {
	f.sessionActive.Store(active)
}

func (f *GateFlags) SetRemoteEnabled(enabled bool) {
	f.remoteEnabled.Store(enabled)
}

func (f *GateFlags) SessionActive() bool { return f.sessionActive.Load() }
func (f *GateFlags) RemoteEnabled() bool { return f.remoteEnabled.Load() }

// Gate authorizes remote-input commands. A command may execute only while
// the session is active, remote control is granted, and the injection
// backend is ready, all three checked at the moment of dispatch. A blocked
// command is dropped without any response to the remote party.
type Gate struct {
	flags *GateFlags
	ready func() bool
}

func NewGate(flags *GateFlags, ready func() bool) *Gate {
	if ready == nil {
		ready = func() bool { return false }
	}
	return &Gate{flags: flags, ready: ready}
}

func (g *Gate) Allow() bool {
	return g.flags.SessionActive() && g.flags.RemoteEnabled() && g.ready()
}
