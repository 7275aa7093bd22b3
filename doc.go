// # Remote Support Session Engine for Go
//
// This repository provides a Go package for building remote-support clients: screen sharing over WebRTC with keepalive and ICE-restart renegotiation, a safety-gated dispatcher for remote-input commands, and an independent voice-call state machine, all coordinated through a pluggable signaling relay. Platform concerns (screen capture, input injection, audio devices) are bound in as interfaces.
package session
