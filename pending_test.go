package session

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func TestPendingCandidatesDrainOrder(t *testing.T) {
	var p pendingCandidates
	p.add(webrtc.ICECandidateInit{Candidate: "a"})
	p.add(webrtc.ICECandidateInit{Candidate: "b"})
	p.add(webrtc.ICECandidateInit{Candidate: "c"})
	assert.Equal(t, 3, p.len())

	got := p.drain()
	assert.Equal(t, "a", got[0].Candidate)
	assert.Equal(t, "b", got[1].Candidate)
	assert.Equal(t, "c", got[2].Candidate)
	assert.Equal(t, 0, p.len())
	assert.Empty(t, p.drain())
}

func TestPendingCandidatesClear(t *testing.T) {
	var p pendingCandidates
	p.add(webrtc.ICECandidateInit{Candidate: "stale"})
	p.clear()
	assert.Equal(t, 0, p.len())
	assert.Empty(t, p.drain())
}
