package session

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// pendingCandidates buffers remote ICE candidates that arrive before the
// remote description is applied. Candidates are flushed in arrival order
// once the description lands, then the buffer is cleared. A renegotiation
// clears the buffer outright: candidates from a superseded round must
// never be applied.
type pendingCandidates struct {
	mu   sync.Mutex
	list []webrtc.ICECandidateInit
}

func (p *pendingCandidates) add(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.list = append(p.list, c)
}

// drain returns the buffered candidates in arrival order and clears the
// buffer.
func (p *pendingCandidates) drain() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.list
	p.list = nil
	return out
}

func (p *pendingCandidates) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.list = nil
}

func (p *pendingCandidates) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.list)
}
