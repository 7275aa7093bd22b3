package session

import (
	"sync"
	"time"

	"github.com/bt-bridge/remote-session/shared"
	"go.uber.org/zap"
)

// Gesture timing defaults, matching what the console assumes when it
// omits durationMs.
const (
	defaultLongPressDuration = 2 * time.Second
	defaultSwipeDuration     = 250 * time.Millisecond
	defaultDragDuration      = 450 * time.Millisecond
	defaultSegmentDuration   = 120 * time.Millisecond
)

// Dispatcher turns raw command-channel bytes into injection backend calls.
// Every message passes the gate first; blocked, malformed or unknown
// payloads are dropped without response. Phased drag and pointer gestures
// each hold one open stroke so the backend perceives a continuous gesture.
type Dispatcher struct {
	logger    shared.LoggerAdapter
	gate      *Gate
	inj       Injector
	frameSize func() (width, height int, ok bool)

	mu            sync.Mutex
	dragStroke    Stroke
	pointerStroke Stroke
}

// NewDispatcher wires the dispatcher to its gate and backend. frameSize
// reports the current capture-frame dimensions; when it reports ok=false
// the injector's display bounds are used instead.
func NewDispatcher(logger shared.LoggerAdapter, gate *Gate, inj Injector, frameSize func() (int, int, bool)) *Dispatcher {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	if frameSize == nil {
		frameSize = func() (int, int, bool) { return 0, 0, false }
	}
	return &Dispatcher{
		logger:    logger,
		gate:      gate,
		inj:       inj,
		frameSize: frameSize,
	}
}

// HandleMessage processes one inbound command-channel payload. Never
// returns an error: failure modes are all silent drops.
func (d *Dispatcher) HandleMessage(data []byte) {
	cmd, err := decodeRemoteCommand(data)
	if err != nil {
		d.logger.Debug("dropping malformed remote command", zap.Error(err))
		return
	}
	if !d.gate.Allow() {
		d.logger.Debug("remote command blocked", zap.String("type", cmd.T))
		return
	}

	switch cmd.T {
	case cmdTap:
		if x, y, ok := d.mapPoint(cmd.X, cmd.Y); ok {
			_ = d.inj.Tap(x, y)
		}
	case cmdLongPress:
		if x, y, ok := d.mapPoint(cmd.X, cmd.Y); ok {
			_ = d.inj.LongPress(x, y, cmd.duration(defaultLongPressDuration))
		}
	case cmdSwipe:
		d.twoPoint(cmd, cmd.duration(defaultSwipeDuration))
	case cmdDrag:
		d.handleDrag(cmd)
	case cmdPointerDown:
		if x, y, ok := d.mapPoint(cmd.X, cmd.Y); ok {
			d.beginStroke(&d.pointerStroke, x, y)
		}
	case cmdPointerMove:
		if x, y, ok := d.mapPoint(cmd.X, cmd.Y); ok {
			d.moveStroke(&d.pointerStroke, x, y, cmd.duration(defaultSegmentDuration))
		}
	case cmdPointerUp:
		if x, y, ok := d.mapPoint(cmd.X, cmd.Y); ok {
			d.endStroke(&d.pointerStroke, x, y, cmd.duration(defaultSegmentDuration))
		}
	case cmdBack:
		_ = d.inj.Back()
	case cmdHome:
		_ = d.inj.Home()
	case cmdRecents:
		_ = d.inj.Recents()
	case cmdText:
		appendMode := true
		if cmd.Append != nil {
			appendMode = *cmd.Append
		}
		insertText(d.inj, cmd.text(), appendMode)
	case cmdSetText:
		insertText(d.inj, cmd.text(), false)
	case cmdKey:
		applyKey(d.inj, cmd.Key, cmd.Shift)
	default:
		d.logger.Debug("dropping unknown remote command", zap.String("type", cmd.T))
	}
}

// Reset drops any open strokes, e.g. when the command channel reopens
// after a renegotiation.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dragStroke = nil
	d.pointerStroke = nil
}

// handleDrag routes the phased and non-phased drag variants. A phased
// drag reuses the tap-style x1/y1 fields for its single point, falling
// back to x2/y2 for move/end the way the console sends them.
func (d *Dispatcher) handleDrag(cmd *remoteCommand) {
	switch cmd.Phase {
	case phaseStart:
		if x, y, ok := d.mapPoint(cmd.X1, cmd.Y1); ok {
			d.beginStroke(&d.dragStroke, x, y)
		}
	case phaseMove:
		if x, y, ok := d.mapPoint(coalesce(cmd.X2, cmd.X1), coalesce(cmd.Y2, cmd.Y1)); ok {
			d.moveStroke(&d.dragStroke, x, y, cmd.duration(defaultSegmentDuration))
		}
	case phaseEnd:
		if x, y, ok := d.mapPoint(coalesce(cmd.X2, cmd.X1), coalesce(cmd.Y2, cmd.Y1)); ok {
			d.endStroke(&d.dragStroke, x, y, cmd.duration(defaultSegmentDuration))
		}
	default:
		d.twoPoint(cmd, cmd.duration(defaultDragDuration))
	}
}

func (d *Dispatcher) twoPoint(cmd *remoteCommand, dur time.Duration) {
	x1, y1, ok1 := d.mapPoint(cmd.X1, cmd.Y1)
	x2, y2, ok2 := d.mapPoint(cmd.X2, cmd.Y2)
	if ok1 && ok2 {
		_ = d.inj.Swipe(x1, y1, x2, y2, dur)
	}
}

func (d *Dispatcher) beginStroke(slot *Stroke, x, y float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stroke, err := d.inj.BeginStroke(x, y)
	if err != nil {
		d.logger.Debug("begin stroke failed", zap.Error(err))
		return
	}
	*slot = stroke
}

func (d *Dispatcher) moveStroke(slot *Stroke, x, y float64, dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if *slot == nil {
		return
	}
	if err := (*slot).Move(x, y, dur); err != nil {
		d.logger.Debug("stroke move failed", zap.Error(err))
		*slot = nil
	}
}

// endStroke closes the open stroke. Without one, the end message degrades
// to a single-point swipe at that location.
func (d *Dispatcher) endStroke(slot *Stroke, x, y float64, dur time.Duration) {
	d.mu.Lock()
	stroke := *slot
	*slot = nil
	d.mu.Unlock()
	if stroke == nil {
		_ = d.inj.Swipe(x, y, x, y, dur)
		return
	}
	_ = stroke.End(x, y, dur)
}

// mapPoint clamps a normalized point and maps it to absolute pixels using
// the capture-frame size when known, else the display bounds.
func (d *Dispatcher) mapPoint(xn, yn *float64) (float64, float64, bool) {
	if xn == nil || yn == nil {
		return 0, 0, false
	}
	w, h, ok := d.frameSize()
	if !ok {
		w, h = d.inj.Bounds()
	}
	if w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return clamp01(*xn) * float64(w), clamp01(*yn) * float64(h), true
}

func (c *remoteCommand) duration(fallback time.Duration) time.Duration {
	if c.DurationMs == nil || *c.DurationMs <= 0 {
		return fallback
	}
	return time.Duration(*c.DurationMs) * time.Millisecond
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func coalesce(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}
