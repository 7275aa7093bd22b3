package session

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Capture produces the shared screen as encoded video samples. The engine
// never implements capture; the platform binds one in.
type Capture interface {
	// Start begins producing frames at the requested geometry and rate.
	// The returned source reports the actual frame size, which drives
	// coordinate normalization for remote input.
	Start(ctx context.Context, width, height, fps int) (ScreenSource, error)
}

// ScreenSource is a running capture. ReadSample blocks until the next
// encoded frame is available.
type ScreenSource interface {
	Size() (width, height int)
	ReadSample(ctx context.Context) (media.Sample, error)
	Close() error
}

// EncoderControl adjusts the outbound encoder without renegotiation.
// Screen sources that support live quality changes implement it alongside
// ScreenSource.
type EncoderControl interface {
	SetBitrate(maxKbps, minKbps int)
	SetFramerate(maxFPS int)
	SetScaleDown(factor float64)
	Implementation() string
}

// Stroke is an open gesture held across phased drag/pointer messages. The
// backend perceives the continued segments as one gesture.
type Stroke interface {
	Move(x, y float64, d time.Duration) error
	End(x, y float64, d time.Duration) error
}

// Injector is the platform input backend. All coordinates are absolute
// pixels; the dispatcher performs normalization and clamping before
// calling in. Every method is a silent no-op territory: implementations
// must tolerate being driven while the device state shifts under them.
type Injector interface {
	Ready() bool
	Bounds() (width, height int)

	Tap(x, y float64) error
	LongPress(x, y float64, d time.Duration) error
	Swipe(x1, y1, x2, y2 float64, d time.Duration) error
	BeginStroke(x, y float64) (Stroke, error)

	Back() error
	Home() error
	Recents() error

	// FocusedEditor locates the currently focused editable element, if any.
	FocusedEditor() (Editor, bool)

	// ActivateSend looks for a visible send-labeled control and activates
	// it. Reports whether anything was triggered.
	ActivateSend() bool
}

// Editor is one editable text element on the device.
type Editor interface {
	Text() string
	Selection() (start, end int)
	SetText(text string) error
	SetSelection(start, end int) error
}

// Telemetry samples device health for the periodic session snapshot.
// Sampling itself is out of the engine's hands.
type Telemetry interface {
	Battery() (percent int, ok bool)
	NetworkType() string
}

// AudioSource opens a local audio track for the voice call, typically a
// microphone. The stop function releases the device.
type AudioSource interface {
	OpenTrack(ctx context.Context) (webrtc.TrackLocal, func(), error)
}

// AudioRouter switches the device between call audio routing and the
// default. Restored on every call teardown.
type AudioRouter interface {
	SetCallMode(enabled bool)
}
