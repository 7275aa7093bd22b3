package session

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Wire discriminators on the status/keepalive channel.
const (
	wirePing   = "ping"
	wirePong   = "pong"
	wireStatus = "status"
	wireStats  = "stats"
)

// Control commands the remote console may issue on the status channel.
const (
	ctrlStop         = "stop"
	ctrlQuality      = "quality"
	ctrlRequestStats = "request-stats"
	ctrlICERestart   = "ice-restart"
)

// controlMessage is the status-channel wire shape, both directions. Only
// the fields relevant to the discriminator are populated.
type controlMessage struct {
	T      string `json:"t"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
	Cmd    string `json:"cmd,omitempty"`
	Level  string `json:"level,omitempty"`
}

func encodeControl(msg controlMessage) ([]byte, error) {
	return sonic.Marshal(msg)
}

func decodeControl(data []byte) (controlMessage, error) {
	var msg controlMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return controlMessage{}, fmt.Errorf("unmarshaling control message: %w", err)
	}
	return msg, nil
}

// statsMessage answers a request-stats control command.
type statsMessage struct {
	T                 string   `json:"t"`
	BytesSent         uint64   `json:"bytesSent"`
	FramesEncoded     uint64   `json:"framesEncoded"`
	FPS               *float64 `json:"fps"`
	RTTMs             *float64 `json:"rttMs"`
	QualityLimitation *string  `json:"qualityLimitation"`
	EncoderImpl       *string  `json:"encoderImpl"`
}

func encodeStats(msg statsMessage) ([]byte, error) {
	return sonic.Marshal(msg)
}

// Remote-input command discriminators on the raw command channel.
const (
	cmdTap         = "tap"
	cmdLongPress   = "longpress"
	cmdSwipe       = "swipe"
	cmdDrag        = "drag"
	cmdPointerDown = "pointer_down"
	cmdPointerMove = "pointer_move"
	cmdPointerUp   = "pointer_up"
	cmdBack        = "back"
	cmdHome        = "home"
	cmdRecents     = "recents"
	cmdText        = "text"
	cmdSetText     = "set_text"
	cmdKey         = "key"
)

// Drag phases for stroke continuation.
const (
	phaseStart = "start"
	phaseMove  = "move"
	phaseEnd   = "end"
)

// remoteCommand is the decoded command-channel payload. Coordinates are
// normalized to [0,1] relative to the shared capture frame; pointer fields
// stay nil when absent so presence can be checked before use.
type remoteCommand struct {
	T          string   `json:"t"`
	X          *float64 `json:"x"`
	Y          *float64 `json:"y"`
	X1         *float64 `json:"x1"`
	Y1         *float64 `json:"y1"`
	X2         *float64 `json:"x2"`
	Y2         *float64 `json:"y2"`
	DurationMs *int64   `json:"durationMs"`
	Phase      string   `json:"phase,omitempty"`
	Text       string   `json:"text,omitempty"`
	Value      string   `json:"value,omitempty"`
	Append     *bool    `json:"append"`
	Key        string   `json:"key,omitempty"`
	Shift      bool     `json:"shift,omitempty"`
}

func decodeRemoteCommand(data []byte) (*remoteCommand, error) {
	cmd := new(remoteCommand)
	if err := sonic.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("unmarshaling remote command: %w", err)
	}
	if cmd.T == "" {
		return nil, fmt.Errorf("remote command without discriminator")
	}
	return cmd, nil
}

// text returns the textual payload, accepting either field name the
// console historically used.
func (c *remoteCommand) text() string {
	if c.Text != "" {
		return c.Text
	}
	return c.Value
}
