package session

// Peer identifies one side of a support session. The engine always runs on
// the client device; the technician console is the remote party.
type Peer string

const (
	PeerClient Peer = "client"
	PeerTech   Peer = "tech"
)

type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// State is a snapshot of the bound session. It is owned by the Engine and
// mutated only through its update methods; no flag survives Status turning
// closed.
type State struct {
	ID            string `json:"sessionId"`
	TechName      string `json:"techName,omitempty"`
	Status        Status `json:"status"`
	Sharing       bool   `json:"sharing"`
	RemoteEnabled bool   `json:"remoteEnabled"`
	Calling       bool   `json:"calling"`
	CallConnected bool   `json:"callConnected"`
}

// ClientInfo describes the device requesting support. Registered with the
// relay when a session starts.
type ClientInfo struct {
	DeviceModel string `json:"deviceModel"`
	OSVersion   string `json:"osVersion"`
}

// TechInfo describes the technician that accepted the request.
type TechInfo struct {
	Name string `json:"name"`
}
