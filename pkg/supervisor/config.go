package supervisor

import (
	"time"

	"github.com/bacsc/scnode/pkg/tlsmaterial"
	"github.com/bacsc/scnode/pkg/transport"
)

// EventKind is the Node's upward event surface.
type EventKind int

const (
	EventStarted EventKind = iota
	EventRestarted
	EventStopped
	EventReceived
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "STARTED"
	case EventRestarted:
		return "RESTARTED"
	case EventStopped:
		return "STOPPED"
	case EventReceived:
		return "RECEIVED"
	default:
		return "UNKNOWN"
	}
}

// EventFunc is the single callback a node configuration carries. pdu is
// populated only for EventReceived, and carries the raw NPDU payload of
// an ENCAPSULATED_NPDU frame.
type EventFunc func(kind EventKind, pdu []byte)

// Config is a node's configuration, immutable after Registry.Init.
type Config struct {
	TLSMaterial tlsmaterial.Material
	UUID        [16]byte
	VMAC        [6]byte

	MaxBVLCLength uint16
	MaxNPDULength uint16

	ConnectTimeout     time.Duration
	HeartbeatTimeout   time.Duration
	DisconnectTimeout  time.Duration
	ReconnectTimeout   time.Duration
	ResolutionTimeout  time.Duration
	ResolutionFreshTTL time.Duration

	PrimaryURL  string
	FailoverURL string

	HubFunctionListenAddr   string // required when HubFunctionEnabled
	DirectConnectListenAddr string // required when NodeSwitchEnabled and DirectConnectAcceptEnable

	HubFunctionEnabled          bool
	NodeSwitchEnabled           bool
	DirectConnectInitiateEnable bool
	DirectConnectAcceptEnable   bool

	AcceptURIs []string // advertised to peers in ADDRESS_RESOLUTION_ACK

	MaxDirectConnections int // capacity of the address-resolution table
	MaxURISize           int // longest URL token accepted from an ADDRESS_RESOLUTION_ACK

	EventFunc EventFunc

	// Dialer, HubFunctionListener, and DirectConnectListener let a
	// caller substitute a fake transport for tests. Production callers
	// (cmd/scnode) leave these nil and get the default
	// gorilla/websocket-backed transport built from TLSMaterial.
	Dialer                transport.Dialer
	HubFunctionListener   transport.Listener
	DirectConnectListener transport.Listener
}

// Validate checks that every required field is set: non-empty buffers
// and URLs, positive timeouts, non-zero identities.
// HubFunctionListenAddr/DirectConnectListenAddr are only required when
// their corresponding *Enabled flag is set.
func (c Config) Validate() error {
	if c.UUID == ([16]byte{}) || c.VMAC == ([6]byte{}) {
		return ErrBadParam
	}
	if len(c.TLSMaterial.CA) == 0 || len(c.TLSMaterial.Cert) == 0 || len(c.TLSMaterial.Key) == 0 {
		return ErrBadParam
	}
	if c.MaxBVLCLength == 0 || c.MaxNPDULength == 0 {
		return ErrBadParam
	}
	positive := []time.Duration{
		c.ConnectTimeout, c.HeartbeatTimeout, c.DisconnectTimeout,
		c.ReconnectTimeout, c.ResolutionTimeout, c.ResolutionFreshTTL,
	}
	for _, d := range positive {
		if d <= 0 {
			return ErrBadParam
		}
	}
	if c.PrimaryURL == "" || c.FailoverURL == "" {
		return ErrBadParam
	}
	if c.HubFunctionEnabled && c.HubFunctionListenAddr == "" {
		return ErrBadParam
	}
	if c.NodeSwitchEnabled && c.DirectConnectAcceptEnable && c.DirectConnectListenAddr == "" {
		return ErrBadParam
	}
	if c.MaxDirectConnections <= 0 || c.MaxURISize <= 0 {
		return ErrBadParam
	}
	if c.EventFunc == nil {
		return ErrBadParam
	}
	return nil
}
