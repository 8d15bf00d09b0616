package socketctx

import (
	"github.com/bacsc/scnode/pkg/transport"
)

// State is a Socket's lifecycle state: IDLE, CONNECTING, CONNECTED, or
// DISCONNECTING, returning to IDLE once torn down.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "IDLE"
	}
}

// Socket is one pool slot inside a Context. It is never allocated or freed
// after Context.init; Context.connect/send operate on a slot index.
type Socket struct {
	ctx   *Context
	index int

	state State
	conn  transport.Connection

	// VMAC/UUID advertised by the peer on this socket, set by the owner
	// through Context.SetPeer once known. The owners' FindConnectionFor*
	// lookups use their own maps, not these fields.
	PeerVMAC [6]byte
	PeerUUID [16]byte
	HasPeer  bool
}

func (s *Socket) Index() int   { return s.index }
func (s *Socket) State() State { return s.state }

// Send transmits pdu on this socket. Valid only in StateConnected.
func (s *Socket) Send(pdu []byte) error {
	if s.state != StateConnected {
		return ErrInvalidOperation
	}
	return s.conn.Send(pdu)
}

// socketSink adapts transport events for one Socket back into its Context.
type socketSink struct {
	ctx   *Context
	index int
}

func (sk socketSink) OnConnected() {
	sk.ctx.handleConnected(sk.index)
}

func (sk socketSink) OnDisconnected(reason transport.DisconnectReason, err error) {
	sk.ctx.handleDisconnected(sk.index, reason, err)
}

func (sk socketSink) OnReceived(pdu []byte) {
	sk.ctx.handleReceived(sk.index, pdu)
}
