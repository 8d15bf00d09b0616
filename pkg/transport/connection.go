// Package transport defines the abstract connection surface the datalink
// state machines consume: connect, send, close, plus a callback sink for
// connected/disconnected/received events. pkg/hubconnector,
// pkg/hubfunction, and pkg/nodeswitch use only these interfaces;
// pkg/supervisor also builds this package's WSDialer/WSListener as its
// default when no fake is injected. Only this package's wsconn.go knows
// about gorilla/websocket.
package transport

import "context"

// Role distinguishes a socket that dials out (initiator) from one that
// accepted an inbound connection (acceptor).
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

// DisconnectReason classifies why a Connection disconnected. It travels
// on the asynchronous event path only; synchronous entry points report
// errors directly.
type DisconnectReason int

const (
	ReasonUnspecified DisconnectReason = iota
	ReasonTimeout
	ReasonClosedByPeer
	ReasonTransportError
	ReasonDuplicatedVMAC
	ReasonLocalClose
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedByPeer:
		return "closed_by_peer"
	case ReasonTransportError:
		return "transport_error"
	case ReasonDuplicatedVMAC:
		return "duplicated_vmac"
	case ReasonLocalClose:
		return "local_close"
	default:
		return "unspecified"
	}
}

// Connection is one abstract WSS socket. Implementations must deliver
// Connected/Disconnected/Received events to the EventSink supplied at
// construction; the core never polls a Connection for state.
type Connection interface {
	// Connect begins an asynchronous connect to url. It must not block;
	// the outcome is reported via Connected or Disconnected.
	Connect(ctx context.Context, url string) error
	// Send transmits a raw PDU. Valid only once Connected has fired and
	// before Disconnected; implementations return an error otherwise.
	Send(pdu []byte) error
	// Close tears the socket down, eventually firing Disconnected with
	// ReasonLocalClose if it was connected.
	Close() error
}

// EventSink receives asynchronous events from a Connection. Implemented
// by pkg/socketctx, which fans events out to its Owner.
type EventSink interface {
	OnConnected()
	OnDisconnected(reason DisconnectReason, err error)
	OnReceived(pdu []byte)
}

// Dialer creates outbound Connections. pkg/socketctx holds one Dialer per
// context and uses it to realize each Connect call.
type Dialer interface {
	Dial(sink EventSink) Connection
}

// Listener accepts inbound Connections on a configured address. For each
// accepted socket it calls onAccept with a Connection that is already
// live; onAccept must return the EventSink that socket's events should be
// delivered to, and must return quickly (it runs on the listener's accept
// path). Returning a nil EventSink rejects the connection.
type Listener interface {
	Serve(ctx context.Context, onAccept func(Connection) EventSink) error
	Close() error
}
