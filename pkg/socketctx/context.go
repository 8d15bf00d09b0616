package socketctx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bacsc/scnode/pkg/transport"
	"k8s.io/klog/v2"
)

// Role mirrors transport.Role: whether this Context's sockets dial out or
// accept inbound connections.
type Role = transport.Role

const (
	RoleInitiator = transport.RoleInitiator
	RoleAcceptor  = transport.RoleAcceptor
)

var (
	// ErrBadParam is returned when a caller violates a precondition on an
	// entry point.
	ErrBadParam = errors.New("socketctx: bad param")
	// ErrInvalidOperation is returned when an operation is issued in a
	// state that does not permit it.
	ErrInvalidOperation = errors.New("socketctx: invalid operation")
)

// ContextEvent is emitted to Owner.OnContextEvent.
type ContextEvent int

const (
	EventDeinitialized ContextEvent = iota
)

// Owner is the capability set a Context's owner (Hub Connector, Hub
// Function, or Node Switch) must implement. A Hub Connector supplies
// lookup functions that always return found=false, since it does not
// multiplex by VMAC/UUID.
type Owner interface {
	FindConnectionForVMAC(vmac [6]byte) (slot int, found bool)
	FindConnectionForUUID(uuid [16]byte) (slot int, found bool)
	OnSocketEvent(slot int, event SocketEvent, reason transport.DisconnectReason, err error, pdu []byte)
	OnContextEvent(event ContextEvent)
}

// SocketEvent mirrors the Socket lifecycle transitions an Owner observes.
type SocketEvent int

const (
	SocketConnected SocketEvent = iota
	SocketDisconnected
	SocketReceived
)

// Context multiplexes a bounded pool of sockets sharing one role, one set
// of TLS material (carried inside Dialer/Listener), and one Owner.
type Context struct {
	mu sync.Mutex

	role    Role
	owner   Owner
	dialer  transport.Dialer
	sockets []Socket

	listener     transport.Listener // nil for RoleInitiator
	listenCancel context.CancelFunc

	initialized bool
	closing     int // count of sockets not yet IDLE during deinit
}

// Init preallocates n sockets for owner, sharing dialer (RoleInitiator) or
// listener (RoleAcceptor). Fails with ErrBadParam on invalid sizes.
func Init(role Role, owner Owner, dialer transport.Dialer, listener transport.Listener, n int) (*Context, error) {
	if owner == nil || n <= 0 {
		return nil, ErrBadParam
	}
	if role == RoleInitiator && dialer == nil {
		return nil, ErrBadParam
	}
	if role == RoleAcceptor && listener == nil {
		return nil, ErrBadParam
	}

	c := &Context{
		role:     role,
		owner:    owner,
		dialer:   dialer,
		listener: listener,
		sockets:  make([]Socket, n),
	}
	for i := range c.sockets {
		c.sockets[i] = Socket{ctx: c, index: i}
	}
	c.initialized = true

	if role == RoleAcceptor {
		ctx, cancel := context.WithCancel(context.Background())
		c.listenCancel = cancel
		go func() {
			if err := listener.Serve(ctx, c.onAccept); err != nil {
				klog.ErrorS(err, "socket context listener stopped")
			}
		}()
	}

	return c, nil
}

// Deinit closes all sockets; once the last transitions to IDLE, it emits
// EventDeinitialized on owner. This is the only way a caller learns all
// resources are released.
func (c *Context) Deinit() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = false
	if c.listenCancel != nil {
		c.listenCancel()
	}

	var toClose []transport.Connection
	pending := 0
	for i := range c.sockets {
		if c.sockets[i].state != StateIdle {
			pending++
			c.sockets[i].state = StateDisconnecting
			toClose = append(toClose, c.sockets[i].conn)
		}
	}
	c.closing = pending
	done := pending == 0
	c.mu.Unlock()

	for _, conn := range toClose {
		if conn != nil {
			conn.Close()
		}
	}

	if done {
		c.owner.OnContextEvent(EventDeinitialized)
	}
}

// Connect transitions slot from IDLE to CONNECTING and begins dialing url.
// Invalid if the slot is not IDLE, or the Context is not RoleInitiator.
func (c *Context) Connect(slot int, url string) error {
	c.mu.Lock()
	if !c.initialized || c.role != RoleInitiator || slot < 0 || slot >= len(c.sockets) {
		c.mu.Unlock()
		return ErrBadParam
	}
	if c.sockets[slot].state != StateIdle {
		c.mu.Unlock()
		return ErrInvalidOperation
	}
	c.sockets[slot].state = StateConnecting
	c.sockets[slot].conn = c.dialer.Dial(socketSink{ctx: c, index: slot})
	conn := c.sockets[slot].conn
	c.mu.Unlock()

	if err := conn.Connect(context.Background(), url); err != nil {
		return fmt.Errorf("socketctx: connect failed: %w", err)
	}
	return nil
}

// Send transmits pdu on slot. Valid only in CONNECTED; otherwise returns
// ErrInvalidOperation.
func (c *Context) Send(slot int, pdu []byte) error {
	c.mu.Lock()
	if slot < 0 || slot >= len(c.sockets) {
		c.mu.Unlock()
		return ErrBadParam
	}
	sock := &c.sockets[slot]
	if sock.state != StateConnected {
		c.mu.Unlock()
		return ErrInvalidOperation
	}
	conn := sock.conn
	c.mu.Unlock()
	return conn.Send(pdu)
}

// SlotForVMAC delegates to Owner.FindConnectionForVMAC, letting a caller
// that only holds a *Context (rather than the concrete Hub Function or
// Node Switch) resolve a destination VMAC to a socket slot.
func (c *Context) SlotForVMAC(vmac [6]byte) (int, bool) {
	return c.owner.FindConnectionForVMAC(vmac)
}

// SlotForUUID delegates to Owner.FindConnectionForUUID.
func (c *Context) SlotForUUID(uuid [16]byte) (int, bool) {
	return c.owner.FindConnectionForUUID(uuid)
}

// SetPeer records the VMAC/UUID a peer advertised on slot in that
// socket's PeerVMAC/PeerUUID fields. Owner.FindConnectionForVMAC/UUID
// do not read them; each owner keeps its own lookup maps.
func (c *Context) SetPeer(slot int, vmac [6]byte, uuid [16]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot < 0 || slot >= len(c.sockets) {
		return
	}
	c.sockets[slot].PeerVMAC = vmac
	c.sockets[slot].PeerUUID = uuid
	c.sockets[slot].HasPeer = true
}

func (c *Context) onAccept(conn transport.Connection) transport.EventSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil
	}
	for i := range c.sockets {
		if c.sockets[i].state == StateIdle {
			c.sockets[i].state = StateConnecting
			c.sockets[i].conn = conn
			return socketSink{ctx: c, index: i}
		}
	}
	klog.InfoS("socket context pool exhausted, rejecting inbound connection")
	return nil
}

func (c *Context) handleConnected(slot int) {
	c.mu.Lock()
	if slot < 0 || slot >= len(c.sockets) {
		c.mu.Unlock()
		return
	}
	c.sockets[slot].state = StateConnected
	c.mu.Unlock()

	c.owner.OnSocketEvent(slot, SocketConnected, transport.ReasonUnspecified, nil, nil)
}

func (c *Context) handleDisconnected(slot int, reason transport.DisconnectReason, err error) {
	c.mu.Lock()
	if slot < 0 || slot >= len(c.sockets) {
		c.mu.Unlock()
		return
	}
	wasDeinitializing := !c.initialized
	c.sockets[slot] = Socket{ctx: c, index: slot}

	var allIdle bool
	if wasDeinitializing {
		c.closing--
		allIdle = c.closing <= 0
	}
	c.mu.Unlock()

	c.owner.OnSocketEvent(slot, SocketDisconnected, reason, err, nil)

	if wasDeinitializing && allIdle {
		c.owner.OnContextEvent(EventDeinitialized)
	}
}

func (c *Context) handleReceived(slot int, pdu []byte) {
	c.mu.Lock()
	if slot < 0 || slot >= len(c.sockets) {
		c.mu.Unlock()
		return
	}
	connected := c.sockets[slot].state == StateConnected
	c.mu.Unlock()
	if !connected {
		return
	}
	c.owner.OnSocketEvent(slot, SocketReceived, transport.ReasonUnspecified, nil, pdu)
}
