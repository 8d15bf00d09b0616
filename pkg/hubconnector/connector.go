// Package hubconnector maintains a BACnet/SC node's single logical
// uplink to a hub: at most one active WSS connection at a time,
// alternating between a primary and a failover URL with a timed
// reconnect backoff.
package hubconnector

import (
	"errors"
	"sync"
	"time"

	"github.com/bacsc/scnode/pkg/socketctx"
	"github.com/bacsc/scnode/pkg/transport"
	"github.com/cenkalti/backoff/v5"
	"k8s.io/klog/v2"
)

// State is the Hub Connector's state.
type State int

const (
	StateIdle State = iota
	StateConnectingPrimary
	StateConnectingFailover
	StateConnectedPrimary
	StateConnectedFailover
	StateWaitForReconnect
	StateWaitForCtxDeinit
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnectingPrimary:
		return "CONNECTING_PRIMARY"
	case StateConnectingFailover:
		return "CONNECTING_FAILOVER"
	case StateConnectedPrimary:
		return "CONNECTED_PRIMARY"
	case StateConnectedFailover:
		return "CONNECTED_FAILOVER"
	case StateWaitForReconnect:
		return "WAIT_FOR_RECONNECT"
	case StateWaitForCtxDeinit:
		return "WAIT_FOR_CTX_DEINIT"
	case StateError:
		return "ERROR"
	default:
		return "IDLE"
	}
}

const (
	primarySlot  = 0
	failoverSlot = 1
)

// ErrInvalidOperation is returned by Send outside CONNECTED_*: the pdu
// is dropped, nothing is transmitted, and nothing is retried.
var ErrInvalidOperation = errors.New("hubconnector: invalid operation")

var errDuplicatedVMAC = errors.New("hubconnector: duplicated vmac")

// EventSink receives the Hub Connector's upward events, implemented by the
// Node Supervisor.
type EventSink interface {
	OnConnectedPrimary()
	OnConnectedFailover()
	OnDisconnected(reason transport.DisconnectReason)
	OnStopped(err error)
}

// ReceiveFunc, set by the supervisor, receives raw inbound PDUs for
// decoding and dispatch. The Hub Connector itself never decodes BVLC-SC.
type ReceiveFunc func(pdu []byte)

// Config holds the two uplink URLs and the connector's timers.
type Config struct {
	PrimaryURL       string
	FailoverURL      string
	ReconnectTimeout time.Duration
}

// Connector is the Hub Connector. It owns exactly one socketctx.Context
// with two slots: index 0 is primary, index 1 is failover.
//
// mu protects the fields below it, and is never held across a call into
// the socket context, the sink, or the receive func: any of those can
// synchronously call back into the Connector on the same goroutine.
type Connector struct {
	cfg    Config
	sink   EventSink
	dialer transport.Dialer

	mu      sync.Mutex
	ctx     *socketctx.Context
	state   State
	started bool
	fatal   error

	reconnectBackoff  backoff.BackOff
	reconnectDeadline time.Time
	waitingReconnect  bool

	onReceivePDU ReceiveFunc
}

// New constructs a Connector. The socketctx.Context is created lazily on
// Start so each Start/Stop cycle gets a fresh pool.
func New(cfg Config, sink EventSink, dialer transport.Dialer) *Connector {
	return &Connector{cfg: cfg, sink: sink, dialer: dialer, state: StateIdle}
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) SetReceiveFunc(f ReceiveFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReceivePDU = f
}

// Start begins the IDLE -> CONNECTING_PRIMARY transition.
func (c *Connector) Start() error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrInvalidOperation
	}
	c.mu.Unlock()

	ctx, err := socketctx.Init(socketctx.RoleInitiator, (*connectorOwner)(c), c.dialer, nil, 2)
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.ctx = ctx
	c.started = true
	c.fatal = nil
	c.state = StateConnectingPrimary
	c.mu.Unlock()

	if err := ctx.Connect(primarySlot, c.cfg.PrimaryURL); err != nil {
		klog.ErrorS(err, "hub connector: synchronous connect error on primary")
		c.failFatal(err)
	}
	return nil
}

// Send transmits pdu on the currently connected slot. Valid only in
// CONNECTED_PRIMARY/CONNECTED_FAILOVER.
func (c *Connector) Send(pdu []byte) error {
	c.mu.Lock()
	state, ctx := c.state, c.ctx
	c.mu.Unlock()
	switch state {
	case StateConnectedPrimary:
		return ctx.Send(primarySlot, pdu)
	case StateConnectedFailover:
		return ctx.Send(failoverSlot, pdu)
	default:
		return ErrInvalidOperation
	}
}

// Stop is the sole cancellation primitive: idempotent, safe in any state,
// never blocks. Completion is signaled asynchronously via OnStopped.
func (c *Connector) Stop() {
	c.mu.Lock()
	if c.state == StateWaitForCtxDeinit || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.beginStop()
}

func (c *Connector) beginStop() {
	c.mu.Lock()
	if c.state == StateWaitForCtxDeinit {
		c.mu.Unlock()
		return
	}
	c.state = StateWaitForCtxDeinit
	c.waitingReconnect = false
	ctx := c.ctx
	c.mu.Unlock()

	if ctx != nil {
		ctx.Deinit()
	} else {
		c.finishStop()
	}
}

func (c *Connector) finishStop() {
	c.mu.Lock()
	wasStarted := c.started
	err := c.fatal
	c.started = false
	c.state = StateIdle
	c.ctx = nil
	c.fatal = nil
	c.mu.Unlock()

	if wasStarted {
		c.sink.OnStopped(err)
	}
}

// failFatal records a fatal synchronous error and begins teardown,
// unless a stop is already in flight.
func (c *Connector) failFatal(err error) {
	c.mu.Lock()
	if c.state == StateWaitForCtxDeinit || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.fatal = err
	c.state = StateError
	c.mu.Unlock()
	c.beginStop()
}

// Tick samples the reconnect timer. Called by the owner's run loop; the
// connector never sleeps or spawns a timer of its own.
func (c *Connector) Tick(now time.Time) {
	c.mu.Lock()
	fire := c.state == StateWaitForReconnect && c.waitingReconnect && !now.Before(c.reconnectDeadline)
	var ctx *socketctx.Context
	if fire {
		c.waitingReconnect = false
		c.state = StateConnectingPrimary
		ctx = c.ctx
	}
	c.mu.Unlock()

	if fire {
		if err := ctx.Connect(primarySlot, c.cfg.PrimaryURL); err != nil {
			klog.ErrorS(err, "hub connector: reconnect attempt failed synchronously")
			c.failFatal(err)
		}
	}
}

func (c *Connector) armReconnectTimerLocked(now time.Time) {
	if c.reconnectBackoff == nil {
		// the reconnect interval is fixed, not exponential: the next
		// primary attempt must start reconnect_timeout after the failed
		// failover attempt, every cycle
		c.reconnectBackoff = constantBackOff{interval: c.cfg.ReconnectTimeout}
	}
	c.reconnectDeadline = now.Add(c.reconnectBackoff.NextBackOff())
	c.waitingReconnect = true
	c.state = StateWaitForReconnect
}

// constantBackOff is a zero-jitter backoff.BackOff that always returns the
// same interval, used for the Hub Connector's fixed reconnect timeout.
type constantBackOff struct{ interval time.Duration }

func (b constantBackOff) NextBackOff() time.Duration { return b.interval }

func (b constantBackOff) Reset() {}

var _ backoff.BackOff = constantBackOff{}

// connectorOwner adapts Connector to socketctx.Owner. The Hub Connector
// does not multiplex by VMAC/UUID, so its lookups always report not
// found.
type connectorOwner Connector

func (o *connectorOwner) FindConnectionForVMAC([6]byte) (int, bool)  { return 0, false }
func (o *connectorOwner) FindConnectionForUUID([16]byte) (int, bool) { return 0, false }

func (o *connectorOwner) OnContextEvent(event socketctx.ContextEvent) {
	c := (*Connector)(o)
	if event == socketctx.EventDeinitialized {
		c.finishStop()
	}
}

func (o *connectorOwner) OnSocketEvent(slot int, event socketctx.SocketEvent, reason transport.DisconnectReason, err error, pdu []byte) {
	c := (*Connector)(o)
	now := time.Now()

	switch event {
	case socketctx.SocketConnected:
		c.onConnected(slot)
	case socketctx.SocketDisconnected:
		c.onDisconnected(slot, reason, now)
	case socketctx.SocketReceived:
		// decoding and dispatch belong to the supervisor, reached
		// through the ReceiveFunc it registered
		c.onReceived(pdu)
	}
}

func (c *Connector) onConnected(slot int) {
	c.mu.Lock()
	var notify func()
	switch {
	case c.state == StateConnectingPrimary && slot == primarySlot:
		c.state = StateConnectedPrimary
		notify = c.sink.OnConnectedPrimary
	case c.state == StateConnectingFailover && slot == failoverSlot:
		c.state = StateConnectedFailover
		notify = c.sink.OnConnectedFailover
	default:
		klog.InfoS("hub connector: connected event in unexpected state", "state", c.state, "slot", slot)
	}
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (c *Connector) onDisconnected(slot int, reason transport.DisconnectReason, now time.Time) {
	if reason == transport.ReasonDuplicatedVMAC {
		c.mu.Lock()
		if c.state == StateWaitForCtxDeinit || c.state == StateIdle {
			c.mu.Unlock()
			return
		}
		c.state = StateError
		c.fatal = errDuplicatedVMAC
		c.mu.Unlock()

		c.sink.OnDisconnected(reason)

		c.mu.Lock()
		stillFatal := c.state == StateError
		c.mu.Unlock()
		if stillFatal {
			// the sink did not re-enter Stop/Start while handling the
			// event, so teardown is still ours to run
			c.beginStop()
		}
		return
	}

	c.mu.Lock()
	if c.state == StateWaitForCtxDeinit {
		c.mu.Unlock()
		return
	}
	connectSlot := -1
	var connectURL string
	notifyDisconnect := false
	switch c.state {
	case StateConnectingPrimary:
		c.state = StateConnectingFailover
		connectSlot, connectURL = failoverSlot, c.cfg.FailoverURL
	case StateConnectingFailover:
		c.armReconnectTimerLocked(now)
	case StateConnectedPrimary, StateConnectedFailover:
		notifyDisconnect = true
		c.state = StateConnectingPrimary
		connectSlot, connectURL = primarySlot, c.cfg.PrimaryURL
	default:
		klog.InfoS("hub connector: disconnected event in unexpected state", "state", c.state, "slot", slot)
	}
	ctx := c.ctx
	c.mu.Unlock()

	if notifyDisconnect {
		c.sink.OnDisconnected(reason)
	}
	if connectSlot >= 0 {
		if err := ctx.Connect(connectSlot, connectURL); err != nil {
			klog.ErrorS(err, "hub connector: connect failed synchronously", "slot", connectSlot)
			c.failFatal(err)
		}
	}
}

func (c *Connector) onReceived(pdu []byte) {
	c.mu.Lock()
	f := c.onReceivePDU
	c.mu.Unlock()
	if f != nil {
		f(pdu)
	}
}
