// Package hubfunction implements the optional hub role of a BACnet/SC
// node: it accepts inbound WSS connections on a configured port, keys
// connected peers by advertised VMAC and UUID, and forwards BVLC-SC
// frames between them.
package hubfunction

import (
	"errors"
	"sync"

	"github.com/bacsc/scnode/pkg/socketctx"
	"github.com/bacsc/scnode/pkg/transport"
	"k8s.io/klog/v2"
)

// ErrInvalidOperation is returned by Send when the Function is not
// running, or the destination VMAC has no connected peer.
var ErrInvalidOperation = errors.New("hubfunction: invalid operation")

// EventSink receives the Hub Function's upward events.
type EventSink interface {
	OnStarted()
	OnStopped(err error)
	OnErrorDuplicatedVMAC(vmac [6]byte)
	// OnReceived reports the socket slot a frame arrived on alongside
	// whatever VMAC RegisterPeer has already bound to that slot (the
	// zero value before the first frame is decoded). Callers that learn
	// the true origin by decoding pdu should call RegisterPeer(slot, ...)
	// before acting on it.
	OnReceived(slot int, originVMAC [6]byte, pdu []byte)
}

// Function is the Hub Function state machine. Unlike the Hub Connector,
// it has no reconnect logic of its own: each inbound socket is
// independent, and the collision policy ("reject the newer one") is all
// the state it tracks beyond the socketctx pool.
type Function struct {
	mu       sync.Mutex
	sink     EventSink
	listener transport.Listener
	ctx      *socketctx.Context
	running  bool

	byVMAC map[[6]byte]int
	byUUID map[[16]byte]int
}

// New constructs a Function bound to listener, which must already be
// configured with the hub's listen address and TLS material.
func New(sink EventSink, listener transport.Listener) *Function {
	return &Function{sink: sink, listener: listener}
}

// Start begins accepting inbound connections, up to maxPeers concurrently.
func (f *Function) Start(maxPeers int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return ErrInvalidOperation
	}

	ctx, err := socketctx.Init(socketctx.RoleAcceptor, (*functionOwner)(f), nil, f.listener, maxPeers)
	if err != nil {
		return err
	}
	f.ctx = ctx
	f.byVMAC = make(map[[6]byte]int)
	f.byUUID = make(map[[16]byte]int)
	f.running = true
	f.sink.OnStarted()
	return nil
}

// Stop closes every peer connection; OnStopped fires once the pool has
// fully drained.
func (f *Function) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	ctx := f.ctx
	f.mu.Unlock()
	ctx.Deinit()
}

// Send forwards pdu to the peer advertising destVMAC. Returns
// ErrInvalidOperation if no such peer is currently connected.
func (f *Function) Send(destVMAC [6]byte, pdu []byte) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return ErrInvalidOperation
	}
	slot, ok := f.byVMAC[destVMAC]
	ctx := f.ctx
	f.mu.Unlock()
	if !ok {
		return ErrInvalidOperation
	}
	return ctx.Send(slot, pdu)
}

// Tick is a no-op for the Hub Function: it has no timers of its own,
// only the ambient socketctx connections.
func (f *Function) Tick() {}

// RegisterPeer associates slot with vmac/uuid once the peer's identity is
// known (e.g. after its first ENCAPSULATED_NPDU or ADVERTISEMENT frame
// names its origin). If vmac is already bound to a different slot the
// newer socket is the one rejected, and OnErrorDuplicatedVMAC fires.
func (f *Function) RegisterPeer(slot int, vmac [6]byte, uuid [16]byte) {
	f.mu.Lock()
	if existing, ok := f.byVMAC[vmac]; ok && existing != slot {
		f.mu.Unlock()
		klog.InfoS("hub function: duplicate vmac, rejecting new socket", "vmac", vmac, "slot", slot)
		f.ctx.Send(slot, nil) // best effort notice; transport-level close follows
		f.sink.OnErrorDuplicatedVMAC(vmac)
		return
	}
	f.byVMAC[vmac] = slot
	f.byUUID[uuid] = slot
	f.ctx.SetPeer(slot, vmac, uuid)
	f.mu.Unlock()
}

type functionOwner Function

func (o *functionOwner) FindConnectionForVMAC(vmac [6]byte) (int, bool) {
	f := (*Function)(o)
	f.mu.Lock()
	defer f.mu.Unlock()
	slot, ok := f.byVMAC[vmac]
	return slot, ok
}

func (o *functionOwner) FindConnectionForUUID(uuid [16]byte) (int, bool) {
	f := (*Function)(o)
	f.mu.Lock()
	defer f.mu.Unlock()
	slot, ok := f.byUUID[uuid]
	return slot, ok
}

func (o *functionOwner) OnContextEvent(event socketctx.ContextEvent) {
	f := (*Function)(o)
	if event == socketctx.EventDeinitialized {
		f.mu.Lock()
		f.running = false
		f.ctx = nil
		f.mu.Unlock()
		f.sink.OnStopped(nil)
	}
}

func (o *functionOwner) OnSocketEvent(slot int, event socketctx.SocketEvent, reason transport.DisconnectReason, err error, pdu []byte) {
	f := (*Function)(o)
	switch event {
	case socketctx.SocketDisconnected:
		f.forgetPeer(slot)
	case socketctx.SocketReceived:
		f.deliverReceived(slot, pdu)
	}
}

func (f *Function) forgetPeer(slot int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for vmac, s := range f.byVMAC {
		if s == slot {
			delete(f.byVMAC, vmac)
		}
	}
	for uuid, s := range f.byUUID {
		if s == slot {
			delete(f.byUUID, uuid)
		}
	}
}

func (f *Function) deliverReceived(slot int, pdu []byte) {
	f.mu.Lock()
	var origin [6]byte
	for vmac, s := range f.byVMAC {
		if s == slot {
			origin = vmac
			break
		}
	}
	f.mu.Unlock()
	f.sink.OnReceived(slot, origin, pdu)
}
