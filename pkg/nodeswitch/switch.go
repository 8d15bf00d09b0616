// Package nodeswitch maintains a BACnet/SC node's direct peer-to-peer
// WSS connections, addressed by VMAC, with address resolution for
// destinations whose URL is not yet known.
package nodeswitch

import (
	"errors"
	"sync"
	"time"

	"github.com/bacsc/scnode/pkg/socketctx"
	"github.com/bacsc/scnode/pkg/transport"
	"k8s.io/klog/v2"
)

// ErrInvalidOperation covers Send to an unresolved or unconnected peer
// and any call made before Start.
var ErrInvalidOperation = errors.New("nodeswitch: invalid operation")

// ErrNoResources is returned when the direct-connection pool is full.
var ErrNoResources = errors.New("nodeswitch: no resources")

// ErrBadParam is returned for invalid Config values.
var ErrBadParam = errors.New("nodeswitch: bad param")

// EventSink receives the Node Switch's upward events.
type EventSink interface {
	OnStarted()
	OnStopped(err error)
	OnPeerConnected(vmac [6]byte)
	OnPeerDisconnected(vmac [6]byte, reason transport.DisconnectReason)
	// OnReceived reports which pool (outbound=dialed by us,
	// inbound=accepted) and slot the frame arrived on, alongside
	// whatever VMAC RegisterInboundPeer has already bound for an
	// inbound slot. Callers that decode pdu and learn the true origin
	// should call RegisterInboundPeer(slot, ...) for inbound frames.
	OnReceived(outbound bool, slot int, originVMAC [6]byte, pdu []byte)
	// OnResolutionNeeded fires when send() is called for a VMAC with no
	// known URL; the Node Supervisor answers by issuing
	// ADDRESS_RESOLUTION and later calling ResolvePeer once the ack
	// arrives.
	OnResolutionNeeded(vmac [6]byte)
}

// Config bounds the two connection pools and the address-resolution
// cache lifetime. InitiateEnable gates outbound dialing: when false the
// Switch only ever uses connections that already exist, and Send to any
// other destination reports ErrInvalidOperation so the caller falls
// back to the uplink. ResolutionTimeout, when set, is the minimum
// interval between two OnResolutionNeeded requests for the same VMAC,
// so a burst of sends to an unresolved destination asks the supervisor
// once, not once per pdu.
type Config struct {
	MaxOutbound       int
	MaxInbound        int
	InitiateEnable    bool
	ResolutionTTL     time.Duration
	ResolutionTimeout time.Duration
}

// peerSet tracks one direction's slot <-> VMAC bookkeeping for a single
// socketctx.Context, protected by Switch.mu.
type peerSet struct {
	vmacOf map[int][6]byte
	slotOf map[[6]byte]int
}

func newPeerSet() peerSet {
	return peerSet{vmacOf: make(map[int][6]byte), slotOf: make(map[[6]byte]int)}
}

func (p *peerSet) bind(slot int, vmac [6]byte) {
	p.vmacOf[slot] = vmac
	p.slotOf[vmac] = slot
}

func (p *peerSet) forget(slot int) ([6]byte, bool) {
	vmac, ok := p.vmacOf[slot]
	if !ok {
		return [6]byte{}, false
	}
	delete(p.vmacOf, slot)
	delete(p.slotOf, vmac)
	return vmac, true
}

// Switch is the Node Switch state machine: a pool of direct peer
// connections, dialed by resolved URL and indexed by VMAC, sharing one
// socketctx.Context for outbound slots and one for inbound accepts.
type Switch struct {
	mu       sync.Mutex
	sink     EventSink
	dialer   transport.Dialer
	listener transport.Listener

	out             *socketctx.Context // our outbound connections to other nodes
	in              *socketctx.Context // inbound connections from other nodes; nil if accept disabled
	running         bool
	maxOutbound     int
	outDown, inDown bool // per-direction deinit completion, tracked across Stop

	outPeers peerSet
	inPeers  peerSet
	pending  map[[6]byte]bool // VMACs whose outbound slot is mid-CONNECTING

	initiate bool

	resolved   map[[6]byte][]string // VMAC -> URL list, learned via address resolution
	resolveExp map[[6]byte]time.Time
	resolveTTL time.Duration
	nextURL    map[[6]byte]int // cursor into resolved while a dial is retrying alternates

	askedAt    map[[6]byte]time.Time // last OnResolutionNeeded per VMAC
	askTimeout time.Duration
}

func New(sink EventSink, dialer transport.Dialer, listener transport.Listener) *Switch {
	return &Switch{
		sink:       sink,
		dialer:     dialer,
		listener:   listener,
		resolved:   make(map[[6]byte][]string),
		resolveExp: make(map[[6]byte]time.Time),
	}
}

// Start begins accepting direct connections up to cfg.MaxOutbound
// outbound slots. Inbound accepts are only opened when this Switch was
// constructed with a non-nil listener (direct_connect_accept_enable);
// cfg.MaxInbound is ignored otherwise.
func (s *Switch) Start(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrInvalidOperation
	}
	if cfg.MaxOutbound <= 0 {
		return ErrBadParam
	}

	out, err := socketctx.Init(socketctx.RoleInitiator, (*switchOutOwner)(s), s.dialer, nil, cfg.MaxOutbound)
	if err != nil {
		return err
	}

	var in *socketctx.Context
	if s.listener != nil {
		if cfg.MaxInbound <= 0 {
			out.Deinit()
			return ErrBadParam
		}
		in, err = socketctx.Init(socketctx.RoleAcceptor, (*switchInOwner)(s), nil, s.listener, cfg.MaxInbound)
		if err != nil {
			out.Deinit()
			return err
		}
	}

	s.out = out
	s.in = in
	s.outDown = false
	s.inDown = in == nil
	s.maxOutbound = cfg.MaxOutbound
	s.outPeers = newPeerSet()
	s.inPeers = newPeerSet()
	s.pending = make(map[[6]byte]bool)
	s.initiate = cfg.InitiateEnable
	s.resolveTTL = cfg.ResolutionTTL
	s.nextURL = make(map[[6]byte]int)
	s.askedAt = make(map[[6]byte]time.Time)
	s.askTimeout = cfg.ResolutionTimeout
	s.running = true
	s.sink.OnStarted()
	return nil
}

func (s *Switch) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	out, in := s.out, s.in
	s.mu.Unlock()
	out.Deinit()
	if in != nil {
		in.Deinit()
	}
}

// Send routes pdu to destVMAC: over an existing inbound or outbound
// socket if one is open, otherwise by dialing a previously resolved URL,
// otherwise by asking the Supervisor to resolve the address.
func (s *Switch) Send(destVMAC [6]byte, pdu []byte) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrInvalidOperation
	}
	if slot, ok := s.inPeers.slotOf[destVMAC]; ok {
		in := s.in
		s.mu.Unlock()
		return in.Send(slot, pdu)
	}
	if slot, ok := s.outPeers.slotOf[destVMAC]; ok {
		out := s.out
		s.mu.Unlock()
		return out.Send(slot, pdu)
	}
	if s.pending[destVMAC] {
		s.mu.Unlock()
		return ErrInvalidOperation // dial already in flight; pdu dropped
	}
	if !s.initiate {
		// outbound dialing disabled: only pre-existing connections may
		// carry the frame, the caller falls back to the uplink
		s.mu.Unlock()
		return ErrInvalidOperation
	}
	urls, ok := s.resolved[destVMAC]
	if !ok || len(urls) == 0 || now().After(s.resolveExp[destVMAC]) {
		ask := s.askTimeout <= 0 || now().Sub(s.askedAt[destVMAC]) >= s.askTimeout
		if ask {
			s.askedAt[destVMAC] = now()
		}
		s.mu.Unlock()
		if ask {
			s.sink.OnResolutionNeeded(destVMAC)
		}
		return ErrInvalidOperation
	}
	slot, ok := s.freeOutboundSlotLocked()
	if !ok {
		s.mu.Unlock()
		return ErrNoResources
	}
	s.pending[destVMAC] = true
	s.nextURL[destVMAC] = 1
	s.outPeers.bind(slot, destVMAC)
	out := s.out
	url := urls[0]
	s.mu.Unlock()

	if err := out.Connect(slot, url); err != nil {
		s.mu.Lock()
		s.outPeers.forget(slot)
		delete(s.pending, destVMAC)
		s.mu.Unlock()
		return err
	}
	return ErrInvalidOperation // dial initiated; pdu is dropped per the CONNECTING-state send rule
}

// nextDialURLLocked advances the dial cursor for vmac and returns the
// next unattempted URL from its resolution, as long as the resolution
// is still fresh.
func (s *Switch) nextDialURLLocked(vmac [6]byte) (string, bool) {
	urls := s.resolved[vmac]
	idx := s.nextURL[vmac]
	if idx >= len(urls) || now().After(s.resolveExp[vmac]) {
		return "", false
	}
	s.nextURL[vmac] = idx + 1
	return urls[idx], true
}

func (s *Switch) freeOutboundSlotLocked() (int, bool) {
	for slot := 0; slot < s.maxOutbound; slot++ {
		if _, used := s.outPeers.vmacOf[slot]; !used {
			return slot, true
		}
	}
	return 0, false
}

// ResolvePeer records the URL list learned via ADDRESS_RESOLUTION_ACK
// for vmac, valid until at+TTL, and resets the dial cursor so the next
// dial starts from the first URL again.
func (s *Switch) ResolvePeer(vmac [6]byte, urls []string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved[vmac] = append([]string(nil), urls...)
	s.resolveExp[vmac] = at.Add(s.resolveTTL)
	delete(s.nextURL, vmac)
}

// Tick is a no-op: expired resolution entries are simply re-resolved the
// next time Send needs them, rather than proactively evicted.
func (s *Switch) Tick(t time.Time) {}

// RegisterInboundPeer binds an accepted socket to the VMAC it advertised,
// once the supervisor has decoded enough of the handshake to know it.
// Unlike the Hub Function, the Node Switch does not reject on collision:
// a later slot bound to the same VMAC takes over that VMAC's lookup.
func (s *Switch) RegisterInboundPeer(slot int, vmac [6]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inPeers.bind(slot, vmac)
	if s.in != nil {
		s.in.SetPeer(slot, vmac, [16]byte{})
	}
}

type switchOutOwner Switch

func (o *switchOutOwner) FindConnectionForVMAC(vmac [6]byte) (int, bool) {
	s := (*Switch)(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.outPeers.slotOf[vmac]
	return slot, ok
}
func (o *switchOutOwner) FindConnectionForUUID([16]byte) (int, bool) { return 0, false }

func (o *switchOutOwner) OnContextEvent(event socketctx.ContextEvent) {
	(*Switch)(o).maybeFinishStop(event, true)
}

func (o *switchOutOwner) OnSocketEvent(slot int, event socketctx.SocketEvent, reason transport.DisconnectReason, err error, pdu []byte) {
	(*Switch)(o).handleSocketEvent(true, slot, event, reason, pdu)
}

type switchInOwner Switch

func (o *switchInOwner) FindConnectionForVMAC(vmac [6]byte) (int, bool) {
	s := (*Switch)(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.inPeers.slotOf[vmac]
	return slot, ok
}
func (o *switchInOwner) FindConnectionForUUID([16]byte) (int, bool) { return 0, false }

func (o *switchInOwner) OnContextEvent(event socketctx.ContextEvent) {
	(*Switch)(o).maybeFinishStop(event, false)
}

func (o *switchInOwner) OnSocketEvent(slot int, event socketctx.SocketEvent, reason transport.DisconnectReason, err error, pdu []byte) {
	(*Switch)(o).handleSocketEvent(false, slot, event, reason, pdu)
}

func (s *Switch) handleSocketEvent(outbound bool, slot int, event socketctx.SocketEvent, reason transport.DisconnectReason, pdu []byte) {
	peers := &s.inPeers
	if outbound {
		peers = &s.outPeers
	}

	switch event {
	case socketctx.SocketConnected:
		s.mu.Lock()
		vmac, ok := peers.vmacOf[slot]
		if outbound {
			delete(s.pending, vmac)
		}
		s.mu.Unlock()
		if ok {
			s.sink.OnPeerConnected(vmac)
		}
	case socketctx.SocketDisconnected:
		s.mu.Lock()
		vmac, ok := peers.forget(slot)
		redialSlot := -1
		var redialURL string
		if outbound && ok {
			if s.pending[vmac] {
				// the dial attempt failed before connecting; try the
				// next URL from the peer's resolution, if any is left
				if url, more := s.nextDialURLLocked(vmac); more {
					redialSlot, redialURL = slot, url
					s.outPeers.bind(slot, vmac)
				} else {
					delete(s.pending, vmac)
				}
			}
		}
		out := s.out
		s.mu.Unlock()

		if redialSlot >= 0 {
			if err := out.Connect(redialSlot, redialURL); err != nil {
				s.mu.Lock()
				s.outPeers.forget(redialSlot)
				delete(s.pending, vmac)
				s.mu.Unlock()
				s.sink.OnPeerDisconnected(vmac, reason)
			}
			return
		}
		if ok {
			s.sink.OnPeerDisconnected(vmac, reason)
		}
	case socketctx.SocketReceived:
		s.mu.Lock()
		vmac := peers.vmacOf[slot]
		s.mu.Unlock()
		s.sink.OnReceived(outbound, slot, vmac, pdu)
	}
}

func (s *Switch) maybeFinishStop(event socketctx.ContextEvent, wasOut bool) {
	if event != socketctx.EventDeinitialized {
		return
	}
	s.mu.Lock()
	if wasOut {
		s.outDown = true
	} else {
		s.inDown = true
	}
	bothDown := s.outDown && s.inDown
	running := s.running
	if bothDown {
		s.running = false
	}
	s.mu.Unlock()
	if bothDown && running {
		klog.InfoS("node switch stopped")
		s.sink.OnStopped(nil)
	}
}

// now is the package's clock for resolution freshness and the
// resolution-request interval, read by Send and by the alternate-URL
// redial path; Tick ignores its argument.
var now = time.Now
