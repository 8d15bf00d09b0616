package supervisor

import (
	"time"

	"github.com/bacsc/scnode/pkg/bvlcsc"
	"k8s.io/klog/v2"
)

// replyFunc sends a synthesized reply back out the same sub-component
// and destination the inbound frame arrived from.
type replyFunc func(pdu []byte) error

// dispatch handles one inbound BVLC-SC frame, shared by the Hub
// Connector, Hub Function, and Node Switch receive paths: control
// frames are answered in place, ENCAPSULATED_NPDU is surfaced to the
// application, and a frame carrying an unrecognized must-understand
// option is dropped (NAKed when its kind mandates a RESULT).
func (n *Node) dispatch(raw []byte, reply replyFunc) {
	m, err := bvlcsc.Decode(raw)
	if err != nil {
		klog.ErrorS(err, "supervisor: dropping undecodable frame")
		return
	}

	if opt, unknown := bvlcsc.FirstUnknownMustUnderstand(m.Options); unknown {
		if bvlcsc.ResultMandated(m.Function) {
			n.sendResult(reply, m.Origin, m.Function, bvlcsc.ErrorClassCommunication, bvlcsc.ErrorCodeHeaderNotUnderstood, opt.Code)
		}
		return
	}

	switch m.Function {
	case bvlcsc.FunctionResult:
		n.handleResult(m)
	case bvlcsc.FunctionAdvertisement:
		// unsolicited advertisements carry nothing this node acts on
	case bvlcsc.FunctionAdvertisementSolicitation:
		n.handleAdvertisementSolicitation(m, reply)
	case bvlcsc.FunctionAddressResolution:
		n.handleAddressResolution(m, reply)
	case bvlcsc.FunctionAddressResolutionAck:
		n.handleAddressResolutionAck(m)
	case bvlcsc.FunctionEncapsulatedNPDU:
		n.cfg.EventFunc(EventReceived, m.NPDU)
	default:
		klog.InfoS("supervisor: unhandled function code, dropping", "function", m.Function)
	}
}

func (n *Node) sendResult(reply replyFunc, dest bvlcsc.VMAC, forFunction bvlcsc.FunctionCode, class bvlcsc.ErrorClass, code bvlcsc.ErrorCode, marker uint8) {
	result := bvlcsc.Message{
		Function:          bvlcsc.FunctionResult,
		Origin:            n.VMAC(),
		Destination:       dest,
		ResultForFunction: forFunction,
		ErrorClass:        class,
		ErrorCode:         code,
		Options:           []bvlcsc.HeaderOption{{Code: marker}},
	}
	n.sendSynthesized(reply, result)
}

// sendSynthesized transmits a synthesized reply. A transmission failure
// is logged and otherwise ignored; it never alters the state machines.
func (n *Node) sendSynthesized(reply replyFunc, m bvlcsc.Message) {
	raw, err := bvlcsc.Encode(m)
	if err != nil {
		klog.ErrorS(err, "supervisor: encoding synthesized reply", "function", m.Function)
		return
	}
	if err := reply(raw); err != nil {
		klog.InfoS("supervisor: synthesized reply transmission failed", "function", m.Function, "err", err)
	}
}

// handleResult processes an inbound RESULT. Only a NAK for a prior
// ADDRESS_RESOLUTION is meaningful here; anything else is logged and
// dropped.
func (n *Node) handleResult(m bvlcsc.Message) {
	if m.ResultOK || m.ResultForFunction != bvlcsc.FunctionAddressResolution {
		klog.V(4).InfoS("supervisor: dropping result", "for", m.ResultForFunction, "ok", m.ResultOK)
		return
	}
	n.mu.Lock()
	entry := n.locateOrAllocateLocked(m.Origin)
	if entry != nil {
		entry.URLs = nil
		entry.FreshTill = time.Now()
	}
	n.mu.Unlock()
}

func (n *Node) handleAdvertisementSolicitation(m bvlcsc.Message, reply replyFunc) {
	n.mu.Lock()
	status := n.hcStatus
	acceptable := n.ns != nil
	n.mu.Unlock()

	adv := bvlcsc.Message{
		Function:                bvlcsc.FunctionAdvertisement,
		Origin:                  n.VMAC(),
		Destination:             m.Origin,
		HubConnectionStatus:     status,
		DirectConnectAcceptable: acceptable,
		MaxBVLCLength:           n.cfg.MaxBVLCLength,
		MaxNPDULength:           n.cfg.MaxNPDULength,
	}
	n.sendSynthesized(reply, adv)
}

func (n *Node) handleAddressResolution(m bvlcsc.Message, reply replyFunc) {
	n.mu.Lock()
	enabled := n.ns != nil
	n.mu.Unlock()

	if !enabled {
		n.sendResult(reply, m.Origin, bvlcsc.FunctionAddressResolution, bvlcsc.ErrorClassCommunication, bvlcsc.ErrorCodeOptionalFunctionalityNotSupported, 0)
		return
	}

	urls := make([][]byte, len(n.cfg.AcceptURIs))
	for i, u := range n.cfg.AcceptURIs {
		urls[i] = []byte(u)
	}
	ack := bvlcsc.Message{
		Function:    bvlcsc.FunctionAddressResolutionAck,
		Origin:      n.VMAC(),
		Destination: m.Origin,
		URLs:        urls,
	}
	n.sendSynthesized(reply, ack)
}

// handleAddressResolutionAck records the URL list a peer advertised.
// The payload is already split on 0x20 by bvlcsc.Decode, so this only
// applies the per-token length rule and the entry's URL capacity before
// locating-or-allocating the entry for origin, then hands the fresh
// entry to the Node Switch.
func (n *Node) handleAddressResolutionAck(m bvlcsc.Message) {
	now := time.Now()
	urls := make([][]byte, 0, maxURLsPerEntry)
	for _, tok := range m.URLs {
		if len(urls) >= maxURLsPerEntry {
			break
		}
		if len(tok) == 0 || len(tok) > n.cfg.MaxURISize {
			continue
		}
		urls = append(urls, tok)
	}
	entry := bvlcsc.AddressResolutionEntry{
		Used:      true,
		VMAC:      m.Origin,
		URLs:      urls,
		FreshTill: now.Add(n.cfg.ResolutionFreshTTL),
	}

	n.mu.Lock()
	slot := n.locateOrAllocateLocked(m.Origin)
	if slot != nil {
		*slot = entry
	}
	ns := n.ns
	n.mu.Unlock()

	if ns != nil && len(entry.URLs) > 0 {
		resolved := make([]string, len(entry.URLs))
		for i, u := range entry.URLs {
			resolved[i] = string(u)
		}
		ns.ResolvePeer(m.Origin, resolved, now)
	}
}

// maxURLsPerEntry bounds how many URLs a single address-resolution
// entry retains.
const maxURLsPerEntry = 8
