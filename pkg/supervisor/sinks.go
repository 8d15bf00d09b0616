package supervisor

import (
	"github.com/bacsc/scnode/pkg/bvlcsc"
	"github.com/bacsc/scnode/pkg/transport"
	"k8s.io/klog/v2"
)

// hubConnectorSink adapts Node to hubconnector.EventSink.
type hubConnectorSink Node

func (s *hubConnectorSink) OnConnectedPrimary() {
	n := (*Node)(s)
	n.mu.Lock()
	n.hcStatus = bvlcsc.ConnectionStatusConnectedPrimary
	n.mu.Unlock()
}

func (s *hubConnectorSink) OnConnectedFailover() {
	n := (*Node)(s)
	n.mu.Lock()
	n.hcStatus = bvlcsc.ConnectionStatusConnectedFailover
	n.mu.Unlock()
}

func (s *hubConnectorSink) OnDisconnected(reason transport.DisconnectReason) {
	n := (*Node)(s)
	n.mu.Lock()
	n.hcStatus = bvlcsc.ConnectionStatusNotConnected
	n.mu.Unlock()
	if reason == transport.ReasonDuplicatedVMAC {
		klog.InfoS("hub connector reported duplicated vmac, restarting node")
		n.restart()
	}
}

func (s *hubConnectorSink) OnStopped(err error) {
	n := (*Node)(s)
	if err != nil {
		klog.ErrorS(err, "hub connector stopped with error")
	}
	n.onSubStopped(compHubConnector)
}

func (n *Node) onHubConnectorReceived(pdu []byte) {
	n.dispatch(pdu, func(reply []byte) error { return n.hc.Send(reply) })
}

// hubFunctionSink adapts Node to hubfunction.EventSink.
type hubFunctionSink Node

func (s *hubFunctionSink) OnStarted() {
	(*Node)(s).onSubStarted(compHubFunction)
}

func (s *hubFunctionSink) OnStopped(err error) {
	if err != nil {
		klog.ErrorS(err, "hub function stopped with error")
	}
	(*Node)(s).onSubStopped(compHubFunction)
}

func (s *hubFunctionSink) OnErrorDuplicatedVMAC(vmac [6]byte) {
	klog.InfoS("hub function reported duplicated vmac, restarting node", "vmac", vmac)
	(*Node)(s).restart()
}

// OnReceived is the hub relay: a frame addressed to another node is
// forwarded to the peer advertising that VMAC, everything else (frames
// for this node, broadcasts) is dispatched locally.
func (s *hubFunctionSink) OnReceived(slot int, originVMAC [6]byte, pdu []byte) {
	n := (*Node)(s)
	m, err := bvlcsc.Decode(pdu)
	if err != nil {
		klog.V(4).InfoS("hub function: dropping undecodable frame", "slot", slot)
		return
	}
	n.hf.RegisterPeer(slot, m.Origin, [16]byte{})

	dest := m.Destination
	if dest != (bvlcsc.VMAC{}) && dest != bvlcsc.BroadcastVMAC && dest != n.VMAC() {
		if err := n.hf.Send(dest, pdu); err != nil {
			klog.InfoS("hub function: relay failed, destination not connected", "dest", dest)
		}
		return
	}
	n.dispatch(pdu, func(reply []byte) error { return n.hf.Send(m.Origin, reply) })
}

// nodeSwitchSink adapts Node to nodeswitch.EventSink.
type nodeSwitchSink Node

func (s *nodeSwitchSink) OnStarted() {
	(*Node)(s).onSubStarted(compNodeSwitch)
}

func (s *nodeSwitchSink) OnStopped(err error) {
	if err != nil {
		klog.ErrorS(err, "node switch stopped with error")
	}
	(*Node)(s).onSubStopped(compNodeSwitch)
}

func (s *nodeSwitchSink) OnPeerConnected(vmac [6]byte) {
	klog.V(4).InfoS("direct peer connected", "vmac", vmac)
}

func (s *nodeSwitchSink) OnPeerDisconnected(vmac [6]byte, reason transport.DisconnectReason) {
	klog.V(4).InfoS("direct peer disconnected", "vmac", vmac, "reason", reason)
}

func (s *nodeSwitchSink) OnResolutionNeeded(vmac [6]byte) {
	n := (*Node)(s)
	if err := n.SendAddressResolution(vmac); err != nil {
		klog.InfoS("supervisor: address resolution request failed", "vmac", vmac, "err", err)
	}
}

func (s *nodeSwitchSink) OnReceived(outbound bool, slot int, originVMAC [6]byte, pdu []byte) {
	n := (*Node)(s)
	m, err := bvlcsc.Decode(pdu)
	if err != nil {
		klog.V(4).InfoS("node switch: dropping undecodable frame", "slot", slot, "outbound", outbound)
		return
	}
	if !outbound {
		n.ns.RegisterInboundPeer(slot, m.Origin)
	}
	n.dispatch(pdu, func(reply []byte) error { return n.ns.Send(m.Origin, reply) })
}

func (n *Node) onSubStarted(comp string) {
	n.mu.Lock()
	delete(n.pendingStart, comp)
	complete, event := n.startCompletionLocked()
	n.mu.Unlock()
	if complete {
		n.cfg.EventFunc(event, nil)
	}
}
