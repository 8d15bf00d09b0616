package integration

import (
	"sync"

	"github.com/bacsc/scnode/pkg/transport"
)

// testHub is a minimal stand-in for a real BACnet/SC hub: it accepts one
// inbound connection per fakeListener.accept call and lets the test send
// and observe raw BVLC-SC frames directly, without running a full
// supervisor.Node on the hub side.
type testHub struct {
	listener *fakeListener

	mu       sync.Mutex
	conns    []*fakeConnection
	received [][]byte
}

func newTestHub(maxConns int) *testHub {
	h := &testHub{listener: newFakeListener(maxConns)}
	return h
}

func (h *testHub) onAccept(conn transport.Connection) transport.EventSink {
	fc, ok := conn.(*fakeConnection)
	if !ok {
		return nil
	}
	sink := &testHubSink{hub: h, conn: fc}
	h.mu.Lock()
	h.conns = append(h.conns, fc)
	h.mu.Unlock()
	return sink
}

func (h *testHub) connectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *testHub) latestConn() transport.Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) == 0 {
		return nil
	}
	return h.conns[len(h.conns)-1]
}

// closeLatestWithReason simulates the hub rejecting its most recent peer
// with reason, e.g. ReasonDuplicatedVMAC.
func (h *testHub) closeLatestWithReason(reason transport.DisconnectReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) == 0 {
		return
	}
	h.conns[len(h.conns)-1].closeWithReason(reason)
}

func (h *testHub) receivedFrames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.received))
	copy(out, h.received)
	return out
}

type testHubSink struct {
	hub  *testHub
	conn transport.Connection
}

func (s *testHubSink) OnConnected() {}

func (s *testHubSink) OnDisconnected(reason transport.DisconnectReason, err error) {}

func (s *testHubSink) OnReceived(pdu []byte) {
	s.hub.mu.Lock()
	s.hub.received = append(s.hub.received, pdu)
	s.hub.mu.Unlock()
}
