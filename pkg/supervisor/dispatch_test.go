package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bacsc/scnode/pkg/bvlcsc"
	"github.com/bacsc/scnode/pkg/transport"
)

// newTestNode builds a Node directly, bypassing Registry.Init (and
// therefore Config.Validate and any real transport dial/listen), so
// dispatch logic can be exercised without a network.
func newTestNode(t *testing.T, mutate func(*Config)) *Node {
	t.Helper()
	cfg := Config{
		VMAC:                  [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		MaxBVLCLength:         1500,
		MaxNPDULength:         1400,
		MaxDirectConnections:  4,
		MaxURISize:            2048,
		ResolutionFreshTTL:    time.Minute,
		NodeSwitchEnabled:     true,
		AcceptURIs:            []string{"wss://me:9999/a", "wss://me:9999/b"},
		EventFunc:             func(EventKind, []byte) {},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return newNode(cfg)
}

func encodeOrFatal(t *testing.T, m bvlcsc.Message) []byte {
	t.Helper()
	raw, err := bvlcsc.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw
}

func TestDispatchAddressResolutionAckPopulatesEntry(t *testing.T) {
	n := newTestNode(t, nil)
	origin := [6]byte{1, 2, 3, 4, 5, 6}

	raw := encodeOrFatal(t, bvlcsc.Message{
		Function: bvlcsc.FunctionAddressResolutionAck,
		Origin:   origin,
		URLs:     [][]byte{[]byte("wss://peer:9999/a"), []byte("wss://peer:9999/b")},
	})

	n.dispatch(raw, func([]byte) error { t.Fatal("no reply expected for ADDRESS_RESOLUTION_ACK"); return nil })

	entry, ok := n.GetAddressResolution(origin)
	if !ok {
		t.Fatalf("GetAddressResolution: not found")
	}
	if len(entry.URLs) != 2 || string(entry.URLs[0]) != "wss://peer:9999/a" || string(entry.URLs[1]) != "wss://peer:9999/b" {
		t.Fatalf("entry.URLs = %v, want two split urls", entry.URLs)
	}
}

func TestDispatchAddressResolutionAckDropsOversizedURL(t *testing.T) {
	n := newTestNode(t, func(c *Config) { c.MaxURISize = 4 })
	origin := [6]byte{9, 9, 9, 9, 9, 9}

	raw := encodeOrFatal(t, bvlcsc.Message{
		Function: bvlcsc.FunctionAddressResolutionAck,
		Origin:   origin,
		URLs:     [][]byte{[]byte("wss://way-too-long"), []byte("ok")},
	})

	n.dispatch(raw, func([]byte) error { return nil })

	entry, ok := n.GetAddressResolution(origin)
	if !ok {
		t.Fatalf("GetAddressResolution: not found")
	}
	if len(entry.URLs) != 1 || string(entry.URLs[0]) != "ok" {
		t.Fatalf("entry.URLs = %v, want only the short token", entry.URLs)
	}
}

func TestDispatchAddressResolutionRepliesWithAckWhenNodeSwitchEnabled(t *testing.T) {
	n := newTestNode(t, nil)
	raw := encodeOrFatal(t, bvlcsc.Message{
		Function: bvlcsc.FunctionAddressResolution,
		Origin:   [6]byte{1, 1, 1, 1, 1, 1},
	})

	var reply []byte
	n.dispatch(raw, func(pdu []byte) error { reply = pdu; return nil })

	if reply == nil {
		t.Fatalf("no reply sent")
	}
	m, err := bvlcsc.Decode(reply)
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if m.Function != bvlcsc.FunctionAddressResolutionAck {
		t.Fatalf("reply function = %v, want ADDRESS_RESOLUTION_ACK", m.Function)
	}
	if len(m.URLs) != 2 || string(m.URLs[0]) != "wss://me:9999/a" || string(m.URLs[1]) != "wss://me:9999/b" {
		t.Fatalf("reply.URLs = %v, want configured accept-URIs", m.URLs)
	}
}

func TestDispatchAddressResolutionRepliesWithResultWhenNodeSwitchDisabled(t *testing.T) {
	n := newTestNode(t, func(c *Config) { c.NodeSwitchEnabled = false })
	raw := encodeOrFatal(t, bvlcsc.Message{
		Function: bvlcsc.FunctionAddressResolution,
		Origin:   [6]byte{2, 2, 2, 2, 2, 2},
	})

	var reply []byte
	n.dispatch(raw, func(pdu []byte) error { reply = pdu; return nil })

	m, err := bvlcsc.Decode(reply)
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if m.Function != bvlcsc.FunctionResult {
		t.Fatalf("reply function = %v, want RESULT", m.Function)
	}
	if m.ErrorCode != bvlcsc.ErrorCodeOptionalFunctionalityNotSupported {
		t.Fatalf("reply.ErrorCode = %v, want OPTIONAL_FUNCTIONALITY_NOT_SUPPORTED", m.ErrorCode)
	}
}

func TestDispatchMustUnderstandUnknownOptionNAKsAndDropsPayload(t *testing.T) {
	n := newTestNode(t, nil)
	raw := encodeOrFatal(t, bvlcsc.Message{
		Function: bvlcsc.FunctionEncapsulatedNPDU,
		Origin:   [6]byte{3, 3, 3, 3, 3, 3},
		Options:  []bvlcsc.HeaderOption{{Code: 0x42, MustUnderstand: true, Known: false}},
		NPDU:     []byte("should not be delivered"),
	})

	var delivered bool
	n.cfg.EventFunc = func(kind EventKind, pdu []byte) {
		if kind == EventReceived {
			delivered = true
		}
	}

	var reply []byte
	n.dispatch(raw, func(pdu []byte) error { reply = pdu; return nil })

	if delivered {
		t.Fatalf("payload was delivered to the application despite the unknown must-understand option")
	}
	m, err := bvlcsc.Decode(reply)
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if m.Function != bvlcsc.FunctionResult || m.ErrorClass != bvlcsc.ErrorClassCommunication || m.ErrorCode != bvlcsc.ErrorCodeHeaderNotUnderstood {
		t.Fatalf("reply = %+v, want RESULT/COMMUNICATION/HEADER_NOT_UNDERSTOOD", m)
	}
	if len(m.Options) != 1 || m.Options[0].Code != 0x42 {
		t.Fatalf("reply.Options = %v, want the offending marker 0x42", m.Options)
	}
}

func TestDispatchEncapsulatedNPDUSurfacesReceived(t *testing.T) {
	n := newTestNode(t, nil)
	raw := encodeOrFatal(t, bvlcsc.Message{
		Function: bvlcsc.FunctionEncapsulatedNPDU,
		Origin:   [6]byte{4, 4, 4, 4, 4, 4},
		NPDU:     []byte("npdu payload"),
	})

	var got []byte
	n.cfg.EventFunc = func(kind EventKind, pdu []byte) {
		if kind == EventReceived {
			got = pdu
		}
	}

	n.dispatch(raw, func([]byte) error { return nil })

	if string(got) != "npdu payload" {
		t.Fatalf("delivered pdu = %q, want %q", got, "npdu payload")
	}
}

func TestDispatchAdvertisementSolicitationRepliesWithAdvertisement(t *testing.T) {
	n := newTestNode(t, nil)
	raw := encodeOrFatal(t, bvlcsc.Message{
		Function: bvlcsc.FunctionAdvertisementSolicitation,
		Origin:   [6]byte{5, 5, 5, 5, 5, 5},
	})

	var reply []byte
	n.dispatch(raw, func(pdu []byte) error { reply = pdu; return nil })

	m, err := bvlcsc.Decode(reply)
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if m.Function != bvlcsc.FunctionAdvertisement {
		t.Fatalf("reply function = %v, want ADVERTISEMENT", m.Function)
	}
	if !m.DirectConnectAcceptable {
		t.Fatalf("reply.DirectConnectAcceptable = false, want true since NodeSwitchEnabled")
	}
	if m.MaxBVLCLength != 1500 || m.MaxNPDULength != 1400 {
		t.Fatalf("reply maxima = (%d,%d), want (1500,1400)", m.MaxBVLCLength, m.MaxNPDULength)
	}
}

// relayListener hands control of accepting connections to the test.
// Serve runs on a goroutine the socket context spawns, so accept waits
// for serving to have begun.
type relayListener struct {
	once     sync.Once
	serving  chan struct{}
	onAccept func(transport.Connection) transport.EventSink
}

func (l *relayListener) servingCh() chan struct{} {
	l.once.Do(func() { l.serving = make(chan struct{}) })
	return l.serving
}

func (l *relayListener) Serve(ctx context.Context, onAccept func(transport.Connection) transport.EventSink) error {
	l.onAccept = onAccept
	close(l.servingCh())
	<-ctx.Done()
	return nil
}

func (l *relayListener) Close() error { return nil }

func (l *relayListener) accept(conn transport.Connection) transport.EventSink {
	<-l.servingCh()
	return l.onAccept(conn)
}

type relayConn struct{ sent [][]byte }

func (c *relayConn) Connect(ctx context.Context, url string) error { return nil }
func (c *relayConn) Send(pdu []byte) error {
	c.sent = append(c.sent, pdu)
	return nil
}
func (c *relayConn) Close() error { return nil }

func TestHubFunctionRelaysFramesBetweenPeers(t *testing.T) {
	listener := &relayListener{}
	n := newTestNode(t, func(c *Config) {
		c.HubFunctionEnabled = true
		c.HubFunctionListener = listener
	})
	if err := n.hf.Start(2); err != nil {
		t.Fatalf("hub function Start: %v", err)
	}

	connA, connB := &relayConn{}, &relayConn{}
	sinkA := listener.accept(connA)
	sinkA.OnConnected()
	sinkB := listener.accept(connB)
	sinkB.OnConnected()

	vmacA := bvlcsc.VMAC{1, 1, 1, 1, 1, 1}
	vmacB := bvlcsc.VMAC{2, 2, 2, 2, 2, 2}
	n.hf.RegisterPeer(1, vmacB, [16]byte{})

	raw := encodeOrFatal(t, bvlcsc.Message{
		Function:    bvlcsc.FunctionEncapsulatedNPDU,
		Origin:      vmacA,
		Destination: vmacB,
		NPDU:        []byte("relayed payload"),
	})
	sinkA.OnReceived(raw)

	if len(connB.sent) != 1 {
		t.Fatalf("relay: connB received %d frames, want 1", len(connB.sent))
	}
	if string(connB.sent[0]) != string(raw) {
		t.Fatalf("relay: forwarded frame differs from original")
	}
	if len(connA.sent) != 0 {
		t.Fatalf("relay: frame echoed back to its origin")
	}
}

func TestDispatchResultNAKForAddressResolutionClearsEntry(t *testing.T) {
	n := newTestNode(t, nil)
	origin := [6]byte{6, 6, 6, 6, 6, 6}

	// Seed an entry with URLs, then NAK it.
	ackRaw := encodeOrFatal(t, bvlcsc.Message{
		Function: bvlcsc.FunctionAddressResolutionAck,
		Origin:   origin,
		URLs:     [][]byte{[]byte("wss://peer:9999/a")},
	})
	n.dispatch(ackRaw, func([]byte) error { return nil })

	nakRaw := encodeOrFatal(t, bvlcsc.Message{
		Function:          bvlcsc.FunctionResult,
		Origin:            origin,
		ResultForFunction: bvlcsc.FunctionAddressResolution,
		ResultOK:          false,
	})
	n.dispatch(nakRaw, func([]byte) error { t.Fatal("no reply expected for RESULT"); return nil })

	n.mu.Lock()
	entry := n.locateOrAllocateLocked(origin)
	n.mu.Unlock()
	if entry == nil || len(entry.URLs) != 0 {
		t.Fatalf("entry = %+v after NAK, want URLs cleared", entry)
	}
}
