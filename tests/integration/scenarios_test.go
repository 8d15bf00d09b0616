package integration

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bacsc/scnode/pkg/bvlcsc"
	"github.com/bacsc/scnode/pkg/supervisor"
	"github.com/bacsc/scnode/pkg/tlsmaterial"
	"github.com/bacsc/scnode/pkg/transport"
)

// recordedEvent captures one call to a node's EventFunc for assertion.
type recordedEvent struct {
	kind supervisor.EventKind
	pdu  []byte
}

// testNode bundles a running supervisor.Node with its event feed and the
// fakeNetwork plumbing, and tears everything down on Close.
type testNode struct {
	registry *supervisor.Registry
	node     *supervisor.Node
	events   chan recordedEvent
	cancel   context.CancelFunc
}

func startTestNode(net *fakeNetwork, primaryURL, failoverURL string, mutate func(*supervisor.Config)) *testNode {
	material, err := tlsmaterial.GenerateSelfSigned("integration-test-node", time.Hour)
	Expect(err).NotTo(HaveOccurred())

	events := make(chan recordedEvent, 64)
	cfg := supervisor.Config{
		TLSMaterial:          material,
		UUID:                 [16]byte{1},
		VMAC:                 [6]byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60},
		MaxBVLCLength:        1500,
		MaxNPDULength:        1400,
		ConnectTimeout:       time.Second,
		HeartbeatTimeout:     time.Second,
		DisconnectTimeout:    time.Second,
		ReconnectTimeout:     50 * time.Millisecond,
		ResolutionTimeout:    time.Second,
		ResolutionFreshTTL:   time.Minute,
		PrimaryURL:           primaryURL,
		FailoverURL:          failoverURL,
		MaxDirectConnections: 4,
		MaxURISize:           2048,
		Dialer:               &fakeDialer{net: net},
		EventFunc: func(kind supervisor.EventKind, pdu []byte) {
			events <- recordedEvent{kind: kind, pdu: append([]byte(nil), pdu...)}
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	registry := supervisor.NewRegistry(1)
	node, err := registry.Init(cfg)
	Expect(err).NotTo(HaveOccurred())

	return &testNode{registry: registry, node: node, events: events}
}

func (tn *testNode) tickUntilIdle(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				tn.registry.Tick(now)
			}
		}
	}()
}

func (tn *testNode) drainEvent(timeout time.Duration) recordedEvent {
	var ev recordedEvent
	Eventually(tn.events, timeout).Should(Receive(&ev))
	return ev
}

func serveHub(ctx context.Context, net *fakeNetwork, url string, hub *testHub) {
	net.register(url, hub.listener)
	go hub.listener.Serve(ctx, hub.onAccept)
}

var _ = Describe("Hub Connector", func() {
	var (
		net    *fakeNetwork
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		net = newFakeNetwork()
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	It("reaches STARTED via CONNECTED_PRIMARY on the happy path", func() {
		hub := newTestHub(2)
		serveHub(ctx, net, "fake://h1:9999", hub)

		tn := startTestNode(net, "fake://h1:9999", "fake://h2:9999", nil)
		tn.tickUntilIdle(ctx, 5*time.Millisecond)

		Expect(tn.node.Start()).To(Succeed())
		Eventually(func() int { return hub.connectionCount() }, time.Second).Should(Equal(1))
		Eventually(func() supervisor.State { return tn.node.State() }, time.Second).Should(Equal(supervisor.StateStarted))
	})

	It("fails over to the secondary hub when the primary connect fails", func() {
		// No listener registered for the primary URL: every dial to it
		// fails at once in the fake transport, forcing
		// CONNECTING_PRIMARY -> CONNECTING_FAILOVER.
		hub := newTestHub(2)
		serveHub(ctx, net, "fake://h2:9999", hub)

		tn := startTestNode(net, "fake://h1:9999", "fake://h2:9999", nil)
		tn.tickUntilIdle(ctx, 5*time.Millisecond)

		Expect(tn.node.Start()).To(Succeed())
		Eventually(func() int { return hub.connectionCount() }, time.Second).Should(Equal(1))
		Eventually(func() supervisor.State { return tn.node.State() }, time.Second).Should(Equal(supervisor.StateStarted))
	})

	It("reconnects to the primary after both hubs are unreachable", func() {
		// Neither URL has a registered listener, so the connector must
		// cycle through WAIT_FOR_RECONNECT and retry the primary once
		// reconnect_timeout_s elapses.
		tn := startTestNode(net, "fake://h1:9999", "fake://h2:9999", func(c *supervisor.Config) {
			c.ReconnectTimeout = 20 * time.Millisecond
		})
		tn.tickUntilIdle(ctx, 5*time.Millisecond)
		Expect(tn.node.Start()).To(Succeed())

		// Once a hub appears at the primary URL, the next scheduled
		// reconnect attempt should succeed.
		hub := newTestHub(2)
		time.Sleep(30 * time.Millisecond)
		serveHub(ctx, net, "fake://h1:9999", hub)

		Eventually(func() int { return hub.connectionCount() }, 2*time.Second).Should(Equal(1))
		Eventually(func() supervisor.State { return tn.node.State() }, time.Second).Should(Equal(supervisor.StateStarted))
	})
})

var _ = Describe("Node Supervisor dispatch over the uplink", func() {
	var (
		net    *fakeNetwork
		ctx    context.Context
		cancel context.CancelFunc
		hub    *testHub
		tn     *testNode
	)

	BeforeEach(func() {
		net = newFakeNetwork()
		ctx, cancel = context.WithCancel(context.Background())
		hub = newTestHub(2)
		serveHub(ctx, net, "fake://h1:9999", hub)

		tn = startTestNode(net, "fake://h1:9999", "fake://h2:9999", func(c *supervisor.Config) {
			c.NodeSwitchEnabled = true
			c.AcceptURIs = []string{"fake://me:9999/a", "fake://me:9999/b"}
		})
		tn.tickUntilIdle(ctx, 5*time.Millisecond)
		Expect(tn.node.Start()).To(Succeed())
		Eventually(func() int { return hub.connectionCount() }, time.Second).Should(Equal(1))
		Eventually(func() supervisor.State { return tn.node.State() }, time.Second).Should(Equal(supervisor.StateStarted))
		Expect(tn.drainEvent(time.Second).kind).To(Equal(supervisor.EventStarted))
	})

	AfterEach(func() {
		cancel()
	})

	It("replies to ADDRESS_RESOLUTION with an ACK carrying the configured accept-URIs", func() {
		origin := [6]byte{1, 2, 3, 4, 5, 6}
		raw, err := bvlcsc.Encode(bvlcsc.Message{Function: bvlcsc.FunctionAddressResolution, Origin: origin})
		Expect(err).NotTo(HaveOccurred())

		conn := hub.latestConn()
		Expect(conn).NotTo(BeNil())
		Expect(conn.Send(raw)).To(Succeed())

		Eventually(func() [][]byte { return hub.receivedFrames() }, time.Second).ShouldNot(BeEmpty())
		frame := hub.receivedFrames()[0]
		m, err := bvlcsc.Decode(frame)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Function).To(Equal(bvlcsc.FunctionAddressResolutionAck))
		Expect(m.URLs).To(HaveLen(2))
		Expect(string(m.URLs[0])).To(Equal("fake://me:9999/a"))
		Expect(string(m.URLs[1])).To(Equal("fake://me:9999/b"))
	})

	It("NAKs an ENCAPSULATED_NPDU carrying an unknown must-understand option and drops the payload", func() {
		origin := [6]byte{7, 7, 7, 7, 7, 7}
		raw, err := bvlcsc.Encode(bvlcsc.Message{
			Function: bvlcsc.FunctionEncapsulatedNPDU,
			Origin:   origin,
			Options:  []bvlcsc.HeaderOption{{Code: 0x55, MustUnderstand: true}},
			NPDU:     []byte("must not reach the application"),
		})
		Expect(err).NotTo(HaveOccurred())

		conn := hub.latestConn()
		Expect(conn).NotTo(BeNil())
		Expect(conn.Send(raw)).To(Succeed())

		Eventually(func() [][]byte { return hub.receivedFrames() }, time.Second).ShouldNot(BeEmpty())
		frame := hub.receivedFrames()[0]
		m, err := bvlcsc.Decode(frame)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Function).To(Equal(bvlcsc.FunctionResult))
		Expect(m.ErrorClass).To(Equal(bvlcsc.ErrorClassCommunication))
		Expect(m.ErrorCode).To(Equal(bvlcsc.ErrorCodeHeaderNotUnderstood))

		Consistently(tn.events, 200*time.Millisecond).ShouldNot(Receive(
			WithTransform(func(e recordedEvent) supervisor.EventKind { return e.kind }, Equal(supervisor.EventReceived)),
		))
	})

	It("surfaces ENCAPSULATED_NPDU to the application as RECEIVED", func() {
		origin := [6]byte{8, 8, 8, 8, 8, 8}
		raw, err := bvlcsc.Encode(bvlcsc.Message{
			Function: bvlcsc.FunctionEncapsulatedNPDU,
			Origin:   origin,
			NPDU:     []byte("application payload"),
		})
		Expect(err).NotTo(HaveOccurred())

		conn := hub.latestConn()
		Expect(conn).NotTo(BeNil())
		Expect(conn.Send(raw)).To(Succeed())

		ev := tn.drainEvent(time.Second)
		Expect(ev.kind).To(Equal(supervisor.EventReceived))
		Expect(string(ev.pdu)).To(Equal("application payload"))
	})
})

var _ = Describe("Duplicated VMAC recovery", func() {
	It("restarts the node with a new VMAC when the hub reports DUPLICATED_VMAC", func() {
		net := newFakeNetwork()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		hub := newTestHub(2)
		serveHub(ctx, net, "fake://h1:9999", hub)

		tn := startTestNode(net, "fake://h1:9999", "fake://h2:9999", nil)
		tn.tickUntilIdle(ctx, 5*time.Millisecond)
		Expect(tn.node.Start()).To(Succeed())
		Eventually(func() int { return hub.connectionCount() }, time.Second).Should(Equal(1))
		Eventually(func() supervisor.State { return tn.node.State() }, time.Second).Should(Equal(supervisor.StateStarted))

		originalVMAC := tn.node.VMAC()
		hub.closeLatestWithReason(transport.ReasonDuplicatedVMAC)

		Eventually(func() supervisor.State { return tn.node.State() }, time.Second).ShouldNot(Equal(supervisor.StateStarted))
		Eventually(func() int { return hub.connectionCount() }, 2*time.Second).Should(BeNumerically(">=", 2))
		Eventually(func() supervisor.State { return tn.node.State() }, 2*time.Second).Should(Equal(supervisor.StateStarted))
		Expect(tn.node.VMAC()).NotTo(Equal(originalVMAC))

		// the initial start emits STARTED once; the restart emits only
		// RESTARTED, never a second STARTED
		var kinds []supervisor.EventKind
		Eventually(func() []supervisor.EventKind {
			for {
				select {
				case ev := <-tn.events:
					kinds = append(kinds, ev.kind)
				default:
					return kinds
				}
			}
		}, time.Second).Should(Equal([]supervisor.EventKind{supervisor.EventStarted, supervisor.EventRestarted}))
	})
})
