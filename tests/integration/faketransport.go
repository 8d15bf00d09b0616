// Package integration exercises a fully composed supervisor.Node end to
// end against an in-memory fake transport. The real transport sits
// behind transport.Connection/Dialer/Listener; the fake here realizes
// that boundary entirely in memory, so no test opens a TLS or WebSocket
// socket.
package integration

import (
	"context"
	"fmt"
	"sync"

	"github.com/bacsc/scnode/pkg/transport"
)

// fakeNetwork is a shared address book of fakeListeners, keyed by URL, so
// a fakeDialer in one node can "dial" a fakeListener registered by
// another node in the same test.
type fakeNetwork struct {
	mu        sync.Mutex
	listeners map[string]*fakeListener
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{listeners: make(map[string]*fakeListener)}
}

func (n *fakeNetwork) register(url string, l *fakeListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners[url] = l
}

func (n *fakeNetwork) lookup(url string) (*fakeListener, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.listeners[url]
	return l, ok
}

// fakeDialer realizes transport.Dialer by connecting directly to a
// fakeListener registered on the same fakeNetwork, or failing the dial
// immediately if the URL carries no listener (a hub that is down).
type fakeDialer struct {
	net *fakeNetwork
}

func (d *fakeDialer) Dial(sink transport.EventSink) transport.Connection {
	return &fakeConnection{dialer: d, sink: sink}
}

type fakeConnection struct {
	dialer *fakeDialer
	sink   transport.EventSink

	mu     sync.Mutex
	peer   *fakeConnection
	closed bool
}

func (c *fakeConnection) Connect(ctx context.Context, url string) error {
	l, ok := c.dialer.net.lookup(url)
	if !ok {
		go c.sink.OnDisconnected(transport.ReasonTransportError, fmt.Errorf("integration: no listener for %s", url))
		return nil
	}
	peerSink, accepted := l.accept(c)
	if !accepted {
		go c.sink.OnDisconnected(transport.ReasonTransportError, fmt.Errorf("integration: listener at %s refused connection", url))
		return nil
	}
	c.mu.Lock()
	c.peer = &fakeConnection{sink: peerSink}
	c.mu.Unlock()

	// delivered before Connect returns, so this socket is CONNECTED before
	// any frame the peer sends (each on its own goroutine) can reach it
	c.sink.OnConnected()
	go peerSink.OnConnected()
	return nil
}

func (c *fakeConnection) Send(pdu []byte) error {
	c.mu.Lock()
	peer, closed := c.peer, c.closed
	c.mu.Unlock()
	if closed || peer == nil {
		return fmt.Errorf("integration: send on non-connected fake connection")
	}
	cp := append([]byte(nil), pdu...)
	go peer.sink.OnReceived(cp)
	return nil
}

func (c *fakeConnection) Close() error {
	return c.closeWithReason(transport.ReasonClosedByPeer)
}

// closeWithReason tears the connection down and reports reason to the
// remote side's sink, letting tests simulate a hub asserting
// DUPLICATED_VMAC (which a real transport would surface as a rejected
// handshake, not an ordinary local close).
func (c *fakeConnection) closeWithReason(reason transport.DisconnectReason) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peer := c.peer
	c.mu.Unlock()
	if peer != nil {
		go peer.sink.OnDisconnected(reason, nil)
	}
	go c.sink.OnDisconnected(transport.ReasonLocalClose, nil)
	return nil
}

// fakeListener is a transport.Listener that accepts connections only from
// a fakeDialer sharing the same fakeNetwork. Unlike transport.WSListener
// it never binds a real port.
type fakeListener struct {
	mu       sync.Mutex
	onAccept func(transport.Connection) transport.EventSink
	open     bool
	maxConns int
	accepted int
}

func newFakeListener(maxConns int) *fakeListener {
	return &fakeListener{maxConns: maxConns}
}

func (l *fakeListener) Serve(ctx context.Context, onAccept func(transport.Connection) transport.EventSink) error {
	l.mu.Lock()
	l.onAccept = onAccept
	l.open = true
	l.mu.Unlock()
	<-ctx.Done()
	l.mu.Lock()
	l.open = false
	l.mu.Unlock()
	return nil
}

func (l *fakeListener) Close() error { return nil }

func (l *fakeListener) accept(dialerSideConn *fakeConnection) (transport.EventSink, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open || (l.maxConns > 0 && l.accepted >= l.maxConns) {
		return nil, false
	}
	serverConn := &fakeConnection{peer: dialerSideConn}
	sink := l.onAccept(serverConn)
	if sink == nil {
		return nil, false
	}
	serverConn.sink = sink
	l.accepted++
	return sink, true
}
