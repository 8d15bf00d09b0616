package hubfunction

import (
	"context"
	"sync"
	"testing"

	"github.com/bacsc/scnode/pkg/transport"
)

// fakeListener hands control of accepting connections to the test: Serve
// just stashes onAccept and blocks until ctx is cancelled, and the test
// drives acceptance directly via accept(). Serve runs on a goroutine the
// socket context spawns, so accept waits for serving to have begun.
type fakeListener struct {
	once     sync.Once
	serving  chan struct{}
	onAccept func(transport.Connection) transport.EventSink
}

func (l *fakeListener) servingCh() chan struct{} {
	l.once.Do(func() { l.serving = make(chan struct{}) })
	return l.serving
}

func (l *fakeListener) Serve(ctx context.Context, onAccept func(transport.Connection) transport.EventSink) error {
	l.onAccept = onAccept
	close(l.servingCh())
	<-ctx.Done()
	return nil
}

func (l *fakeListener) Close() error { return nil }

func (l *fakeListener) accept(conn transport.Connection) transport.EventSink {
	<-l.servingCh()
	return l.onAccept(conn)
}

type fakeConn struct {
	sink transport.EventSink
	sent [][]byte
}

func (c *fakeConn) Connect(ctx context.Context, url string) error { return nil }
func (c *fakeConn) Send(pdu []byte) error {
	c.sent = append(c.sent, pdu)
	return nil
}
func (c *fakeConn) Close() error { return nil }

type fakeSink struct {
	started, stopped int
	duplicated       [][6]byte
	received         []receivedCall
}

type receivedCall struct {
	slot   int
	origin [6]byte
	pdu    []byte
}

func (s *fakeSink) OnStarted()                         { s.started++ }
func (s *fakeSink) OnStopped(err error)                { s.stopped++ }
func (s *fakeSink) OnErrorDuplicatedVMAC(vmac [6]byte) { s.duplicated = append(s.duplicated, vmac) }
func (s *fakeSink) OnReceived(slot int, origin [6]byte, pdu []byte) {
	s.received = append(s.received, receivedCall{slot, origin, pdu})
}

func acceptPeer(t *testing.T, l *fakeListener) (*fakeConn, transport.EventSink) {
	t.Helper()
	conn := &fakeConn{}
	sink := l.accept(conn)
	if sink == nil {
		t.Fatalf("accept rejected, pool presumably full")
	}
	conn.sink = sink
	sink.OnConnected()
	return conn, sink
}

func TestFunctionAcceptsAndForwards(t *testing.T) {
	listener := &fakeListener{}
	sink := &fakeSink{}
	f := New(sink, listener)
	if err := f.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sink.started != 1 {
		t.Fatalf("started = %d, want 1", sink.started)
	}

	_, peerSink := acceptPeer(t, listener)
	vmacA := [6]byte{1, 2, 3, 4, 5, 6}
	peerSink.OnReceived([]byte("hello"))
	if len(sink.received) != 1 {
		t.Fatalf("received = %d, want 1", len(sink.received))
	}
	f.RegisterPeer(0, vmacA, [16]byte{})

	if err := f.Send(vmacA, []byte("reply")); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestFunctionRejectsDuplicateVMAC(t *testing.T) {
	listener := &fakeListener{}
	sink := &fakeSink{}
	f := New(sink, listener)
	if err := f.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}

	acceptPeer(t, listener)
	acceptPeer(t, listener)

	vmac := [6]byte{9, 9, 9, 9, 9, 9}
	f.RegisterPeer(0, vmac, [16]byte{})
	f.RegisterPeer(1, vmac, [16]byte{})

	if len(sink.duplicated) != 1 || sink.duplicated[0] != vmac {
		t.Fatalf("duplicated = %v, want [%v]", sink.duplicated, vmac)
	}
}

func TestFunctionSendToUnknownVMACIsInvalidOperation(t *testing.T) {
	listener := &fakeListener{}
	sink := &fakeSink{}
	f := New(sink, listener)
	if err := f.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.Send([6]byte{1}, []byte("x")); err != ErrInvalidOperation {
		t.Fatalf("Send: err = %v, want ErrInvalidOperation", err)
	}
}
