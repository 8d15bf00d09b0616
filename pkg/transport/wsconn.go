package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"
)

// wsUpgrader is package-level to avoid repeated allocation on every accept.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
}

// WSDialer dials outbound BACnet/SC WSS connections using gorilla/websocket,
// the default realization of transport.Dialer. A non-zero HeartbeatInterval
// turns on WebSocket-level pings on each dialed connection;
// DisconnectTimeout bounds how long a control write may hang before the
// connection is considered dead.
type WSDialer struct {
	TLSConfig         *tls.Config
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	DisconnectTimeout time.Duration
}

func (d *WSDialer) Dial(sink EventSink) Connection {
	return &wsConnection{dialer: d, sink: sink}
}

type wsConnection struct {
	dialer *WSDialer
	sink   EventSink

	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool
}

func (c *wsConnection) Connect(ctx context.Context, url string) error {
	dialer := &websocket.Dialer{
		TLSClientConfig:  c.dialer.TLSConfig,
		HandshakeTimeout: orDefault(c.dialer.HandshakeTimeout, 10*time.Second),
		Subprotocols:     []string{"hub.bsc.bacnet.org"},
	}

	go func() {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			c.sink.OnDisconnected(ReasonTransportError, err)
			return
		}

		c.writeMu.Lock()
		if c.closed {
			c.writeMu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.writeMu.Unlock()

		if c.dialer.HeartbeatInterval > 0 {
			go c.pingLoop(c.dialer.HeartbeatInterval, orDefault(c.dialer.DisconnectTimeout, 5*time.Second))
		}
		c.sink.OnConnected()
		c.readPump()
	}()
	return nil
}

// pingLoop keeps a dialed uplink alive with WebSocket pings and gives up
// once a control write fails; the read pump then observes the close.
func (c *wsConnection) pingLoop(interval, writeTimeout time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		c.writeMu.Lock()
		if c.closed || c.conn == nil {
			c.writeMu.Unlock()
			return
		}
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *wsConnection) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.writeMu.Lock()
			wasClosed := c.closed
			c.writeMu.Unlock()
			if wasClosed {
				c.sink.OnDisconnected(ReasonLocalClose, nil)
			} else {
				c.sink.OnDisconnected(ReasonClosedByPeer, err)
			}
			return
		}
		c.sink.OnReceived(data)
	}
}

func (c *wsConnection) Send(pdu []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil || c.closed {
		return fmt.Errorf("transport: send on non-connected socket")
	}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, pdu)
}

func (c *wsConnection) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// WSListener accepts inbound BACnet/SC WSS connections using
// gorilla/websocket's Upgrader, the default realization of
// transport.Listener for the Hub Function and Node Switch accept sides.
type WSListener struct {
	Addr      string
	TLSConfig *tls.Config

	server *http.Server
}

func (l *WSListener) Serve(ctx context.Context, onAccept func(Connection) EventSink) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			klog.ErrorS(err, "websocket upgrade failed", "remote", r.RemoteAddr)
			return
		}
		ws := &wsConnection{conn: conn}
		sink := onAccept(ws)
		if sink == nil {
			conn.Close()
			return
		}
		ws.sink = sink
		sink.OnConnected()
		go ws.readPump()
	})

	l.server = &http.Server{
		Addr:      l.Addr,
		Handler:   mux,
		TLSConfig: l.TLSConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		if l.TLSConfig != nil {
			errCh <- l.server.ListenAndServeTLS("", "")
		} else {
			errCh <- l.server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		return l.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (l *WSListener) Close() error {
	if l.server == nil {
		return nil
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return l.server.Shutdown(shutCtx)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
