// Package supervisor composes a BACnet/SC node's Hub Connector, Hub
// Function, and Node Switch: it owns their lifecycle, dispatches decoded
// BVLC-SC control frames, and synthesizes replies.
package supervisor

import (
	"crypto/rand"
	"crypto/tls"
	"math/big"
	"sync"
	"time"

	"github.com/bacsc/scnode/pkg/bvlcsc"
	"github.com/bacsc/scnode/pkg/hubconnector"
	"github.com/bacsc/scnode/pkg/hubfunction"
	"github.com/bacsc/scnode/pkg/nodeswitch"
	"github.com/bacsc/scnode/pkg/transport"
	"k8s.io/klog/v2"
)

// State is the Node's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStarted
	StateRestarting
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateRestarting:
		return "RESTARTING"
	case StateStopping:
		return "STOPPING"
	default:
		return "IDLE"
	}
}

const (
	compHubConnector = "hub_connector"
	compHubFunction  = "hub_function"
	compNodeSwitch   = "node_switch"
)

// Node is one BACnet/SC datalink node: the Hub Connector plus its
// optionally-enabled Hub Function and Node Switch.
//
// Lock discipline: Node.mu is never held across a call into a
// sub-component (hubconnector.Connector, hubfunction.Function,
// nodeswitch.Switch) or the configured EventFunc. Those calls can
// synchronously invoke one of Node's own sink methods from the same
// goroutine (e.g. hubfunction.Start calling sink.OnStarted before
// returning).
type Node struct {
	mu  sync.Mutex
	cfg Config

	registrySlot int

	state State
	vmac  [6]byte

	hc *hubconnector.Connector
	hf *hubfunction.Function
	ns *nodeswitch.Switch

	pendingStart map[string]bool
	pendingStop  map[string]bool

	// startedViaRestart marks a start sequence initiated by a
	// duplicated-VMAC restart: its completion emits EventRestarted
	// instead of EventStarted.
	startedViaRestart bool

	resolution []bvlcsc.AddressResolutionEntry // fixed capacity, Used marks occupancy

	hcStatus bvlcsc.ConnectionStatus
}

func newNode(cfg Config) *Node {
	n := &Node{
		cfg:        cfg,
		vmac:       cfg.VMAC,
		resolution: make([]bvlcsc.AddressResolutionEntry, cfg.MaxDirectConnections),
	}

	hcCfg := hubconnector.Config{
		PrimaryURL:       cfg.PrimaryURL,
		FailoverURL:      cfg.FailoverURL,
		ReconnectTimeout: cfg.ReconnectTimeout,
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = mustClientDialer(cfg)
	}
	n.hc = hubconnector.New(hcCfg, (*hubConnectorSink)(n), dialer)
	n.hc.SetReceiveFunc(n.onHubConnectorReceived)

	if cfg.HubFunctionEnabled {
		listener := cfg.HubFunctionListener
		if listener == nil {
			listener = &transport.WSListener{Addr: cfg.HubFunctionListenAddr, TLSConfig: serverTLSConfig(cfg)}
		}
		n.hf = hubfunction.New((*hubFunctionSink)(n), listener)
	}
	if cfg.NodeSwitchEnabled {
		var listener transport.Listener
		switch {
		case cfg.DirectConnectListener != nil:
			listener = cfg.DirectConnectListener
		case cfg.DirectConnectAcceptEnable:
			listener = &transport.WSListener{Addr: cfg.DirectConnectListenAddr, TLSConfig: serverTLSConfig(cfg)}
		}
		n.ns = nodeswitch.New((*nodeSwitchSink)(n), dialer, listener)
	}
	return n
}

func mustClientDialer(cfg Config) *transport.WSDialer {
	tlsCfg, err := cfg.TLSMaterial.ClientConfig()
	if err != nil {
		klog.ErrorS(err, "supervisor: building client TLS config")
	}
	return &transport.WSDialer{
		TLSConfig:         tlsCfg,
		HandshakeTimeout:  cfg.ConnectTimeout,
		HeartbeatInterval: cfg.HeartbeatTimeout,
		DisconnectTimeout: cfg.DisconnectTimeout,
	}
}

func serverTLSConfig(cfg Config) *tls.Config {
	tlsCfg, err := cfg.TLSMaterial.ServerConfig()
	if err != nil {
		klog.ErrorS(err, "supervisor: building server TLS config")
		return nil
	}
	return tlsCfg
}

// State reports the Node's current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// VMAC reports the Node's current VMAC, which changes across a restart.
func (n *Node) VMAC() [6]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.vmac
}

// Start transitions IDLE -> STARTING: the Hub Connector is armed
// unconditionally, the Hub Function and Node Switch only when enabled.
// Any sub-component start error rolls back the ones already started and
// returns the node to IDLE. EventStarted fires once every enabled
// sub-component has reported started; the Hub Connector does not gate
// it, so a node still searching for its hub is already STARTED.
func (n *Node) Start() error {
	return n.start(false)
}

// start runs the start sequence. viaRestart makes the completion event
// EventRestarted rather than EventStarted, so a duplicated-VMAC restart
// surfaces exactly one event.
func (n *Node) start(viaRestart bool) error {
	n.mu.Lock()
	if n.state != StateIdle {
		n.mu.Unlock()
		return ErrInvalidOperation
	}
	n.state = StateStarting
	n.startedViaRestart = viaRestart
	n.pendingStart = map[string]bool{}
	if n.hf != nil {
		n.pendingStart[compHubFunction] = true
	}
	if n.ns != nil {
		n.pendingStart[compNodeSwitch] = true
	}
	n.mu.Unlock()

	if err := n.hc.Start(); err != nil {
		n.abortStart()
		return err
	}

	if n.hf != nil {
		if err := n.hf.Start(n.cfg.MaxDirectConnections); err != nil {
			n.hc.Stop()
			n.abortStart()
			return err
		}
	}

	if n.ns != nil {
		nsCfg := nodeswitch.Config{
			MaxOutbound:       n.cfg.MaxDirectConnections,
			MaxInbound:        n.cfg.MaxDirectConnections,
			InitiateEnable:    n.cfg.DirectConnectInitiateEnable,
			ResolutionTTL:     n.cfg.ResolutionFreshTTL,
			ResolutionTimeout: n.cfg.ResolutionTimeout,
		}
		if err := n.ns.Start(nsCfg); err != nil {
			n.hc.Stop()
			if n.hf != nil {
				n.hf.Stop()
			}
			n.abortStart()
			return err
		}
	}

	n.mu.Lock()
	complete, event := n.startCompletionLocked()
	n.mu.Unlock()
	if complete {
		n.cfg.EventFunc(event, nil)
	}
	return nil
}

// abortStart rolls the lifecycle back to IDLE after a failed start.
func (n *Node) abortStart() {
	n.mu.Lock()
	n.state = StateIdle
	n.startedViaRestart = false
	n.mu.Unlock()
}

// startCompletionLocked moves STARTING to STARTED once every pending
// sub-component has reported, and picks the event the transition emits.
// Callers must hold n.mu.
func (n *Node) startCompletionLocked() (bool, EventKind) {
	if n.state != StateStarting || len(n.pendingStart) != 0 {
		return false, EventStarted
	}
	n.state = StateStarted
	event := EventStarted
	if n.startedViaRestart {
		event = EventRestarted
	}
	n.startedViaRestart = false
	return true, event
}

// Stop is the sole cancellation primitive: idempotent, safe in any
// state, never blocks. Completion is signaled asynchronously via
// EventStopped.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.state == StateIdle || n.state == StateStopping {
		n.mu.Unlock()
		return
	}
	n.state = StateStopping
	n.pendingStop = n.allPendingLocked()
	n.mu.Unlock()
	n.stopAllSubComponents()
}

// restart is triggered internally whenever a sub-component reports
// DUPLICATED_VMAC: stop everything, draw a new random VMAC, start
// again. Requests arriving while already RESTARTING or STOPPING are
// ignored.
func (n *Node) restart() {
	n.mu.Lock()
	if n.state == StateStopping || n.state == StateRestarting {
		n.mu.Unlock()
		return
	}
	n.state = StateRestarting
	n.pendingStop = n.allPendingLocked()
	n.mu.Unlock()
	n.stopAllSubComponents()
}

func (n *Node) allPendingLocked() map[string]bool {
	pending := map[string]bool{compHubConnector: true}
	if n.hf != nil {
		pending[compHubFunction] = true
	}
	if n.ns != nil {
		pending[compNodeSwitch] = true
	}
	return pending
}

func (n *Node) stopAllSubComponents() {
	n.hc.Stop()
	if n.hf != nil {
		n.hf.Stop()
	}
	if n.ns != nil {
		n.ns.Stop()
	}
}

func (n *Node) onSubStopped(comp string) {
	n.mu.Lock()
	delete(n.pendingStop, comp)
	if len(n.pendingStop) > 0 {
		n.mu.Unlock()
		return
	}
	restarting := n.state == StateRestarting
	stopping := n.state == StateStopping
	n.mu.Unlock()

	switch {
	case restarting:
		n.finishRestart()
	case stopping:
		n.mu.Lock()
		n.state = StateIdle
		n.mu.Unlock()
		n.cfg.EventFunc(EventStopped, nil)
	}
}

func (n *Node) finishRestart() {
	n.mu.Lock()
	n.vmac = randomVMAC()
	n.state = StateIdle
	n.mu.Unlock()

	if err := n.start(true); err != nil {
		klog.ErrorS(err, "supervisor: restart failed to start")
	}
}

func randomVMAC() [6]byte {
	var v [6]byte
	for i := range v {
		b, err := rand.Int(rand.Reader, big.NewInt(256))
		if err != nil {
			v[i] = byte(i + 1)
			continue
		}
		v[i] = byte(b.Int64())
	}
	return v
}

// Send routes pdu toward destVMAC: through the Node Switch when it is
// enabled, over the hub uplink otherwise. In every state other than
// STARTED it returns ErrInvalidOperation and transmits nothing.
func (n *Node) Send(destVMAC [6]byte, pdu []byte) error {
	n.mu.Lock()
	started := n.state == StateStarted
	nodeSwitchEnabled := n.ns != nil
	n.mu.Unlock()
	if !started {
		return ErrInvalidOperation
	}
	if nodeSwitchEnabled {
		if err := n.ns.Send(destVMAC, pdu); err == nil {
			return nil
		}
		// no direct connection and no resolved route; fall back to the
		// uplink
	}
	return n.hc.Send(pdu)
}

// Tick drives each sub-component's timers.
func (n *Node) Tick(now time.Time) {
	n.hc.Tick(now)
	n.mu.Lock()
	ns := n.ns
	n.mu.Unlock()
	if ns != nil {
		ns.Tick(now)
	}
}
