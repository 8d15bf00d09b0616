package supervisor

import (
	"time"

	"github.com/bacsc/scnode/pkg/bvlcsc"
)

// locateOrAllocateLocked returns the entry for vmac, creating one in the
// first free slot if none exists; at most one entry exists per VMAC.
// Returns nil if the fixed-size table (capacity MaxDirectConnections) is
// full. Callers must hold n.mu.
func (n *Node) locateOrAllocateLocked(vmac [6]byte) *bvlcsc.AddressResolutionEntry {
	var free *bvlcsc.AddressResolutionEntry
	for i := range n.resolution {
		e := &n.resolution[i]
		if e.Used && e.VMAC == vmac {
			return e
		}
		if !e.Used && free == nil {
			free = e
		}
	}
	if free != nil {
		free.Used = true
		free.VMAC = vmac
	}
	return free
}

// GetAddressResolution returns the entry known for vmac, or found=false
// if none exists or it has expired.
func (n *Node) GetAddressResolution(vmac [6]byte) (bvlcsc.AddressResolutionEntry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.resolution {
		if e.Used && e.VMAC == vmac {
			if e.Fresh(time.Now()) {
				return e, true
			}
			return bvlcsc.AddressResolutionEntry{}, false
		}
	}
	return bvlcsc.AddressResolutionEntry{}, false
}

// SendAddressResolution issues an ADDRESS_RESOLUTION request toward
// destVMAC over the uplink.
func (n *Node) SendAddressResolution(destVMAC [6]byte) error {
	n.mu.Lock()
	started := n.state == StateStarted
	n.mu.Unlock()
	if !started {
		return ErrInvalidOperation
	}

	req := bvlcsc.Message{
		Function:    bvlcsc.FunctionAddressResolution,
		Origin:      n.VMAC(),
		Destination: destVMAC,
	}
	raw, err := bvlcsc.Encode(req)
	if err != nil {
		return err
	}
	return n.hc.Send(raw)
}
