// Package bvlcsc implements the BVLC-SC (BACnet Virtual Link Control for
// Secure Connect) message kinds produced and consumed by the datalink core.
// It does not implement full wire-level framing; callers hand it already
// length-delimited payloads and receive back structured messages.
package bvlcsc

// FunctionCode identifies a BVLC-SC message kind.
type FunctionCode uint8

const (
	FunctionResult FunctionCode = iota
	FunctionEncapsulatedNPDU
	FunctionAddressResolution
	FunctionAddressResolutionAck
	FunctionAdvertisementSolicitation
	FunctionAdvertisement
)

func (f FunctionCode) String() string {
	switch f {
	case FunctionResult:
		return "RESULT"
	case FunctionEncapsulatedNPDU:
		return "ENCAPSULATED_NPDU"
	case FunctionAddressResolution:
		return "ADDRESS_RESOLUTION"
	case FunctionAddressResolutionAck:
		return "ADDRESS_RESOLUTION_ACK"
	case FunctionAdvertisementSolicitation:
		return "ADVERTISEMENT_SOLICITATION"
	case FunctionAdvertisement:
		return "ADVERTISEMENT"
	default:
		return "UNKNOWN"
	}
}

// VMAC is the 6-byte virtual MAC identifying a node on a BACnet/SC network.
type VMAC [6]byte

// BroadcastVMAC addresses every node on the network; a hub delivers a
// broadcast frame locally rather than relaying it to a single peer.
var BroadcastVMAC = VMAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ConnectionStatus is carried in an ADVERTISEMENT to describe the
// advertiser's current hub-connector state, as seen by its peers.
type ConnectionStatus uint8

const (
	ConnectionStatusNotConnected ConnectionStatus = iota
	ConnectionStatusConnectedPrimary
	ConnectionStatusConnectedFailover
)

// Message is a decoded BVLC-SC frame handed to, or produced by, the
// supervisor's dispatch logic. Only the fields relevant to a given
// Function are populated; the rest are left zero.
type Message struct {
	Function FunctionCode
	Origin   VMAC

	// Destination routes the frame: a hub relays toward this VMAC, the
	// zero value or BroadcastVMAC means the receiving node handles the
	// frame itself.
	Destination VMAC

	// Destination options, only the subset the core must reason about:
	// whether any carries an unrecognized must-understand marker.
	Options []HeaderOption

	// RESULT
	ResultForFunction FunctionCode // nested function code this is a result for
	ErrorClass        ErrorClass
	ErrorCode         ErrorCode
	ResultOK          bool // true for ACK-style results with no error

	// ADVERTISEMENT / ADVERTISEMENT_SOLICITATION
	HubConnectionStatus     ConnectionStatus
	DirectConnectAcceptable bool
	MaxBVLCLength           uint16
	MaxNPDULength           uint16

	// ADDRESS_RESOLUTION_ACK
	URLs [][]byte // raw URL tokens, already split on 0x20

	// ENCAPSULATED_NPDU
	NPDU []byte
}
