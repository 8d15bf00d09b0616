package bvlcsc

import (
	"encoding/binary"
	"fmt"
)

// Encode and Decode give the supervisor's dispatch logic a concrete wire
// form to exercise end to end. The codec covers the message kinds the
// datalink layer produces and consumes; it is a consistent internal
// framing, not a claim of bit-for-bit compatibility with the published
// BVLC-SC header layout.
//
// Layout: function(1) origin(6) destination(6) optionCount(1)
// [optionCode(1) mustUnderstand(1)]* then a function-specific body.
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, 0, 32+len(m.NPDU))
	buf = append(buf, byte(m.Function))
	buf = append(buf, m.Origin[:]...)
	buf = append(buf, m.Destination[:]...)
	if len(m.Options) > 255 {
		return nil, fmt.Errorf("bvlcsc: too many options")
	}
	buf = append(buf, byte(len(m.Options)))
	for _, o := range m.Options {
		mu := byte(0)
		if o.MustUnderstand {
			mu = 1
		}
		buf = append(buf, o.Code, mu)
	}

	switch m.Function {
	case FunctionResult:
		ok := byte(0)
		if m.ResultOK {
			ok = 1
		}
		buf = append(buf, byte(m.ResultForFunction), ok, byte(m.ErrorClass), byte(m.ErrorCode))
	case FunctionAdvertisement, FunctionAdvertisementSolicitation:
		acceptable := byte(0)
		if m.DirectConnectAcceptable {
			acceptable = 1
		}
		buf = append(buf, byte(m.HubConnectionStatus), acceptable)
		buf = binary.BigEndian.AppendUint16(buf, m.MaxBVLCLength)
		buf = binary.BigEndian.AppendUint16(buf, m.MaxNPDULength)
	case FunctionAddressResolution:
		// no body
	case FunctionAddressResolutionAck:
		joined := JoinURLList(m.URLs)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(joined)))
		buf = append(buf, joined...)
	case FunctionEncapsulatedNPDU:
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.NPDU)))
		buf = append(buf, m.NPDU...)
	default:
		return nil, fmt.Errorf("bvlcsc: unknown function code %d", m.Function)
	}
	return buf, nil
}

func Decode(raw []byte) (Message, error) {
	if len(raw) < 14 {
		return Message{}, fmt.Errorf("bvlcsc: frame too short")
	}
	m := Message{Function: FunctionCode(raw[0])}
	copy(m.Origin[:], raw[1:7])
	copy(m.Destination[:], raw[7:13])
	optCount := int(raw[13])
	off := 14
	for i := 0; i < optCount; i++ {
		if off+2 > len(raw) {
			return Message{}, fmt.Errorf("bvlcsc: truncated options")
		}
		m.Options = append(m.Options, HeaderOption{Code: raw[off], MustUnderstand: raw[off+1] == 1})
		off += 2
	}

	switch m.Function {
	case FunctionResult:
		if off+4 > len(raw) {
			return Message{}, fmt.Errorf("bvlcsc: truncated result")
		}
		m.ResultForFunction = FunctionCode(raw[off])
		m.ResultOK = raw[off+1] == 1
		m.ErrorClass = ErrorClass(raw[off+2])
		m.ErrorCode = ErrorCode(raw[off+3])
	case FunctionAdvertisement, FunctionAdvertisementSolicitation:
		if off+6 > len(raw) {
			return Message{}, fmt.Errorf("bvlcsc: truncated advertisement")
		}
		m.HubConnectionStatus = ConnectionStatus(raw[off])
		m.DirectConnectAcceptable = raw[off+1] == 1
		m.MaxBVLCLength = binary.BigEndian.Uint16(raw[off+2:])
		m.MaxNPDULength = binary.BigEndian.Uint16(raw[off+4:])
	case FunctionAddressResolution:
		// no body
	case FunctionAddressResolutionAck:
		if off+2 > len(raw) {
			return Message{}, fmt.Errorf("bvlcsc: truncated address resolution ack")
		}
		n := int(binary.BigEndian.Uint16(raw[off:]))
		off += 2
		if off+n > len(raw) {
			return Message{}, fmt.Errorf("bvlcsc: truncated url payload")
		}
		m.URLs = SplitURLList(raw[off : off+n])
	case FunctionEncapsulatedNPDU:
		if off+2 > len(raw) {
			return Message{}, fmt.Errorf("bvlcsc: truncated npdu length")
		}
		n := int(binary.BigEndian.Uint16(raw[off:]))
		off += 2
		if off+n > len(raw) {
			return Message{}, fmt.Errorf("bvlcsc: truncated npdu")
		}
		m.NPDU = raw[off : off+n]
	default:
		return Message{}, fmt.Errorf("bvlcsc: unknown function code %d", m.Function)
	}
	return m, nil
}
