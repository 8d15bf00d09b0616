package bvlcsc

// HeaderOption is a single destination option carried on a BVLC-SC header.
// Only the fields the supervisor's dispatch needs to reason about
// must-understand semantics are modeled.
type HeaderOption struct {
	Code           uint8
	MustUnderstand bool
	Known          bool // true if this node recognizes Code
}

// FirstUnknownMustUnderstand returns the first option that both requires
// understanding and is not recognized. The second return value is false
// when every must-understand option is known.
func FirstUnknownMustUnderstand(opts []HeaderOption) (HeaderOption, bool) {
	for _, o := range opts {
		if o.MustUnderstand && !o.Known {
			return o, true
		}
	}
	return HeaderOption{}, false
}

// resultMandatedFunctions lists the function codes for which a RESULT reply
// is mandated when a must-understand option cannot be honored.
var resultMandatedFunctions = map[FunctionCode]bool{
	FunctionEncapsulatedNPDU:          true,
	FunctionAddressResolution:         true,
	FunctionAddressResolutionAck:      true,
	FunctionAdvertisementSolicitation: true,
}

// ResultMandated reports whether fn is a function code for which a dropped
// must-understand option must be NAKed with a RESULT rather than silently
// ignored.
func ResultMandated(fn FunctionCode) bool {
	return resultMandatedFunctions[fn]
}
