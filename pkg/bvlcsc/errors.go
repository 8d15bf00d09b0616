package bvlcsc

// ErrorClass is the coarse-grained BVLC-SC RESULT error classification.
type ErrorClass uint8

const (
	ErrorClassCommunication ErrorClass = iota
	ErrorClassSecurity
)

// ErrorCode is the specific BVLC-SC RESULT error code.
type ErrorCode uint8

const (
	ErrorCodeHeaderNotUnderstood ErrorCode = iota
	ErrorCodeOptionalFunctionalityNotSupported
	ErrorCodeAddressResolutionNAK
)
