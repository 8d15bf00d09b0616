package supervisor

import "errors"

// ErrBadParam reports that a caller violated a precondition on an entry
// point (init/start/send).
var ErrBadParam = errors.New("supervisor: bad param")

// ErrNoResources reports that a fixed-size pool (node slots,
// address-resolution entries) is exhausted.
var ErrNoResources = errors.New("supervisor: no resources")

// ErrInvalidOperation reports an operation issued in a state that does
// not permit it, e.g. Send before the node is started or Deinit on a
// non-idle node.
var ErrInvalidOperation = errors.New("supervisor: invalid operation")
