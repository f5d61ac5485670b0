package syncutil

import "errors"

// Errors raised by the primitives in this package. The core engine never
// imports syncutil and never sees these; they exist for host code that
// chooses to use these primitives instead of the stdlib's.
var (
	ErrTimeout       = errors.New("syncutil: timed acquire expired")
	ErrChannelClosed = errors.New("syncutil: channel closed")
	ErrChannelFull   = errors.New("syncutil: channel full")
	ErrChannelEmpty  = errors.New("syncutil: channel empty")
)
