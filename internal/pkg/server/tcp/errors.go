package tcp

import (
	"errors"
	"fmt"
)

// ErrListenerClosed is returned by Serve after Close. It marks a clean stop,
// not a failure.
var ErrListenerClosed = errors.New("tcp: listener closed")

// BindError reports that the listening socket could not be created: the
// address is in use, permission was denied or the port is invalid.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("cannot bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
