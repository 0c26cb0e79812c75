package hub

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by a connection that has already been closed.
var ErrClosed = errors.New("hub: connection closed")

// DeliveryError reports that writing to one connection failed.
type DeliveryError struct {
	ConnID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.ConnID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
