package orchestrator

import "fmt"

// ErrRunNotFound is returned by run stores for unknown run identifiers.
var ErrRunNotFound = fmt.Errorf("run not found")

// TransportError wraps a failed write to the outbound client channel.
// Transport failures are run-fatal: nothing further can be delivered.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
