package store

import "errors"

// ErrNotFound reports that no entry exists under the requested key.
var ErrNotFound = errors.New("store: entry not found")

// ConnectivityError wraps a failure to reach the backing store at all, such
// as a refused connection or a transport timeout.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return "store: connectivity failure: " + e.Err.Error()
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// StoreError wraps any other failure returned by the backing store, for
// example a command rejected for missing privileges.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return "store: " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is, or wraps, a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
