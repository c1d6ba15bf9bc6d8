package transfer

import (
	"errors"
	"fmt"
)

// ErrNoTransferSlot is returned when another transfer holds the slot. Callers
// should retry later or report that a transfer is already running.
var ErrNoTransferSlot = errors.New("another transfer is already running")

// AlreadyExistsError is returned when the destination of a new transfer is
// already taken.
type AlreadyExistsError struct {
	Path string // Destination that exists
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("destination %s already exists", e.Path)
}

// StorageError represents failures of the local storage, such as a missing
// transfer directory, an unreadable backup or a full disk.
type StorageError struct {
	Operation string // The operation that failed (e.g., "create_backup", "finalize")
	Path      string // File or directory involved
	Err       error  // Underlying error, if any
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage error during %s of %s: %v", e.Operation, e.Path, e.Err)
	}

	return fmt.Sprintf("storage error during %s of %s", e.Operation, e.Path)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NetworkError represents network failures and server errors including 5xx
// responses, connection timeouts and dropped connections.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "range_request")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RemoteError represents a server refusing the transfer for good, e.g. a 404
// or a size that does not match the request.
type RemoteError struct {
	StatusCode int
	Reason     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote rejected transfer (HTTP %d): %s", e.StatusCode, e.Reason)
}
