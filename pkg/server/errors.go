package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for connection and server conditions.
var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("server: connection closed")

	// ErrConnectionNotFound is returned when a connection id does not exist.
	ErrConnectionNotFound = errors.New("server: connection not found")

	// ErrMaxConnectionsReached is returned when the connection limit is hit.
	ErrMaxConnectionsReached = errors.New("server: max connections reached")

	// ErrSendQueueFull is returned when a connection's outbound queue is full.
	ErrSendQueueFull = errors.New("server: send queue full")

	// ErrServerClosed is returned by operations after Shutdown.
	ErrServerClosed = errors.New("server: closed")
)

// ConnectionError wraps an error with connection context for debugging.
type ConnectionError struct {
	ConnectionID string
	Op           string // Operation that failed
	Err          error  // Underlying error
}

// Error returns the error message with connection context.
func (e *ConnectionError) Error() string {
	if e.ConnectionID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: connection %s: %s: %v", e.ConnectionID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(connectionID, op string, err error) *ConnectionError {
	return &ConnectionError{
		ConnectionID: connectionID,
		Op:           op,
		Err:          err,
	}
}
