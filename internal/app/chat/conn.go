package chat

import "errors"

var (
	// ErrSendQueueFull is returned by Send when the connection's outbound queue is full.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrConnClosed is returned by Send after the connection was closed.
	ErrConnClosed = errors.New("connection closed")

	// ErrRelayStopped is returned when the relay event loop is no longer running.
	ErrRelayStopped = errors.New("relay stopped")
)

// Conn is the live connection handle stored in the presence registry.
// Send must not block; Close and Evict must be safe to call more than once.
type Conn interface {
	ID() string
	Send(frame []byte) error
	Close()

	// Evict closes the connection after telling the peer its session was taken over.
	Evict(reason string)
}
