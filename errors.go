package dish

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotOpen          = errors.New("connection not open")
	ErrTransmitTimeout  = errors.New("transmit timeout")
	ErrNoHandler        = errors.New("no packet handler registered")
	ErrRemote           = errors.New("peer reported error")
	ErrNotJoined        = errors.New("peer not joined")
	ErrNodeClosed       = errors.New("node closed")
)

// FormatError reports malformed Address bytes or text.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "dish: malformed address: " + e.Reason
}

// ProtocolError reports a packet or value that does not fit the signal and
// message wire shapes. Err, when set, is the underlying cause.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dish: protocol error: %s: %v", e.Reason, e.Err)
	}
	return "dish: protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// TransportError reports a failure to open, use or close a connection.
type TransportError struct {
	Op          string // "open", "transmit", "close", "handshake"
	Description string
	Err         error
}

func (e *TransportError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("dish: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("dish: %s %s: %v", e.Op, e.Description, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConnectionNotFoundError is returned by ConnectionRepository.Resolve when no
// registered factory claims the description.
type ConnectionNotFoundError struct {
	Description string
}

func (e *ConnectionNotFoundError) Error() string {
	return fmt.Sprintf("dish: no connection factory for %q", e.Description)
}

// DeliveryFailedError is returned by Node.Deliver when the peer answers with
// a Failed signal.
type DeliveryFailedError struct {
	Cause    string
	HasCause bool
}

func (e *DeliveryFailedError) Error() string {
	if !e.HasCause {
		return "dish: delivery failed"
	}
	return "dish: delivery failed: " + e.Cause
}

// IsTransportError reports whether err carries a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError reports whether err carries a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
