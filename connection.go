package dish

import "context"

// PacketHandler serves packets a peer transmits on a connection. The returned
// packet travels back to the peer as the reply to its Transmit. A returned
// error is reported to the peer as a transport-level failure.
//
// HandlePacket runs on the transport's inbound goroutines, never on the
// goroutine that called Transmit or SetHandler.
type PacketHandler interface {
	HandlePacket(ctx context.Context, p Packet) (Packet, error)
}

// PacketHandlerFunc adapts a function to PacketHandler.
type PacketHandlerFunc func(ctx context.Context, p Packet) (Packet, error)

func (f PacketHandlerFunc) HandlePacket(ctx context.Context, p Packet) (Packet, error) {
	return f(ctx, p)
}

// Connection is a live bidirectional channel to one peer.
//
// Transmit is the synchronous request/reply path. Packets the peer transmits
// to us go to the registered PacketHandler. The two paths never cross: a
// reply to Transmit is never handed to the handler and a pushed packet never
// completes a Transmit.
//
// Every Connection in this package serializes concurrent Transmit calls onto
// one writer and correlates replies by id, so concurrent Transmit on the same
// connection is safe.
type Connection interface {
	// Open establishes the transport. Calling Open on an open connection is
	// a no-op.
	Open(ctx context.Context) error

	// Transmit sends p and blocks until the correlated reply arrives, the
	// transmit timeout elapses, ctx is done or the connection drops.
	Transmit(ctx context.Context, p Packet) (Packet, error)

	// SetHandler replaces the inbound packet handler.
	SetHandler(h PacketHandler)

	// Close releases the transport. Idempotent.
	Close() error
}

// AcceptFunc receives connections accepted by a listener. They are already
// open; the function usually installs a handler.
type AcceptFunc func(conn Connection)

// disconnecter is implemented by connections that can report the end of
// their current session.
type disconnecter interface {
	// Disconnected returns a channel closed when the current session ends.
	// It is already closed when no session is running.
	Disconnected() <-chan struct{}
}
