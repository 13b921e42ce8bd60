package dish

import (
	"log/slog"
	"sync"
)

// acceptor turns inbound frame connections into accepted channels and
// tracks them so a listener can close everything it accepted.
type acceptor struct {
	transport string
	accept    AcceptFunc
	cfg       config
	logger    *slog.Logger

	mu     sync.Mutex
	conns  map[*channel]struct{}
	closed bool
}

func newAcceptor(transport string, accept AcceptFunc, cfg config) *acceptor {
	return &acceptor{
		transport: transport,
		accept:    accept,
		cfg:       cfg,
		logger:    cfg.logger.With("transport", transport),
		conns:     make(map[*channel]struct{}),
	}
}

// handle runs the acceptor handshake on fc, hands the channel to the accept
// callback and then starts it, so a handler installed by the callback sees
// the first request.
func (a *acceptor) handle(description string, fc frameConn) {
	c, err := acceptChannel(a.transport, description, fc, a.cfg)
	if err != nil {
		a.logger.Warn("inbound handshake failed", "description", description, "error", err)
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		c.Close()
		return
	}
	a.conns[c] = struct{}{}
	a.mu.Unlock()

	c.release = a.forget
	if a.accept != nil {
		a.accept(c)
	}
	c.run()
}

func (a *acceptor) forget(c *channel) {
	a.mu.Lock()
	delete(a.conns, c)
	a.mu.Unlock()
}

// count returns the number of live accepted channels.
func (a *acceptor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// closeAll closes every accepted channel and rejects later ones.
func (a *acceptor) closeAll() {
	a.mu.Lock()
	a.closed = true
	conns := make([]*channel, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
