package dish

import (
	"context"
	"net"
	"strings"
	"sync"
)

// TCP connections.
//
// Description grammar: "tcp:<host>:<port>".
//
// Each connection is one TCP stream carrying length-prefixed frames (see
// frame.go). Dial and handshake are bounded by the dial and handshake
// timeouts. A dropped connection fails pending Transmits; calling Open again
// redials.

const tcpScheme = "tcp:"

// TCPFactory builds connections for "tcp:" descriptions.
type TCPFactory struct {
	cfg config
}

var _ ConnectionFactory = (*TCPFactory)(nil)

func NewTCPFactory(opts ...Option) *TCPFactory {
	return &TCPFactory{cfg: applyOptions(opts)}
}

func (f *TCPFactory) CanBuild(description string) bool {
	addr, ok := strings.CutPrefix(description, tcpScheme)
	if !ok {
		return false
	}
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}

func (f *TCPFactory) Build(description string) (Connection, error) {
	addr, ok := strings.CutPrefix(description, tcpScheme)
	if !ok {
		return nil, &TransportError{Op: "build", Description: description, Err: net.UnknownNetworkError(description)}
	}
	cfg := f.cfg
	dial := func(ctx context.Context) (frameConn, error) {
		d := net.Dialer{Timeout: cfg.dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return newStreamConn(conn, conn.Close, cfg), nil
	}
	return newDialedChannel("tcp", description, dial, cfg), nil
}

// TCPListener accepts inbound TCP connections.
type TCPListener struct {
	listener net.Listener
	acceptor *acceptor

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// ListenTCP listens on addr. Accepted connections are passed to accept once
// their handshake completes. Call Start to begin accepting.
func ListenTCP(addr string, accept AcceptFunc, opts ...Option) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Description: tcpScheme + addr, Err: err}
	}
	return &TCPListener{
		listener: ln,
		acceptor: newAcceptor("tcp", accept, applyOptions(opts)),
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the listener's network address (useful when binding to ":0").
func (l *TCPListener) Addr() string {
	return l.listener.Addr().String()
}

// Description returns the description peers use to reach this listener.
func (l *TCPListener) Description() string {
	return tcpScheme + l.Addr()
}

// Start begins accepting inbound connections. Non-blocking.
func (l *TCPListener) Start() {
	l.wg.Add(1)
	go l.acceptLoop()
}

// Close stops accepting, closes every accepted connection and waits for the
// accept loop to exit. Idempotent.
func (l *TCPListener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.done)
		err = l.listener.Close()
		l.wg.Wait()
		l.acceptor.closeAll()
	})
	return err
}

func (l *TCPListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				l.acceptor.logger.Error("accept error", "error", err)
				continue
			}
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.acceptor.handle(tcpScheme+conn.RemoteAddr().String(), newStreamConn(conn, conn.Close, l.acceptor.cfg))
		}()
	}
}
