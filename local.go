package dish

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
)

// In-process connections.
//
// Description grammar: "local:<name>". A LocalNetwork is a switchboard of
// named listeners; dialing a name connects a net.Pipe to it, which then
// behaves like any other stream transport. Useful for tests and for wiring
// several nodes inside one process.

const localScheme = "local:"

// LocalNetwork routes "local:" descriptions to listeners registered on it.
type LocalNetwork struct {
	mu        sync.RWMutex
	listeners map[string]*LocalListener
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{listeners: make(map[string]*LocalListener)}
}

// LocalListener accepts connections dialed to one name on a LocalNetwork.
type LocalListener struct {
	network  *LocalNetwork
	name     string
	acceptor *acceptor

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen registers name on the network. Dials to "local:<name>" are handed
// to accept once their handshake completes.
func (n *LocalNetwork) Listen(name string, accept AcceptFunc, opts ...Option) (*LocalListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.listeners[name]; exists {
		return nil, &TransportError{Op: "listen", Description: localScheme + name, Err: fmt.Errorf("name %q already in use", name)}
	}
	l := &LocalListener{
		network:  n,
		name:     name,
		acceptor: newAcceptor("local", accept, applyOptions(opts)),
	}
	n.listeners[name] = l
	return l, nil
}

func (n *LocalNetwork) lookup(name string) *LocalListener {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.listeners[name]
}

// Factory returns a ConnectionFactory for "local:" descriptions on n.
func (n *LocalNetwork) Factory(opts ...Option) *LocalFactory {
	return &LocalFactory{network: n, cfg: applyOptions(opts)}
}

// Description returns the description peers use to reach l.
func (l *LocalListener) Description() string {
	return localScheme + l.name
}

// Close unregisters the name and closes every accepted connection.
func (l *LocalListener) Close() error {
	l.closeOnce.Do(func() {
		l.network.mu.Lock()
		if l.network.listeners[l.name] == l {
			delete(l.network.listeners, l.name)
		}
		l.network.mu.Unlock()
		l.wg.Wait()
		l.acceptor.closeAll()
	})
	return nil
}

func (l *LocalListener) connect(from string) (net.Conn, bool) {
	l.network.mu.RLock()
	defer l.network.mu.RUnlock()
	if l.network.listeners[l.name] != l {
		return nil, false
	}
	client, server := net.Pipe()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptor.handle(localScheme+from, newStreamConn(server, server.Close, l.acceptor.cfg))
	}()
	return client, true
}

// LocalFactory builds connections for "local:" descriptions.
type LocalFactory struct {
	network *LocalNetwork
	cfg     config
}

var _ ConnectionFactory = (*LocalFactory)(nil)

func (f *LocalFactory) CanBuild(description string) bool {
	name, ok := strings.CutPrefix(description, localScheme)
	return ok && name != ""
}

func (f *LocalFactory) Build(description string) (Connection, error) {
	name, _ := strings.CutPrefix(description, localScheme)
	cfg := f.cfg
	dial := func(ctx context.Context) (frameConn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l := f.network.lookup(name)
		if l == nil {
			return nil, fmt.Errorf("no local listener named %q", name)
		}
		conn, ok := l.connect(cfg.name)
		if !ok {
			return nil, fmt.Errorf("local listener %q closed", name)
		}
		return newStreamConn(conn, conn.Close, cfg), nil
	}
	return newDialedChannel("local", description, dial, cfg), nil
}
