package dish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Receiver consumes deliveries addressed to this node. A returned error is
// reported to the sender as a Failed signal carrying err.Error().
type Receiver interface {
	Receive(ctx context.Context, d Delivery) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, d Delivery) error

func (f ReceiverFunc) Receive(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// Peer directions reported by Node.Peers.
const (
	Outbound = "outbound"
	Inbound  = "inbound"
)

// PeerInfo describes one peer of a node.
type PeerInfo struct {
	Description string    `json:"description"`
	Direction   string    `json:"direction"`
	Remote      string    `json:"remote,omitempty"`
	Since       time.Time `json:"since"`
}

type peer struct {
	info PeerInfo
	conn Connection
}

// Node speaks the signal protocol over connections from a repository.
//
// Outbound peers are joined with Join and addressed by the description they
// were resolved from. Inbound connections handed to Accept become inbound
// peers once they send Join. Deliveries from any peer are decoded,
// de-duplicated by uuid and passed to the Receiver.
type Node struct {
	name     string
	repo     *ConnectionRepository
	receiver Receiver
	encoding Encoding
	dedup    *dedupWindow
	logger   *slog.Logger
	metrics  *Metrics

	mu       sync.Mutex
	outbound map[string]*peer
	inbound  map[Connection]*peer
	closed   bool
}

func NewNode(repo *ConnectionRepository, receiver Receiver, opts ...Option) *Node {
	cfg := applyOptions(opts)
	return &Node{
		name:     cfg.name,
		repo:     repo,
		receiver: receiver,
		encoding: MsgpackEncoding{},
		dedup:    newDedupWindow(cfg.dedupWindow),
		logger:   cfg.logger.With("node", cfg.name),
		metrics:  cfg.metrics,
		outbound: make(map[string]*peer),
		inbound:  make(map[Connection]*peer),
	}
}

// Name returns the node name announced to peers.
func (n *Node) Name() string { return n.name }

// Join connects to the peer at description and announces this node. Joining
// an already joined peer only reconnects it if its connection dropped.
func (n *Node) Join(ctx context.Context, description string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNodeClosed
	}
	existing := n.outbound[description]
	n.mu.Unlock()
	if existing != nil {
		return n.ensureJoined(ctx, existing)
	}

	conn, err := n.repo.Resolve(ctx, description)
	if err != nil {
		return err
	}
	conn.SetHandler(n.handlerFor(conn))

	reply, err := n.exchange(ctx, conn, Join{})
	if err == nil {
		if _, ok := reply.(Ok); !ok {
			err = protocolErrorf("join %s: peer answered %s", description, signalString(reply))
		}
	}
	if err != nil {
		conn.Close()
		return err
	}

	p := &peer{conn: conn, info: PeerInfo{
		Description: description,
		Direction:   Outbound,
		Remote:      remoteName(conn),
		Since:       time.Now(),
	}}

	n.mu.Lock()
	if existing, ok := n.outbound[description]; ok || n.closed {
		n.mu.Unlock()
		conn.Close()
		if existing != nil {
			return nil
		}
		return ErrNodeClosed
	}
	n.outbound[description] = p
	n.mu.Unlock()

	n.logger.Info("joined peer", "description", description, "peer", p.info.Remote)
	return nil
}

// Deliver sends d to the joined peer at description, redialing and joining
// again first if the connection dropped. A Failed answer is returned as
// *DeliveryFailedError.
func (n *Node) Deliver(ctx context.Context, description string, d Delivery) error {
	p := n.outboundPeer(description)
	if p == nil {
		n.metrics.delivery(Outbound, "not_joined")
		return &TransportError{Op: "deliver", Description: description, Err: ErrNotJoined}
	}
	if err := n.ensureJoined(ctx, p); err != nil {
		n.metrics.delivery(Outbound, "error")
		return err
	}

	reply, err := n.exchange(ctx, p.conn, Deliver{Delivery: d})
	if err != nil {
		n.metrics.delivery(Outbound, "error")
		return err
	}
	switch sig := reply.(type) {
	case Ok:
		n.metrics.delivery(Outbound, "ok")
		return nil
	case Failed:
		n.metrics.delivery(Outbound, "failed")
		cause, has := sig.Cause()
		return &DeliveryFailedError{Cause: cause, HasCause: has}
	default:
		n.metrics.delivery(Outbound, "error")
		return protocolErrorf("deliver: peer answered %s", signalString(reply))
	}
}

// Leave announces departure to the peer at description and closes the
// connection. The peer is forgotten even if the announcement fails.
func (n *Node) Leave(ctx context.Context, description string) error {
	n.mu.Lock()
	p, ok := n.outbound[description]
	delete(n.outbound, description)
	n.mu.Unlock()
	if !ok {
		return &TransportError{Op: "leave", Description: description, Err: ErrNotJoined}
	}
	return n.leave(ctx, p)
}

// LeaveAll leaves every outbound peer. Errors are joined.
func (n *Node) LeaveAll(ctx context.Context) error {
	n.mu.Lock()
	peers := make([]*peer, 0, len(n.outbound))
	for d, p := range n.outbound {
		peers = append(peers, p)
		delete(n.outbound, d)
	}
	n.mu.Unlock()

	var errs []error
	for _, p := range peers {
		if err := n.leave(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Node) leave(ctx context.Context, p *peer) error {
	defer p.conn.Close()
	if !connected(p.conn) {
		// nothing to announce over; the peer already saw the disconnect
		return nil
	}
	reply, err := n.exchange(ctx, p.conn, Leave{})
	if err != nil {
		return err
	}
	n.logger.Info("left peer", "description", p.info.Description, "reply", signalString(reply))
	return nil
}

// Accept installs the node's handler on an inbound connection. It has the
// AcceptFunc signature so it can be passed to listeners directly.
func (n *Node) Accept(conn Connection) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		conn.Close()
		return
	}
	conn.SetHandler(n.handlerFor(conn))
}

// Peers returns a snapshot of joined peers, outbound first, each group
// ordered by description.
func (n *Node) Peers() []PeerInfo {
	n.mu.Lock()
	out := make([]PeerInfo, 0, len(n.outbound)+len(n.inbound))
	for _, p := range n.outbound {
		out = append(out, p.info)
	}
	for _, p := range n.inbound {
		out = append(out, p.info)
	}
	n.mu.Unlock()

	slices.SortFunc(out, func(a, b PeerInfo) int {
		if c := strings.Compare(b.Direction, a.Direction); c != 0 {
			return c
		}
		return strings.Compare(a.Description, b.Description)
	})
	return out
}

// Close leaves every outbound peer and closes inbound connections. The node
// cannot be used afterwards.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	inbound := make([]Connection, 0, len(n.inbound))
	for c := range n.inbound {
		inbound = append(inbound, c)
		delete(n.inbound, c)
	}
	n.mu.Unlock()

	err := n.LeaveAll(ctx)
	for _, c := range inbound {
		c.Close()
	}
	return err
}

func (n *Node) outboundPeer(description string) *peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.outbound[description]
}

// ensureJoined reopens p's connection and announces Join again when the
// previous session ended. The peer treats the new session as a new inbound
// connection.
func (n *Node) ensureJoined(ctx context.Context, p *peer) error {
	if connected(p.conn) {
		return nil
	}
	if err := p.conn.Open(ctx); err != nil {
		return err
	}
	reply, err := n.exchange(ctx, p.conn, Join{})
	if err != nil {
		return err
	}
	if _, ok := reply.(Ok); !ok {
		return protocolErrorf("join %s: peer answered %s", p.info.Description, signalString(reply))
	}
	n.logger.Info("rejoined peer", "description", p.info.Description, "peer", remoteName(p.conn))
	return nil
}

// exchange encodes s, transmits it and decodes the reply.
func (n *Node) exchange(ctx context.Context, conn Connection, s Signal) (Signal, error) {
	p, err := n.encoding.Encode(s)
	if err != nil {
		return nil, err
	}
	reply, err := conn.Transmit(ctx, p)
	if err != nil {
		return nil, err
	}
	return n.encoding.Decode(reply)
}

func (n *Node) handlerFor(conn Connection) PacketHandler {
	return PacketHandlerFunc(func(ctx context.Context, p Packet) (Packet, error) {
		return n.encoding.Encode(n.handle(ctx, conn, p))
	})
}

// handle answers one inbound packet. It never closes conn: the reply has to
// travel back over it.
func (n *Node) handle(ctx context.Context, conn Connection, p Packet) Signal {
	sig, err := n.encoding.Decode(p)
	if err != nil {
		n.logger.Warn("undecodable packet", "description", describe(conn), "error", err)
		return FailedWith(err.Error())
	}

	switch s := sig.(type) {
	case Deliver:
		return n.receive(ctx, conn, s.Delivery)
	case Join:
		n.trackInbound(conn)
		return Ok{}
	case Leave:
		n.forgetPeer(conn)
		return Ok{}
	default:
		return FailedWith("unexpected signal " + SignalName(sig))
	}
}

func (n *Node) receive(ctx context.Context, conn Connection, d Delivery) Signal {
	for {
		state, a := n.dedup.claim(d.UUID)
		switch state {
		case claimDuplicate:
			n.metrics.duplicate()
			n.logger.Debug("duplicate delivery", "uuid", d.UUID, "description", describe(conn))
			return Ok{}
		case claimBusy:
			select {
			case <-a.done:
			case <-ctx.Done():
				return FailedWith("delivery in progress")
			}
			if a.ok {
				n.metrics.duplicate()
				return Ok{}
			}
			// the first attempt failed; try again as owner
			continue
		}

		err := n.dispatch(ctx, d)
		n.dedup.finish(d.UUID, a, err == nil)
		if err != nil {
			n.metrics.delivery(Inbound, "failed")
			return FailedWith(err.Error())
		}
		n.metrics.delivery(Inbound, "ok")
		return Ok{}
	}
}

func (n *Node) dispatch(ctx context.Context, d Delivery) error {
	if n.receiver == nil {
		return errors.New("no receiver")
	}
	return n.receiver.Receive(ctx, d)
}

func (n *Node) trackInbound(conn Connection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inbound[conn]; ok || n.closed || n.isOutbound(conn) {
		return
	}
	p := &peer{conn: conn, info: PeerInfo{
		Description: describe(conn),
		Direction:   Inbound,
		Remote:      remoteName(conn),
		Since:       time.Now(),
	}}
	n.inbound[conn] = p
	n.logger.Info("peer joined", "description", describe(conn), "peer", p.info.Remote)

	if d, ok := conn.(disconnecter); ok {
		go n.watchInbound(p, d.Disconnected())
	}
}

// watchInbound drops an inbound peer whose connection ended without a Leave.
func (n *Node) watchInbound(p *peer, done <-chan struct{}) {
	<-done
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.inbound[p.conn] == p {
		delete(n.inbound, p.conn)
		n.logger.Info("peer disconnected", "description", p.info.Description, "peer", p.info.Remote)
	}
}

// forgetPeer drops bookkeeping for conn after the peer announced Leave. The
// leaving side closes the transport.
func (n *Node) forgetPeer(conn Connection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inbound[conn]; ok {
		delete(n.inbound, conn)
		n.logger.Info("peer left", "description", describe(conn))
		return
	}
	for d, p := range n.outbound {
		if p.conn == conn {
			delete(n.outbound, d)
			n.logger.Info("peer left", "description", d)
			return
		}
	}
}

// isOutbound must be called with n.mu held.
func (n *Node) isOutbound(conn Connection) bool {
	for _, p := range n.outbound {
		if p.conn == conn {
			return true
		}
	}
	return false
}

// connected reports whether conn has a live session. Connections that
// cannot tell are assumed connected.
func connected(conn Connection) bool {
	d, ok := conn.(disconnecter)
	if !ok {
		return true
	}
	select {
	case <-d.Disconnected():
		return false
	default:
		return true
	}
}

func describe(conn Connection) string {
	if d, ok := conn.(interface{ Description() string }); ok {
		return d.Description()
	}
	return fmt.Sprintf("%T", conn)
}

func remoteName(conn Connection) string {
	if r, ok := conn.(interface{ RemoteName() string }); ok {
		return r.RemoteName()
	}
	return ""
}
