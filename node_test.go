package dish

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingReceiver stores deliveries and fails those addressed to reject.
type recordingReceiver struct {
	mu     sync.Mutex
	got    []Delivery
	reject Address
}

func (r *recordingReceiver) Receive(ctx context.Context, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, d)
	if d.Receiver == r.reject {
		return errors.New("no cell at " + d.Receiver.String())
	}
	return nil
}

func (r *recordingReceiver) deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.got...)
}

type nodePair struct {
	network  *LocalNetwork
	client   *Node
	server   *Node
	receiver *recordingReceiver
	target   string
	metrics  *Metrics
}

func newNodePair(t *testing.T) *nodePair {
	t.Helper()
	p := &nodePair{
		network:  NewLocalNetwork(),
		receiver: &recordingReceiver{reject: NewAddress()},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}

	serverOpts := []Option{WithName("server"), WithMetrics(p.metrics)}
	p.server = NewNode(NewConnectionRepository(serverOpts...), p.receiver, serverOpts...)
	ln, err := p.network.Listen("server", p.server.Accept, serverOpts...)
	require.NoError(t, err)
	p.target = ln.Description()

	clientOpts := []Option{WithName("client"), WithMetrics(p.metrics)}
	repo := NewConnectionRepository(clientOpts...).Add(p.network.Factory(clientOpts...))
	p.client = NewNode(repo, nil, clientOpts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.client.Close(ctx)
		p.server.Close(ctx)
		ln.Close()
	})
	return p
}

func TestNode_JoinDeliver(t *testing.T) {
	p := newNodePair(t)
	ctx := context.Background()

	require.NoError(t, p.client.Join(ctx, p.target))

	d := NewDelivery(NewAddress(), NewComposite(map[string]Message{"n": IntegerMessage(1)}))
	require.NoError(t, p.client.Deliver(ctx, p.target, d))

	got := p.receiver.deliveries()
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(d))

	peers := p.client.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, PeerInfo{Description: p.target, Direction: Outbound, Remote: "server", Since: peers[0].Since}, peers[0])

	serverPeers := p.server.Peers()
	require.Len(t, serverPeers, 1)
	assert.Equal(t, Inbound, serverPeers[0].Direction)
	assert.Equal(t, "client", serverPeers[0].Remote)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.deliveries.WithLabelValues(Outbound, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.deliveries.WithLabelValues(Inbound, "ok")))
}

func TestNode_JoinIsIdempotent(t *testing.T) {
	p := newNodePair(t)
	ctx := context.Background()

	require.NoError(t, p.client.Join(ctx, p.target))
	require.NoError(t, p.client.Join(ctx, p.target))
	assert.Len(t, p.client.Peers(), 1)
}

func TestNode_DeliverFailedCarriesCause(t *testing.T) {
	p := newNodePair(t)
	ctx := context.Background()
	require.NoError(t, p.client.Join(ctx, p.target))

	err := p.client.Deliver(ctx, p.target, NewDelivery(p.receiver.reject, StringMessage("x")))
	var failed *DeliveryFailedError
	require.ErrorAs(t, err, &failed)
	assert.True(t, failed.HasCause)
	assert.Contains(t, failed.Cause, "no cell at")
}

func TestNode_DuplicateDeliveryAnsweredOnce(t *testing.T) {
	p := newNodePair(t)
	ctx := context.Background()
	require.NoError(t, p.client.Join(ctx, p.target))

	d := NewDelivery(NewAddress(), StringMessage("once"))
	require.NoError(t, p.client.Deliver(ctx, p.target, d))
	require.NoError(t, p.client.Deliver(ctx, p.target, d))

	assert.Len(t, p.receiver.deliveries(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.duplicates))
}

func TestNode_FailedDeliveryMayBeRetried(t *testing.T) {
	p := newNodePair(t)
	ctx := context.Background()
	require.NoError(t, p.client.Join(ctx, p.target))

	d := NewDelivery(p.receiver.reject, StringMessage("retry"))
	require.Error(t, p.client.Deliver(ctx, p.target, d))
	require.Error(t, p.client.Deliver(ctx, p.target, d))
	assert.Len(t, p.receiver.deliveries(), 2)
}

func TestNode_DeliverRequiresJoin(t *testing.T) {
	p := newNodePair(t)

	err := p.client.Deliver(context.Background(), p.target, NewDelivery(NewAddress(), NullMessage{}))
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.True(t, IsTransportError(err))
}

func TestNode_Leave(t *testing.T) {
	p := newNodePair(t)
	ctx := context.Background()
	require.NoError(t, p.client.Join(ctx, p.target))
	require.Eventually(t, func() bool { return len(p.server.Peers()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.client.Leave(ctx, p.target))
	assert.Empty(t, p.client.Peers())
	require.Eventually(t, func() bool { return len(p.server.Peers()) == 0 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, p.client.Leave(ctx, p.target), ErrNotJoined)
	assert.ErrorIs(t, p.client.Deliver(ctx, p.target, NewDelivery(NewAddress(), NullMessage{})), ErrNotJoined)
}

func TestNode_LeaveAll(t *testing.T) {
	p := newNodePair(t)
	ctx := context.Background()

	other := NewNode(NewConnectionRepository(), p.receiver, WithName("other"))
	ln, err := p.network.Listen("other", other.Accept)
	require.NoError(t, err)
	defer ln.Close()

	require.NoError(t, p.client.Join(ctx, p.target))
	require.NoError(t, p.client.Join(ctx, ln.Description()))
	peers := p.client.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, ln.Description(), peers[0].Description, "peers are sorted by description")

	require.NoError(t, p.client.LeaveAll(ctx))
	assert.Empty(t, p.client.Peers())
}

// rawConn dials the server node without a Node on the client side.
func (p *nodePair) rawConn(t *testing.T) Connection {
	t.Helper()
	conn, err := p.network.Factory(WithName("raw")).Build(p.target)
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNode_UndecodablePacketAnsweredWithFailed(t *testing.T) {
	p := newNodePair(t)
	conn := p.rawConn(t)

	reply, err := conn.Transmit(context.Background(), NewPacket([]byte{0xc1}))
	require.NoError(t, err)
	sig, err := MsgpackEncoding{}.Decode(reply)
	require.NoError(t, err)

	failed, ok := sig.(Failed)
	require.True(t, ok, "got %s", signalString(sig))
	_, has := failed.Cause()
	assert.True(t, has)
}

func TestNode_UnexpectedSignalAnsweredWithFailed(t *testing.T) {
	p := newNodePair(t)
	conn := p.rawConn(t)

	for _, s := range []Signal{Ok{}, NewFailed()} {
		pkt, err := MsgpackEncoding{}.Encode(s)
		require.NoError(t, err)
		reply, err := conn.Transmit(context.Background(), pkt)
		require.NoError(t, err)
		sig, err := MsgpackEncoding{}.Decode(reply)
		require.NoError(t, err)
		assert.True(t, SignalEqual(FailedWith("unexpected signal "+SignalName(s)), sig), "got %s", signalString(sig))
	}
}

func TestNode_DeliverWithoutJoinFromRawPeer(t *testing.T) {
	p := newNodePair(t)
	conn := p.rawConn(t)

	d := NewDelivery(NewAddress(), BooleanMessage(true))
	pkt, err := MsgpackEncoding{}.Encode(Deliver{d})
	require.NoError(t, err)
	reply, err := conn.Transmit(context.Background(), pkt)
	require.NoError(t, err)
	sig, err := MsgpackEncoding{}.Decode(reply)
	require.NoError(t, err)
	assert.IsType(t, Ok{}, sig)
	assert.Empty(t, p.server.Peers(), "deliveries do not register a peer")
}

func TestNode_JoinRejected(t *testing.T) {
	failed, err := MsgpackEncoding{}.Encode(FailedWith("go away"))
	require.NoError(t, err)

	conn := &fakeConnection{reply: func(Packet) (Packet, error) { return failed, nil }}
	node := NewNode(NewConnectionRepository().Add(&replyingFactory{conn: conn}), nil)

	err = node.Join(context.Background(), "fake")
	assert.True(t, IsProtocolError(err))
	assert.Equal(t, int32(1), conn.closed.Load())
	assert.NotNil(t, conn.handler.Load(), "handler installed before Join is sent")
	assert.Empty(t, node.Peers())
}

// replyingFactory hands out one preconfigured connection.
type replyingFactory struct {
	conn *fakeConnection
}

func (f *replyingFactory) CanBuild(string) bool { return true }

func (f *replyingFactory) Build(string) (Connection, error) { return f.conn, nil }

func TestNode_ClosedRejectsJoin(t *testing.T) {
	p := newNodePair(t)
	require.NoError(t, p.client.Close(context.Background()))
	assert.ErrorIs(t, p.client.Join(context.Background(), p.target), ErrNodeClosed)
}

func TestNode_DedupDisabled(t *testing.T) {
	network := NewLocalNetwork()
	receiver := &recordingReceiver{}
	server := NewNode(NewConnectionRepository(), receiver, WithDedupWindow(0))
	ln, err := network.Listen("s", server.Accept)
	require.NoError(t, err)
	defer ln.Close()

	client := NewNode(NewConnectionRepository().Add(network.Factory()), nil)
	ctx := context.Background()
	require.NoError(t, client.Join(ctx, ln.Description()))
	defer client.Close(ctx)

	d := NewDelivery(NewAddress(), NullMessage{})
	require.NoError(t, client.Deliver(ctx, ln.Description(), d))
	require.NoError(t, client.Deliver(ctx, ln.Description(), d))
	assert.Len(t, receiver.deliveries(), 2)
}

// gatedReceiver fails every delivery and holds the first one until release
// is closed.
type gatedReceiver struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGatedReceiver() *gatedReceiver {
	return &gatedReceiver{entered: make(chan struct{}), release: make(chan struct{})}
}

func (r *gatedReceiver) Receive(ctx context.Context, d Delivery) error {
	if r.calls.Add(1) == 1 {
		close(r.entered)
		<-r.release
	}
	return errors.New("cell unavailable")
}

func TestNode_RetryDuringFailingDeliveryIsNotAcknowledged(t *testing.T) {
	network := NewLocalNetwork()
	receiver := newGatedReceiver()
	server := NewNode(NewConnectionRepository(), receiver, WithName("server"))
	ln, err := network.Listen("server", server.Accept)
	require.NoError(t, err)
	defer ln.Close()

	client := NewNode(NewConnectionRepository().Add(network.Factory(WithName("client"))), nil, WithName("client"))
	ctx := context.Background()
	require.NoError(t, client.Join(ctx, ln.Description()))
	defer client.Close(ctx)

	d := NewDelivery(NewAddress(), StringMessage("slow"))
	results := make(chan error, 2)
	go func() { results <- client.Deliver(ctx, ln.Description(), d) }()
	<-receiver.entered

	go func() { results <- client.Deliver(ctx, ln.Description(), d) }()
	time.Sleep(50 * time.Millisecond) // let the retry reach the server
	close(receiver.release)

	for i := 0; i < 2; i++ {
		var failed *DeliveryFailedError
		assert.ErrorAs(t, <-results, &failed)
	}
	assert.Equal(t, int32(2), receiver.calls.Load(), "retry is handed to the receiver once the first attempt failed")
}

func TestNode_RetryWaitsForRunningDelivery(t *testing.T) {
	network := NewLocalNetwork()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls atomic.Int32
	receiver := ReceiverFunc(func(ctx context.Context, d Delivery) error {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	})
	server := NewNode(NewConnectionRepository(), receiver, WithName("server"))
	ln, err := network.Listen("server", server.Accept)
	require.NoError(t, err)
	defer ln.Close()

	client := NewNode(NewConnectionRepository().Add(network.Factory()), nil)
	ctx := context.Background()
	require.NoError(t, client.Join(ctx, ln.Description()))
	defer client.Close(ctx)

	d := NewDelivery(NewAddress(), StringMessage("slow"))
	results := make(chan error, 2)
	go func() { results <- client.Deliver(ctx, ln.Description(), d) }()
	<-entered
	go func() { results <- client.Deliver(ctx, ln.Description(), d) }()

	select {
	case err := <-results:
		t.Fatalf("delivery answered before the receiver finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-results)
	require.NoError(t, <-results)
	assert.Equal(t, int32(1), calls.Load())
}

// inboundConns returns the connections of n's inbound peers.
func (n *Node) inboundConns() []Connection {
	n.mu.Lock()
	defer n.mu.Unlock()
	conns := make([]Connection, 0, len(n.inbound))
	for c := range n.inbound {
		conns = append(conns, c)
	}
	return conns
}

// dropServerSide closes the server's end of every inbound connection and
// waits until the client notices.
func (p *nodePair) dropServerSide(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.server.inboundConns()) == 1 }, time.Second, 5*time.Millisecond)
	for _, c := range p.server.inboundConns() {
		c.Close()
	}
	require.Eventually(t, func() bool {
		return !connected(p.client.outboundPeer(p.target).conn)
	}, time.Second, 5*time.Millisecond)
}

func TestNode_DeliverRejoinsAfterDisconnect(t *testing.T) {
	p := newNodePair(t)
	ctx := context.Background()
	require.NoError(t, p.client.Join(ctx, p.target))
	p.dropServerSide(t)

	d := NewDelivery(NewAddress(), StringMessage("after reconnect"))
	require.NoError(t, p.client.Deliver(ctx, p.target, d))
	require.Len(t, p.receiver.deliveries(), 1)

	require.Eventually(t, func() bool {
		peers := p.server.Peers()
		return len(peers) == 1 && peers[0].Remote == "client"
	}, time.Second, 5*time.Millisecond)
}

func TestNode_JoinReconnectsDroppedPeer(t *testing.T) {
	p := newNodePair(t)
	ctx := context.Background()
	require.NoError(t, p.client.Join(ctx, p.target))
	p.dropServerSide(t)

	require.NoError(t, p.client.Join(ctx, p.target))
	assert.True(t, connected(p.client.outboundPeer(p.target).conn))
	assert.Len(t, p.client.Peers(), 1)
	require.Eventually(t, func() bool { return len(p.server.Peers()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestNode_InboundPeerDroppedWithoutLeave(t *testing.T) {
	p := newNodePair(t)
	conn := p.rawConn(t)

	join, err := MsgpackEncoding{}.Encode(Join{})
	require.NoError(t, err)
	_, err = conn.Transmit(context.Background(), join)
	require.NoError(t, err)
	require.Len(t, p.server.Peers(), 1)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(p.server.Peers()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, p.server.inboundConns())
}
