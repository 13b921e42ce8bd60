package dish

// channel implements Connection on top of any frame-oriented transport.
//
// Invariants:
//   - One session per established transport. A session owns the frameConn,
//     a single writer goroutine, a single reader goroutine and the table of
//     pending Transmit calls.
//   - Only the writer goroutine writes frames after the handshake, so
//     concurrent Transmit calls and handler replies never interleave bytes.
//   - Reply and error frames complete pending Transmits by id. Request frames
//     go to the handler, each in its own goroutine, and the handler's result
//     is queued back with the request's id.
//   - A read or write error ends the session: the frameConn is closed and
//     every pending Transmit fails with a *TransportError. Open on a dialed
//     channel establishes a new session; accepted channels cannot redial.
//   - Close is final and idempotent.
//   - Read deadlines are refreshed from the coarse clock; the writer emits a
//     ping frame when it has been idle for a third of the read timeout, so a
//     quiet but healthy connection stays inside the peer's deadline.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type frameConn interface {
	readFrame() (frame, error)
	// writeFrame is called by at most one goroutine at a time.
	writeFrame(f frame) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context) (frameConn, error)

type handlerRef struct {
	h PacketHandler
}

type channel struct {
	transport   string
	description string
	dial        dialFunc // nil for accepted connections
	cfg         config
	logger      *slog.Logger

	handler atomic.Pointer[handlerRef]
	nextID  atomic.Uint64

	mu      sync.Mutex
	current *session
	closed  bool

	// release is called when an accepted channel's session ends.
	release func(*channel)
}

var _ Connection = (*channel)(nil)

func newDialedChannel(transport, description string, dial dialFunc, cfg config) *channel {
	return &channel{
		transport:   transport,
		description: description,
		dial:        dial,
		cfg:         cfg,
		logger:      cfg.logger.With("transport", transport, "description", description),
	}
}

// acceptChannel performs the acceptor side of the handshake on fc. The
// returned channel's session is not running yet; call run after the accept
// callback had a chance to install a handler.
func acceptChannel(transport, description string, fc frameConn, cfg config) (*channel, error) {
	peer, err := handshake(fc, cfg, false)
	if err != nil {
		fc.Close()
		return nil, &TransportError{Op: "handshake", Description: description, Err: err}
	}
	c := newDialedChannel(transport, description, nil, cfg)
	c.current = newSession(c, fc, peer)
	return c, nil
}

// run starts the current session's loops.
func (c *channel) run() {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s != nil {
		s.start()
	}
}

func (c *channel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.transportErr("open", ErrConnectionClosed)
	}
	if c.current != nil {
		return nil
	}
	if c.dial == nil {
		return c.transportErr("open", ErrConnectionClosed)
	}

	fc, err := c.dial(ctx)
	if err != nil {
		return c.transportErr("open", err)
	}
	peer, err := handshake(fc, c.cfg, true)
	if err != nil {
		fc.Close()
		return c.transportErr("handshake", err)
	}

	s := newSession(c, fc, peer)
	c.current = s
	s.start()
	return nil
}

func (c *channel) Transmit(ctx context.Context, p Packet) (Packet, error) {
	s := c.session()
	if s == nil {
		c.cfg.metrics.transmitFailed(c.transport, "not_open")
		return Packet{}, c.transportErr("transmit", c.unavailable())
	}

	start := time.Now()
	id := c.nextID.Add(1)
	r := s.pending.create(id)

	if err := s.enqueue(ctx, frame{tag: frameRequest, id: id, payload: p.b}); err != nil {
		s.pending.remove(id)
		c.cfg.metrics.transmitFailed(c.transport, "enqueue")
		return Packet{}, c.transportErr("transmit", err)
	}

	var timeout <-chan time.Time
	if d := c.cfg.transmitTimeout; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-r.ch:
		return c.complete(res, start)
	case <-s.done:
		select {
		case res := <-r.ch:
			return c.complete(res, start)
		default:
		}
		s.pending.remove(id)
		c.cfg.metrics.transmitFailed(c.transport, "disconnected")
		return Packet{}, s.cause()
	case <-timeout:
		s.pending.remove(id)
		c.cfg.metrics.transmitFailed(c.transport, "timeout")
		return Packet{}, c.transportErr("transmit", ErrTransmitTimeout)
	case <-ctx.Done():
		s.pending.remove(id)
		c.cfg.metrics.transmitFailed(c.transport, "canceled")
		return Packet{}, c.transportErr("transmit", ctx.Err())
	}
}

func (c *channel) complete(res replyResult, start time.Time) (Packet, error) {
	if res.err != nil {
		c.cfg.metrics.transmitFailed(c.transport, "remote")
		return Packet{}, res.err
	}
	c.cfg.metrics.transmittedOK(c.transport, time.Since(start))
	return res.packet, nil
}

func (c *channel) SetHandler(h PacketHandler) {
	if h == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&handlerRef{h: h})
}

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.current
	c.current = nil
	c.mu.Unlock()

	if s != nil {
		s.shutdown(ErrConnectionClosed)
		s.loops.Wait()
	}
	return nil
}

// RemoteName returns the name the peer announced in the handshake, or "" if
// the channel is not connected.
func (c *channel) RemoteName() string {
	if s := c.session(); s != nil {
		return s.peer
	}
	return ""
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Disconnected returns a channel closed when the current session ends.
func (c *channel) Disconnected() <-chan struct{} {
	if s := c.session(); s != nil {
		return s.done
	}
	return closedCh
}

// Description returns the description the channel was built or accepted for.
func (c *channel) Description() string {
	return c.description
}

func (c *channel) session() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *channel) unavailable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.dial == nil {
		return ErrConnectionClosed
	}
	return ErrNotOpen
}

// detach clears s if it is still the current session.
func (c *channel) detach(s *session) {
	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
}

func (c *channel) transportErr(op string, err error) error {
	return &TransportError{Op: op, Description: c.description, Err: err}
}

// --- session ---

type session struct {
	ch      *channel
	fc      frameConn
	peer    string
	sendCh  chan frame
	pending *pendingTable

	// ctx is handed to packet handlers and canceled when the session ends.
	ctx    context.Context
	cancel context.CancelFunc

	done    chan struct{}
	once    sync.Once
	err     error // written before done is closed
	loops   sync.WaitGroup
	started atomic.Bool
}

func newSession(c *channel, fc frameConn, peer string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		ch:      c,
		fc:      fc,
		peer:    peer,
		sendCh:  make(chan frame, c.cfg.sendBuffer),
		pending: newPendingTable(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *session) start() {
	startCoarseClock()
	s.started.Store(true)
	s.ch.cfg.metrics.connectionOpened(s.ch.transport)
	s.ch.logger.Info("connection established", "peer", s.peer)
	s.loops.Add(2)
	go s.writeLoop()
	go s.readLoop()
}

// shutdown ends the session once. err becomes the cause reported to
// pending and future Transmit calls.
func (s *session) shutdown(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.cancel()
		s.fc.Close()
		failed := s.pending.failAll(s.cause())
		s.ch.detach(s)
		if s.ch.release != nil {
			s.ch.release(s.ch)
		}
		if s.started.Load() {
			s.ch.cfg.metrics.connectionClosed(s.ch.transport)
		}
		s.ch.logger.Info("connection closed", "peer", s.peer, "reason", err, "failed_pending", failed)
	})
}

func (s *session) cause() error {
	err := s.err
	if !errors.Is(err, ErrConnectionClosed) {
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return s.ch.transportErr("transmit", err)
}

func (s *session) enqueue(ctx context.Context, f frame) error {
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case s.sendCh <- f:
		return nil
	case <-s.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) writeLoop() {
	defer s.loops.Done()

	var ping <-chan time.Time
	if interval := s.ch.cfg.readTimeout / 3; interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		ping = t.C
	}

	var wrote bool
	writeDeadline := newDeadline(s.ch.cfg.writeTimeout, s.fc.SetWriteDeadline)
	for {
		var f frame
		select {
		case f = <-s.sendCh:
		case <-ping:
			if wrote {
				wrote = false
				continue
			}
			f = frame{tag: framePing}
		case <-s.done:
			return
		}

		writeDeadline.refresh()
		if err := s.fc.writeFrame(f); err != nil {
			s.shutdown(fmt.Errorf("write: %w", err))
			return
		}
		wrote = true
	}
}

func (s *session) readLoop() {
	defer s.loops.Done()

	readDeadline := newDeadline(s.ch.cfg.readTimeout, s.fc.SetReadDeadline)
	for {
		readDeadline.refresh()

		f, err := s.fc.readFrame()
		if err != nil {
			s.shutdown(fmt.Errorf("read: %w", err))
			return
		}

		switch f.tag {
		case frameRequest:
			go s.serve(f)
		case frameReply:
			if !s.pending.resolve(f.id, replyResult{packet: packetOf(f.payload)}) {
				s.ch.logger.Debug("dropping late reply", "id", f.id)
			}
		case frameError:
			err := s.ch.transportErr("transmit", fmt.Errorf("%w: %s", ErrRemote, f.payload))
			if !s.pending.resolve(f.id, replyResult{err: err}) {
				s.ch.logger.Debug("dropping late error reply", "id", f.id)
			}
		case framePing:
		default:
			s.shutdown(fmt.Errorf("unexpected %s frame", frameTagName(f.tag)))
			return
		}
	}
}

// serve runs the handler for one inbound request and queues its reply.
func (s *session) serve(f frame) {
	out := frame{tag: frameReply, id: f.id}

	ref := s.ch.handler.Load()
	if ref == nil {
		out.tag = frameError
		out.payload = []byte(ErrNoHandler.Error())
	} else {
		reply, err := ref.h.HandlePacket(s.ctx, packetOf(f.payload))
		s.ch.cfg.metrics.handledPacket(s.ch.transport, err)
		if err != nil {
			out.tag = frameError
			out.payload = []byte(err.Error())
		} else {
			out.payload = reply.b
		}
	}

	if err := s.enqueue(s.ctx, out); err != nil {
		s.ch.logger.Debug("reply dropped", "id", f.id, "error", err)
	}
}

// handshake exchanges hello frames. The dialer writes first, the acceptor
// reads first. Both directions are bounded by the handshake timeout.
func handshake(fc frameConn, cfg config, dialer bool) (string, error) {
	if cfg.handshakeTimeout > 0 {
		deadline := time.Now().Add(cfg.handshakeTimeout)
		fc.SetReadDeadline(deadline)
		fc.SetWriteDeadline(deadline)
	}

	var (
		peer string
		err  error
	)
	if dialer {
		if err = fc.writeFrame(helloFrame(cfg.name)); err == nil {
			peer, err = readHello(fc)
		}
	} else {
		if peer, err = readHello(fc); err == nil {
			err = fc.writeFrame(helloFrame(cfg.name))
		}
	}
	if err != nil {
		return "", err
	}

	fc.SetReadDeadline(time.Time{})
	fc.SetWriteDeadline(time.Time{})
	return peer, nil
}

func readHello(fc frameConn) (string, error) {
	f, err := fc.readFrame()
	if err != nil {
		return "", fmt.Errorf("handshake read: %w", err)
	}
	return parseHello(f)
}
