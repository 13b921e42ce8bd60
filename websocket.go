package dish

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket connections.
//
// Description grammar: "ws://host:port/path" or "wss://host:port/path".
//
// Every frame travels as one binary websocket message without the length
// prefix stream transports use.

// wsConn adapts a websocket connection to frameConn.
type wsConn struct {
	conn     *websocket.Conn
	frameBuf []byte
}

func newWSConn(conn *websocket.Conn, cfg config) *wsConn {
	conn.SetReadLimit(int64(cfg.maxFrame))
	return &wsConn{conn: conn}
}

func (w *wsConn) readFrame() (frame, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return frame{}, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return parseFrame(data)
	}
}

func (w *wsConn) writeFrame(f frame) error {
	w.frameBuf = appendFrame(w.frameBuf[:0], f)
	return w.conn.WriteMessage(websocket.BinaryMessage, w.frameBuf)
}

func (w *wsConn) SetReadDeadline(t time.Time) error  { return w.conn.SetReadDeadline(t) }
func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }
func (w *wsConn) Close() error                       { return w.conn.Close() }

// WebSocketFactory builds connections for "ws://" and "wss://" descriptions.
type WebSocketFactory struct {
	cfg    config
	dialer *websocket.Dialer
}

var _ ConnectionFactory = (*WebSocketFactory)(nil)

func NewWebSocketFactory(opts ...Option) *WebSocketFactory {
	cfg := applyOptions(opts)
	return &WebSocketFactory{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.dialTimeout,
			TLSClientConfig:  cfg.tlsConfig,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

func (f *WebSocketFactory) CanBuild(description string) bool {
	return strings.HasPrefix(description, "ws://") || strings.HasPrefix(description, "wss://")
}

func (f *WebSocketFactory) Build(description string) (Connection, error) {
	cfg := f.cfg
	dial := func(ctx context.Context) (frameConn, error) {
		conn, resp, err := f.dialer.DialContext(ctx, description, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return newWSConn(conn, cfg), nil
	}
	return newDialedChannel("websocket", description, dial, cfg), nil
}

// WebSocketServer is an http.Handler that upgrades requests to connections
// and hands them to an AcceptFunc.
type WebSocketServer struct {
	upgrader websocket.Upgrader
	acceptor *acceptor
}

var _ http.Handler = (*WebSocketServer)(nil)

// NewWebSocketServer returns a handler to mount on any http server or router.
func NewWebSocketServer(accept AcceptFunc, opts ...Option) *WebSocketServer {
	cfg := applyOptions(opts)
	return &WebSocketServer{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.handshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		acceptor: newAcceptor("websocket", accept, cfg),
	}
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.acceptor.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.acceptor.handle("ws://"+r.RemoteAddr, newWSConn(conn, s.acceptor.cfg))
}

// Close closes every connection the server accepted. The http server itself
// is owned by the caller.
func (s *WebSocketServer) Close() error {
	s.acceptor.closeAll()
	return nil
}
