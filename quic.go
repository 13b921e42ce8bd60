package dish

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC connections.
//
// Description grammar: "quic:<host>:<port>".
//
// Each connection is one QUIC connection carrying a single bidirectional
// stream, framed like tcp. Listeners present a self-signed certificate
// unless WithTLSConfig supplies one; dialers skip verification unless
// WithTLSConfig supplies a client config. Peers identify themselves in the
// hello frame, not through certificates.

const (
	quicScheme = "quic:"
	quicALPN   = "dish/1"
)

// QUICFactory builds connections for "quic:" descriptions.
type QUICFactory struct {
	cfg config
}

var _ ConnectionFactory = (*QUICFactory)(nil)

func NewQUICFactory(opts ...Option) *QUICFactory {
	return &QUICFactory{cfg: applyOptions(opts)}
}

func (f *QUICFactory) CanBuild(description string) bool {
	addr, ok := strings.CutPrefix(description, quicScheme)
	if !ok {
		return false
	}
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}

func (f *QUICFactory) Build(description string) (Connection, error) {
	addr, _ := strings.CutPrefix(description, quicScheme)
	cfg := f.cfg
	tlsConf := quicClientTLS(cfg.tlsConfig)
	dial := func(ctx context.Context) (frameConn, error) {
		if cfg.dialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.dialTimeout)
			defer cancel()
		}
		conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig(cfg))
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "open stream failed")
			return nil, err
		}
		return newQUICStreamConn(conn, stream, cfg), nil
	}
	return newDialedChannel("quic", description, dial, cfg), nil
}

func newQUICStreamConn(conn *quic.Conn, stream *quic.Stream, cfg config) *streamConn {
	closeFn := func() error {
		stream.CancelRead(0)
		stream.Close()
		return conn.CloseWithError(0, "")
	}
	return newStreamConn(stream, closeFn, cfg)
}

func quicConfig(cfg config) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: cfg.handshakeTimeout,
		MaxIdleTimeout:       cfg.readTimeout,
	}
}

func quicClientTLS(base *tls.Config) *tls.Config {
	var conf *tls.Config
	if base != nil {
		conf = base.Clone()
	} else {
		conf = &tls.Config{InsecureSkipVerify: true}
	}
	conf.NextProtos = []string{quicALPN}
	conf.MinVersion = tls.VersionTLS13
	return conf
}

// QUICListener accepts inbound QUIC connections.
type QUICListener struct {
	listener *quic.Listener
	acceptor *acceptor

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// ListenQUIC listens on the UDP address addr. Call Start to begin accepting.
func ListenQUIC(addr string, accept AcceptFunc, opts ...Option) (*QUICListener, error) {
	cfg := applyOptions(opts)

	tlsConf := cfg.tlsConfig
	if tlsConf == nil {
		cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, &TransportError{Op: "listen", Description: quicScheme + addr, Err: err}
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{quicALPN}
	tlsConf.MinVersion = tls.VersionTLS13

	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig(cfg))
	if err != nil {
		return nil, &TransportError{Op: "listen", Description: quicScheme + addr, Err: err}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICListener{
		listener: ln,
		acceptor: newAcceptor("quic", accept, cfg),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (l *QUICListener) Addr() string {
	return l.listener.Addr().String()
}

func (l *QUICListener) Description() string {
	return quicScheme + l.Addr()
}

// Start begins accepting inbound connections. Non-blocking.
func (l *QUICListener) Start() {
	l.wg.Add(1)
	go l.acceptLoop()
}

// Close stops accepting and closes every accepted connection. Idempotent.
func (l *QUICListener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		l.cancel()
		err = l.listener.Close()
		l.wg.Wait()
		l.acceptor.closeAll()
	})
	return err
}

func (l *QUICListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.acceptor.logger.Error("accept error", "error", err)
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(conn)
		}()
	}
}

// serveConn waits for the dialer's stream. The stream becomes visible once
// the dialer writes its hello frame.
func (l *QUICListener) serveConn(conn *quic.Conn) {
	ctx := l.ctx
	if d := l.acceptor.cfg.handshakeTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		l.acceptor.logger.Warn("accept stream failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	l.acceptor.handle(quicScheme+conn.RemoteAddr().String(), newQUICStreamConn(conn, stream, l.acceptor.cfg))
}

// generateSelfSignedCert creates an ephemeral P-256 certificate for QUIC
// listeners.
func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"dish"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
