package dish

import (
	"crypto/tls"
	"log/slog"
	"time"
)

type Option func(*config)

type config struct {
	// Local identity announced in connection handshakes.
	name string

	logger  *slog.Logger
	metrics *Metrics

	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	transmitTimeout  time.Duration // 0 = wait for ctx only
	readTimeout      time.Duration
	writeTimeout     time.Duration

	// sendBuffer is the capacity of each connection's outbound frame queue.
	sendBuffer int

	// maxFrame bounds a single inbound frame (tag + id + payload).
	maxFrame int

	// dedupWindow is how many recent delivery uuids a Node remembers.
	dedupWindow int

	// tlsConfig is used by quic and wss clients. nil = skip verification
	// for quic, system roots for wss.
	tlsConfig *tls.Config
}

func defaultConfig() config {
	return config{
		name:             "dish",
		logger:           slog.Default(),
		dialTimeout:      5 * time.Second,
		handshakeTimeout: 5 * time.Second,
		transmitTimeout:  5 * time.Second,
		readTimeout:      30 * time.Second,
		writeTimeout:     5 * time.Second,
		sendBuffer:       1024,
		maxFrame:         16 << 20,
		dedupWindow:      4096,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// WithName sets the identity sent in connection handshakes.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = d
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		c.handshakeTimeout = d
	}
}

// WithTransmitTimeout bounds how long Transmit waits for a reply. Zero
// disables the bound; the caller's context still applies.
func WithTransmitTimeout(d time.Duration) Option {
	return func(c *config) {
		c.transmitTimeout = d
	}
}

// WithReadTimeout sets the idle deadline of stream connections. A
// connection that receives nothing for this long is closed.
func WithReadTimeout(d time.Duration) Option {
	return func(c *config) {
		c.readTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		c.writeTimeout = d
	}
}

func WithSendBuffer(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.sendBuffer = n
		}
	}
}

func WithMaxFrameSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// WithDedupWindow sets how many recently delivered uuids a Node remembers to
// answer retried deliveries without handing them to the Receiver again.
// Zero disables duplicate detection.
func WithDedupWindow(n int) Option {
	return func(c *config) {
		c.dedupWindow = n
	}
}

func WithTLSConfig(t *tls.Config) Option {
	return func(c *config) {
		c.tlsConfig = t
	}
}
