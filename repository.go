package dish

import (
	"context"
	"log/slog"
	"sync"
)

// ConnectionFactory builds connections for the descriptions it claims. The
// description grammar belongs to the factory.
type ConnectionFactory interface {
	CanBuild(description string) bool
	Build(description string) (Connection, error)
}

// ConnectionRepository resolves descriptions to open connections by asking
// factories in registration order. It does not cache connections.
type ConnectionRepository struct {
	mu        sync.RWMutex
	factories []ConnectionFactory

	logger  *slog.Logger
	metrics *Metrics
}

func NewConnectionRepository(opts ...Option) *ConnectionRepository {
	cfg := applyOptions(opts)
	return &ConnectionRepository{
		logger:  cfg.logger,
		metrics: cfg.metrics,
	}
}

// Add appends f. Factories added earlier take precedence.
func (r *ConnectionRepository) Add(f ConnectionFactory) *ConnectionRepository {
	r.mu.Lock()
	r.factories = append(r.factories, f)
	r.mu.Unlock()
	return r
}

// AddAll appends fs in order.
func (r *ConnectionRepository) AddAll(fs ...ConnectionFactory) *ConnectionRepository {
	r.mu.Lock()
	r.factories = append(r.factories, fs...)
	r.mu.Unlock()
	return r
}

// Len returns the number of registered factories.
func (r *ConnectionRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// Resolve builds and opens a connection with the first factory that claims
// description. Build and Open failures of that factory are returned as-is;
// later factories are not consulted.
func (r *ConnectionRepository) Resolve(ctx context.Context, description string) (Connection, error) {
	f := r.find(description)
	if f == nil {
		r.metrics.resolved("not_found")
		return nil, &ConnectionNotFoundError{Description: description}
	}

	conn, err := f.Build(description)
	if err != nil {
		r.metrics.resolved("build_failed")
		return nil, err
	}
	if err := conn.Open(ctx); err != nil {
		r.metrics.resolved("open_failed")
		conn.Close()
		return nil, err
	}

	r.metrics.resolved("ok")
	r.logger.Debug("connection resolved", "description", description)
	return conn, nil
}

func (r *ConnectionRepository) find(description string) ConnectionFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.factories {
		if f.CanBuild(description) {
			return f
		}
	}
	return nil
}

// SupportedConnections returns the built-in factories in precedence order:
// tcp, quic, then websocket. In-process connections need a LocalNetwork and
// are registered separately via LocalNetwork.Factory.
func SupportedConnections(opts ...Option) []ConnectionFactory {
	return []ConnectionFactory{
		NewTCPFactory(opts...),
		NewQUICFactory(opts...),
		NewWebSocketFactory(opts...),
	}
}
