package dish

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminServer exposes operational endpoints for a Node over HTTP. Intended
// for admin/internal networks only.
type AdminServer struct {
	node     *Node
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// NewAdminServer creates an AdminServer bound to addr. Metrics are served
// from gatherer; nil uses the prometheus default registry. The server is not
// started until Start is called.
func NewAdminServer(node *Node, addr string, gatherer prometheus.Gatherer) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	as := &AdminServer{
		node:     node,
		listener: ln,
		logger:   node.logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", as.handleHealth)
	r.Get("/peers", as.handlePeers)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Mount("/debug", middleware.Profiler())

	as.server = &http.Server{
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			as.logger.Error("admin server error", "error", err)
		}
	}()
	as.logger.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- handlers ---

type healthResponse struct {
	Status string `json:"status"`
	Name   string `json:"name"`
	Peers  int    `json:"peers"`
}

func (as *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	as.writeJSON(w, healthResponse{
		Status: "ok",
		Name:   as.node.Name(),
		Peers:  len(as.node.Peers()),
	})
}

type peersResponse struct {
	Peers []PeerInfo `json:"peers"`
}

func (as *AdminServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	as.writeJSON(w, peersResponse{Peers: as.node.Peers()})
}

func (as *AdminServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		as.logger.Error("admin: json encode error", "error", err)
	}
}
