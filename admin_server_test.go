package dish

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdminServer(t *testing.T) (*nodePair, *AdminServer) {
	t.Helper()

	p := newNodePair(t)
	reg := prometheus.NewRegistry()
	reg.MustRegister(p.metrics.resolutions)

	as, err := NewAdminServer(p.client, "127.0.0.1:0", reg)
	require.NoError(t, err)
	as.Start()
	t.Cleanup(as.Stop)
	return p, as
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAdmin_Healthz(t *testing.T) {
	_, as := newTestAdminServer(t)

	var body healthResponse
	getJSON(t, "http://"+as.Addr()+"/healthz", &body)
	assert.Equal(t, healthResponse{Status: "ok", Name: "client", Peers: 0}, body)
}

func TestAdmin_Peers(t *testing.T) {
	p, as := newTestAdminServer(t)
	require.NoError(t, p.client.Join(context.Background(), p.target))

	var body peersResponse
	getJSON(t, "http://"+as.Addr()+"/peers", &body)
	require.Len(t, body.Peers, 1)
	assert.Equal(t, p.target, body.Peers[0].Description)
	assert.Equal(t, Outbound, body.Peers[0].Direction)
	assert.Equal(t, "server", body.Peers[0].Remote)
}

func TestAdmin_Metrics(t *testing.T) {
	p, as := newTestAdminServer(t)
	require.NoError(t, p.client.Join(context.Background(), p.target))

	resp, err := http.Get("http://" + as.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dish_resolutions_total{outcome="ok"} 1`)
}

func TestAdmin_Pprof(t *testing.T) {
	_, as := newTestAdminServer(t)

	resp, err := http.Get("http://" + as.Addr() + "/debug/pprof/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdmin_MethodNotAllowed(t *testing.T) {
	_, as := newTestAdminServer(t)

	resp, err := http.Post("http://"+as.Addr()+"/peers", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAdmin_EncodeErrorLoggedWithNodeLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	node := NewNode(NewConnectionRepository(), nil, WithName("n1"), WithLogger(logger))
	as := &AdminServer{node: node, logger: node.logger}

	as.writeJSON(httptest.NewRecorder(), math.Inf(1))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "admin: json encode error", rec["msg"])
	assert.Equal(t, "n1", rec["node"])
}
