package dish

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWebSocket(t *testing.T, handler PacketHandler) (string, *WebSocketServer, chan Connection) {
	t.Helper()
	accepted := make(chan Connection, 8)
	ws := NewWebSocketServer(func(c Connection) {
		c.SetHandler(handler)
		accepted <- c
	}, WithName("server"))
	server := httptest.NewServer(ws)
	t.Cleanup(func() {
		ws.Close()
		server.Close()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http"), ws, accepted
}

func TestWebSocket_TransmitBothWays(t *testing.T) {
	desc, _, accepted := startWebSocket(t, prefixHandler("srv:"))

	f := NewWebSocketFactory(WithName("client"))
	require.True(t, f.CanBuild(desc))
	conn, err := f.Build(desc)
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close()
	conn.SetHandler(prefixHandler("cli:"))

	got, err := transmitString(t, conn, "ping")
	require.NoError(t, err)
	assert.Equal(t, "srv:ping", got)

	srv := <-accepted
	got, err = transmitString(t, srv, "push")
	require.NoError(t, err)
	assert.Equal(t, "cli:push", got)
}

func TestWebSocket_LargePayload(t *testing.T) {
	desc, _, _ := startWebSocket(t, prefixHandler(""))
	conn, err := NewWebSocketFactory().Build(desc)
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close()

	payload := strings.Repeat("x", 1<<20)
	got, err := transmitString(t, conn, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), len(got))
}

func TestWebSocket_ServerCloseDropsClient(t *testing.T) {
	desc, ws, accepted := startWebSocket(t, prefixHandler("srv:"))
	conn, err := NewWebSocketFactory().Build(desc)
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close()
	<-accepted

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return conn.(*channel).session() == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocket_PlainHTTPRejected(t *testing.T) {
	desc, _, _ := startWebSocket(t, prefixHandler("srv:"))

	resp, err := http.Get("http" + strings.TrimPrefix(desc, "ws"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketFactory_CanBuild(t *testing.T) {
	f := NewWebSocketFactory()
	assert.True(t, f.CanBuild("ws://127.0.0.1:80/dish"))
	assert.True(t, f.CanBuild("wss://example.com/dish"))
	assert.False(t, f.CanBuild("http://example.com"))
	assert.False(t, f.CanBuild("tcp:127.0.0.1:80"))
}
