package dish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// QUIC tests need working UDP on loopback; set DISH_TEST_QUIC=1 to run them.
func requireQUIC(t *testing.T) {
	t.Helper()
	requireEnvSwitch(t, "DISH_TEST_QUIC")
}

func TestQUIC_TransmitBothWays(t *testing.T) {
	requireQUIC(t)

	accepted := make(chan Connection, 1)
	ln, err := ListenQUIC("127.0.0.1:0", func(c Connection) {
		c.SetHandler(prefixHandler("srv:"))
		accepted <- c
	}, WithName("server"))
	require.NoError(t, err)
	ln.Start()
	defer ln.Close()

	conn, err := NewQUICFactory(WithName("client")).Build(ln.Description())
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close()
	conn.SetHandler(prefixHandler("cli:"))

	got, err := transmitString(t, conn, "ping")
	require.NoError(t, err)
	assert.Equal(t, "srv:ping", got)

	var srv Connection
	select {
	case srv = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no accepted connection")
	}
	got, err = transmitString(t, srv, "push")
	require.NoError(t, err)
	assert.Equal(t, "cli:push", got)

	require.NoError(t, ln.Close())
	require.Eventually(t, func() bool {
		return conn.(*channel).session() == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQUICFactory_CanBuild(t *testing.T) {
	f := NewQUICFactory()
	assert.True(t, f.CanBuild("quic:127.0.0.1:7001"))
	assert.False(t, f.CanBuild("quic:127.0.0.1"))
	assert.False(t, f.CanBuild("tcp:127.0.0.1:7001"))
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := generateSelfSignedCert()
	require.NoError(t, err)
	assert.Len(t, cert.Certificate, 1)
	assert.NotNil(t, cert.PrivateKey)
}
