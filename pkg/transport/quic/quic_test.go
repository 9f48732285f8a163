package quic

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/transport"
)

func testTLSConfig(t *testing.T) *tls.Config {
	cfg, err := transport.NewTLSConfig()
	require.NoError(t, err)
	return cfg
}

func TestQUICTransport_NameAndPort(t *testing.T) {
	tr := New(nil)
	assert.Equal(t, "quic", tr.Name())

	var r enr.Record
	r.Set(enr.UDP(constants.DefaultPort))
	n := enode.SignNull(&r, enode.ID{1})
	assert.Equal(t, constants.DefaultPort, tr.NodePort(n))
	assert.Zero(t, tr.NodePort(enode.SignNull(new(enr.Record), enode.ID{2})))
}

func TestQUICTransport_Listen(t *testing.T) {
	tr := New(nil)
	listener, err := tr.Listen(context.Background(), "127.0.0.1:0", testTLSConfig(t))
	require.NoError(t, err)
	defer listener.Close()

	_, ok := listener.Addr().(*net.UDPAddr)
	assert.True(t, ok, "expected UDP address, got %T", listener.Addr())
}

func TestQUICTransport_AcceptAndCommunicate(t *testing.T) {
	tr := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tlsConfig := testTLSConfig(t)

	listener, err := tr.Listen(ctx, "127.0.0.1:0", tlsConfig)
	require.NoError(t, err)
	defer listener.Close()

	clientConn, err := tr.Dial(ctx, listener.Addr().String(), tlsConfig)
	require.NoError(t, err)

	state := clientConn.ConnectionState()
	assert.True(t, state.HandshakeComplete)
	assert.Equal(t, constants.ALPNProtocol, state.NegotiatedProtocol)

	// the server only sees the stream once the client has written to it
	request := []byte("ping")
	_, err = clientConn.Write(request)
	require.NoError(t, err)

	serverConn, err := listener.Accept(ctx)
	require.NoError(t, err)

	buf := make([]byte, len(request))
	_, err = io.ReadFull(serverConn, buf)
	require.NoError(t, err)
	assert.Equal(t, request, buf)

	response := []byte("pong")
	_, err = serverConn.Write(response)
	require.NoError(t, err)

	// closing the server side must not lose the response
	closed := make(chan struct{})
	go func() {
		serverConn.Close()
		close(closed)
	}()

	buf = make([]byte, len(response))
	_, err = io.ReadFull(clientConn, buf)
	require.NoError(t, err)
	assert.Equal(t, response, buf)

	require.NoError(t, clientConn.Close())
	<-closed
}

func TestQUICTransport_ContextCancellation(t *testing.T) {
	tr := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Listen(ctx, "127.0.0.1:0", testTLSConfig(t))
	assert.Error(t, err)

	_, err = tr.Dial(ctx, "127.0.0.1:12345", testTLSConfig(t))
	assert.Error(t, err)
}

func TestQUICTransport_InvalidAddress(t *testing.T) {
	tr := New(nil)
	ctx := context.Background()

	_, err := tr.Listen(ctx, "invalid:address", testTLSConfig(t))
	assert.Error(t, err)

	_, err = tr.Dial(ctx, "invalid:address", testTLSConfig(t))
	assert.Error(t, err)
}
