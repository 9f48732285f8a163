package tcp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"

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

func TestTCPTransport_NameAndPort(t *testing.T) {
	tr := New(nil)
	assert.Equal(t, "tcp", tr.Name())

	var r enr.Record
	r.Set(enr.TCP(constants.DefaultPort))
	n := enode.SignNull(&r, enode.ID{1})
	assert.Equal(t, constants.DefaultPort, tr.NodePort(n))
	assert.Zero(t, tr.NodePort(enode.SignNull(new(enr.Record), enode.ID{2})))
}

func TestTCPTransport_Listen(t *testing.T) {
	tr := New(nil)
	listener, err := tr.Listen(context.Background(), "127.0.0.1:0", testTLSConfig(t))
	require.NoError(t, err)
	defer listener.Close()

	_, ok := listener.Addr().(*net.TCPAddr)
	assert.True(t, ok, "expected TCP address, got %T", listener.Addr())
}

func TestTCPTransport_AcceptAndCommunicate(t *testing.T) {
	tr := New(nil)
	ctx := context.Background()
	tlsConfig := testTLSConfig(t)

	listener, err := tr.Listen(ctx, "127.0.0.1:0", tlsConfig)
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan transport.Conn, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	clientConn, err := tr.Dial(ctx, listener.Addr().String(), tlsConfig)
	require.NoError(t, err)
	defer clientConn.Close()

	serverConn, ok := <-accepted
	require.True(t, ok, "accept failed")
	defer serverConn.Close()

	state := clientConn.ConnectionState()
	assert.True(t, state.HandshakeComplete)
	assert.Equal(t, constants.ALPNProtocol, state.NegotiatedProtocol)
	assert.Equal(t, uint16(tls.VersionTLS13), state.Version)

	testData := []byte("Hello, histnet!")
	_, err = clientConn.Write(testData)
	require.NoError(t, err)

	readBuf := make([]byte, len(testData))
	_, err = io.ReadFull(serverConn, readBuf)
	require.NoError(t, err)
	assert.Equal(t, testData, readBuf)
}

func TestTCPTransport_ContextCancellation(t *testing.T) {
	tr := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Listen(ctx, "127.0.0.1:0", testTLSConfig(t))
	assert.Error(t, err)

	_, err = tr.Dial(ctx, "127.0.0.1:12345", testTLSConfig(t))
	assert.Error(t, err)
}

func TestTCPTransport_InvalidAddress(t *testing.T) {
	tr := New(nil)
	ctx := context.Background()

	_, err := tr.Listen(ctx, "invalid:address", testTLSConfig(t))
	assert.Error(t, err)

	_, err = tr.Dial(ctx, "invalid:address", testTLSConfig(t))
	assert.Error(t, err)
}
