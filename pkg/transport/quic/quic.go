// Package quic implements the QUIC transport, the default for history
// network peers. Each exchange runs on one stream of its own connection.
package quic

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/WebFirstLanguage/histnet/pkg/transport"
)

// closeLinger bounds how long Close waits for the peer to read the stream
const closeLinger = 2 * time.Second

// Transport dials and accepts QUIC connections. It advertises the udp entry
// of node records.
type Transport struct {
	cfg *transport.Config
}

// New creates a QUIC transport. A nil config uses transport.DefaultConfig.
func New(cfg *transport.Config) *Transport {
	if cfg == nil {
		cfg = transport.DefaultConfig()
	}
	return &Transport{cfg: cfg}
}

// Name implements transport.Transport
func (t *Transport) Name() string { return "quic" }

// NodePort implements transport.Transport
func (t *Transport) NodePort(n *enode.Node) int { return n.UDP() }

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: t.cfg.HandshakeTimeout,
		MaxIdleTimeout:       t.cfg.IdleTimeout,
		KeepAlivePeriod:      t.cfg.KeepAlive,
	}
}

// Listen implements transport.Transport
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve UDP address")
	}
	l, err := quic.ListenAddr(udpAddr.String(), t.cfg.TLS(tlsConfig), t.quicConfig())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create QUIC listener")
	}
	return &listener{l}, nil
}

// Dial implements transport.Transport. The stream is opened eagerly but the
// peer only accepts it once the first byte is written.
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, t.cfg.TLS(tlsConfig), t.quicConfig())
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial QUIC connection")
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, errors.Wrap(err, "failed to open stream")
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

type listener struct {
	l *quic.Listener
}

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	conn, err := l.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to accept stream")
		return nil, errors.Wrap(err, "failed to accept stream")
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

func (l *listener) Close() error   { return l.l.Close() }
func (l *listener) Addr() net.Addr { return l.l.Addr() }

// streamConn is the single stream of a connection
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

// Close half-closes the stream and waits up to closeLinger for the peer to
// finish before closing the connection, which would otherwise discard data
// the peer has not read yet.
func (c *streamConn) Close() error {
	err := c.Stream.Close()
	c.Stream.SetReadDeadline(time.Now().Add(closeLinger))
	io.Copy(io.Discard, c.Stream)
	c.conn.CloseWithError(0, "normal close")
	return err
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState().TLS
}
