// Package transport carries history network requests between peers over
// QUIC or TCP with TLS 1.3, negotiating the histnet/1 ALPN protocol.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
)

// Transport opens TLS connections to peers. Every connection carries a
// single exchange.
type Transport interface {
	Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error)
	Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error)

	// Name is "tcp" or "quic"
	Name() string

	// NodePort returns the port n accepts this transport on, 0 if none
	NodePort(n *enode.Node) int
}

// Listener accepts handshaken connections
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// Conn is a TLS connection, or one QUIC stream with the state of its
// connection
type Conn interface {
	net.Conn
	ConnectionState() tls.ConnectionState
}

// Config holds the timeouts shared by both transports
type Config struct {
	ALPN             string
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
	// IdleTimeout closes QUIC connections that carry no traffic
	IdleTimeout time.Duration
}

// DefaultConfig returns the transport configuration used by nodes
func DefaultConfig() *Config {
	return &Config{
		ALPN:             constants.ALPNProtocol,
		HandshakeTimeout: constants.RequestTimeout,
		KeepAlive:        30 * time.Second,
		IdleTimeout:      5 * time.Minute,
	}
}

// TLS returns a copy of base with the ALPN protocol and the TLS 1.3 floor
// filled in
func (c *Config) TLS(base *tls.Config) *tls.Config {
	out := base.Clone()
	if out == nil {
		out = &tls.Config{}
	}
	if len(out.NextProtos) == 0 {
		alpn := c.ALPN
		if alpn == "" {
			alpn = constants.ALPNProtocol
		}
		out.NextProtos = []string{alpn}
	}
	if out.MinVersion < tls.VersionTLS13 {
		out.MinVersion = tls.VersionTLS13
	}
	return out
}
