// Package tcp implements the TCP + TLS 1.3 transport, used where UDP is
// filtered and QUIC cannot get through.
package tcp

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/pkg/errors"

	"github.com/WebFirstLanguage/histnet/pkg/transport"
)

// Transport dials and accepts TLS over TCP. It advertises the tcp entry of
// node records.
type Transport struct {
	cfg *transport.Config
}

// New creates a TCP transport. A nil config uses transport.DefaultConfig.
func New(cfg *transport.Config) *Transport {
	if cfg == nil {
		cfg = transport.DefaultConfig()
	}
	return &Transport{cfg: cfg}
}

// Name implements transport.Transport
func (t *Transport) Name() string { return "tcp" }

// NodePort implements transport.Transport
func (t *Transport) NodePort(n *enode.Node) int { return n.TCP() }

// Listen implements transport.Transport
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create TCP listener")
	}
	return &listener{
		Listener: l,
		tls:      t.cfg.TLS(tlsConfig),
		cfg:      t.cfg,
	}, nil
}

// Dial implements transport.Transport. The TLS handshake completes before
// it returns.
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := &tls.Dialer{
		NetDialer: &net.Dialer{
			Timeout:   t.cfg.HandshakeTimeout,
			KeepAlive: t.cfg.KeepAlive,
		},
		Config: t.cfg.TLS(tlsConfig),
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial TCP+TLS connection")
	}
	return conn.(*tls.Conn), nil
}

type listener struct {
	net.Listener
	tls *tls.Config
	cfg *transport.Config
}

// Accept returns the next connection whose TLS handshake succeeded
func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	conn := tls.Server(raw, l.tls)

	hsCtx := ctx
	if l.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
		defer cancel()
	}
	if err := conn.HandshakeContext(hsCtx); err != nil {
		raw.Close()
		return nil, errors.Wrap(err, "TLS handshake failed")
	}
	return conn, nil
}
