package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
	ssz "github.com/ferranbt/fastssz"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/wire"
)

var log = logrus.WithField("prefix", "transport")

// Connection kinds, the first byte written by the dialer
const (
	kindRequest = 0x01
	kindStream  = 0x02
)

// Response status, the first byte of a response frame
const (
	statusOK    = 0x00
	statusError = 0x01
)

// maxRecordSize bounds the hello frame carrying the dialer's record
const maxRecordSize = 300

var errNoLocalNode = errors.New("local node record not set")

// Handler serves requests arriving at a Messenger
type Handler interface {
	// HandleRequest answers one encoded message. Returning a *wire.Error
	// sends it to the peer in place of a response.
	HandleRequest(ctx context.Context, from *enode.Node, payload []byte) ([]byte, error)

	// HandleStream accepts a bulk transfer announced under connID
	HandleStream(ctx context.Context, from *enode.Node, connID uint16, payload []byte) error
}

// MessengerConfig configures a Messenger
type MessengerConfig struct {
	Transport Transport
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// Messenger exchanges framed request/response pairs and bulk streams with
// peers. Every exchange uses its own connection. The dialer opens with a
// kind byte and a frame holding its RLP encoded node record.
type Messenger struct {
	transport Transport
	tlsConfig *tls.Config
	timeout   time.Duration

	mu       sync.RWMutex
	local    *enode.Node
	listener Listener

	wg sync.WaitGroup
}

// NewMessenger creates a Messenger over the configured transport
func NewMessenger(cfg *MessengerConfig) (*Messenger, error) {
	if cfg == nil || cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = NewTLSConfig(); err != nil {
			return nil, err
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.RequestTimeout
	}
	return &Messenger{
		transport: cfg.Transport,
		tlsConfig: tlsConfig,
		timeout:   timeout,
	}, nil
}

// Transport returns the underlying transport
func (m *Messenger) Transport() Transport {
	return m.transport
}

// SetLocalNode sets the record presented to peers on every dial
func (m *Messenger) SetLocalNode(n *enode.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = n
}

// LocalNode returns the record presented to peers
func (m *Messenger) LocalNode() *enode.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local
}

// Listen binds the transport to addr and returns the bound address
func (m *Messenger) Listen(ctx context.Context, addr string) (net.Addr, error) {
	l, err := m.transport.Listen(ctx, addr, m.tlsConfig)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
	return l.Addr(), nil
}

// Serve accepts connections until ctx is cancelled or the listener closes
func (m *Messenger) Serve(ctx context.Context, h Handler) error {
	m.mu.RLock()
	l := m.listener
	m.mu.RUnlock()
	if l == nil {
		return errors.New("messenger is not listening")
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.WithError(err).Debug("Failed to accept connection")
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer conn.Close()
			if err := m.serveConn(ctx, conn, h); err != nil {
				log.WithError(err).WithField("remote", conn.RemoteAddr()).Debug("Connection failed")
			}
		}()
	}
}

// Close stops the listener and waits for in-flight connections
func (m *Messenger) Close() error {
	m.mu.Lock()
	l := m.listener
	m.listener = nil
	m.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	m.wg.Wait()
	return err
}

func (m *Messenger) serveConn(ctx context.Context, conn Conn, h Handler) error {
	if err := conn.SetDeadline(time.Now().Add(m.timeout)); err != nil {
		return err
	}
	kind := make([]byte, 1)
	if _, err := io.ReadFull(conn, kind); err != nil {
		return errors.Wrap(err, "failed to read connection kind")
	}
	from, err := readHello(conn)
	if err != nil {
		writeResponse(conn, nil, wire.ErrMalformed(err.Error()))
		return err
	}

	switch kind[0] {
	case kindRequest:
		req, err := readFrame(conn, constants.MaxMessageSize)
		if err != nil {
			return err
		}
		resp, herr := h.HandleRequest(ctx, from, req)
		return writeResponse(conn, resp, herr)
	case kindStream:
		if err := conn.SetDeadline(time.Now().Add(constants.StreamTimeout)); err != nil {
			return err
		}
		frame, err := readFrame(conn, constants.MaxStreamSize)
		if err != nil {
			return err
		}
		if len(frame) < 2 {
			return writeResponse(conn, nil, wire.ErrMalformed("stream frame without connection id"))
		}
		connID := uint16(frame[0])<<8 | uint16(frame[1])
		return writeResponse(conn, nil, h.HandleStream(ctx, from, connID, frame[2:]))
	default:
		return writeResponse(conn, nil, wire.ErrMalformed(fmt.Sprintf("unknown connection kind %d", kind[0])))
	}
}

// Request sends payload to peer and returns its response. A protocol error
// reported by the peer is returned as *wire.Error.
func (m *Messenger) Request(ctx context.Context, to *enode.Node, payload []byte) ([]byte, error) {
	conn, err := m.dial(ctx, to, kindRequest, m.timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := writeFrame(conn, payload); err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	return readResponse(conn)
}

// Stream pushes payload to peer under connID, the id the peer handed out
// in an ACCEPT or that we returned in a CONTENT response
func (m *Messenger) Stream(ctx context.Context, to *enode.Node, connID uint16, payload []byte) error {
	conn, err := m.dial(ctx, to, kindStream, constants.StreamTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	frame := make([]byte, 2, 2+len(payload))
	frame[0], frame[1] = byte(connID>>8), byte(connID)
	if err := writeFrame(conn, append(frame, payload...)); err != nil {
		return errors.Wrap(err, "failed to send stream")
	}
	_, err = readResponse(conn)
	return err
}

func (m *Messenger) dial(ctx context.Context, to *enode.Node, kind byte, timeout time.Duration) (Conn, error) {
	local := m.LocalNode()
	if local == nil {
		return nil, errNoLocalNode
	}
	addr, err := NodeAddr(m.transport, to)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := m.transport.Dial(dialCtx, addr, m.tlsConfig)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	hello, err := rlp.EncodeToBytes(local.Record())
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to encode local record")
	}
	if _, err := conn.Write([]byte{kind}); err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeFrame(conn, hello); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// NodeAddr returns the host:port at which n accepts connections on t
func NodeAddr(t Transport, n *enode.Node) (string, error) {
	ip := n.IP()
	if ip == nil {
		return "", errors.Errorf("node %s has no IP address", n.ID().TerminalString())
	}
	port := t.NodePort(n)
	if port == 0 {
		return "", errors.Errorf("node %s has no %s port", n.ID().TerminalString(), t.Name())
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}

func readHello(r io.Reader) (*enode.Node, error) {
	raw, err := readFrame(r, maxRecordSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read hello")
	}
	var record enr.Record
	if err := rlp.DecodeBytes(raw, &record); err != nil {
		return nil, errors.Wrap(err, "invalid node record")
	}
	n, err := enode.New(enode.ValidSchemes, &record)
	if err != nil {
		return nil, errors.Wrap(err, "invalid node record signature")
	}
	return n, nil
}

func writeResponse(w io.Writer, resp []byte, herr error) error {
	if herr != nil {
		var wireErr *wire.Error
		if !errors.As(herr, &wireErr) {
			wireErr = wire.ErrMalformed(herr.Error())
		}
		return writeFrame(w, append([]byte{statusError}, wireErr.MarshalSSZ()...))
	}
	return writeFrame(w, append([]byte{statusOK}, resp...))
}

func readResponse(r io.Reader) ([]byte, error) {
	frame, err := readFrame(r, constants.MaxMessageSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	if len(frame) == 0 {
		return nil, errors.New("empty response frame")
	}
	switch frame[0] {
	case statusOK:
		return frame[1:], nil
	case statusError:
		wireErr, err := wire.DecodeError(frame[1:])
		if err != nil {
			return nil, errors.Wrap(err, "undecodable error response")
		}
		return nil, wireErr
	default:
		return nil, errors.Errorf("unknown response status %d", frame[0])
	}
}

// writeFrame writes a little-endian u32 length followed by b
func writeFrame(w io.Writer, b []byte) error {
	buf := make([]byte, 0, 4+len(b))
	buf = ssz.MarshalUint32(buf, uint32(len(b)))
	_, err := w.Write(append(buf, b...))
	return err
}

func readFrame(r io.Reader, max int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := ssz.UnmarshallUint32(header[:])
	if uint64(size) > uint64(max) {
		return nil, wire.ErrTooLarge(int(size), max)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
