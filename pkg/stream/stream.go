// Package stream moves content too large for a single CONTENT message, and
// the content accepted in response to an OFFER, between peers.
//
// A transfer is announced by a connection id handed out in a CONTENT or
// ACCEPT response. The receiver registers the keys it expects under
// (peer, connection id) and the sender pushes an SSZ list of payloads, one
// per key and in key order. Each delivered item is published as a Completed
// event; the party that asked for the content never sees the bytes directly.
package stream

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/wire"
)

var log = logrus.WithField("prefix", "stream")

var (
	// ErrCountMismatch is returned when a transfer carries a different
	// number of items than keys were expected
	ErrCountMismatch = errors.New("transfer item count does not match expected keys")

	errNoSender = errors.New("stream manager has no sender")
)

// maxEarly bounds transfers buffered before their session is registered
const maxEarly = 64

// Completed is published for every item of a finished transfer
type Completed struct {
	Peer    enode.ID
	Key     []byte
	Payload []byte
}

// Sender pushes a framed transfer to a peer
type Sender interface {
	Stream(ctx context.Context, to *enode.Node, connID uint16, payload []byte) error
}

// Config configures a Manager
type Config struct {
	Sender     Sender
	SessionTTL time.Duration
	MaxItems   int
}

// DefaultConfig returns the default stream configuration
func DefaultConfig() *Config {
	return &Config{
		SessionTTL: constants.StreamSessionTTL,
		MaxItems:   constants.MaxOfferKeys,
	}
}

type sessionKey struct {
	peer   enode.ID
	connID uint16
}

type session struct {
	keys    [][]byte
	created time.Time
}

type early struct {
	payload []byte
	created time.Time
}

// Manager tracks pending inbound transfers and sends outbound ones
type Manager struct {
	cfg *Config

	mu      sync.Mutex
	pending map[sessionKey]*session
	early   map[sessionKey]*early

	feed  event.Feed
	scope event.SubscriptionScope
}

// NewManager creates a stream manager
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = constants.StreamSessionTTL
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = constants.MaxOfferKeys
	}
	return &Manager{
		cfg:     cfg,
		pending: make(map[sessionKey]*session),
		early:   make(map[sessionKey]*early),
	}
}

// SetSender sets the outbound transport once it exists
func (m *Manager) SetSender(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Sender = s
}

// Subscribe registers ch for Completed events
func (m *Manager) Subscribe(ch chan<- Completed) event.Subscription {
	return m.scope.Track(m.feed.Subscribe(ch))
}

// AllocateConnID returns a nonzero connection id not pending for peer
func (m *Manager) AllocateConnID(peer enode.ID) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b [2]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(err)
		}
		id := binary.BigEndian.Uint16(b[:])
		if id == 0 {
			continue
		}
		if _, taken := m.pending[sessionKey{peer, id}]; !taken {
			return id
		}
	}
}

// ExpectRead registers a pending read of keys from peer under connID. If the
// transfer already arrived it is completed immediately.
func (m *Manager) ExpectRead(peer enode.ID, connID uint16, keys [][]byte) {
	k := sessionKey{peer, connID}
	m.mu.Lock()
	if e, ok := m.early[k]; ok {
		delete(m.early, k)
		m.mu.Unlock()
		if err := m.complete(peer, keys, e.payload); err != nil {
			log.WithError(err).WithField("peer", peer.TerminalString()).Debug("Dropping early transfer")
		}
		return
	}
	m.pending[k] = &session{keys: keys, created: time.Now()}
	m.mu.Unlock()
}

// Pending returns the number of registered sessions awaiting data
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Deliver hands an inbound transfer to its session
func (m *Manager) Deliver(from enode.ID, connID uint16, payload []byte) error {
	k := sessionKey{from, connID}
	m.mu.Lock()
	s, ok := m.pending[k]
	if ok {
		delete(m.pending, k)
	} else if len(m.early) < maxEarly {
		m.early[k] = &early{payload: payload, created: time.Now()}
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.complete(from, s.keys, payload)
}

func (m *Manager) complete(peer enode.ID, keys [][]byte, payload []byte) error {
	items, err := wire.DecodeByteLists(payload, m.cfg.MaxItems)
	if err != nil {
		return errors.Wrap(err, "malformed transfer")
	}
	if len(items) != len(keys) {
		return ErrCountMismatch
	}
	for i, item := range items {
		m.feed.Send(Completed{Peer: peer, Key: keys[i], Payload: item})
	}
	return nil
}

// Push sends contents to peer under connID, one item per key the peer expects
func (m *Manager) Push(ctx context.Context, to *enode.Node, connID uint16, contents [][]byte) error {
	m.mu.Lock()
	sender := m.cfg.Sender
	m.mu.Unlock()
	if sender == nil {
		return errNoSender
	}
	payload := wire.EncodeByteLists(contents)
	if len(payload) > constants.MaxStreamSize {
		return wire.ErrTooLarge(len(payload), constants.MaxStreamSize)
	}
	return sender.Stream(ctx, to, connID, payload)
}

// Start prunes expired sessions until ctx is cancelled
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SessionTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.prune(time.Now())
		}
	}
}

func (m *Manager) prune(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.cfg.SessionTTL)
	for k, s := range m.pending {
		if s.created.Before(cutoff) {
			log.WithField("peer", k.peer.TerminalString()).WithField("connID", k.connID).Debug("Pending transfer expired")
			delete(m.pending, k)
		}
	}
	for k, e := range m.early {
		if e.created.Before(cutoff) {
			delete(m.early, k)
		}
	}
}

// Close unsubscribes all listeners
func (m *Manager) Close() {
	m.scope.Close()
}
