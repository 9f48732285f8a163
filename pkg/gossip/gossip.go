// Package gossip disseminates newly stored content to the peers nearest its
// content id. Entries are queued in memory and offered in batches; nothing
// is retried and nothing survives a restart.
package gossip

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/histnet/internal/dht"
	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/content"
)

var log = logrus.WithField("prefix", "gossip")

var (
	offersSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histnet_gossip_offers_sent_total",
		Help: "The number of OFFER messages sent by gossip.",
	})
	offerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histnet_gossip_offer_failures_total",
		Help: "The number of gossip OFFER messages that failed.",
	})
)

// ErrClosed is returned by Enqueue after Close
var ErrClosed = errors.New("disseminator is closed")

// Entry is one queued item: the hash key and selector of stored content
type Entry struct {
	HashKey common.Hash
	Type    content.Type
}

// PeerSource supplies offer targets and remembers which keys each peer has
type PeerSource interface {
	GetClosest(target enode.ID, k int) []*dht.Node
	ContentKeyKnownToPeer(peer enode.ID, key string) bool
}

// Offerer sends one OFFER carrying keys to peer
type Offerer interface {
	SendOffer(ctx context.Context, peer *enode.Node, keys [][]byte) error
}

// Config holds disseminator configuration
type Config struct {
	Peers     PeerSource
	Offerer   Offerer
	ChainID   uint16
	BatchSize int           // Queue length that triggers a flush (default: 26)
	Fanout    int           // Peers offered each content id (default: 5)
	Timeout   time.Duration // Bound on one flush
}

// DefaultConfig returns the default gossip configuration without collaborators
func DefaultConfig() *Config {
	return &Config{
		ChainID:   constants.MainnetChainID,
		BatchSize: constants.GossipBatchSize,
		Fanout:    constants.GossipFanout,
		Timeout:   constants.RequestTimeout,
	}
}

// Disseminator owns the gossip queue
type Disseminator struct {
	peers     PeerSource
	offerer   Offerer
	chainID   uint16
	batchSize int
	fanout    int
	timeout   time.Duration

	mu     sync.Mutex
	queue  []Entry
	closed bool

	wg sync.WaitGroup
}

// New creates a disseminator
func New(config *Config) (*Disseminator, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Peers == nil {
		return nil, errors.New("peer source is required")
	}
	if config.Offerer == nil {
		return nil, errors.New("offerer is required")
	}

	d := &Disseminator{
		peers:     config.Peers,
		offerer:   config.Offerer,
		chainID:   config.ChainID,
		batchSize: config.BatchSize,
		fanout:    config.Fanout,
		timeout:   config.Timeout,
	}
	if d.batchSize <= 0 {
		d.batchSize = constants.GossipBatchSize
	}
	if d.fanout <= 0 {
		d.fanout = constants.GossipFanout
	}
	if d.timeout <= 0 {
		d.timeout = constants.RequestTimeout
	}
	d.queue = make([]Entry, 0, d.batchSize)
	return d, nil
}

// Enqueue adds an entry. When the queue reaches the batch size it is handed
// off for dissemination in the background and cleared.
func (d *Disseminator) Enqueue(hashKey common.Hash, t content.Type) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue = append(d.queue, Entry{HashKey: hashKey, Type: t})
	if len(d.queue) < d.batchSize {
		d.mu.Unlock()
		return nil
	}
	batch := d.take()
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		d.Gossip(ctx, batch)
	}()
	return nil
}

// Pending returns the number of queued entries
func (d *Disseminator) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Flush disseminates whatever is queued and returns the number of offers sent
func (d *Disseminator) Flush(ctx context.Context) int {
	d.mu.Lock()
	batch := d.take()
	d.mu.Unlock()
	if len(batch) == 0 {
		return 0
	}
	return d.Gossip(ctx, batch)
}

// Close flushes the queue, waits for background batches and refuses
// further entries
func (d *Disseminator) Close() {
	d.mu.Lock()
	d.closed = true
	batch := d.take()
	d.mu.Unlock()

	if len(batch) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		d.Gossip(ctx, batch)
		cancel()
	}
	d.wg.Wait()
}

// take must be called with mu held
func (d *Disseminator) take() []Entry {
	batch := d.queue
	d.queue = make([]Entry, 0, d.batchSize)
	return batch
}

// Gossip offers the batch to the union of the fanout peers nearest each
// entry's content id. Every peer receives one OFFER bundling the batch keys
// it has not yet been offered. It returns the number of offers that
// succeeded.
func (d *Disseminator) Gossip(ctx context.Context, entries []Entry) int {
	var (
		keys [][]byte
		seen = make(map[string]bool)
	)
	peers := make(map[enode.ID]*enode.Node)
	var order []enode.ID

	for _, e := range entries {
		key := content.NewKey(e.Type, d.chainID, e.HashKey)
		encoded := key.Encode()
		if !seen[string(encoded)] {
			seen[string(encoded)] = true
			keys = append(keys, encoded)
		}
		for _, n := range d.peers.GetClosest(key.ID().NodeID(), d.fanout) {
			if _, ok := peers[n.ID()]; !ok {
				peers[n.ID()] = n.Record
				order = append(order, n.ID())
			}
		}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
	)
	for _, id := range order {
		var unknown [][]byte
		for _, k := range keys {
			if !d.peers.ContentKeyKnownToPeer(id, string(k)) {
				unknown = append(unknown, k)
			}
		}
		for start := 0; start < len(unknown); start += constants.MaxOfferKeys {
			end := start + constants.MaxOfferKeys
			if end > len(unknown) {
				end = len(unknown)
			}
			batch := unknown[start:end]
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := d.offerer.SendOffer(ctx, peers[id], batch); err != nil {
					offerFailures.Inc()
					log.WithError(err).WithField("peer", id.TerminalString()).Debug("Gossip offer failed")
					return
				}
				offersSent.Inc()
				mu.Lock()
				sent++
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	log.WithFields(logrus.Fields{
		"entries": len(entries),
		"peers":   len(order),
		"offers":  sent,
	}).Debug("Gossiped content batch")
	return sent
}
