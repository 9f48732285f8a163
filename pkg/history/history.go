// Package history implements the history subprotocol: the header
// accumulator, validation and storage of chain history content, block
// resolution by hash and number, content lookup, and the request handling
// that feeds retrieved content back into the store.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/WebFirstLanguage/histnet/internal/dht"
	"github.com/WebFirstLanguage/histnet/pkg/accumulator"
	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/content"
	"github.com/WebFirstLanguage/histnet/pkg/db"
	"github.com/WebFirstLanguage/histnet/pkg/gossip"
	"github.com/WebFirstLanguage/histnet/pkg/stream"
)

// Network carries encoded wire messages to peers
type Network interface {
	Request(ctx context.Context, to *enode.Node, payload []byte) ([]byte, error)
	LocalNode() *enode.Node
}

// ReceiptsManager derives and persists the receipts of a validated block
type ReceiptsManager interface {
	SaveReceipts(ctx context.Context, block *types.Block) error
}

// ContentAdded is published after every successful store
type ContentAdded struct {
	HashKey common.Hash
	Type    content.Type
	Payload []byte
}

// Config holds protocol configuration and collaborators
type Config struct {
	Table    *dht.RoutingTable
	Store    db.Store
	Network  Network
	Streams  *stream.Manager
	Receipts ReceiptsManager // Optional

	ChainID         uint16
	Radius          *uint256.Int  // Storage radius (default: everything)
	RequestTimeout  time.Duration // Bound on one request
	LookupTimeout   time.Duration // Bound on one iterative lookup
	Alpha           int           // Concurrent lookup queries
	GossipBatchSize int
	GossipFanout    int
}

// DefaultConfig returns the default protocol configuration without collaborators
func DefaultConfig() *Config {
	return &Config{
		ChainID:         constants.MainnetChainID,
		Radius:          dht.MaxRadius,
		RequestTimeout:  constants.RequestTimeout,
		LookupTimeout:   constants.LookupTimeout,
		Alpha:           constants.DHTAlpha,
		GossipBatchSize: constants.GossipBatchSize,
		GossipFanout:    constants.GossipFanout,
	}
}

// Protocol is a running history subprotocol instance
type Protocol struct {
	table    *dht.RoutingTable
	store    db.Store
	net      Network
	streams  *stream.Manager
	gossip   *gossip.Disseminator
	receipts ReceiptsManager

	chainID        uint16
	radius         *uint256.Int
	requestTimeout time.Duration
	lookupTimeout  time.Duration
	alpha          int

	accMu sync.RWMutex
	acc   *accumulator.HeaderAccumulator

	contentAdded event.Feed
	scope        event.SubscriptionScope

	waitMu  sync.Mutex
	waiters map[string][]chan []byte

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a protocol instance. Init must be called before use.
func New(config *Config) (*Protocol, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Table == nil {
		return nil, errors.New("routing table is required")
	}
	if config.Store == nil {
		return nil, errors.New("content store is required")
	}
	if config.Network == nil {
		return nil, errors.New("network is required")
	}
	if config.Streams == nil {
		return nil, errors.New("stream manager is required")
	}

	defaults := DefaultConfig()
	p := &Protocol{
		table:          config.Table,
		store:          config.Store,
		net:            config.Network,
		streams:        config.Streams,
		receipts:       config.Receipts,
		chainID:        config.ChainID,
		radius:         config.Radius,
		requestTimeout: config.RequestTimeout,
		lookupTimeout:  config.LookupTimeout,
		alpha:          config.Alpha,
		acc:            accumulator.NewFromGenesis(),
		waiters:        make(map[string][]chan []byte),
	}
	if p.chainID == 0 {
		p.chainID = defaults.ChainID
	}
	if p.radius == nil {
		p.radius = defaults.Radius
	}
	if p.requestTimeout <= 0 {
		p.requestTimeout = defaults.RequestTimeout
	}
	if p.lookupTimeout <= 0 {
		p.lookupTimeout = defaults.LookupTimeout
	}
	if p.alpha <= 0 {
		p.alpha = defaults.Alpha
	}

	d, err := gossip.New(&gossip.Config{
		Peers:     config.Table,
		Offerer:   p,
		ChainID:   p.chainID,
		BatchSize: config.GossipBatchSize,
		Fanout:    config.GossipFanout,
		Timeout:   p.requestTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create disseminator")
	}
	p.gossip = d
	return p, nil
}

// Init restores the accumulator snapshot from storage, falling back to the
// genesis record, and starts routing completed transfers into the store
func (p *Protocol) Init(ctx context.Context) error {
	raw, err := p.store.Get(p.snapshotKey().ID())
	switch {
	case err == nil:
		acc, derr := accumulator.Decode(raw)
		if derr != nil {
			log.WithError(derr).Warn("Stored accumulator snapshot is unreadable, starting from genesis")
			break
		}
		p.accMu.Lock()
		p.acc = acc
		p.recoverSealed()
		p.accMu.Unlock()
	case errors.Is(err, db.ErrNotFound):
	default:
		return errors.Wrap(err, "could not read accumulator snapshot")
	}
	height := p.Height()
	accumulatorHeight.Set(float64(height))
	log.WithField("height", height).Info("Header accumulator ready")

	ctx, p.cancel = context.WithCancel(ctx)
	completed := make(chan stream.Completed, 64)
	sub := p.streams.Subscribe(completed)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer sub.Unsubscribe()
		p.listenTransfers(ctx, completed, sub.Err())
	}()
	return nil
}

// Close flushes the gossip queue and stops background work
func (p *Protocol) Close() {
	p.gossip.Close()
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.scope.Close()
}

// ChainID returns the chain id used in content keys
func (p *Protocol) ChainID() uint16 {
	return p.chainID
}

// Radius returns the advertised storage radius
func (p *Protocol) Radius() *uint256.Int {
	return new(uint256.Int).Set(p.radius)
}

// Table returns the routing table
func (p *Protocol) Table() *dht.RoutingTable {
	return p.table
}

// Height returns the block number of the accumulator tip
func (p *Protocol) Height() int64 {
	p.accMu.RLock()
	defer p.accMu.RUnlock()
	return p.acc.CurrentHeight()
}

// Accumulator returns a copy of the header accumulator
func (p *Protocol) Accumulator() *accumulator.HeaderAccumulator {
	p.accMu.RLock()
	defer p.accMu.RUnlock()
	return p.acc.Copy()
}

// PendingGossip returns the number of entries waiting in the gossip queue
func (p *Protocol) PendingGossip() int {
	return p.gossip.Pending()
}

// FlushGossip disseminates the gossip queue now
func (p *Protocol) FlushGossip(ctx context.Context) int {
	return p.gossip.Flush(ctx)
}

// SubscribeContentAdded registers ch for ContentAdded events
func (p *Protocol) SubscribeContentAdded(ch chan<- ContentAdded) event.Subscription {
	return p.scope.Track(p.contentAdded.Subscribe(ch))
}

func (p *Protocol) snapshotKey() content.Key {
	return content.HeaderAccumulatorKey(p.chainID)
}

// listenTransfers routes completed bulk transfers into the store. An epoch
// accumulator is keyed by its recomputed root, not the key it was announced
// under.
func (p *Protocol) listenTransfers(ctx context.Context, completed <-chan stream.Completed, errc <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-errc:
			return
		case c := <-completed:
			p.notify(c.Key, c.Payload)
			key, err := content.DecodeKey(c.Key)
			if err != nil {
				log.WithError(err).WithField("peer", c.Peer.TerminalString()).Debug("Dropping transfer with invalid key")
				continue
			}
			hashKey := key.Hash
			if key.Type == content.EpochAccumulator {
				epoch, err := accumulator.DecodeEpochAccumulator(c.Payload)
				if err != nil {
					p.reject(key, content.NewInvalidContentError(key, err))
					continue
				}
				root, err := epoch.HashTreeRoot()
				if err != nil {
					p.reject(key, content.NewInvalidContentError(key, err))
					continue
				}
				hashKey = root
			}
			if key.Type == content.BlockBody {
				// may itself wait on a transfer of the matching header
				p.wg.Add(1)
				go func() {
					defer p.wg.Done()
					p.ingest(ctx, key, hashKey, c.Payload)
				}()
				continue
			}
			p.ingest(ctx, key, hashKey, c.Payload)
		}
	}
}

func (p *Protocol) ingest(ctx context.Context, key content.Key, hashKey common.Hash, payload []byte) {
	if err := p.AddContentToHistory(ctx, key.ChainID, key.Type, hashKey, payload); err != nil {
		log.WithError(err).Debug("Could not add transferred content")
	}
}

// await registers interest in the payload of key arriving by transfer
func (p *Protocol) await(key []byte) chan []byte {
	ch := make(chan []byte, 1)
	p.waitMu.Lock()
	p.waiters[string(key)] = append(p.waiters[string(key)], ch)
	p.waitMu.Unlock()
	return ch
}

func (p *Protocol) cancelAwait(key []byte, ch chan []byte) {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	list := p.waiters[string(key)]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.waiters, string(key))
	} else {
		p.waiters[string(key)] = list
	}
}

func (p *Protocol) notify(key, payload []byte) {
	p.waitMu.Lock()
	list := p.waiters[string(key)]
	delete(p.waiters, string(key))
	p.waitMu.Unlock()
	for _, ch := range list {
		ch <- payload
	}
}
