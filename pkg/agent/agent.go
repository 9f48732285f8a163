// Package agent runs a history network node: it owns the identity, content
// database, routing table, transport, bulk transfers and the history
// protocol, and exposes them to the control API.
package agent

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/histnet/internal/dht"
	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/control"
	"github.com/WebFirstLanguage/histnet/pkg/db"
	"github.com/WebFirstLanguage/histnet/pkg/history"
	"github.com/WebFirstLanguage/histnet/pkg/identity"
	"github.com/WebFirstLanguage/histnet/pkg/stream"
	"github.com/WebFirstLanguage/histnet/pkg/transport"
	"github.com/WebFirstLanguage/histnet/pkg/transport/quic"
	"github.com/WebFirstLanguage/histnet/pkg/transport/tcp"
)

var log = logrus.WithField("prefix", "agent")

var errNotRunning = errors.New("agent is not running")

// State represents the current state of the agent
type State int

const (
	// StateStopped indicates the agent is not running
	StateStopped State = iota
	// StateStarting indicates the agent is in the process of starting
	StateStarting
	// StateRunning indicates the agent is running normally
	StateRunning
	// StateStopping indicates the agent is in the process of stopping
	StateStopping
	// StateError indicates the agent stopped serving after a failure
	StateError
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Agent represents a history node with lifecycle management
type Agent struct {
	cfg      *Config
	identity *identity.Identity

	mu       sync.RWMutex
	state    State
	nickname string

	store      *db.KVStore
	table      *dht.RoutingTable
	boot       *dht.Bootstrap
	messenger  *transport.Messenger
	streams    *stream.Manager
	protocol   *history.Protocol
	record     *enode.Node
	listenAddr net.Addr
	control    net.Listener
	metrics    *http.Server

	// Lifecycle management
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent. A nil config uses DefaultConfig.
func New(cfg *Config, id *identity.Identity) (*Agent, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if id == nil {
		return nil, errors.New("identity is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{cfg: cfg, identity: id, state: StateStopped}
	if cfg.Nickname != "" {
		if err := a.SetNickname(cfg.Nickname); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// State returns the current state of the agent
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(state State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
}

// Identity returns the agent's identity
func (a *Agent) Identity() *identity.Identity {
	return a.identity
}

// SetNickname sets the nickname shown in the agent's handle
func (a *Agent) SetNickname(nickname string) error {
	normalized, err := identity.NormalizeNickname(nickname)
	if err != nil {
		return errors.Wrap(err, "invalid nickname")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nickname = normalized
	return nil
}

// Nickname returns the agent's current nickname
func (a *Agent) Nickname() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nickname
}

// Handle returns nickname~honeytag, or the bare honeytag without a nickname
func (a *Agent) Handle() string {
	if nickname := a.Nickname(); nickname != "" {
		return a.identity.Handle(nickname)
	}
	return a.identity.Honeytag()
}

// Record returns the signed node record, nil until started
func (a *Agent) Record() *enode.Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.record
}

// ListenAddr returns the bound transport address, nil until started
func (a *Agent) ListenAddr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.listenAddr
}

// ControlAddr returns the bound control API address, nil when disabled
func (a *Agent) ControlAddr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.control == nil {
		return nil
	}
	return a.control.Addr()
}

// Protocol returns the running history protocol
func (a *Agent) Protocol() *history.Protocol {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.protocol
}

// Start opens the database, binds the transport and starts serving
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateRunning:
		a.mu.Unlock()
		return errors.New("agent is already running")
	case StateStarting:
		a.mu.Unlock()
		return errors.New("agent is already starting")
	}
	a.state = StateStarting
	a.mu.Unlock()

	if err := a.start(ctx); err != nil {
		a.shutdown(context.Background())
		a.setState(StateStopped)
		return err
	}
	a.setState(StateRunning)
	log.WithFields(logrus.Fields{
		"node":   a.identity.NodeID().TerminalString(),
		"handle": a.Handle(),
		"listen": a.ListenAddr(),
		"height": a.Height(),
	}).Info("Agent started")
	return nil
}

func (a *Agent) start(parent context.Context) error {
	cfg := a.cfg
	ctx, cancel := context.WithCancel(parent)

	seeds, err := dht.ParseBootnodes(cfg.Bootnodes)
	if err != nil {
		cancel()
		return err
	}
	radius, err := cfg.StorageRadius()
	if err != nil {
		cancel()
		return err
	}

	store, err := db.NewKVStore(cfg.DatabaseDir(), &db.Config{CacheSize: cfg.CacheSize})
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to open content database")
	}

	messenger, err := transport.NewMessenger(&transport.MessengerConfig{
		Transport: newTransport(cfg.Transport),
		Timeout:   cfg.RequestTimeout,
	})
	if err != nil {
		cancel()
		store.Close()
		return err
	}

	a.mu.Lock()
	a.cancel = cancel
	a.store = store
	a.messenger = messenger
	a.table = dht.NewRoutingTable(a.identity.NodeID())
	a.mu.Unlock()

	addr, err := messenger.Listen(ctx, cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", cfg.ListenAddr)
	}
	record, err := a.localRecord(addr)
	if err != nil {
		return err
	}
	messenger.SetLocalNode(record)

	streams := stream.NewManager(&stream.Config{Sender: messenger})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		streams.Start(ctx)
	}()

	hcfg := history.DefaultConfig()
	hcfg.Table = a.table
	hcfg.Store = store
	hcfg.Network = messenger
	hcfg.Streams = streams
	hcfg.ChainID = cfg.ChainID
	hcfg.Radius = radius
	hcfg.RequestTimeout = cfg.RequestTimeout
	hcfg.LookupTimeout = cfg.LookupTimeout
	protocol, err := history.New(hcfg)
	if err != nil {
		return err
	}
	if err := protocol.Init(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.listenAddr = addr
	a.record = record
	a.streams = streams
	a.protocol = protocol
	a.mu.Unlock()

	table := a.table
	boot, err := dht.NewBootstrap(&dht.BootstrapConfig{
		Table:     table,
		Seeder:    protocol,
		Bootnodes: seeds,
		PeersFile: cfg.PeersFile(),
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.boot = boot
	a.mu.Unlock()

	security := dht.NewSecurityManager(&dht.RateLimiterConfig{Capacity: cfg.RateLimit})
	router := NewMessageRouter(protocol, table, security)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := messenger.Serve(ctx, router); err != nil {
			log.WithError(err).Error("Transport stopped serving")
			a.setState(StateError)
		}
	}()

	if cfg.ControlAddr != "" {
		if err := a.startControl(ctx, cfg.ControlAddr); err != nil {
			return err
		}
	}
	if cfg.MetricsAddr != "" {
		if err := a.startMetrics(cfg.MetricsAddr); err != nil {
			return err
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx, boot, protocol, table)
	}()
	return nil
}

func newTransport(name string) transport.Transport {
	if name == "tcp" {
		return tcp.New(nil)
	}
	return quic.New(nil)
}

// localRecord signs a record advertising the bound port. An unspecified
// listen address is advertised as loopback unless an external IP is set.
func (a *Agent) localRecord(addr net.Addr) (*enode.Node, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, errors.Wrap(err, "invalid listen address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid listen port")
	}
	ip := net.ParseIP(host)
	if a.cfg.ExternalIP != "" {
		if ip = net.ParseIP(a.cfg.ExternalIP); ip == nil {
			return nil, errors.Errorf("invalid external IP %q", a.cfg.ExternalIP)
		}
	} else if ip == nil || ip.IsUnspecified() {
		log.Warn("No external IP configured, advertising loopback")
		ip = net.IPv4(127, 0, 0, 1)
	}

	var tcpPort, udpPort int
	if a.cfg.Transport == "tcp" {
		tcpPort = port
	} else {
		udpPort = port
	}
	// sequence numbers only need to grow across restarts
	seq := uint64(time.Now().UnixMilli())
	return a.identity.Record(seq, ip, tcpPort, udpPort)
}

func (a *Agent) startControl(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to create control listener")
	}
	a.mu.Lock()
	a.control = l
	a.mu.Unlock()

	server := control.NewServer(a)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := server.Serve(ctx, l); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Control API stopped")
		}
	}()
	log.WithField("addr", l.Addr()).Info("Control API listening")
	return nil
}

// run joins the network and then keeps the routing table fresh and saved.
// A table that empties out is bootstrapped again.
func (a *Agent) run(ctx context.Context, boot *dht.Bootstrap, p *history.Protocol, table *dht.RoutingTable) {
	a.join(ctx, boot)

	refresh := time.NewTicker(a.cfg.RefreshInterval)
	defer refresh.Stop()
	snapshot := time.NewTicker(constants.PeerSnapshotInterval)
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			a.refresh(ctx, p, table)
			if table.Size() == 0 {
				a.join(ctx, boot)
			}
		case <-snapshot.C:
			if err := boot.SavePeers(); err != nil {
				log.WithError(err).Warn("Could not save peers")
			}
		}
	}
}

func (a *Agent) join(ctx context.Context, boot *dht.Bootstrap) {
	err := boot.Bootstrap(ctx)
	switch {
	case err == nil:
	case errors.Is(err, dht.ErrNoSeeds):
		log.Debug("No seeds configured, waiting for inbound peers")
	default:
		log.WithError(err).Warn("Bootstrap failed")
	}
}

// refresh pings peers not heard from within the refresh interval and drops
// those that do not answer
func (a *Agent) refresh(ctx context.Context, p *history.Protocol, table *dht.RoutingTable) {
	interval := a.cfg.RefreshInterval
	checked := 0
	for _, n := range table.GetAllNodes() {
		if !n.IsStale(interval) {
			continue
		}
		if checked == constants.DHTBucketSize {
			break
		}
		checked++
		if _, err := p.SendPing(ctx, n.Record); err != nil {
			table.Remove(n.ID())
		}
	}
}

// Stop flushes pending gossip, stops serving and persists the peer table
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateStopped:
		a.mu.Unlock()
		return errors.New("agent is already stopped")
	case StateStopping:
		a.mu.Unlock()
		return errors.New("agent is already stopping")
	}
	a.state = StateStopping
	a.mu.Unlock()

	a.shutdown(ctx)
	a.setState(StateStopped)
	log.Info("Agent stopped")
	return nil
}

// shutdown releases whatever start managed to acquire
func (a *Agent) shutdown(ctx context.Context) {
	a.mu.Lock()
	protocol, streams, messenger := a.protocol, a.streams, a.messenger
	store, boot, metrics, cancel := a.store, a.boot, a.metrics, a.cancel
	a.protocol, a.streams, a.messenger, a.store, a.boot = nil, nil, nil, nil, nil
	a.metrics, a.control, a.cancel = nil, nil, nil
	a.record, a.listenAddr = nil, nil
	a.mu.Unlock()

	// gossip is flushed while the transport can still reach peers
	if protocol != nil {
		protocol.Close()
	}
	if cancel != nil {
		cancel()
	}
	if messenger != nil {
		if err := messenger.Close(); err != nil {
			log.WithError(err).Debug("Error closing transport")
		}
	}
	if streams != nil {
		streams.Close()
	}
	if metrics != nil {
		if err := metrics.Shutdown(ctx); err != nil {
			log.WithError(err).Debug("Error stopping metrics server")
		}
	}
	a.wg.Wait()

	if boot != nil {
		if err := boot.SavePeers(); err != nil {
			log.WithError(err).Warn("Could not save peers")
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("Failed to close database")
		}
	}
}

// Info implements control.Backend
func (a *Agent) Info() control.Info {
	info := control.Info{
		NodeID:    a.identity.NodeID().String(),
		Honeytag:  a.identity.Honeytag(),
		Nickname:  a.Nickname(),
		State:     a.State().String(),
		Transport: a.cfg.Transport,
		ChainID:   a.cfg.ChainID,
		Height:    a.Height(),
	}
	if info.Nickname != "" {
		info.Handle = a.Handle()
	}
	if r := a.Record(); r != nil {
		info.ENR = r.String()
	}
	if addr := a.ListenAddr(); addr != nil {
		info.ListenAddr = addr.String()
	}
	a.mu.RLock()
	if a.table != nil {
		info.Peers = a.table.Size()
	}
	a.mu.RUnlock()
	return info
}

// Height implements control.Backend. It is -1 while stopped.
func (a *Agent) Height() int64 {
	p := a.Protocol()
	if p == nil {
		return -1
	}
	return p.Height()
}

// GetBlockByHash implements control.Backend
func (a *Agent) GetBlockByHash(ctx context.Context, hash common.Hash, includeTransactions bool) (*types.Block, error) {
	p := a.Protocol()
	if p == nil {
		return nil, errNotRunning
	}
	return p.GetBlockByHash(ctx, hash, includeTransactions)
}

// GetBlockByNumber implements control.Backend
func (a *Agent) GetBlockByNumber(ctx context.Context, number uint64, includeTransactions bool) (*types.Block, error) {
	p := a.Protocol()
	if p == nil {
		return nil, errNotRunning
	}
	return p.GetBlockByNumber(ctx, number, includeTransactions)
}

// Peers implements control.Backend
func (a *Agent) Peers() []*dht.Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.table == nil {
		return nil
	}
	return a.table.GetAllNodes()
}

// AddPeer implements control.Backend. The peer is added once it answers a
// ping.
func (a *Agent) AddPeer(ctx context.Context, record string) error {
	p := a.Protocol()
	if p == nil {
		return errNotRunning
	}
	n, err := enode.Parse(enode.ValidSchemes, record)
	if err != nil {
		return errors.Wrap(err, "invalid node record")
	}
	if _, err := p.SendPing(ctx, n); err != nil {
		return errors.Wrap(err, "peer did not answer")
	}
	return nil
}
