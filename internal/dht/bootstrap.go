package dht

import (
	"context"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/histnet/pkg/wire"
)

// ErrNoSeeds is returned by Bootstrap when neither a saved peer nor a
// bootnode is known
var ErrNoSeeds = errors.New("no seed nodes configured")

// selfLookup asks a seed for the buckets nearest its own id, which hold
// the nodes nearest ours once we are close to it
var selfLookup = []uint16{256, 255, 254}

// Seeder is the protocol surface a bootstrap drives. Answered requests
// add the peer to the routing table.
type Seeder interface {
	SendPing(ctx context.Context, peer *enode.Node) (*wire.Pong, error)
	SendFindNodes(ctx context.Context, peer *enode.Node, distances []uint16) ([]*enode.Node, error)
}

// BootstrapConfig holds bootstrap configuration
type BootstrapConfig struct {
	Table     *RoutingTable
	Seeder    Seeder
	Bootnodes []*enode.Node
	PeersFile string // Saved peer table, optional
}

// Bootstrap joins the network through the saved peers and the bootnodes,
// and persists the routing table for the next start
type Bootstrap struct {
	table     *RoutingTable
	seeder    Seeder
	bootnodes []*enode.Node
	peersFile string
}

// NewBootstrap creates a bootstrap manager
func NewBootstrap(config *BootstrapConfig) (*Bootstrap, error) {
	if config.Table == nil {
		return nil, errors.New("routing table is required")
	}
	if config.Seeder == nil {
		return nil, errors.New("seeder is required")
	}
	return &Bootstrap{
		table:     config.Table,
		seeder:    config.Seeder,
		bootnodes: config.Bootnodes,
		peersFile: config.PeersFile,
	}, nil
}

// seeds returns the saved peers followed by the bootnodes, without
// duplicates or the local node
func (b *Bootstrap) seeds() []*enode.Node {
	var saved []*enode.Node
	if b.peersFile != "" {
		var err error
		if saved, err = LoadPeers(b.peersFile); err != nil {
			log.WithError(err).Warn("Could not load saved peers")
		}
	}

	seen := map[enode.ID]bool{b.table.LocalID(): true}
	seeds := make([]*enode.Node, 0, len(saved)+len(b.bootnodes))
	for _, n := range append(saved, b.bootnodes...) {
		if seen[n.ID()] {
			continue
		}
		seen[n.ID()] = true
		seeds = append(seeds, n)
	}
	return seeds
}

// Bootstrap pings every seed and asks the live ones for the nodes nearest
// us. It fails when no seed answers.
func (b *Bootstrap) Bootstrap(ctx context.Context) error {
	seeds := b.seeds()
	if len(seeds) == 0 {
		return ErrNoSeeds
	}

	var live []*enode.Node
	for _, n := range seeds {
		if _, err := b.seeder.SendPing(ctx, n); err != nil {
			log.WithError(err).WithField("peer", n.ID().TerminalString()).Debug("Seed did not answer")
			continue
		}
		live = append(live, n)
	}
	if len(live) == 0 {
		return errors.Errorf("none of %d seeds answered", len(seeds))
	}

	for _, n := range live {
		if _, err := b.seeder.SendFindNodes(ctx, n, selfLookup); err != nil {
			log.WithError(err).WithField("peer", n.ID().TerminalString()).Debug("Self lookup failed")
		}
	}

	log.WithFields(logrus.Fields{
		"seeds": len(seeds),
		"live":  len(live),
		"peers": b.table.Size(),
	}).Info("Joined network")
	return nil
}

// SavePeers writes the routing table to the peer file. An empty table
// leaves the previous file in place.
func (b *Bootstrap) SavePeers() error {
	if b.peersFile == "" || b.table.Size() == 0 {
		return nil
	}
	return b.table.SavePeers(b.peersFile)
}
