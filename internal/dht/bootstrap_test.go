package dht

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/histnet/pkg/wire"
)

// fakeSeeder answers for the live peers and adds them to the table the
// way the protocol does
type fakeSeeder struct {
	table *RoutingTable
	live  map[enode.ID]bool
	found []*enode.Node

	mu     sync.Mutex
	pinged []enode.ID
	asked  map[enode.ID][]uint16
}

func (f *fakeSeeder) SendPing(ctx context.Context, peer *enode.Node) (*wire.Pong, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinged = append(f.pinged, peer.ID())
	if !f.live[peer.ID()] {
		return nil, errors.New("timeout")
	}
	f.table.Add(NewNode(peer))
	return &wire.Pong{}, nil
}

func (f *fakeSeeder) SendFindNodes(ctx context.Context, peer *enode.Node, distances []uint16) ([]*enode.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.asked == nil {
		f.asked = make(map[enode.ID][]uint16)
	}
	f.asked[peer.ID()] = distances
	for _, n := range f.found {
		f.table.Add(NewNode(n))
	}
	return f.found, nil
}

func TestNewBootstrap_RequiresCollaborators(t *testing.T) {
	_, err := NewBootstrap(&BootstrapConfig{Seeder: &fakeSeeder{}})
	assert.Error(t, err)
	_, err = NewBootstrap(&BootstrapConfig{Table: NewRoutingTable(enode.ID{})})
	assert.Error(t, err)
}

func TestBootstrap_JoinsThroughSavedPeersAndBootnodes(t *testing.T) {
	local := newRecord(t, 1, 9000)
	saved := newRecord(t, 1, 9001)
	boot := newRecord(t, 1, 9002)
	dead := newRecord(t, 1, 9003)
	discovered := newRecord(t, 1, 9004)

	// the saved table holds one peer
	path := filepath.Join(t.TempDir(), "peers.cbor")
	prev := NewRoutingTable(local.ID())
	prev.Add(NewNode(saved))
	require.NoError(t, prev.SavePeers(path))

	table := NewRoutingTable(local.ID())
	seeder := &fakeSeeder{
		table: table,
		live:  map[enode.ID]bool{saved.ID(): true, boot.ID(): true},
		found: []*enode.Node{discovered},
	}
	b, err := NewBootstrap(&BootstrapConfig{
		Table:     table,
		Seeder:    seeder,
		Bootnodes: []*enode.Node{boot, dead, saved, local},
		PeersFile: path,
	})
	require.NoError(t, err)

	require.NoError(t, b.Bootstrap(context.Background()))

	// duplicates and the local node are not pinged
	assert.Equal(t, []enode.ID{saved.ID(), boot.ID(), dead.ID()}, seeder.pinged)
	assert.Len(t, seeder.asked, 2)
	assert.Equal(t, selfLookup, seeder.asked[boot.ID()])
	assert.NotContains(t, seeder.asked, dead.ID())
	assert.Equal(t, 3, table.Size())
	assert.NotNil(t, table.Get(discovered.ID()))

	require.NoError(t, b.SavePeers())
	records, err := LoadPeers(path)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestBootstrap_NoSeeds(t *testing.T) {
	local := newRecord(t, 1, 9000)
	table := NewRoutingTable(local.ID())
	b, err := NewBootstrap(&BootstrapConfig{
		Table:     table,
		Seeder:    &fakeSeeder{table: table},
		Bootnodes: []*enode.Node{local},
		PeersFile: filepath.Join(t.TempDir(), "missing.cbor"),
	})
	require.NoError(t, err)

	assert.True(t, errors.Is(b.Bootstrap(context.Background()), ErrNoSeeds))
}

func TestBootstrap_NoSeedAnswers(t *testing.T) {
	local := newRecord(t, 1, 9000)
	table := NewRoutingTable(local.ID())
	seeder := &fakeSeeder{table: table}
	b, err := NewBootstrap(&BootstrapConfig{
		Table:     table,
		Seeder:    seeder,
		Bootnodes: []*enode.Node{newRecord(t, 1, 9001)},
	})
	require.NoError(t, err)

	err = b.Bootstrap(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoSeeds))
	assert.Empty(t, seeder.asked)

	// an empty table does not overwrite the peer file
	assert.NoError(t, b.SavePeers())
}
