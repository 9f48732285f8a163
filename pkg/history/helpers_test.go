package history

import (
	"context"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/histnet/internal/dht"
	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/db"
	"github.com/WebFirstLanguage/histnet/pkg/stream"
)

// Mainnet block 1
var (
	block1Hash = common.HexToHash("0x88e96d4537bea4d9c05d12549907b32561d3bf31f45aae734cdc119f13406cb6")
	block1RLP  = hexutil.MustDecode("0xf90211a0d4e56740f876aef8c010b86a40d5f56745a118d0906a34e69aec8c0db1cb8fa3a01dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d493479405a56e2d52c817161883f50c441c3228cfe54d9fa0d67e4d450343046425ae4271474353857ab860dbc0a1dde64b41b5cd3a532bf3a056e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421a056e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421b90100000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000008503ff80000001821388808455ba422499476574682f76312e302e302f6c696e75782f676f312e342e32a0969b900de27b6ac6a67742365dd65f55a0526c41fd18e1b16f1a1215c2e66f5988539bd4979fef1ec4")
)

func newTestRecord(t *testing.T) *enode.Node {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	var r enr.Record
	r.Set(enr.IP(net.ParseIP("127.0.0.1")))
	r.Set(enr.TCP(constants.DefaultPort))
	require.NoError(t, enode.SignV4(&r, key))
	n, err := enode.New(enode.ValidSchemes, &r)
	require.NoError(t, err)
	return n
}

// hub connects in-process protocols
type hub struct {
	mu    sync.Mutex
	nodes map[enode.ID]*Protocol
}

func newHub() *hub {
	return &hub{nodes: make(map[enode.ID]*Protocol)}
}

func (h *hub) get(id enode.ID) *Protocol {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nodes[id]
}

// memNet delivers messages and transfers through a hub
type memNet struct {
	hub   *hub
	local *enode.Node
}

func (m *memNet) Request(ctx context.Context, to *enode.Node, payload []byte) ([]byte, error) {
	peer := m.hub.get(to.ID())
	if peer == nil {
		return nil, errors.New("connection refused")
	}
	return peer.HandleRequest(ctx, m.local, payload)
}

func (m *memNet) Stream(ctx context.Context, to *enode.Node, connID uint16, payload []byte) error {
	peer := m.hub.get(to.ID())
	if peer == nil {
		return errors.New("connection refused")
	}
	return peer.HandleStream(ctx, m.local, connID, payload)
}

func (m *memNet) LocalNode() *enode.Node {
	return m.local
}

// fixedNetwork answers every request with the same bytes
type fixedNetwork struct {
	local *enode.Node
	resp  []byte

	mu       sync.Mutex
	requests int
}

func (f *fixedNetwork) Request(ctx context.Context, to *enode.Node, payload []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return f.resp, nil
}

func (f *fixedNetwork) LocalNode() *enode.Node {
	return f.local
}

type testNode struct {
	*Protocol
	record *enode.Node
	store  *db.MemoryStore
}

func newProtocol(t *testing.T, record *enode.Node, network Network, sender stream.Sender, receipts ReceiptsManager) *testNode {
	store := db.NewMemoryStore()
	streams := stream.NewManager(nil)
	if sender != nil {
		streams.SetSender(sender)
	}
	cfg := DefaultConfig()
	cfg.Table = dht.NewRoutingTable(record.ID())
	cfg.Store = store
	cfg.Network = network
	cfg.Streams = streams
	cfg.Receipts = receipts
	cfg.LookupTimeout = 2 * time.Second
	cfg.RequestTimeout = time.Second

	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Init(context.Background()))
	t.Cleanup(p.Close)
	return &testNode{Protocol: p, record: record, store: store}
}

// join adds a protocol to the hub
func (h *hub) join(t *testing.T) *testNode {
	record := newTestRecord(t)
	n := &memNet{hub: h, local: record}
	node := newProtocol(t, record, n, n, nil)
	h.mu.Lock()
	h.nodes[record.ID()] = node.Protocol
	h.mu.Unlock()
	return node
}

func connect(a, b *testNode) {
	a.Table().Add(dht.NewNode(b.record))
	b.Table().Add(dht.NewNode(a.record))
}

// chainFrom builds count headers extending parent
func chainFrom(parent common.Hash, first uint64, count int) []*types.Header {
	headers := make([]*types.Header, 0, count)
	for i := 0; i < count; i++ {
		h := &types.Header{
			ParentHash: parent,
			Number:     new(big.Int).SetUint64(first + uint64(i)),
			Difficulty: big.NewInt(131072),
			GasLimit:   5000,
			Time:       1438269988 + uint64(i),
			UncleHash:  types.EmptyUncleHash,
			TxHash:     types.EmptyRootHash,
		}
		headers = append(headers, h)
		parent = h.Hash()
	}
	return headers
}

func encodeHeader(t *testing.T, h *types.Header) []byte {
	enc, err := rlp.EncodeToBytes(h)
	require.NoError(t, err)
	return enc
}

func waitAdded(t *testing.T, ch <-chan ContentAdded) ContentAdded {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for content")
		return ContentAdded{}
	}
}
