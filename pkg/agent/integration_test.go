package agent

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/histnet/pkg/content"
	"github.com/WebFirstLanguage/histnet/pkg/control"
)

// mainnet block 1
var (
	block1Hash = common.HexToHash("0x88e96d4537bea4d9c05d12549907b32561d3bf31f45aae734cdc119f13406cb6")
	block1RLP  = hexutil.MustDecode("0xf90211a0d4e56740f876aef8c010b86a40d5f56745a118d0906a34e69aec8c0db1cb8fa3a01dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d493479405a56e2d52c817161883f50c441c3228cfe54d9fa0d67e4d450343046425ae4271474353857ab860dbc0a1dde64b41b5cd3a532bf3a056e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421a056e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421b90100000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000008503ff80000001821388808455ba422499476574682f76312e302e302f6c696e75782f676f312e342e32a0969b900de27b6ac6a67742365dd65f55a0526c41fd18e1b16f1a1215c2e66f5988539bd4979fef1ec4")
)

func TestTwoNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := startAgent(t, testConfig(t))

	cfgB := testConfig(t)
	cfgB.Bootnodes = []string{a.Record().String()}
	b := startAgent(t, cfgB)

	require.Eventually(t, func() bool {
		return a.Protocol().Table().Get(b.Record().ID()) != nil
	}, 10*time.Second, 50*time.Millisecond, "bootstrap ping reaches the bootnode")

	require.NoError(t, a.Protocol().AddContentToHistory(ctx, 1, content.BlockHeader, block1Hash, block1RLP))

	block, err := b.GetBlockByHash(ctx, block1Hash, false)
	require.NoError(t, err)
	assert.Equal(t, block1Hash, block.Hash())
	assert.Equal(t, int64(1), a.Height())

	client, err := control.Dial(ctx, b.ControlAddr().String())
	require.NoError(t, err)
	defer client.Close()

	var result map[string]interface{}
	require.NoError(t, client.Call(ctx, "history.getBlockByHash", map[string]interface{}{
		"hash": block1Hash.Hex(),
	}, &result))
	assert.Equal(t, block1Hash.Hex(), result["hash"])

	var info control.Info
	require.NoError(t, client.Call(ctx, "GetInfo", nil, &info))
	assert.Equal(t, b.Record().ID().String(), info.NodeID)
	assert.Equal(t, "running", info.State)
	assert.GreaterOrEqual(t, info.Peers, 1)

	err = client.Call(ctx, "history.getBlockByNumber", map[string]interface{}{"number": "banana"}, nil)
	assert.Error(t, err)
}
