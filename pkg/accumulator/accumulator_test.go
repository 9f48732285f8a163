package accumulator

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
)

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
		}
		headers = append(headers, h)
		parent = h.Hash()
	}
	return headers
}

func TestNewFromGenesis(t *testing.T) {
	acc := NewFromGenesis()
	assert.Equal(t, int64(0), acc.CurrentHeight())

	tip, ok := acc.Tip()
	require.True(t, ok)
	assert.Equal(t, common.HexToHash(constants.MainnetGenesisHash), tip.BlockHash)
	assert.Equal(t, uint64(constants.MainnetGenesisDifficulty), tip.TotalDifficulty.Uint64())
}

func TestEmptyAccumulatorHeight(t *testing.T) {
	acc := New()
	assert.Equal(t, int64(-1), acc.CurrentHeight())
	_, ok := acc.Tip()
	assert.False(t, ok)
}

func TestUpdateAccumulator_TotalDifficulty(t *testing.T) {
	acc := NewFromGenesis()
	headers := chainFrom(common.HexToHash(constants.MainnetGenesisHash), 1, 3)

	for _, h := range headers {
		require.NoError(t, acc.UpdateAccumulator(h))
	}

	assert.Equal(t, int64(3), acc.CurrentHeight())
	tip, _ := acc.Tip()
	assert.Equal(t, headers[2].Hash(), tip.BlockHash)
	assert.Equal(t, uint64(constants.MainnetGenesisDifficulty+3*131072), tip.TotalDifficulty.Uint64())
}

func TestUpdateAccumulator_RejectsGap(t *testing.T) {
	acc := NewFromGenesis()
	headers := chainFrom(common.HexToHash(constants.MainnetGenesisHash), 1, 2)

	err := acc.UpdateAccumulator(headers[1])
	assert.ErrorIs(t, err, ErrNotSuccessor)
	assert.Equal(t, int64(0), acc.CurrentHeight())
}

func TestUpdateAccumulator_RejectsWrongParent(t *testing.T) {
	acc := NewFromGenesis()
	headers := chainFrom(common.HexToHash("0x01"), 1, 1)

	assert.False(t, acc.Extends(headers[0]))
	assert.ErrorIs(t, acc.UpdateAccumulator(headers[0]), ErrNotSuccessor)
}

func TestEmptyAccumulatorAcceptsBlockZero(t *testing.T) {
	acc := New()
	headers := chainFrom(common.Hash{}, 0, 2)

	require.NoError(t, acc.UpdateAccumulator(headers[0]))
	require.NoError(t, acc.UpdateAccumulator(headers[1]))
	assert.Equal(t, int64(1), acc.CurrentHeight())
}

// independentRoot merkleizes a full epoch with plain sha256
func independentRoot(records EpochAccumulator) [32]byte {
	layer := make([][32]byte, len(records))
	for i, r := range records {
		td := r.totalDifficultyLE()
		layer[i] = sha256.Sum256(append(append([]byte{}, r.BlockHash[:]...), td[:]...))
	}
	for len(layer) > 1 {
		next := make([][32]byte, len(layer)/2)
		for i := range next {
			next[i] = sha256.Sum256(append(append([]byte{}, layer[2*i][:]...), layer[2*i+1][:]...))
		}
		layer = next
	}
	var length [32]byte
	binary.LittleEndian.PutUint64(length[:8], uint64(len(records)))
	return sha256.Sum256(append(append([]byte{}, layer[0][:]...), length[:]...))
}

func TestSealFullEpoch(t *testing.T) {
	acc := NewFromGenesis()
	headers := chainFrom(common.HexToHash(constants.MainnetGenesisHash), 1, constants.EpochSize)

	for _, h := range headers[:constants.EpochSize-1] {
		require.NoError(t, acc.UpdateAccumulator(h))
	}
	require.True(t, acc.IsFull())
	assert.ErrorIs(t, acc.UpdateAccumulator(headers[constants.EpochSize-1]), ErrEpochFull)

	expected := independentRoot(acc.CurrentEpoch)
	lastTD := acc.CurrentEpoch[constants.EpochSize-1].TotalDifficulty

	root, sealed, err := acc.Seal()
	require.NoError(t, err)
	assert.Equal(t, common.Hash(expected), root)
	assert.Len(t, sealed, constants.EpochSize)
	assert.Len(t, acc.HistoricalEpochs, 1)
	assert.Empty(t, acc.CurrentEpoch)

	// The next header lands at index 0 of the new epoch and carries the total difficulty.
	require.NoError(t, acc.UpdateAccumulator(headers[constants.EpochSize-1]))
	assert.Equal(t, int64(constants.EpochSize), acc.CurrentHeight())
	var want uint256.Int
	want.Add(&lastTD, uint256.NewInt(131072))
	assert.Equal(t, want, acc.CurrentEpoch[0].TotalDifficulty)

	hash, ok := acc.BlockHash(constants.EpochSize)
	require.True(t, ok)
	assert.Equal(t, headers[constants.EpochSize-1].Hash(), hash)

	epochRoot, ok := acc.EpochRoot(5)
	require.True(t, ok)
	assert.Equal(t, root, epochRoot)
}

func TestRestoreSealed(t *testing.T) {
	full := NewFromGenesis()
	headers := chainFrom(common.HexToHash(constants.MainnetGenesisHash), 1, constants.EpochSize)
	for _, h := range headers[:constants.EpochSize-1] {
		require.NoError(t, full.UpdateAccumulator(h))
	}
	_, epoch, err := full.Seal()
	require.NoError(t, err)

	// a snapshot taken between sealing and the next header does not carry
	// the last sealed record
	enc, err := full.MarshalSSZ()
	require.NoError(t, err)
	restored, err := Decode(enc)
	require.NoError(t, err)
	require.True(t, restored.NeedsSealedRecord())

	next := headers[constants.EpochSize-1]
	assert.False(t, restored.Extends(next))
	orphan := chainFrom(common.HexToHash("0xdead"), constants.EpochSize, 1)[0]
	assert.False(t, restored.Extends(orphan))

	tampered := append(EpochAccumulator{}, epoch...)
	tampered[0].BlockHash = common.HexToHash("0x01")
	assert.ErrorIs(t, restored.RestoreSealed(tampered), ErrEpochMismatch)
	assert.ErrorIs(t, restored.RestoreSealed(epoch[:10]), ErrEpochMismatch)

	require.NoError(t, restored.RestoreSealed(epoch))
	assert.False(t, restored.NeedsSealedRecord())
	assert.False(t, restored.Extends(orphan))
	require.NoError(t, restored.UpdateAccumulator(next))

	// total difficulty continues from the sealed epoch
	var want uint256.Int
	want.Add(&epoch[constants.EpochSize-1].TotalDifficulty, uint256.NewInt(131072))
	assert.Equal(t, want, restored.CurrentEpoch[0].TotalDifficulty)
}

func TestSealNotFull(t *testing.T) {
	acc := NewFromGenesis()
	_, _, err := acc.Seal()
	assert.ErrorIs(t, err, ErrEpochNotFull)
}

func TestSnapshotRoundTrip(t *testing.T) {
	acc := NewFromGenesis()
	for _, h := range chainFrom(common.HexToHash(constants.MainnetGenesisHash), 1, 10) {
		require.NoError(t, acc.UpdateAccumulator(h))
	}
	acc.HistoricalEpochs = append(acc.HistoricalEpochs, common.HexToHash("0xaa"), common.HexToHash("0xbb"))

	enc, err := acc.MarshalSSZ()
	require.NoError(t, err)
	assert.Len(t, enc, acc.SizeSSZ())

	dec, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, acc.HistoricalEpochs, dec.HistoricalEpochs)
	assert.Equal(t, acc.CurrentEpoch, dec.CurrentEpoch)
	assert.Equal(t, acc.CurrentHeight(), dec.CurrentHeight())

	r1, err := acc.HashTreeRoot()
	require.NoError(t, err)
	r2, err := dec.HashTreeRoot()
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}

func TestDecodeMalformedSnapshot(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short", []byte{8, 0, 0}},
		{"bad first offset", []byte{9, 0, 0, 0, 8, 0, 0, 0}},
		{"offset past end", []byte{8, 0, 0, 0, 99, 0, 0, 0}},
		{"partial record", append([]byte{8, 0, 0, 0, 8, 0, 0, 0}, make([]byte, 63)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf)
			assert.ErrorIs(t, err, ErrInvalidSnapshot)
		})
	}
}

func TestAdopt(t *testing.T) {
	local := NewFromGenesis()
	higher := NewFromGenesis()
	for _, h := range chainFrom(common.HexToHash(constants.MainnetGenesisHash), 1, 5) {
		require.NoError(t, higher.UpdateAccumulator(h))
	}

	assert.False(t, higher.Adopt(local), "lower snapshot must be ignored")
	assert.Equal(t, int64(5), higher.CurrentHeight())

	assert.True(t, local.Adopt(higher))
	assert.Equal(t, int64(5), local.CurrentHeight())

	// Adopted state is a copy.
	higher.CurrentEpoch[1].BlockHash = common.Hash{}
	assert.NotEqual(t, common.Hash{}, local.CurrentEpoch[1].BlockHash)

	assert.False(t, local.Adopt(nil))
}

func TestEpochAccumulatorRoundTrip(t *testing.T) {
	epoch := EpochAccumulator{
		{BlockHash: common.HexToHash("0x01"), TotalDifficulty: *uint256.NewInt(7)},
		{BlockHash: common.HexToHash("0x02"), TotalDifficulty: *uint256.NewInt(1 << 40)},
	}
	enc, err := epoch.MarshalSSZ()
	require.NoError(t, err)
	require.Len(t, enc, 128)
	// total difficulty is little endian
	assert.Equal(t, byte(7), enc[32])

	dec, err := DecodeEpochAccumulator(enc)
	require.NoError(t, err)
	assert.Equal(t, epoch, dec)

	_, err = DecodeEpochAccumulator(enc[:100])
	assert.Error(t, err)
}
