package history

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/WebFirstLanguage/histnet/pkg/accumulator"
	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/content"
)

var (
	// ErrBeyondHeight is returned for block numbers above the accumulator tip
	ErrBeyondHeight = errors.New("block number is above the known chain height")
	// ErrUnknownEpoch is returned when no epoch root covers a block number
	ErrUnknownEpoch = errors.New("no epoch root for block number")
	// ErrWrongBlock is returned when a resolved block has another number
	ErrWrongBlock = errors.New("resolved block has the wrong number")
)

// GetBlockByHash resolves a block from its header and, when transactions
// are requested, its body. Without transactions the block has empty
// transaction and uncle lists. A body that does not form a valid block with
// the header fails the call.
func (p *Protocol) GetBlockByHash(ctx context.Context, hash common.Hash, includeTransactions bool) (*types.Block, error) {
	headerKey := content.NewKey(content.BlockHeader, p.chainID, hash)
	rawHeader, err := p.ContentLookup(ctx, headerKey.Encode())
	if err != nil {
		return nil, err
	}
	header, err := content.DecodeHeader(rawHeader)
	if err != nil {
		return nil, content.NewInvalidContentError(headerKey, err)
	}
	if got := header.Hash(); got != hash {
		return nil, content.NewHashMismatchError(headerKey, got)
	}
	if !includeTransactions {
		return types.NewBlockWithHeader(header), nil
	}

	bodyKey := content.NewKey(content.BlockBody, p.chainID, hash)
	rawBody, err := p.ContentLookup(ctx, bodyKey.Encode())
	if err != nil {
		return nil, err
	}
	block, err := content.ReassembleBlock(header, rawBody)
	if err != nil {
		return nil, content.NewReassemblyError(bodyKey, err)
	}
	return block, nil
}

// GetBlockByNumber resolves the canonical block at number. Numbers in the
// open epoch are read from the accumulator; numbers in a sealed epoch are
// found in the epoch accumulator fetched by its root.
func (p *Protocol) GetBlockByNumber(ctx context.Context, number uint64, includeTransactions bool) (*types.Block, error) {
	hash, err := p.canonicalHash(ctx, number)
	if err != nil {
		return nil, err
	}
	block, err := p.GetBlockByHash(ctx, hash, includeTransactions)
	if err != nil {
		return nil, err
	}
	if block.NumberU64() != number {
		log.WithField("want", number).WithField("got", block.NumberU64()).Warn("Resolved the wrong block")
		return nil, ErrWrongBlock
	}
	return block, nil
}

func (p *Protocol) canonicalHash(ctx context.Context, number uint64) (common.Hash, error) {
	p.accMu.RLock()
	height := p.acc.CurrentHeight()
	hash, open := p.acc.BlockHash(number)
	root, sealed := p.acc.EpochRoot(number)
	p.accMu.RUnlock()

	if height < 0 || number > uint64(height) {
		return common.Hash{}, ErrBeyondHeight
	}
	if open {
		return hash, nil
	}
	if !sealed {
		return common.Hash{}, ErrUnknownEpoch
	}

	key := content.NewKey(content.EpochAccumulator, p.chainID, root)
	raw, err := p.ContentLookup(ctx, key.Encode())
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not retrieve epoch accumulator")
	}
	epoch, err := accumulator.DecodeEpochAccumulator(raw)
	if err != nil {
		return common.Hash{}, content.NewInvalidContentError(key, err)
	}
	if got, err := epoch.HashTreeRoot(); err != nil || common.Hash(got) != root {
		return common.Hash{}, content.NewHashMismatchError(key, common.Hash(got))
	}
	p.accMu.Lock()
	if p.acc.NeedsSealedRecord() && p.acc.RestoreSealed(epoch) == nil {
		log.WithField("root", root.Hex()).Info("Recovered last sealed epoch record")
	}
	p.accMu.Unlock()

	idx := number % constants.EpochSize
	if idx >= uint64(len(epoch)) {
		return common.Hash{}, content.NewInvalidContentError(key, errors.New("epoch accumulator is short"))
	}
	return epoch[idx].BlockHash, nil
}
