package history

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/histnet/pkg/accumulator"
	"github.com/WebFirstLanguage/histnet/pkg/content"
)

// AddContentToHistory validates value as content of type t keyed by hashKey
// and stores it. Content that fails validation is logged and dropped; the
// only error returned is for an unknown content type.
//
// A header that extends the accumulator tip is appended to it, sealing and
// storing the full epoch first when necessary. A body is stored only when it
// forms a valid block with its header, fetched from the network if it is
// not held locally. Receipts and epoch accumulators are stored as given. An
// accumulator snapshot replaces local state when it is higher.
func (p *Protocol) AddContentToHistory(ctx context.Context, chainID uint16, t content.Type, hashKey common.Hash, value []byte) error {
	key := content.NewKey(t, chainID, hashKey)

	switch t {
	case content.BlockHeader:
		if !p.addHeader(key, value) {
			return nil
		}
	case content.BlockBody:
		if !p.addBody(ctx, key, value) {
			return nil
		}
	case content.Receipt:
		p.put(key, value)
	case content.EpochAccumulator:
		p.put(key, value)
		p.accMu.Lock()
		p.recoverSealed()
		p.accMu.Unlock()
	case content.HeaderAccumulator:
		if !p.receiveSnapshot(key, value) {
			return nil
		}
	default:
		return content.NewUnknownTypeError(t)
	}

	p.added(key, value)
	return nil
}

func (p *Protocol) addHeader(key content.Key, value []byte) bool {
	header, err := content.DecodeHeader(value)
	if err != nil {
		p.reject(key, content.NewInvalidContentError(key, err))
		return false
	}
	if hash := header.Hash(); hash != key.Hash {
		p.reject(key, content.NewHashMismatchError(key, hash))
		return false
	}

	var (
		sealedKey content.Key
		sealed    []byte
	)
	p.accMu.Lock()
	if p.acc.Extends(header) {
		if p.acc.IsFull() {
			sealedKey, sealed = p.sealEpoch(key.ChainID)
		}
		if err := p.acc.UpdateAccumulator(header); err != nil {
			log.WithError(err).WithField("hashKey", key.Hash.Hex()).Warn("Could not update header accumulator")
		} else {
			p.persistSnapshot()
		}
	}
	height := p.acc.CurrentHeight()
	p.accMu.Unlock()

	accumulatorHeight.Set(float64(height))
	if sealed != nil {
		p.added(sealedKey, sealed)
	}
	p.put(key, value)
	return true
}

// sealEpoch seals the full open epoch and stores it as an epoch accumulator
// item. It must be called with accMu held.
func (p *Protocol) sealEpoch(chainID uint16) (content.Key, []byte) {
	root, epoch, err := p.acc.Seal()
	if err != nil {
		log.WithError(err).Error("Could not seal epoch")
		return content.Key{}, nil
	}
	enc, err := epoch.MarshalSSZ()
	if err != nil {
		log.WithError(err).Error("Could not encode sealed epoch")
		return content.Key{}, nil
	}
	key := content.NewKey(content.EpochAccumulator, chainID, root)
	p.put(key, enc)
	log.WithFields(logrus.Fields{
		"root":   root.Hex(),
		"epochs": len(p.acc.HistoricalEpochs),
	}).Info("Sealed epoch accumulator")
	return key, enc
}

// persistSnapshot must be called with accMu held
func (p *Protocol) persistSnapshot() {
	enc, err := p.acc.MarshalSSZ()
	if err != nil {
		log.WithError(err).Error("Could not encode accumulator snapshot")
		return
	}
	p.put(p.snapshotKey(), enc)
}

func (p *Protocol) addBody(ctx context.Context, key content.Key, value []byte) bool {
	header, err := p.localHeader(key.Hash)
	if err != nil {
		log.WithField("hashKey", key.Hash.Hex()).Debug("Header not found locally, querying network")
		block, err := p.GetBlockByHash(ctx, key.Hash, false)
		if err != nil {
			p.reject(key, content.NewReassemblyError(key, err))
			return false
		}
		header = block.Header()
	}

	block, err := content.ReassembleBlock(header, value)
	if err != nil {
		p.reject(key, content.NewReassemblyError(key, err))
		return false
	}

	p.put(key, value)
	if p.receipts != nil {
		if err := p.receipts.SaveReceipts(ctx, block); err != nil {
			log.WithError(err).WithField("hashKey", key.Hash.Hex()).Warn("Could not save receipts")
		}
	}
	return true
}

func (p *Protocol) receiveSnapshot(key content.Key, value []byte) bool {
	snapshot, err := accumulator.Decode(value)
	if err != nil {
		p.reject(key, content.NewInvalidSnapshotError(key, err))
		return false
	}

	p.accMu.Lock()
	local := p.acc.CurrentHeight()
	adopted := p.acc.Adopt(snapshot)
	if adopted {
		p.put(p.snapshotKey(), value)
		p.recoverSealed()
	}
	height := p.acc.CurrentHeight()
	p.accMu.Unlock()

	fields := logrus.Fields{"local": local, "received": snapshot.CurrentHeight()}
	if !adopted {
		log.WithFields(fields).Debug("Ignoring accumulator snapshot that is not higher")
		return false
	}
	accumulatorHeight.Set(float64(height))
	log.WithFields(fields).Info("Adopted accumulator snapshot")
	return true
}

// recoverSealed supplies the last sealed record to an accumulator restored
// with an empty open epoch, from the stored epoch accumulator. Until then no
// header extends it. It must be called with accMu held.
func (p *Protocol) recoverSealed() {
	if !p.acc.NeedsSealedRecord() {
		return
	}
	root, _ := p.acc.LastEpochRoot()
	raw, err := p.store.Get(content.NewKey(content.EpochAccumulator, p.chainID, root).ID())
	if err != nil {
		log.WithField("root", root.Hex()).Debug("Last sealed epoch not stored, headers wait for it")
		return
	}
	epoch, err := accumulator.DecodeEpochAccumulator(raw)
	if err == nil {
		err = p.acc.RestoreSealed(epoch)
	}
	if err != nil {
		log.WithError(err).WithField("root", root.Hex()).Warn("Stored epoch accumulator does not match the last sealed root")
		return
	}
	log.WithField("root", root.Hex()).Info("Recovered last sealed epoch record")
}

func (p *Protocol) localHeader(hash common.Hash) (*types.Header, error) {
	raw, err := p.store.Get(content.NewKey(content.BlockHeader, p.chainID, hash).ID())
	if err != nil {
		return nil, err
	}
	return content.DecodeHeader(raw)
}

// put writes without surfacing failure to the caller
func (p *Protocol) put(key content.Key, value []byte) {
	if err := p.store.Put(key.ID(), value); err != nil {
		log.WithError(err).WithField("key", key.String()).Error("Could not write content")
	}
}

// added publishes a stored item and queues it for gossip. Snapshots are
// never gossiped; peers build their own from headers.
func (p *Protocol) added(key content.Key, value []byte) {
	contentStored.WithLabelValues(key.Type.String()).Inc()
	p.contentAdded.Send(ContentAdded{HashKey: key.Hash, Type: key.Type, Payload: value})
	log.WithFields(logrus.Fields{
		"hashKey":     key.Hash.Hex(),
		"contentType": key.Type.String(),
	}).Debug("Added content to history")

	if key.Type == content.HeaderAccumulator || p.table.Size() == 0 {
		return
	}
	if err := p.gossip.Enqueue(key.Hash, key.Type); err != nil {
		log.WithError(err).Debug("Could not queue content for gossip")
	}
}

func (p *Protocol) reject(key content.Key, err error) {
	contentRejected.WithLabelValues(key.Type.String()).Inc()
	log.WithError(err).WithFields(logrus.Fields{
		"hashKey":     key.Hash.Hex(),
		"contentType": key.Type.String(),
	}).Debug("Rejected content")
}
