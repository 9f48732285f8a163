// Package accumulator implements the rolling header accumulator: a list of
// sealed epoch roots plus the still-open epoch of header records.
package accumulator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
)

var (
	// ErrEpochFull is returned by UpdateAccumulator when the open epoch must be sealed first
	ErrEpochFull = errors.New("current epoch is full")
	// ErrEpochNotFull is returned by Seal when the open epoch is still filling
	ErrEpochNotFull = errors.New("current epoch is not full")
	// ErrNotSuccessor is returned when a header does not extend the tip
	ErrNotSuccessor = errors.New("header does not extend the accumulator tip")
	// ErrTooManyEpochs is returned when the historical epoch list is exhausted
	ErrTooManyEpochs = errors.New("historical epoch limit reached")
	// ErrEpochMismatch is returned by RestoreSealed for records that are not
	// the most recently sealed epoch
	ErrEpochMismatch = errors.New("epoch does not match the last sealed root")
)

// HeaderRecord commits to one canonical header
type HeaderRecord struct {
	BlockHash       common.Hash
	TotalDifficulty uint256.Int
}

// HeaderAccumulator is the rolling commitment over the canonical chain
type HeaderAccumulator struct {
	HistoricalEpochs []common.Hash
	CurrentEpoch     EpochAccumulator

	// last record of the most recently sealed epoch; zero after restoring
	// a snapshot whose open epoch is empty, until RestoreSealed
	sealed HeaderRecord
}

// New returns an empty accumulator whose first accepted header is block 0
func New() *HeaderAccumulator {
	return &HeaderAccumulator{
		HistoricalEpochs: []common.Hash{},
		CurrentEpoch:     EpochAccumulator{},
	}
}

// NewFromGenesis returns an accumulator seeded with the mainnet genesis record
func NewFromGenesis() *HeaderAccumulator {
	a := New()
	var td uint256.Int
	td.SetUint64(constants.MainnetGenesisDifficulty)
	a.CurrentEpoch = append(a.CurrentEpoch, HeaderRecord{
		BlockHash:       common.HexToHash(constants.MainnetGenesisHash),
		TotalDifficulty: td,
	})
	return a
}

// CurrentHeight returns the number of the last recorded header, or -1 when empty
func (a *HeaderAccumulator) CurrentHeight() int64 {
	return int64(len(a.HistoricalEpochs))*constants.EpochSize + int64(len(a.CurrentEpoch)) - 1
}

// Tip returns the last record of the open epoch
func (a *HeaderAccumulator) Tip() (HeaderRecord, bool) {
	if len(a.CurrentEpoch) == 0 {
		return HeaderRecord{}, false
	}
	return a.CurrentEpoch[len(a.CurrentEpoch)-1], true
}

// IsFull reports whether the open epoch must be sealed before the next append
func (a *HeaderAccumulator) IsFull() bool {
	return len(a.CurrentEpoch) >= constants.EpochSize
}

// Extends reports whether header is the immediate successor of the tip
func (a *HeaderAccumulator) Extends(header *types.Header) bool {
	if header == nil || header.Number == nil || !header.Number.IsInt64() {
		return false
	}
	if header.Number.Int64() != a.CurrentHeight()+1 {
		return false
	}
	tip, ok := a.Tip()
	if !ok {
		if len(a.HistoricalEpochs) == 0 {
			// block 0 has no parent
			return true
		}
		if a.NeedsSealedRecord() {
			return false
		}
		tip = a.sealed
	}
	return header.ParentHash == tip.BlockHash
}

// NeedsSealedRecord reports whether the open epoch is empty and the last
// record of the previous epoch is unknown. No header extends such an
// accumulator until RestoreSealed supplies that record.
func (a *HeaderAccumulator) NeedsSealedRecord() bool {
	return len(a.CurrentEpoch) == 0 && len(a.HistoricalEpochs) > 0 && a.sealed.BlockHash == (common.Hash{})
}

// LastEpochRoot returns the root of the most recently sealed epoch
func (a *HeaderAccumulator) LastEpochRoot() (common.Hash, bool) {
	if len(a.HistoricalEpochs) == 0 {
		return common.Hash{}, false
	}
	return a.HistoricalEpochs[len(a.HistoricalEpochs)-1], true
}

// RestoreSealed recovers the last record of the most recently sealed epoch
// from its records. The records must hash to the last historical root.
func (a *HeaderAccumulator) RestoreSealed(epoch EpochAccumulator) error {
	root, ok := a.LastEpochRoot()
	if !ok || len(epoch) != constants.EpochSize {
		return ErrEpochMismatch
	}
	got, err := epoch.HashTreeRoot()
	if err != nil {
		return errors.Wrap(err, "could not hash epoch")
	}
	if common.Hash(got) != root {
		return ErrEpochMismatch
	}
	a.sealed = epoch[len(epoch)-1]
	return nil
}

// Seal hashes the full open epoch, appends its root to the historical
// epochs and resets the buffer. The sealed records are returned so the
// caller can persist them as an epoch accumulator item.
func (a *HeaderAccumulator) Seal() (common.Hash, EpochAccumulator, error) {
	if !a.IsFull() {
		return common.Hash{}, nil, ErrEpochNotFull
	}
	if len(a.HistoricalEpochs) >= constants.MaxHistoricalEpochs {
		return common.Hash{}, nil, ErrTooManyEpochs
	}
	root, err := a.CurrentEpoch.HashTreeRoot()
	if err != nil {
		return common.Hash{}, nil, errors.Wrap(err, "could not hash epoch")
	}
	sealed := a.CurrentEpoch
	a.sealed = sealed[len(sealed)-1]
	a.HistoricalEpochs = append(a.HistoricalEpochs, root)
	a.CurrentEpoch = make(EpochAccumulator, 0, constants.EpochSize)
	return root, sealed, nil
}

// UpdateAccumulator appends the record for header. The caller seals a full
// epoch first; a header that does not extend the tip is refused.
func (a *HeaderAccumulator) UpdateAccumulator(header *types.Header) error {
	if a.IsFull() {
		return ErrEpochFull
	}
	if !a.Extends(header) {
		return ErrNotSuccessor
	}
	difficulty := header.Difficulty
	if difficulty == nil {
		difficulty = new(big.Int)
	}
	d, overflow := uint256.FromBig(difficulty)
	if overflow {
		return errors.New("header difficulty overflows 256 bits")
	}

	var td uint256.Int
	if tip, ok := a.Tip(); ok {
		td.Add(&tip.TotalDifficulty, d)
	} else {
		td.Add(&a.sealed.TotalDifficulty, d)
	}
	a.CurrentEpoch = append(a.CurrentEpoch, HeaderRecord{
		BlockHash:       header.Hash(),
		TotalDifficulty: td,
	})
	return nil
}

// BlockHash returns the hash recorded for number when it lies in the open epoch
func (a *HeaderAccumulator) BlockHash(number uint64) (common.Hash, bool) {
	start := uint64(len(a.HistoricalEpochs)) * constants.EpochSize
	if number < start || number-start >= uint64(len(a.CurrentEpoch)) {
		return common.Hash{}, false
	}
	return a.CurrentEpoch[number%constants.EpochSize].BlockHash, true
}

// EpochRoot returns the root of the sealed epoch holding number
func (a *HeaderAccumulator) EpochRoot(number uint64) (common.Hash, bool) {
	idx := number / constants.EpochSize
	if idx >= uint64(len(a.HistoricalEpochs)) {
		return common.Hash{}, false
	}
	return a.HistoricalEpochs[idx], true
}

// Copy returns a deep copy safe to read without holding the owner's lock
func (a *HeaderAccumulator) Copy() *HeaderAccumulator {
	c := &HeaderAccumulator{
		HistoricalEpochs: make([]common.Hash, len(a.HistoricalEpochs)),
		CurrentEpoch:     make(EpochAccumulator, len(a.CurrentEpoch)),
		sealed:           a.sealed,
	}
	copy(c.HistoricalEpochs, a.HistoricalEpochs)
	copy(c.CurrentEpoch, a.CurrentEpoch)
	return c
}

// Adopt replaces the accumulator state with snapshot when the snapshot is
// higher. It reports whether the snapshot was adopted.
func (a *HeaderAccumulator) Adopt(snapshot *HeaderAccumulator) bool {
	if snapshot == nil || snapshot.CurrentHeight() <= a.CurrentHeight() {
		return false
	}
	c := snapshot.Copy()
	a.HistoricalEpochs = c.HistoricalEpochs
	a.CurrentEpoch = c.CurrentEpoch
	a.sealed = c.sealed
	return true
}
