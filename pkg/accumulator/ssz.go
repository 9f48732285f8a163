package accumulator

import (
	"github.com/ethereum/go-ethereum/common"
	ssz "github.com/ferranbt/fastssz"
	"github.com/pkg/errors"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
)

const headerRecordSize = 64

// ErrInvalidSnapshot wraps every decoding failure of a serialized accumulator
var ErrInvalidSnapshot = errors.New("invalid accumulator snapshot")

// totalDifficultyLE encodes td as a little-endian uint256
func (r *HeaderRecord) totalDifficultyLE() [32]byte {
	be := r.TotalDifficulty.Bytes32()
	var le [32]byte
	for i := 0; i < 32; i++ {
		le[i] = be[31-i]
	}
	return le
}

// MarshalSSZTo ssz marshals the HeaderRecord object to a target array
func (r *HeaderRecord) MarshalSSZTo(buf []byte) ([]byte, error) {
	td := r.totalDifficultyLE()
	buf = append(buf, r.BlockHash[:]...)
	buf = append(buf, td[:]...)
	return buf, nil
}

// UnmarshalSSZ ssz unmarshals the HeaderRecord object
func (r *HeaderRecord) UnmarshalSSZ(buf []byte) error {
	if len(buf) != headerRecordSize {
		return ssz.ErrSize
	}
	copy(r.BlockHash[:], buf[0:32])
	var be [32]byte
	for i := 0; i < 32; i++ {
		be[i] = buf[63-i]
	}
	r.TotalDifficulty.SetBytes(be[:])
	return nil
}

// HashTreeRootWith ssz hashes the HeaderRecord object with a hasher
func (r *HeaderRecord) HashTreeRootWith(hh *ssz.Hasher) error {
	indx := hh.Index()
	td := r.totalDifficultyLE()
	hh.PutBytes(r.BlockHash[:])
	hh.PutBytes(td[:])
	hh.Merkleize(indx)
	return nil
}

// EpochAccumulator is the SSZ list of at most EpochSize header records
type EpochAccumulator []HeaderRecord

// SizeSSZ returns the ssz encoded size in bytes for the EpochAccumulator object
func (e EpochAccumulator) SizeSSZ() int {
	return len(e) * headerRecordSize
}

// MarshalSSZ ssz marshals the EpochAccumulator object
func (e EpochAccumulator) MarshalSSZ() ([]byte, error) {
	return e.MarshalSSZTo(make([]byte, 0, e.SizeSSZ()))
}

// MarshalSSZTo ssz marshals the EpochAccumulator object to a target array
func (e EpochAccumulator) MarshalSSZTo(buf []byte) ([]byte, error) {
	if len(e) > constants.EpochSize {
		return nil, ssz.ErrIncorrectListSize
	}
	var err error
	for i := range e {
		if buf, err = e[i].MarshalSSZTo(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// UnmarshalSSZ ssz unmarshals the EpochAccumulator object
func (e *EpochAccumulator) UnmarshalSSZ(buf []byte) error {
	if len(buf)%headerRecordSize != 0 {
		return ssz.ErrSize
	}
	num := len(buf) / headerRecordSize
	if num > constants.EpochSize {
		return ssz.ErrIncorrectListSize
	}
	records := make(EpochAccumulator, num)
	for i := 0; i < num; i++ {
		if err := records[i].UnmarshalSSZ(buf[i*headerRecordSize : (i+1)*headerRecordSize]); err != nil {
			return err
		}
	}
	*e = records
	return nil
}

// HashTreeRoot ssz hashes the EpochAccumulator object
func (e EpochAccumulator) HashTreeRoot() ([32]byte, error) {
	return ssz.HashWithDefaultHasher(e)
}

// HashTreeRootWith ssz hashes the EpochAccumulator object with a hasher
func (e EpochAccumulator) HashTreeRootWith(hh *ssz.Hasher) error {
	num := uint64(len(e))
	if num > constants.EpochSize {
		return ssz.ErrIncorrectListSize
	}
	indx := hh.Index()
	for i := range e {
		if err := e[i].HashTreeRootWith(hh); err != nil {
			return err
		}
	}
	hh.MerkleizeWithMixin(indx, num, constants.EpochSize)
	return nil
}

// DecodeEpochAccumulator decodes a serialized epoch accumulator
func DecodeEpochAccumulator(buf []byte) (EpochAccumulator, error) {
	var e EpochAccumulator
	if err := e.UnmarshalSSZ(buf); err != nil {
		return nil, errors.Wrap(err, "could not decode epoch accumulator")
	}
	return e, nil
}

// SizeSSZ returns the ssz encoded size in bytes for the HeaderAccumulator object
func (a *HeaderAccumulator) SizeSSZ() int {
	return 8 + len(a.HistoricalEpochs)*32 + a.CurrentEpoch.SizeSSZ()
}

// MarshalSSZ ssz marshals the HeaderAccumulator object
func (a *HeaderAccumulator) MarshalSSZ() ([]byte, error) {
	return a.MarshalSSZTo(make([]byte, 0, a.SizeSSZ()))
}

// MarshalSSZTo ssz marshals the HeaderAccumulator object to a target array
func (a *HeaderAccumulator) MarshalSSZTo(buf []byte) ([]byte, error) {
	if len(a.HistoricalEpochs) > constants.MaxHistoricalEpochs {
		return nil, ssz.ErrIncorrectListSize
	}
	offset := 8

	// Offset (0) 'HistoricalEpochs'
	buf = ssz.WriteOffset(buf, offset)
	offset += len(a.HistoricalEpochs) * 32

	// Offset (1) 'CurrentEpoch'
	buf = ssz.WriteOffset(buf, offset)

	// Field (0) 'HistoricalEpochs'
	for _, root := range a.HistoricalEpochs {
		buf = append(buf, root[:]...)
	}

	// Field (1) 'CurrentEpoch'
	return a.CurrentEpoch.MarshalSSZTo(buf)
}

// UnmarshalSSZ ssz unmarshals the HeaderAccumulator object
func (a *HeaderAccumulator) UnmarshalSSZ(buf []byte) error {
	size := uint64(len(buf))
	if size < 8 {
		return ssz.ErrSize
	}

	o0 := ssz.ReadOffset(buf[0:4])
	if o0 != 8 {
		return ssz.ErrOffset
	}
	o1 := ssz.ReadOffset(buf[4:8])
	if o1 < o0 || o1 > size {
		return ssz.ErrOffset
	}

	// Field (0) 'HistoricalEpochs'
	hist := buf[o0:o1]
	if len(hist)%32 != 0 {
		return ssz.ErrSize
	}
	num := len(hist) / 32
	if num > constants.MaxHistoricalEpochs {
		return ssz.ErrIncorrectListSize
	}
	epochs := make([]common.Hash, num)
	for i := 0; i < num; i++ {
		copy(epochs[i][:], hist[i*32:(i+1)*32])
	}

	// Field (1) 'CurrentEpoch'
	var current EpochAccumulator
	if err := current.UnmarshalSSZ(buf[o1:]); err != nil {
		return err
	}

	a.HistoricalEpochs = epochs
	a.CurrentEpoch = current
	return nil
}

// HashTreeRoot ssz hashes the HeaderAccumulator object
func (a *HeaderAccumulator) HashTreeRoot() ([32]byte, error) {
	return ssz.HashWithDefaultHasher(a)
}

// HashTreeRootWith ssz hashes the HeaderAccumulator object with a hasher
func (a *HeaderAccumulator) HashTreeRootWith(hh *ssz.Hasher) error {
	indx := hh.Index()

	// Field (0) 'HistoricalEpochs'
	{
		num := uint64(len(a.HistoricalEpochs))
		if num > constants.MaxHistoricalEpochs {
			return ssz.ErrIncorrectListSize
		}
		subIndx := hh.Index()
		for _, root := range a.HistoricalEpochs {
			hh.PutBytes(root[:])
		}
		hh.MerkleizeWithMixin(subIndx, num, constants.MaxHistoricalEpochs)
	}

	// Field (1) 'CurrentEpoch'
	if err := a.CurrentEpoch.HashTreeRootWith(hh); err != nil {
		return err
	}

	hh.Merkleize(indx)
	return nil
}

// Decode parses a serialized snapshot. A malformed snapshot never yields a
// partially filled accumulator.
func Decode(buf []byte) (*HeaderAccumulator, error) {
	a := New()
	if err := a.UnmarshalSSZ(buf); err != nil {
		return nil, errors.Wrap(ErrInvalidSnapshot, err.Error())
	}
	return a, nil
}
