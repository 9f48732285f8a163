// Package content implements history network content items: the content
// key schema, content ids in the DHT keyspace, and block reassembly from
// stored headers and bodies.
package content

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ssz "github.com/ferranbt/fastssz"
)

// Type is the content key selector
type Type uint8

const (
	// BlockHeader is an RLP encoded block header keyed by block hash
	BlockHeader Type = 0
	// BlockBody is an RLP encoded [transactions, uncles] list keyed by block hash
	BlockBody Type = 1
	// Receipt is the RLP encoded receipt list of a block keyed by block hash
	Receipt Type = 2
	// EpochAccumulator is a sealed epoch keyed by its tree root
	EpochAccumulator Type = 3
	// HeaderAccumulator is an accumulator snapshot
	HeaderAccumulator Type = 4
)

// KeySize is the encoded length of a content key
const KeySize = 1 + 2 + 32

// String returns the name of the content type
func (t Type) String() string {
	switch t {
	case BlockHeader:
		return "BlockHeader"
	case BlockBody:
		return "BlockBody"
	case Receipt:
		return "Receipt"
	case EpochAccumulator:
		return "EpochAccumulator"
	case HeaderAccumulator:
		return "HeaderAccumulator"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Valid reports whether t is a known selector
func (t Type) Valid() bool {
	return t <= HeaderAccumulator
}

// Key identifies a content item on the wire: selector, chain id and hash
type Key struct {
	Type    Type
	ChainID uint16
	Hash    common.Hash
}

// NewKey creates a content key
func NewKey(t Type, chainID uint16, hash common.Hash) Key {
	return Key{Type: t, ChainID: chainID, Hash: hash}
}

// HeaderAccumulatorKey is the well-known key of the accumulator snapshot
func HeaderAccumulatorKey(chainID uint16) Key {
	return Key{Type: HeaderAccumulator, ChainID: chainID}
}

// Encode serializes the key as selector || chainId (u16 LE) || hash
func (k Key) Encode() []byte {
	buf := make([]byte, 0, KeySize)
	buf = ssz.MarshalUint8(buf, uint8(k.Type))
	buf = ssz.MarshalUint16(buf, k.ChainID)
	buf = append(buf, k.Hash[:]...)
	return buf
}

// ID returns the DHT address of the keyed item
func (k Key) ID() ID {
	return IDFromKey(k.Encode())
}

// String returns a short form for logging
func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Type, k.ChainID, k.Hash.Hex())
}

// DecodeKey parses an encoded content key
func DecodeKey(buf []byte) (Key, error) {
	if len(buf) != KeySize {
		return Key{}, NewInvalidKeyError(fmt.Sprintf("content key must be %d bytes, got %d", KeySize, len(buf)), nil)
	}
	t := Type(buf[0])
	if !t.Valid() {
		return Key{}, NewUnknownTypeError(t)
	}
	k := Key{
		Type:    t,
		ChainID: ssz.UnmarshallUint16(buf[1:3]),
	}
	copy(k.Hash[:], buf[3:])
	return k, nil
}
