package content

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/minio/sha256-simd"
)

// ID is the DHT keyspace address of a content item: sha256 of its content key
type ID [32]byte

// IDFromKey hashes an encoded content key
func IDFromKey(encodedKey []byte) ID {
	return ID(sha256.Sum256(encodedKey))
}

// NodeID returns the id as a point in the node id keyspace
func (id ID) NodeID() enode.ID {
	return enode.ID(id)
}

// Bytes returns the id as a byte slice
func (id ID) Bytes() []byte {
	return id[:]
}

// String returns the hex representation of the id
func (id ID) String() string {
	return hexutil.Encode(id[:])
}
