package content

import (
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/pkg/errors"
)

// emptyBody is the RLP encoding of [[], []]
var emptyBody = []byte{0xc2, 0xc0, 0xc0}

// EmptyBody returns an encoded body with no transactions and no uncles
func EmptyBody() []byte {
	return append([]byte{}, emptyBody...)
}

// DecodeHeader decodes an RLP encoded block header
func DecodeHeader(raw []byte) (*types.Header, error) {
	header := new(types.Header)
	if err := rlp.DecodeBytes(raw, header); err != nil {
		return nil, errors.Wrap(err, "could not decode block header")
	}
	return header, nil
}

// DecodeBody decodes an RLP encoded [transactions, uncles] list
func DecodeBody(raw []byte) (*types.Body, error) {
	body := new(types.Body)
	if err := rlp.DecodeBytes(raw, body); err != nil {
		return nil, errors.Wrap(err, "could not decode block body")
	}
	return body, nil
}

// ReassembleBlock decodes an encoded body and builds the block it forms
// with header. The body must match the header's transaction and uncle
// commitments.
func ReassembleBlock(header *types.Header, rawBody []byte) (*types.Block, error) {
	body, err := DecodeBody(rawBody)
	if err != nil {
		return nil, err
	}
	if err := ValidateBody(header, body); err != nil {
		return nil, err
	}
	return types.NewBlockWithHeader(header).WithBody(body.Transactions, body.Uncles), nil
}

// ValidateBody checks that body matches the transaction and uncle
// commitments of header
func ValidateBody(header *types.Header, body *types.Body) error {
	if hash := types.CalcUncleHash(body.Uncles); hash != header.UncleHash {
		return errors.Errorf("uncle root hash mismatch: have %x, want %x", hash, header.UncleHash)
	}
	if hash := types.DeriveSha(types.Transactions(body.Transactions), trie.NewStackTrie(nil)); hash != header.TxHash {
		return errors.Errorf("transaction root hash mismatch: have %x, want %x", hash, header.TxHash)
	}
	return nil
}
