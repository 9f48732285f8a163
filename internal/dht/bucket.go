package dht

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
)

// Bucket holds the peers at one log-distance, least recently seen first.
// Peers that arrive while it is full wait in a replacement list and are
// promoted when a member is removed.
type Bucket struct {
	mu           sync.RWMutex
	entries      []*Node
	replacements []*Node
}

// NewBucket creates an empty bucket of DHTBucketSize entries
func NewBucket() *Bucket {
	return &Bucket{
		entries: make([]*Node, 0, constants.DHTBucketSize),
	}
}

func indexOf(nodes []*Node, id enode.ID) int {
	for i, n := range nodes {
		if n.ID() == id {
			return i
		}
	}
	return -1
}

func deleteAt(nodes []*Node, i int) []*Node {
	copy(nodes[i:], nodes[i+1:])
	nodes[len(nodes)-1] = nil
	return nodes[:len(nodes)-1]
}

// Add inserts node as the most recently seen entry. A known node keeps the
// record with the higher sequence number. It returns false when the bucket is
// full and node went to the replacement list.
func (b *Bucket) Add(node *Node) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := indexOf(b.entries, node.ID()); i >= 0 {
		if old := b.entries[i].Record; old.Seq() > node.Record.Seq() {
			node.Record = old
		}
		b.entries = append(deleteAt(b.entries, i), node)
		return true
	}
	if len(b.entries) < constants.DHTBucketSize {
		b.entries = append(b.entries, node)
		return true
	}

	if i := indexOf(b.replacements, node.ID()); i >= 0 {
		b.replacements = deleteAt(b.replacements, i)
	} else if len(b.replacements) >= constants.DHTBucketSize {
		b.replacements = deleteAt(b.replacements, 0)
	}
	b.replacements = append(b.replacements, node)
	return false
}

// Remove drops id from the entries or the replacement list
func (b *Bucket) Remove(id enode.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := indexOf(b.entries, id); i >= 0 {
		b.entries = deleteAt(b.entries, i)
		b.promote()
		return true
	}
	if i := indexOf(b.replacements, id); i >= 0 {
		b.replacements = deleteAt(b.replacements, i)
		return true
	}
	return false
}

// Get returns a copy of the entry for id
func (b *Bucket) Get(id enode.ID) *Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := indexOf(b.entries, id); i >= 0 {
		return b.entries[i].Copy()
	}
	return nil
}

// update applies fn to the live entry for id
func (b *Bucket) update(id enode.ID, fn func(*Node)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := indexOf(b.entries, id); i >= 0 {
		fn(b.entries[i])
		return true
	}
	return false
}

// GetAll returns copies of the entries
func (b *Bucket) GetAll() []*Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Node, len(b.entries))
	for i, n := range b.entries {
		out[i] = n.Copy()
	}
	return out
}

// Size returns the number of entries
func (b *Bucket) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// IsFull reports whether new peers go to the replacement list
func (b *Bucket) IsFull() bool {
	return b.Size() >= constants.DHTBucketSize
}

// RemoveStale drops entries not seen within timeout, refilling from the
// replacement list, and returns how many were dropped
func (b *Bucket) RemoveStale(timeout time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.entries[:0]
	for _, n := range b.entries {
		if !n.IsStale(timeout) {
			kept = append(kept, n)
		}
	}
	removed := len(b.entries) - len(kept)
	for i := len(kept); i < len(b.entries); i++ {
		b.entries[i] = nil
	}
	b.entries = kept
	for i := 0; i < removed; i++ {
		b.promote()
	}
	return removed
}

// promote moves the newest replacement into a free entry slot
func (b *Bucket) promote() {
	last := len(b.replacements) - 1
	if last < 0 || len(b.entries) >= constants.DHTBucketSize {
		return
	}
	b.entries = append(b.entries, b.replacements[last])
	b.replacements = b.replacements[:last]
}
