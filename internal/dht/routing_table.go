package dht

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
)

const (
	numBuckets = 256

	// peers whose offered keys we remember
	maxTrackedPeers = 1024
)

// RoutingTable implements a Kademlia routing table with 256 buckets
type RoutingTable struct {
	localID enode.ID
	buckets [numBuckets]*Bucket

	// per peer set of content keys already offered to or by that peer
	offered *lru.Cache[enode.ID, *lru.Cache[string, struct{}]]
}

// NewRoutingTable creates a new routing table for the given local node ID
func NewRoutingTable(localID enode.ID) *RoutingTable {
	offered, err := lru.New[enode.ID, *lru.Cache[string, struct{}]](maxTrackedPeers)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	rt := &RoutingTable{
		localID: localID,
		offered: offered,
	}
	for i := 0; i < numBuckets; i++ {
		rt.buckets[i] = NewBucket()
	}
	return rt
}

// LocalID returns the id the table is centred on
func (rt *RoutingTable) LocalID() enode.ID {
	return rt.localID
}

// Add adds a node to the appropriate bucket in the routing table
func (rt *RoutingTable) Add(node *Node) bool {
	if node.ID() == rt.localID {
		return false
	}
	return rt.buckets[rt.getBucketIndex(node.ID())].Add(node)
}

// Remove removes a node from the routing table
func (rt *RoutingTable) Remove(id enode.ID) bool {
	if id == rt.localID {
		return false
	}
	rt.offered.Remove(id)
	return rt.buckets[rt.getBucketIndex(id)].Remove(id)
}

// Get retrieves a node by ID
func (rt *RoutingTable) Get(id enode.ID) *Node {
	if id == rt.localID {
		return nil
	}
	return rt.buckets[rt.getBucketIndex(id)].Get(id)
}

// Seen records contact with a peer, adding it if it is new
func (rt *RoutingTable) Seen(record *enode.Node) {
	if record.ID() == rt.localID {
		return
	}
	bucket := rt.buckets[rt.getBucketIndex(record.ID())]
	if !bucket.update(record.ID(), func(n *Node) {
		if record.Seq() >= n.Record.Seq() {
			n.Record = record
		}
		n.UpdateLastSeen()
	}) {
		bucket.Add(NewNode(record))
	}
}

// UpdateRadius stores a peer's advertised radius
func (rt *RoutingTable) UpdateRadius(id enode.ID, radius *uint256.Int) bool {
	if id == rt.localID || radius == nil {
		return false
	}
	return rt.buckets[rt.getBucketIndex(id)].update(id, func(n *Node) {
		n.Radius = new(uint256.Int).Set(radius)
		n.UpdateLastSeen()
	})
}

// GetClosest returns the k closest nodes to the target ID
func (rt *RoutingTable) GetClosest(target enode.ID, k int) []*Node {
	return sortByDistance(rt.GetAllNodes(), target, k)
}

// NodesAtDistance returns the nodes whose log distance from us is d.
// Distance 0 is the local node and is never stored in the table.
func (rt *RoutingTable) NodesAtDistance(d uint) []*Node {
	if d == 0 || d > numBuckets {
		return nil
	}
	return rt.buckets[d-1].GetAll()
}

// GetAllNodes returns all nodes in the routing table
func (rt *RoutingTable) GetAllNodes() []*Node {
	var nodes []*Node
	for _, bucket := range rt.buckets {
		nodes = append(nodes, bucket.GetAll()...)
	}
	return nodes
}

// Size returns the total number of nodes in the routing table
func (rt *RoutingTable) Size() int {
	total := 0
	for _, bucket := range rt.buckets {
		total += bucket.Size()
	}
	return total
}

// RemoveStale removes stale nodes from all buckets
func (rt *RoutingTable) RemoveStale(timeout time.Duration) int {
	total := 0
	for _, bucket := range rt.buckets {
		total += bucket.RemoveStale(timeout)
	}
	return total
}

// GetBucketInfo returns information about bucket utilization
func (rt *RoutingTable) GetBucketInfo() map[int]int {
	info := make(map[int]int)
	for i, bucket := range rt.buckets {
		if size := bucket.Size(); size > 0 {
			info[i] = size
		}
	}
	return info
}

// ContentKeyKnownToPeer reports whether key was already offered to or by
// peer. The first query for a pair records it and returns false.
func (rt *RoutingTable) ContentKeyKnownToPeer(peer enode.ID, key string) bool {
	known := rt.knownKeys(peer)
	ok, _ := known.ContainsOrAdd(key, struct{}{})
	return ok
}

// MarkContentKeyKnown records that peer has key
func (rt *RoutingTable) MarkContentKeyKnown(peer enode.ID, key string) {
	rt.knownKeys(peer).Add(key, struct{}{})
}

func (rt *RoutingTable) knownKeys(peer enode.ID) *lru.Cache[string, struct{}] {
	if known, ok := rt.offered.Get(peer); ok {
		return known
	}
	known, err := lru.New[string, struct{}](constants.OfferedKeysPerPeer)
	if err != nil {
		panic(err)
	}
	if prev, ok, _ := rt.offered.PeekOrAdd(peer, known); ok {
		return prev
	}
	return known
}

// getBucketIndex calculates which bucket a node ID should go into
func (rt *RoutingTable) getBucketIndex(id enode.ID) int {
	d := enode.LogDist(rt.localID, id)
	if d == 0 {
		return 0
	}
	return d - 1
}

// sortByDistance sorts nodes by distance to target and returns up to k nodes
func sortByDistance(nodes []*Node, target enode.ID, k int) []*Node {
	if len(nodes) == 0 {
		return nil
	}
	sort.Slice(nodes, func(i, j int) bool {
		return enode.DistCmp(target, nodes[i].ID(), nodes[j].ID()) < 0
	})
	if k > len(nodes) {
		k = len(nodes)
	}
	return nodes[:k]
}
