// Package dht implements the Kademlia routing table of the history network
// overlay, keyed by node id with the XOR metric.
package dht

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/holiman/uint256"
)

// MaxRadius is the radius of a peer whose advertised radius is unknown
var MaxRadius = new(uint256.Int).SetAllOne()

// Node represents a peer node in the DHT
type Node struct {
	Record   *enode.Node  // Signed node record
	Radius   *uint256.Int // Advertised storage radius
	LastSeen time.Time    // Last time we heard from this node
}

// NewNode creates a new DHT node from its record
func NewNode(record *enode.Node) *Node {
	return &Node{
		Record:   record,
		Radius:   new(uint256.Int).Set(MaxRadius),
		LastSeen: time.Now(),
	}
}

// ID returns the node id
func (n *Node) ID() enode.ID {
	return n.Record.ID()
}

// Distance calculates the XOR distance between two ids as a number
func Distance(a, b enode.ID) *uint256.Int {
	var xor [32]byte
	for i := range xor {
		xor[i] = a[i] ^ b[i]
	}
	return new(uint256.Int).SetBytes(xor[:])
}

// InRadius reports whether target falls inside the node's storage radius
func (n *Node) InRadius(target enode.ID) bool {
	return Distance(n.ID(), target).Cmp(n.Radius) <= 0
}

// UpdateLastSeen updates the last seen timestamp
func (n *Node) UpdateLastSeen() {
	n.LastSeen = time.Now()
}

// IsStale returns true if the node hasn't been seen recently
func (n *Node) IsStale(timeout time.Duration) bool {
	return time.Since(n.LastSeen) > timeout
}

// Copy creates a copy of the node. The record is immutable and shared.
func (n *Node) Copy() *Node {
	return &Node{
		Record:   n.Record,
		Radius:   new(uint256.Int).Set(n.Radius),
		LastSeen: n.LastSeen,
	}
}

// String returns a string representation of the node
func (n *Node) String() string {
	return fmt.Sprintf("Node{ID: %s, Addr: %s:%d, LastSeen: %v}",
		n.ID().TerminalString(), n.Record.IP(), n.Record.TCP(), n.LastSeen.Format(time.RFC3339))
}
