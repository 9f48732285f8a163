// Package constants defines cross-cutting constants for the history network
package constants

import "time"

// Accumulator Configuration
const (
	// EpochSize is the number of header records committed to one epoch root
	EpochSize = 8192

	// MaxHistoricalEpochs bounds the historicalEpochs list of a snapshot
	MaxHistoricalEpochs = 131072
)

// Chain Configuration
const (
	// MainnetChainID is the chain id carried in every content key
	MainnetChainID = 1

	// MainnetGenesisHash is the hash of block 0 on mainnet
	MainnetGenesisHash = "0xd4e56740f876aef8c010b86a40d5f56745a118d0906a34e69aec8c0db1cb8fa3"

	// MainnetGenesisDifficulty is the difficulty (and total difficulty) of block 0
	MainnetGenesisDifficulty = 17179869184
)

// DHT Configuration
const (
	// DHT bucket size K=16, alpha=3
	DHTBucketSize = 16
	DHTAlpha      = 3

	// LookupResultSize bounds the candidate set of an iterative lookup
	LookupResultSize = 16

	// MaxNodesPerResponse caps the ENRs returned in NODES and CONTENT responses
	MaxNodesPerResponse = 16

	// OfferedKeysPerPeer is the number of content keys remembered per peer
	OfferedKeysPerPeer = 4096
)

// Gossip Configuration
const (
	// GossipBatchSize is the queue length that triggers a flush
	GossipBatchSize = 26

	// GossipFanout is the number of nearest peers offered each content id
	GossipFanout = 5

	// MaxOfferKeys caps the content keys bundled in one OFFER
	MaxOfferKeys = 64
)

// Timing Configuration
const (
	RequestTimeout = 10 * time.Second
	LookupTimeout  = 30 * time.Second
	StreamTimeout  = 60 * time.Second

	// Pending bulk reads are dropped after this long
	StreamSessionTTL = 2 * time.Minute

	// Peer table snapshot interval
	PeerSnapshotInterval = 5 * time.Minute

	// Routing table refresh interval
	RefreshInterval = 1 * time.Minute
)

// Data Configuration
const (
	// MaxInlineContentSize is the largest payload returned directly in CONTENT
	MaxInlineContentSize = 1000

	// MaxMessageSize bounds a single framed request or response
	MaxMessageSize = 1 << 20

	// MaxStreamSize bounds a single bulk transfer
	MaxStreamSize = 64 << 20

	// ContentCacheSize is the default number of items in the read cache
	ContentCacheSize = 4096
)

// Protocol Configuration
const (
	// Protocol version
	ProtocolVersion = 1

	// ALPN protocol negotiated on every connection
	ALPNProtocol = "histnet/1"

	// Default ports
	DefaultPort        = 9009
	DefaultControlAddr = "127.0.0.1:27777"
)

// Message Codes
const (
	MsgPing        = 0x00
	MsgPong        = 0x01
	MsgFindNodes   = 0x02
	MsgNodes       = 0x03
	MsgFindContent = 0x04
	MsgContent     = 0x05
	MsgOffer       = 0x06
	MsgAccept      = 0x07
)

// Error Codes
const (
	ErrorMalformed       = 1
	ErrorUnknownMessage  = 2
	ErrorTooLarge        = 3
	ErrorRateLimit       = 4
	ErrorVersionMismatch = 5
	ErrorNotFound        = 6
)
