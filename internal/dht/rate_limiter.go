package dht

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
)

// RateLimiter implements a per-peer token bucket
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[enode.ID]*tokenBucket
	capacity int           // Maximum tokens in bucket
	refill   time.Duration // Time to refill one token
	cleanup  time.Duration // How often to clean up old buckets

	lastCleanup time.Time
}

type tokenBucket struct {
	tokens   int
	lastSeen time.Time
}

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	Capacity int           // Maximum tokens (requests) per bucket
	Refill   time.Duration // Time to refill one token
	Cleanup  time.Duration // How often to clean up old buckets
}

// DefaultRateLimiterConfig allows bursts of 100 requests refilled at 20/s
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		Capacity: 100,
		Refill:   50 * time.Millisecond,
		Cleanup:  10 * time.Minute,
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimiterConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	capacity, refill, cleanup := config.Capacity, config.Refill, config.Cleanup
	if capacity <= 0 {
		capacity = 100
	}
	if refill <= 0 {
		refill = 50 * time.Millisecond
	}
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}

	return &RateLimiter{
		buckets:     make(map[enode.ID]*tokenBucket),
		capacity:    capacity,
		refill:      refill,
		cleanup:     cleanup,
		lastCleanup: time.Now(),
	}
}

// Allow checks if a request from peer should be allowed
func (rl *RateLimiter) Allow(peer enode.ID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCleanup) > rl.cleanup {
		rl.performCleanup(now)
		rl.lastCleanup = now
	}

	b, exists := rl.buckets[peer]
	if !exists {
		rl.buckets[peer] = &tokenBucket{tokens: rl.capacity - 1, lastSeen: now}
		return true
	}

	added := int(now.Sub(b.lastSeen) / rl.refill)
	if added > 0 {
		b.tokens += added
		if b.tokens > rl.capacity {
			b.tokens = rl.capacity
		}
		b.lastSeen = b.lastSeen.Add(time.Duration(added) * rl.refill)
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// RetryAfter returns the whole seconds until peer gets another token
func (rl *RateLimiter) RetryAfter(peer enode.ID) uint32 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[peer]
	if !exists || b.tokens > 0 {
		return 0
	}
	wait := rl.refill - time.Since(b.lastSeen)
	if wait <= 0 {
		return 0
	}
	return uint32((wait + time.Second - 1) / time.Second)
}

// Reset resets the rate limiter for a specific peer
func (rl *RateLimiter) Reset(peer enode.ID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, peer)
}

// performCleanup removes buckets unused for an hour
func (rl *RateLimiter) performCleanup(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	for peer, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, peer)
		}
	}
}

// SecurityManager combines rate limiting with a timed blacklist of peers
// that sent invalid content
type SecurityManager struct {
	rateLimiter *RateLimiter

	mu        sync.RWMutex
	blacklist map[enode.ID]time.Time // peer -> expiry time
}

// NewSecurityManager creates a new security manager
func NewSecurityManager(config *RateLimiterConfig) *SecurityManager {
	return &SecurityManager{
		rateLimiter: NewRateLimiter(config),
		blacklist:   make(map[enode.ID]time.Time),
	}
}

// AllowRequest checks if a request from peer should be served
func (sm *SecurityManager) AllowRequest(peer enode.ID) bool {
	if sm.IsBlacklisted(peer) {
		return false
	}
	return sm.rateLimiter.Allow(peer)
}

// RetryAfter returns the seconds a rate limited peer should wait
func (sm *SecurityManager) RetryAfter(peer enode.ID) uint32 {
	if retry := sm.rateLimiter.RetryAfter(peer); retry > 0 {
		return retry
	}
	return 1
}

// Blacklist refuses requests from peer for duration
func (sm *SecurityManager) Blacklist(peer enode.ID, duration time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.blacklist[peer] = time.Now().Add(duration)
}

// IsBlacklisted checks if a peer is currently blacklisted
func (sm *SecurityManager) IsBlacklisted(peer enode.ID) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	expiry, exists := sm.blacklist[peer]
	if !exists {
		return false
	}
	if time.Now().After(expiry) {
		delete(sm.blacklist, peer)
		return false
	}
	return true
}
