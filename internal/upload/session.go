// Package upload provides resumable chunked upload sessions that assemble
// client bytes into validated, content-addressed blobs.
package upload

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// newSessionID creates a new opaque upload session ID.
// Format: up-<timestamp>-<random>
// Example: up-1701432000-a1b2c3d4
func newSessionID() string {
	timestamp := time.Now().Unix()
	random := make([]byte, 4)
	if _, err := rand.Read(random); err != nil {
		// Fallback to timestamp only if crypto/rand fails
		return fmt.Sprintf("up-%d", timestamp)
	}
	return fmt.Sprintf("up-%d-%s", timestamp, hex.EncodeToString(random))
}

// bitset is a fixed-size bit array tracking received chunk indices.
type bitset struct {
	bits []uint64
	n    int
}

func newBitset(n int) *bitset {
	return &bitset{bits: make([]uint64, (n+63)/64), n: n}
}

func (b *bitset) set(i int) {
	b.bits[i/64] |= 1 << (uint(i) % 64)
}

func (b *bitset) get(i int) bool {
	return b.bits[i/64]&(1<<(uint(i)%64)) != 0
}

// full reports whether every bit in [0, n) is set.
func (b *bitset) full() bool {
	for i := 0; i < b.n; i++ {
		if !b.get(i) {
			return false
		}
	}
	return true
}

// count returns the number of set bits.
func (b *bitset) count() int {
	c := 0
	for i := 0; i < b.n; i++ {
		if b.get(i) {
			c++
		}
	}
	return c
}

// session tracks an in-progress chunked upload. Chunk files live on disk
// under the session directory; this struct holds only metadata.
// The received bitmap accrues monotonically: an accepted chunk index is
// never cleared, and rewriting it with a different length is a conflict.
type session struct {
	mu sync.Mutex

	id           string
	principalID  string
	filename     string
	declaredSize int64
	declaredType string
	chunkSize    int64
	totalChunks  int
	received     *bitset
	dir          string
	createdAt    time.Time
	expiresAt    time.Time
}

// expired reports whether the session TTL has lapsed as of now.
func (s *session) expired(now time.Time) bool {
	return now.After(s.expiresAt)
}

// expectedChunkLen returns the required byte length for a chunk index.
// All chunks are exactly chunkSize except the last, which carries the
// remainder of the declared size.
func (s *session) expectedChunkLen(index int) int64 {
	if index == s.totalChunks-1 {
		rem := s.declaredSize - int64(s.totalChunks-1)*s.chunkSize
		return rem
	}
	return s.chunkSize
}
