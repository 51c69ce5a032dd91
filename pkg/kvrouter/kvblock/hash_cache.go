/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvblock

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
)

const (
	defaultHashCacheCounters = 1e7  // 10M fingerprints
	defaultBufferItems       = 64   // default buffer size for ristretto
	hashEntryCost            = int64(64)
)

// HashCacheConfig holds the configuration for the chunk-hash memo cache.
type HashCacheConfig struct {
	// Size is the maximum memory size that can be used by the cache.
	// Supports human-readable formats like "128MiB", "1GB", etc.
	Size string `json:"size,omitempty"`
}

func DefaultHashCacheConfig() *HashCacheConfig {
	return &HashCacheConfig{
		Size: "128MiB",
	}
}

// HashCache memoizes chained chunk hashes so repeated prompt prefixes skip
// the CBOR and SHA-256 work. Entries are admitted cost-aware; a miss only
// costs a recomputation, so arbitrary eviction is safe here.
type HashCache struct {
	data *ristretto.Cache[uint64, uint64]
}

// NewHashCache creates a new HashCache instance.
func NewHashCache(cfg *HashCacheConfig) (*HashCache, error) {
	if cfg == nil {
		cfg = DefaultHashCacheConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize hash cache: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, uint64]{
		NumCounters: defaultHashCacheCounters, // number of keys to track.
		MaxCost:     int64(sizeBytes),         // #nosec G115 , maximum cost of cache
		BufferItems: defaultBufferItems,       // number of keys per Get buffer.
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize hash cache: %w", err)
	}

	return &HashCache{data: cache}, nil
}

// Fingerprint folds the chunk-hash inputs into a single memo key.
func Fingerprint(parent uint64, tokens []uint32, adapterID int64) uint64 {
	digest := xxhash.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], parent)
	_, _ = digest.Write(buf[:])

	for _, token := range tokens {
		binary.LittleEndian.PutUint32(buf[:4], token)
		_, _ = digest.Write(buf[:4])
	}

	binary.BigEndian.PutUint64(buf[:], uint64(adapterID)) // #nosec G115
	_, _ = digest.Write(buf[:])

	return digest.Sum64()
}

// Get returns the memoized hash for a fingerprint.
func (c *HashCache) Get(fingerprint uint64) (uint64, bool) {
	return c.data.Get(fingerprint)
}

// Put memoizes a computed hash under its fingerprint.
// Each entry carries a fixed cost; ristretto bookkeeping dominates the
// sixteen payload bytes.
func (c *HashCache) Put(fingerprint, hashVal uint64) {
	c.data.Set(fingerprint, hashVal, hashEntryCost)
}

// Wait blocks until buffered writes have been admitted.
func (c *HashCache) Wait() {
	c.data.Wait()
}
