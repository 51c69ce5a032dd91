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
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/metrics"
)

// IndexConfig holds the configuration for the KV-block index.
// It may configure several backends such as listed within the struct.
// If multiple backends are configured, only the first one will be used.
type IndexConfig struct {
	// InMemoryConfig holds the configuration for the in-memory index.
	InMemoryConfig *InMemoryIndexConfig `json:"inMemoryConfig"`
	// RedisConfig holds the configuration for the Redis index.
	RedisConfig *RedisIndexConfig `json:"redisConfig"`

	// EnableMetrics toggles whether admissions/evictions/hits/misses are
	// recorded.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval defines the interval at which metrics are logged.
	// If zero, metrics logging is disabled.
	// Requires `EnableMetrics` to be true.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// DefaultIndexConfig returns a default configuration for the KV-block index.
func DefaultIndexConfig() *IndexConfig {
	return &IndexConfig{
		InMemoryConfig: DefaultInMemoryIndexConfig(),
		EnableMetrics:  false,
	}
}

// NewIndex creates a new Index instance.
func NewIndex(ctx context.Context, cfg *IndexConfig) (Index, error) {
	if cfg == nil {
		cfg = DefaultIndexConfig()
	}

	var idx Index
	var err error

	switch {
	case cfg.InMemoryConfig != nil:
		idx, err = NewInMemoryIndex(cfg.InMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
	case cfg.RedisConfig != nil:
		//nolint:contextcheck // the Redis client pings with its own context
		idx, err = NewRedisIndex(cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis index: %w", err)
		}
	default:
		return nil, fmt.Errorf("no valid index configuration provided")
	}

	// wrap in metrics only if enabled
	if cfg.EnableMetrics {
		idx = NewInstrumentedIndex(idx)
		metrics.Register()
		if cfg.MetricsLoggingInterval > 0 {
			// this is non-blocking
			metrics.StartMetricsLogging(ctx, cfg.MetricsLoggingInterval)
		}
	}

	return idx, nil
}

// Index defines the interface for a backend that tracks which workers hold
// which KV-blocks.
//
// The index is a content-addressed trie: every block is a node keyed by
// (adapter id, chained block hash), linked to its parent block by hash.
// Chains of blocks mirror the prefix structure of requests, so identical
// leading token sequences across workers collapse to the same nodes. Each
// node carries the set of workers currently caching that block.
//
// Index operations are thread-safe and can be performed concurrently.
// Writes for a single worker must be applied in that worker's event order;
// writes from different workers commute.
type Index interface {
	// Lookup walks the given chain of keys in order and returns the workers
	// caching each block, filtered to workerFilter when non-empty.
	// The walk stops when the prefix chain breaks: a key with no node, or a
	// node no worker owns. Keys past the break are absent from the result.
	Lookup(ctx context.Context, keys []Key, workerFilter sets.Set[int64]) (map[Key][]int64, error)
	// Add records that workerID caches the given chain of blocks.
	// The keys are consecutive: keys[i] is the child of keys[i-1], and
	// keys[0] is the child of parent, or of the trie root when parent is
	// nil. An add whose parent is neither the root nor present is rejected
	// so that no node ever dangles without its prefix.
	// Re-adding a block a worker already owns is a no-op.
	Add(ctx context.Context, parent *uint64, keys []Key, workerID int64) error
	// Evict removes workerID from the owner set of key. Nodes left with no
	// owners and no children are pruned, recursively toward the root.
	// Evicting an absent block or a non-owner is a no-op.
	Evict(ctx context.Context, key Key, workerID int64) error
	// EvictWorker removes workerID from every owner set across all adapters
	// and prunes as Evict does. It is triggered by liveness expiry or by a
	// worker clearing its cache, never by the index itself.
	EvictWorker(ctx context.Context, workerID int64) error
}

// Key struct represents a unique identifier for a KV-cache block.
type Key struct {
	// AdapterID partitions the cache namespace by LoRA adapter; 0 is the
	// base model.
	AdapterID int64
	// Hash is the block's content hash, chained to its parent's hash.
	Hash uint64
}

// String returns a string representation of the Key.
func (k *Key) String() string {
	return fmt.Sprintf("%d@%d", k.AdapterID, k.Hash)
}
