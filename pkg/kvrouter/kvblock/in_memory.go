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
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// defaultWorkersPerNode bounds the owner set kept per block node.
const defaultWorkersPerNode = 10

// InMemoryIndexConfig holds the configuration for the InMemoryIndex.
type InMemoryIndexConfig struct {
	// WorkersPerNode is the maximum number of workers tracked per block.
	// When more workers cache the same block, the coldest owner is displaced.
	WorkersPerNode int `json:"workersPerNode"`
}

// DefaultInMemoryIndexConfig returns a default configuration for the InMemoryIndex.
func DefaultInMemoryIndexConfig() *InMemoryIndexConfig {
	return &InMemoryIndexConfig{
		WorkersPerNode: defaultWorkersPerNode,
	}
}

// NewInMemoryIndex creates a new InMemoryIndex instance.
func NewInMemoryIndex(cfg *InMemoryIndexConfig) (*InMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultInMemoryIndexConfig()
	}

	if cfg.WorkersPerNode <= 0 {
		return nil, fmt.Errorf("failed to initialize in-memory index: workersPerNode must be positive, got %d",
			cfg.WorkersPerNode)
	}

	return &InMemoryIndex{
		adapters:       make(map[int64]*adapterTrie),
		workersPerNode: cfg.WorkersPerNode,
	}, nil
}

// InMemoryIndex is an in-memory implementation of the Index interface.
//
// Nodes live in per-adapter arenas keyed by block hash; parent and child
// relations are expressed as hash lookups, never as direct references, so
// pruning one node can never leave a dangling pointer. Each adapter subtree
// has its own reader-writer lock: lookups on one adapter proceed in parallel
// with event ingestion on another. Node lifetime is governed solely by
// remove events and eviction sweeps, so the arena carries no size bound of
// its own; only owner sets are LRU-bounded.
type InMemoryIndex struct {
	// mu protects the adapters map, not the tries behind it.
	mu       sync.RWMutex
	adapters map[int64]*adapterTrie

	// workersPerNode is the maximum number of owners tracked per node.
	workersPerNode int
}

var _ Index = &InMemoryIndex{}

// adapterTrie is one adapter's block arena.
type adapterTrie struct {
	mu    sync.RWMutex
	nodes map[uint64]*trieNode
}

// trieNode is one point in the prefix trie.
type trieNode struct {
	// parent is the hash of the predecessor block; nil means the node hangs
	// off the trie root.
	parent *uint64
	// children holds the hashes of blocks extending this one.
	children sets.Set[uint64]
	// workers is the LRU-bounded set of workers caching this block.
	workers *lru.Cache[int64, struct{}]
}

// trie returns the arena for adapterID, or nil if the adapter was never
// indexed.
func (m *InMemoryIndex) trie(adapterID int64) *adapterTrie {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adapters[adapterID]
}

// trieOrCreate returns the arena for adapterID, creating it on first use.
func (m *InMemoryIndex) trieOrCreate(adapterID int64) *adapterTrie {
	if t := m.trie(adapterID); t != nil {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, found := m.adapters[adapterID]; found {
		return t
	}

	t := &adapterTrie{nodes: make(map[uint64]*trieNode)}
	m.adapters[adapterID] = t
	return t
}

// Lookup walks the given chain of keys in order and returns the workers
// caching each block, filtered to workerFilter when non-empty.
// The walk stops when the prefix chain breaks.
func (m *InMemoryIndex) Lookup(ctx context.Context, keys []Key,
	workerFilter sets.Set[int64],
) (map[Key][]int64, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys provided for lookup")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.Lookup")

	workersPerKey := make(map[Key][]int64)

	trie := m.trie(keys[0].AdapterID)
	if trie == nil {
		traceLogger.Info("adapter not indexed", "adapter", keys[0].AdapterID)
		return workersPerKey, nil
	}

	trie.mu.RLock()
	defer trie.mu.RUnlock()

	highestHitIdx := 0

	for idx, key := range keys {
		node, found := trie.nodes[key.Hash]
		if !found {
			traceLogger.Info("key not found in index, cutting search", "key", key)
			return workersPerKey, nil // early stop since prefix-chain breaks here
		}

		if node.workers.Len() == 0 {
			// An unowned node is pruned when the last owner leaves; an empty
			// set here means an eviction is mid-flight. The chain still breaks.
			traceLogger.Info("no workers found for key, cutting search", "key", key)
			return workersPerKey, nil
		}

		highestHitIdx = idx

		if workerFilter.Len() == 0 {
			// No filter, return all owners.
			workersPerKey[key] = node.workers.Keys()
		} else {
			for _, workerID := range node.workers.Keys() {
				if workerFilter.Has(workerID) {
					workersPerKey[key] = append(workersPerKey[key], workerID)
				}
			}
		}
	}

	traceLogger.Info("lookup completed", "highest-hit-index", highestHitIdx,
		"workers-per-key", workersPerKeyPrintHelper(workersPerKey))

	return workersPerKey, nil
}

// Add records that workerID caches the given chain of blocks.
// Only the head of the chain needs link validation: every following key
// attaches to the key just processed.
func (m *InMemoryIndex) Add(ctx context.Context, parent *uint64, keys []Key, workerID int64) error {
	if len(keys) == 0 {
		return fmt.Errorf("no keys provided for adding to index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.Add")

	trie := m.trieOrCreate(keys[0].AdapterID)
	trie.mu.Lock()
	defer trie.mu.Unlock()

	if parent != nil {
		if _, found := trie.nodes[*parent]; !found {
			return fmt.Errorf("parent block %d not present for block %d, dropping chain of %d blocks",
				*parent, keys[0].Hash, len(keys))
		}
	}

	prev := parent
	for _, key := range keys {
		node, found := trie.nodes[key.Hash]
		if !found {
			workers, err := lru.New[int64, struct{}](m.workersPerNode)
			if err != nil {
				return fmt.Errorf("failed to create worker cache for key %s: %w", key.String(), err)
			}

			node = &trieNode{
				parent:   prev,
				children: sets.New[uint64](),
				workers:  workers,
			}
			trie.nodes[key.Hash] = node

			if prev != nil {
				trie.nodes[*prev].children.Insert(key.Hash)
			}
		}

		node.workers.Add(workerID, struct{}{})
		traceLogger.Info("added worker to key", "key", key, "worker", workerID)

		hash := key.Hash
		prev = &hash
	}

	return nil
}

// Evict removes workerID from the owner set of key and prunes nodes the
// removal emptied.
func (m *InMemoryIndex) Evict(ctx context.Context, key Key, workerID int64) error {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.Evict")

	trie := m.trie(key.AdapterID)
	if trie == nil {
		traceLogger.Info("adapter not indexed, nothing to evict", "adapter", key.AdapterID)
		return nil
	}

	trie.mu.Lock()
	defer trie.mu.Unlock()

	node, found := trie.nodes[key.Hash]
	if !found {
		traceLogger.Info("key not found in index, nothing to evict", "key", key)
		return nil
	}

	if node.workers.Remove(workerID) {
		traceLogger.Info("evicted worker from key", "key", key, "worker", workerID)
	}

	m.pruneLocked(ctx, trie, key.Hash)
	return nil
}

// EvictWorker removes workerID from every owner set across all adapters.
func (m *InMemoryIndex) EvictWorker(ctx context.Context, workerID int64) error {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvblock.InMemoryIndex.EvictWorker")

	m.mu.RLock()
	tries := make([]*adapterTrie, 0, len(m.adapters))
	for _, trie := range m.adapters {
		tries = append(tries, trie)
	}
	m.mu.RUnlock()

	removed := 0
	for _, trie := range tries {
		trie.mu.Lock()

		var emptied []uint64
		for hash, node := range trie.nodes {
			if node.workers.Remove(workerID) {
				removed++
				if node.workers.Len() == 0 && node.children.Len() == 0 {
					emptied = append(emptied, hash)
				}
			}
		}

		// Prune leaves first; pruneLocked cascades into ancestors the sweep
		// itself emptied.
		for _, hash := range emptied {
			m.pruneLocked(ctx, trie, hash)
		}

		trie.mu.Unlock()
	}

	debugLogger.Info("evicted worker from index", "worker", workerID, "blocks", removed)
	return nil
}

// pruneLocked removes the node at hash if it has no owners and no children,
// then walks the parent chain pruning ancestors the removal emptied.
// The caller must hold the trie write lock.
func (m *InMemoryIndex) pruneLocked(ctx context.Context, trie *adapterTrie, hash uint64) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.prune")

	cur := &hash
	for cur != nil {
		node, found := trie.nodes[*cur]
		if !found {
			return
		}

		if node.workers.Len() != 0 || node.children.Len() != 0 {
			return
		}

		delete(trie.nodes, *cur)
		traceLogger.Info("pruned empty block node", "hash", *cur)

		if node.parent != nil {
			if parentNode, found := trie.nodes[*node.parent]; found {
				parentNode.children.Delete(*cur)
			}
		}

		cur = node.parent
	}
}

// workersPerKeyPrintHelper formats a map of keys to worker ids for printing.
func workersPerKeyPrintHelper(ks map[Key][]int64) string {
	flattened := ""
	for k, v := range ks {
		flattened += fmt.Sprintf("%s: %v\n", k.String(), v)
	}

	return flattened
}
