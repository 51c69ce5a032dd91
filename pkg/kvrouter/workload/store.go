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

// Package workload tracks per-worker load snapshots published by serving
// workers and exposes them to the router with update timestamps, leaving
// staleness filtering to the reader.
package workload

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/metrics"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// ErrInvalidMetricsValue marks snapshots rejected by validation.
var ErrInvalidMetricsValue = errors.New("invalid metrics value")

// Snapshot carries one worker's load readings.
type Snapshot struct {
	ActiveRequestSlots int64 `json:"activeRequestSlots"`
	TotalRequestSlots  int64 `json:"totalRequestSlots"`
	ActiveKVBlocks     int64 `json:"activeKVBlocks"`
	TotalKVBlocks      int64 `json:"totalKVBlocks"`
	WaitingRequests    int64 `json:"waitingRequests"`
	// CacheUsage is the fraction of KV-cache capacity in use, in [0,1].
	CacheUsage float64 `json:"cacheUsage"`
	// PrefixHitRate is the worker-reported prefix cache hit rate, in [0,1].
	PrefixHitRate float64 `json:"prefixHitRate"`
}

// Validate checks the snapshot's ranges: counts must be non-negative,
// active counts must not exceed their totals, and fractions must lie in
// [0,1]. Violations are reported wrapping ErrInvalidMetricsValue.
func (s *Snapshot) Validate() error {
	counts := []struct {
		name  string
		value int64
	}{
		{"activeRequestSlots", s.ActiveRequestSlots},
		{"totalRequestSlots", s.TotalRequestSlots},
		{"activeKVBlocks", s.ActiveKVBlocks},
		{"totalKVBlocks", s.TotalKVBlocks},
		{"waitingRequests", s.WaitingRequests},
	}
	for _, count := range counts {
		if count.value < 0 {
			return fmt.Errorf("%w: %s is negative (%d)", ErrInvalidMetricsValue, count.name, count.value)
		}
	}

	if s.ActiveRequestSlots > s.TotalRequestSlots {
		return fmt.Errorf("%w: activeRequestSlots (%d) exceeds totalRequestSlots (%d)",
			ErrInvalidMetricsValue, s.ActiveRequestSlots, s.TotalRequestSlots)
	}
	if s.ActiveKVBlocks > s.TotalKVBlocks {
		return fmt.Errorf("%w: activeKVBlocks (%d) exceeds totalKVBlocks (%d)",
			ErrInvalidMetricsValue, s.ActiveKVBlocks, s.TotalKVBlocks)
	}

	fractions := []struct {
		name  string
		value float64
	}{
		{"cacheUsage", s.CacheUsage},
		{"prefixHitRate", s.PrefixHitRate},
	}
	for _, fraction := range fractions {
		if math.IsNaN(fraction.value) || fraction.value < 0 || fraction.value > 1 {
			return fmt.Errorf("%w: %s out of [0,1] (%g)", ErrInvalidMetricsValue, fraction.name, fraction.value)
		}
	}

	return nil
}

// FreeSlotFraction returns the fraction of request slots not in use,
// or zero when the worker reports no slots at all.
func (s *Snapshot) FreeSlotFraction() float64 {
	if s.TotalRequestSlots == 0 {
		return 0
	}
	return 1 - float64(s.ActiveRequestSlots)/float64(s.TotalRequestSlots)
}

// Entry pairs a published snapshot with its arrival time.
type Entry struct {
	Snapshot  Snapshot
	UpdatedAt time.Time
}

// defaultShardCount is the default number of lock shards in the store.
const defaultShardCount = 16

// Config holds the configuration for the workload store.
type Config struct {
	// ShardCount is the number of lock shards; publishes for different
	// workers mostly land on different shards.
	ShardCount int `json:"shardCount"`
}

// DefaultConfig returns a default configuration for the workload store.
func DefaultConfig() *Config {
	return &Config{
		ShardCount: defaultShardCount,
	}
}

// Store holds the latest validated snapshot per worker.
type Store struct {
	shards []*shard
	now    func() time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[int64]Entry
}

// NewStore creates a new Store instance.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if cfg.ShardCount <= 0 {
		return nil, fmt.Errorf("failed to initialize workload store: shardCount must be positive, got %d",
			cfg.ShardCount)
	}

	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[int64]Entry)}
	}

	return &Store{
		shards: shards,
		now:    time.Now,
	}, nil
}

func (s *Store) shardFor(workerID int64) *shard {
	h := fnv.New32a()
	var workerBytes [8]byte
	binary.BigEndian.PutUint64(workerBytes[:], uint64(workerID)) // #nosec G115
	_, _ = h.Write(workerBytes[:])
	return s.shards[h.Sum32()%uint32(len(s.shards))] //nolint:gosec // shard count is small
}

// Publish validates and stores a worker's snapshot. A snapshot that fails
// validation is rejected and the previously stored one, if any, stays in
// place.
func (s *Store) Publish(ctx context.Context, workerID int64, snapshot Snapshot) error {
	if err := snapshot.Validate(); err != nil {
		metrics.PublishRejections.Inc()
		return fmt.Errorf("rejecting snapshot for worker %d: %w", workerID, err)
	}

	sh := s.shardFor(workerID)
	sh.mu.Lock()
	sh.entries[workerID] = Entry{Snapshot: snapshot, UpdatedAt: s.now()}
	sh.mu.Unlock()

	metrics.Publishes.Inc()
	klog.FromContext(ctx).V(logging.TRACE).WithName("workload.Store.Publish").
		Info("stored worker snapshot", "worker", workerID, "waiting", snapshot.WaitingRequests)
	return nil
}

// Get returns the stored entry for a worker.
func (s *Store) Get(workerID int64) (Entry, bool) {
	sh := s.shardFor(workerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	entry, found := sh.entries[workerID]
	return entry, found
}

// All returns a copy of every stored entry.
func (s *Store) All() map[int64]Entry {
	out := make(map[int64]Entry)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for workerID, entry := range sh.entries {
			out[workerID] = entry
		}
		sh.mu.RUnlock()
	}
	return out
}

// Fresh returns a copy of the entries updated within the given bound.
// The store never expires entries on its own; a non-positive bound admits
// nothing.
func (s *Store) Fresh(bound time.Duration) map[int64]Entry {
	cutoff := s.now().Add(-bound)
	out := make(map[int64]Entry)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for workerID, entry := range sh.entries {
			if entry.UpdatedAt.After(cutoff) {
				out[workerID] = entry
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Remove drops a worker's entry.
func (s *Store) Remove(workerID int64) {
	sh := s.shardFor(workerID)
	sh.mu.Lock()
	delete(sh.entries, workerID)
	sh.mu.Unlock()
}

// Len returns the number of workers with a stored entry.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}
