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

package kvrouter

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvblock"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/metrics"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/workload"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// Config holds the configuration for the Router module.
// The configuration covers the different components found in the Router
// module.
type Config struct {
	TokenProcessorConfig *kvblock.TokenProcessorConfig `json:"tokenProcessorConfig"`
	IndexConfig          *kvblock.IndexConfig          `json:"indexConfig"`
	WorkloadConfig       *workload.Config              `json:"workloadConfig"`
	SchedulerConfig      *SchedulerConfig              `json:"schedulerConfig"`
}

// NewDefaultConfig returns a default configuration for the Router module.
func NewDefaultConfig() *Config {
	return &Config{
		TokenProcessorConfig: kvblock.DefaultTokenProcessorConfig(),
		IndexConfig:          kvblock.DefaultIndexConfig(),
		WorkloadConfig:       workload.DefaultConfig(),
		SchedulerConfig:      DefaultSchedulerConfig(),
	}
}

// Router routes requests to the workers most likely to already hold their
// KV-cache prefix. One Router serves one routing domain; create it once and
// pass the handle explicitly.
type Router struct {
	config *Config

	tokensProcessor kvblock.TokenProcessor // turns tokens to block keys
	blockIndex      kvblock.Index          // looks up workers for block keys
	workloads       *workload.Store        // latest load snapshot per worker
	scheduler       *scheduler             // weighted composite selection

	rr roundRobinState
}

// NewRouter creates a Router given a Config.
func NewRouter(ctx context.Context, config *Config) (*Router, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	tokensProcessor, err := kvblock.NewChunkedTokenDatabase(config.TokenProcessorConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create token processor: %w", err)
	}

	blockIndex, err := kvblock.NewIndex(ctx, config.IndexConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kvblock.Index: %w", err)
	}

	workloads, err := workload.NewStore(config.WorkloadConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create workload store: %w", err)
	}

	sched, err := newScheduler(config.SchedulerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Router{
		config:          config,
		tokensProcessor: tokensProcessor,
		blockIndex:      blockIndex,
		workloads:       workloads,
		scheduler:       sched,
	}, nil
}

// BlockIndex returns the kvblock.Index used by the Router.
// The event ingestion pool mutates the index through this handle.
func (r *Router) BlockIndex() kvblock.Index {
	return r.blockIndex
}

// Workloads returns the workload store used by the Router.
// Workers publish their load snapshots through this handle.
func (r *Router) Workloads() *workload.Store {
	return r.workloads
}

// FindMatches returns, per worker, how many consecutive leading blocks of
// the request the worker already caches. Workers outside workerFilter are
// ignored when the filter is non-empty. Inputs shorter than one block yield
// an empty map.
func (r *Router) FindMatches(ctx context.Context, tokens []uint32, adapterID int64,
	workerFilter sets.Set[int64],
) (map[int64]int, error) {
	matches, _, err := r.findMatches(ctx, tokens, adapterID, workerFilter)
	return matches, err
}

func (r *Router) findMatches(ctx context.Context, tokens []uint32, adapterID int64,
	workerFilter sets.Set[int64],
) (map[int64]int, int, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvrouter.FindMatches")

	blockKeys := r.tokensProcessor.TokensToBlockKeys(tokens, adapterID)
	if len(blockKeys) == 0 {
		return map[int64]int{}, 0, nil
	}
	traceLogger.Info("computed block keys", "tokens", len(tokens), "blocks", len(blockKeys))

	keyToWorkers, err := r.blockIndex.Lookup(ctx, blockKeys, workerFilter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query kvblock index: %w", err)
	}

	matches := consecutiveMatches(blockKeys, keyToWorkers)
	traceLogger.Info("matched workers", "matches", matches)
	return matches, len(blockKeys), nil
}

// consecutiveMatches folds per-key owner lists into per-worker counts of
// consecutive leading blocks. A worker's count stops growing at the first
// block it does not own; workers owning none of the leading blocks are
// absent from the result.
func consecutiveMatches(keys []kvblock.Key, keyToWorkers map[kvblock.Key][]int64) map[int64]int {
	matches := make(map[int64]int)
	if len(keys) == 0 {
		return matches
	}

	active := sets.New(keyToWorkers[keys[0]]...)
	for workerID := range active {
		matches[workerID] = 1
	}

	for i := 1; i < len(keys); i++ {
		if active.Len() == 0 {
			break
		}

		active = active.Intersection(sets.New(keyToWorkers[keys[i]]...))
		for workerID := range active {
			matches[workerID]++
		}
	}

	return matches
}

// Schedule picks the worker to serve a request, weighing prefix-cache
// overlap against load. Only workers with a load snapshot fresher than the
// configured staleness bound are candidates; with no such worker the call
// fails with ErrNoWorkerAvailable. The decision is a pure function of the
// current index and workload state.
func (r *Router) Schedule(ctx context.Context, tokens []uint32, adapterID int64) (int64, error) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvrouter.Schedule")

	fresh := r.workloads.Fresh(r.scheduler.staleness)
	if len(fresh) == 0 {
		metrics.DecisionFailures.Inc()
		return 0, fmt.Errorf("%w: no worker with fresh metrics", ErrNoWorkerAvailable)
	}

	workerFilter := sets.New[int64]()
	for workerID := range fresh {
		workerFilter.Insert(workerID)
	}

	matches, totalBlocks, err := r.findMatches(ctx, tokens, adapterID, workerFilter)
	if err != nil {
		return 0, err
	}

	candidates := make([]candidate, 0, len(fresh))
	for workerID, entry := range fresh {
		candidates = append(candidates, candidate{
			workerID:      workerID,
			snapshot:      entry.Snapshot,
			matchedBlocks: matches[workerID],
		})
	}

	workerID, scores, err := r.scheduler.pick(totalBlocks, candidates)
	if err != nil {
		metrics.DecisionFailures.Inc()
		return 0, err
	}

	metrics.Decisions.Inc()
	debugLogger.Info("scheduled request", "worker", workerID,
		"score", scores[workerID], "matched-blocks", matches[workerID],
		"total-blocks", totalBlocks, "candidates", len(candidates))
	return workerID, nil
}

// EvictWorker removes a worker from the routing domain: its blocks leave the
// index and its load snapshot is dropped. Call on deregistration or lease
// expiry.
func (r *Router) EvictWorker(ctx context.Context, workerID int64) error {
	if err := r.blockIndex.EvictWorker(ctx, workerID); err != nil {
		return fmt.Errorf("failed to evict worker %d from index: %w", workerID, err)
	}

	r.workloads.Remove(workerID)
	klog.FromContext(ctx).V(logging.DEBUG).WithName("kvrouter.EvictWorker").
		Info("evicted worker from routing domain", "worker", workerID)
	return nil
}
