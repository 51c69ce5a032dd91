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

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvblock"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvevents"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/workload"
	"github.com/llm-d/llm-d-kv-router/pkg/utils"
)

// requestTokens spans four blocks at the suite's block size of four.
var requestTokens = []uint32{
	10, 11, 12, 13,
	20, 21, 22, 23,
	30, 31, 32, 33,
	40, 41, 42, 43,
}

// halfTokens covers the first two blocks of requestTokens.
var halfTokens = requestTokens[:8]

// sendEvents marshals tagged-union events into a batch and injects it into
// the pool the way the ZMQ subscriber would.
func (s *KVRouterSuite) sendEvents(workerID int64, events ...[]any) {
	raws := make([]msgpack.RawMessage, 0, len(events))
	for _, taggedUnion := range events {
		raw, err := msgpack.Marshal(taggedUnion)
		s.Require().NoError(err)
		raws = append(raws, raw)
	}

	payload, err := msgpack.Marshal(&kvevents.EventBatch{
		TS:     float64(time.Now().UnixNano()) / 1e9,
		Events: raws,
	})
	s.Require().NoError(err)

	s.pool.AddTask(&kvevents.Message{
		Topic:     fmt.Sprintf("kv@%d@%s", workerID, testModelName),
		Payload:   payload,
		WorkerID:  workerID,
		ModelName: testModelName,
	})
}

// TestEventLifecycle drives a worker's cache lifecycle through the event
// pool and verifies every stage through the router's match counts.
func (s *KVRouterSuite) TestEventLifecycle() {
	blockKeys := s.tokensToKeys(requestTokens, 0)
	hashes := utils.SliceMap(blockKeys, func(k kvblock.Key) uint64 { return k.Hash })

	s.sendEvents(workerA, kvevents.BlockStored{
		BlockHashes: hashes,
		TokenIds:    requestTokens,
		BlockSize:   4,
	}.ToTaggedUnion())

	s.Require().Eventually(func() bool {
		matches := s.matchesFor(requestTokens, 0)
		return len(matches) == 1 && matches[workerA] == 4
	}, 2*time.Second, 20*time.Millisecond, "stored blocks never became visible")

	// Removing the tail blocks shortens the match without breaking the
	// prefix.
	s.sendEvents(workerA, kvevents.BlockRemoved{BlockHashes: hashes[2:]}.ToTaggedUnion())

	s.Require().Eventually(func() bool {
		matches := s.matchesFor(requestTokens, 0)
		return matches[workerA] == 2
	}, 2*time.Second, 20*time.Millisecond, "removed blocks still counted")

	// A cleared cache drops the worker from the index entirely.
	s.sendEvents(workerA, kvevents.AllBlocksCleared{}.ToTaggedUnion())

	s.Require().Eventually(func() bool {
		return len(s.matchesFor(requestTokens, 0)) == 0
	}, 2*time.Second, 20*time.Millisecond, "cleared worker still matched")
}

// TestScheduleFollowsCachedPrefix verifies that with equal load the worker
// caching the longer request prefix wins.
func (s *KVRouterSuite) TestScheduleFollowsCachedPrefix() {
	s.storeWorkerBlocks(requestTokens, 0, workerA)
	s.storeWorkerBlocks(halfTokens, 0, workerB)

	matches := s.matchesFor(requestTokens, 0)
	s.Equal(map[int64]int{workerA: 4, workerB: 2}, matches)

	s.publishSnapshot(workerA, idleSnapshot())
	s.publishSnapshot(workerB, idleSnapshot())

	workerID, err := s.router.Schedule(s.ctx, requestTokens, 0)
	s.Require().NoError(err)
	s.Equal(workerA, workerID)
}

// TestScheduleDrainsToLessLoadedWorker verifies that with equal cache
// overlap the less loaded worker wins.
func (s *KVRouterSuite) TestScheduleDrainsToLessLoadedWorker() {
	s.storeWorkerBlocks(halfTokens, 0, workerA)
	s.storeWorkerBlocks(halfTokens, 0, workerB)

	s.publishSnapshot(workerA, busySnapshot())
	s.publishSnapshot(workerB, idleSnapshot())

	workerID, err := s.router.Schedule(s.ctx, requestTokens, 0)
	s.Require().NoError(err)
	s.Equal(workerB, workerID)
}

// TestAdapterScopedRouting verifies that cached blocks only attract
// requests for the adapter they were stored under.
func (s *KVRouterSuite) TestAdapterScopedRouting() {
	const adapterID = int64(3)
	s.storeWorkerBlocks(requestTokens, adapterID, workerA)

	s.publishSnapshot(workerA, slightlyBusySnapshot())
	s.publishSnapshot(workerB, idleSnapshot())

	// For the adapter the full prefix match outweighs the slightly longer
	// queue.
	workerID, err := s.router.Schedule(s.ctx, requestTokens, adapterID)
	s.Require().NoError(err)
	s.Equal(workerA, workerID)

	// For the base model neither worker has cached blocks and load decides.
	workerID, err = s.router.Schedule(s.ctx, requestTokens, 0)
	s.Require().NoError(err)
	s.Equal(workerB, workerID)
}

// TestWorkerEvictionRedirectsTraffic verifies that evicting a worker drops
// its blocks and snapshot and traffic moves to the remaining worker.
func (s *KVRouterSuite) TestWorkerEvictionRedirectsTraffic() {
	s.storeWorkerBlocks(requestTokens, 0, workerA)
	s.storeWorkerBlocks(halfTokens, 0, workerB)

	s.publishSnapshot(workerA, idleSnapshot())
	s.publishSnapshot(workerB, idleSnapshot())

	workerID, err := s.router.Schedule(s.ctx, requestTokens, 0)
	s.Require().NoError(err)
	s.Equal(workerA, workerID)

	s.Require().NoError(s.router.EvictWorker(s.ctx, workerA))

	matches := s.matchesFor(requestTokens, 0)
	s.Equal(map[int64]int{workerB: 2}, matches)

	workerID, err = s.router.Schedule(s.ctx, requestTokens, 0)
	s.Require().NoError(err)
	s.Equal(workerB, workerID)
}

// TestRejectedSnapshotKeepsPrevious verifies that an out-of-range snapshot
// is rejected without clobbering the stored one.
func (s *KVRouterSuite) TestRejectedSnapshotKeepsPrevious() {
	_, err := s.router.Schedule(s.ctx, requestTokens, 0)
	s.Require().ErrorIs(err, kvrouter.ErrNoWorkerAvailable)

	good := idleSnapshot()
	s.publishSnapshot(workerA, good)

	bad := idleSnapshot()
	bad.CacheUsage = 1.4
	err = s.router.Workloads().Publish(s.ctx, workerA, bad)
	s.Require().ErrorIs(err, workload.ErrInvalidMetricsValue)

	entry, found := s.router.Workloads().Get(workerA)
	s.Require().True(found)
	s.Equal(good, entry.Snapshot)

	workerID, err := s.router.Schedule(s.ctx, requestTokens, 0)
	s.Require().NoError(err)
	s.Equal(workerA, workerID)
}

// TestRoundRobinDispatch verifies that round-robin cycles the live workers
// in id order regardless of cache contents.
func (s *KVRouterSuite) TestRoundRobinDispatch() {
	s.storeWorkerBlocks(requestTokens, 0, workerA)

	s.publishSnapshot(workerA, idleSnapshot())
	s.publishSnapshot(workerB, idleSnapshot())

	var picked []int64
	for i := 0; i < 4; i++ {
		workerID, err := s.router.Dispatch(s.ctx, requestTokens, 0, kvrouter.DispatchRoundRobin)
		s.Require().NoError(err)
		picked = append(picked, workerID)
	}
	s.Equal([]int64{workerA, workerB, workerA, workerB}, picked)
}
