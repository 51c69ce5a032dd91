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
	"math"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/workload"
)

// candidate is one schedulable worker's view for scoring.
type candidate struct {
	workerID int64
	snapshot workload.Snapshot
	// matchedBlocks is how many consecutive leading blocks of the request
	// the worker already caches.
	matchedBlocks int
}

// scorerFunc computes per-worker scores in [0,1] for one scoring dimension.
// totalBlocks is the request's block count; load-only scorers ignore it.
type scorerFunc func(totalBlocks int, candidates []candidate) map[int64]float64

// scorerFuncs maps scorer names to implementations.
// Unexported to prevent mutation.
var scorerFuncs = map[string]scorerFunc{
	ScorerPrefixAffinity: scorePrefixAffinity,
	ScorerQueueDepth:     scoreQueueDepth,
	ScorerKVUtilization:  scoreKVUtilization,
	ScorerFreeSlots:      scoreFreeSlots,
}

// scorePrefixAffinity scores matched prefix blocks over request blocks.
// A request below one block scores every candidate 0, turning the decision
// into a pure load decision.
func scorePrefixAffinity(totalBlocks int, candidates []candidate) map[int64]float64 {
	scores := make(map[int64]float64, len(candidates))
	for _, cand := range candidates {
		if totalBlocks == 0 {
			scores[cand.workerID] = 0
			continue
		}
		scores[cand.workerID] = float64(cand.matchedBlocks) / float64(totalBlocks)
	}
	return scores
}

// scoreQueueDepth min-max normalizes waiting requests across candidates;
// fewer waiting requests score higher, all-equal scores all 1.
func scoreQueueDepth(_ int, candidates []candidate) map[int64]float64 {
	scores := make(map[int64]float64, len(candidates))

	minWaiting, maxWaiting := int64(math.MaxInt64), int64(0)
	for _, cand := range candidates {
		if cand.snapshot.WaitingRequests < minWaiting {
			minWaiting = cand.snapshot.WaitingRequests
		}
		if cand.snapshot.WaitingRequests > maxWaiting {
			maxWaiting = cand.snapshot.WaitingRequests
		}
	}

	for _, cand := range candidates {
		if maxWaiting == minWaiting {
			scores[cand.workerID] = 1
		} else {
			scores[cand.workerID] = float64(maxWaiting-cand.snapshot.WaitingRequests) /
				float64(maxWaiting-minWaiting)
		}
	}
	return scores
}

// scoreKVUtilization scores free KV-cache capacity: 1 - cacheUsage.
func scoreKVUtilization(_ int, candidates []candidate) map[int64]float64 {
	scores := make(map[int64]float64, len(candidates))
	for _, cand := range candidates {
		scores[cand.workerID] = 1 - cand.snapshot.CacheUsage
	}
	return scores
}

// scoreFreeSlots scores the fraction of request slots not in use.
func scoreFreeSlots(_ int, candidates []candidate) map[int64]float64 {
	scores := make(map[int64]float64, len(candidates))
	for _, cand := range candidates {
		scores[cand.workerID] = cand.snapshot.FreeSlotFraction()
	}
	return scores
}
