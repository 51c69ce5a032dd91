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
	"math/rand"
	"slices"
	"sync/atomic"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/metrics"
)

// DispatchPolicy selects how Dispatch picks among live workers.
// It is a plain value carried per call, not a type hierarchy.
type DispatchPolicy string

const (
	// DispatchRandom picks uniformly among workers with fresh metrics.
	DispatchRandom DispatchPolicy = "random"
	// DispatchRoundRobin cycles through workers with fresh metrics in id
	// order.
	DispatchRoundRobin DispatchPolicy = "round-robin"
	// DispatchKVAware picks by the weighted composite score; this is the
	// only deterministic policy.
	DispatchKVAware DispatchPolicy = "kv-aware"
)

// ParseDispatchPolicy validates a policy name. Empty input means kv-aware.
func ParseDispatchPolicy(s string) (DispatchPolicy, error) {
	switch policy := DispatchPolicy(s); policy {
	case "":
		return DispatchKVAware, nil
	case DispatchRandom, DispatchRoundRobin, DispatchKVAware:
		return policy, nil
	default:
		return "", fmt.Errorf("unknown dispatch policy %q", s)
	}
}

type roundRobinState struct {
	counter atomic.Uint64
}

// Dispatch picks a worker under the given policy. Random and round-robin
// ignore the prompt and spread load across live workers; kv-aware is
// Schedule. All policies fail with ErrNoWorkerAvailable when no worker has
// fresh metrics.
func (r *Router) Dispatch(ctx context.Context, tokens []uint32, adapterID int64,
	policy DispatchPolicy,
) (int64, error) {
	switch policy {
	case DispatchRandom:
		return r.dispatchRandom()
	case DispatchRoundRobin:
		return r.dispatchRoundRobin()
	case DispatchKVAware, "":
		return r.Schedule(ctx, tokens, adapterID)
	default:
		return 0, fmt.Errorf("unknown dispatch policy %q", policy)
	}
}

// liveWorkers returns the ids of workers with fresh metrics, sorted so
// round-robin cycles a stable order.
func (r *Router) liveWorkers() []int64 {
	fresh := r.workloads.Fresh(r.scheduler.staleness)
	ids := make([]int64, 0, len(fresh))
	for workerID := range fresh {
		ids = append(ids, workerID)
	}
	slices.Sort(ids)
	return ids
}

func (r *Router) dispatchRandom() (int64, error) {
	ids := r.liveWorkers()
	if len(ids) == 0 {
		metrics.DecisionFailures.Inc()
		return 0, fmt.Errorf("%w: no worker with fresh metrics", ErrNoWorkerAvailable)
	}

	metrics.Decisions.Inc()
	return ids[rand.Intn(len(ids))], nil //nolint:gosec // load spreading, not crypto
}

func (r *Router) dispatchRoundRobin() (int64, error) {
	ids := r.liveWorkers()
	if len(ids) == 0 {
		metrics.DecisionFailures.Inc()
		return 0, fmt.Errorf("%w: no worker with fresh metrics", ErrNoWorkerAvailable)
	}

	turn := r.rr.counter.Add(1) - 1
	metrics.Decisions.Inc()
	return ids[turn%uint64(len(ids))], nil
}
