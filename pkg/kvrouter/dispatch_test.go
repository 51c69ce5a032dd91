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

package kvrouter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter"
)

func TestParseDispatchPolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    kvrouter.DispatchPolicy
		wantErr bool
	}{
		{input: "", want: kvrouter.DispatchKVAware},
		{input: "kv-aware", want: kvrouter.DispatchKVAware},
		{input: "random", want: kvrouter.DispatchRandom},
		{input: "round-robin", want: kvrouter.DispatchRoundRobin},
		{input: "banana", wantErr: true},
		{input: "Random", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("input "+tt.input, func(t *testing.T) {
			got, err := kvrouter.ParseDispatchPolicy(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatchRoundRobinCycles(t *testing.T) {
	router := newTestRouter(t, nil)
	for _, workerID := range []int64{3, 1, 2} {
		publishSnapshot(t, router, workerID, idleSnapshot())
	}

	// Round-robin walks worker ids in sorted order, wrapping around.
	var picked []int64
	for i := 0; i < 6; i++ {
		workerID, err := router.Dispatch(t.Context(), nil, 0, kvrouter.DispatchRoundRobin)
		require.NoError(t, err)
		picked = append(picked, workerID)
	}
	assert.Equal(t, []int64{1, 2, 3, 1, 2, 3}, picked)
}

func TestDispatchRandomPicksLiveWorker(t *testing.T) {
	router := newTestRouter(t, nil)
	for _, workerID := range []int64{1, 2, 3} {
		publishSnapshot(t, router, workerID, idleSnapshot())
	}

	for i := 0; i < 20; i++ {
		workerID, err := router.Dispatch(t.Context(), nil, 0, kvrouter.DispatchRandom)
		require.NoError(t, err)
		assert.Contains(t, []int64{1, 2, 3}, workerID)
	}
}

func TestDispatchKVAwareSchedules(t *testing.T) {
	router := newTestRouter(t, nil)
	storeBlocks(t, router, promptA, workerA)
	publishSnapshot(t, router, workerA, idleSnapshot())
	publishSnapshot(t, router, workerB, idleSnapshot())

	workerID, err := router.Dispatch(t.Context(), request, 0, kvrouter.DispatchKVAware)
	require.NoError(t, err)
	assert.Equal(t, workerA, workerID)

	// An unset policy behaves like kv-aware.
	workerID, err = router.Dispatch(t.Context(), request, 0, "")
	require.NoError(t, err)
	assert.Equal(t, workerA, workerID)
}

func TestDispatchFailsWithNoWorkers(t *testing.T) {
	router := newTestRouter(t, nil)

	for _, policy := range []kvrouter.DispatchPolicy{
		kvrouter.DispatchKVAware,
		kvrouter.DispatchRandom,
		kvrouter.DispatchRoundRobin,
	} {
		_, err := router.Dispatch(t.Context(), request, 0, policy)
		assert.ErrorIs(t, err, kvrouter.ErrNoWorkerAvailable, "policy %s", policy)
	}
}

func TestDispatchUnknownPolicy(t *testing.T) {
	router := newTestRouter(t, nil)
	publishSnapshot(t, router, workerA, idleSnapshot())

	_, err := router.Dispatch(t.Context(), request, 0, kvrouter.DispatchPolicy("weird"))
	assert.ErrorContains(t, err, "unknown dispatch policy")
}
