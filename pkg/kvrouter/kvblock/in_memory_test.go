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

package kvblock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvblock"
)

func TestInMemoryAddBasic(t *testing.T) {
	// Create index
	index, err := kvblock.NewInMemoryIndex(nil)
	assert.NoError(t, err)
	testAddBasic(t, index)
}

// TestInMemoryIndexBehavior tests the in-memory index implementation using
// common test behaviors.
func TestInMemoryIndexBehavior(t *testing.T) {
	testCommonIndexBehavior(t, func(t *testing.T) kvblock.Index {
		t.Helper()
		index, err := kvblock.NewInMemoryIndex(nil)
		require.NoError(t, err)
		return index
	})
}

func TestInMemoryIndexConfigValidation(t *testing.T) {
	_, err := kvblock.NewInMemoryIndex(&kvblock.InMemoryIndexConfig{WorkersPerNode: 0})
	assert.Error(t, err)

	_, err = kvblock.NewInMemoryIndex(&kvblock.InMemoryIndexConfig{WorkersPerNode: -1})
	assert.Error(t, err)
}

// TestInMemoryWorkerDisplacement verifies the per-node owner bound displaces
// the coldest owner instead of growing without limit.
func TestInMemoryWorkerDisplacement(t *testing.T) {
	index, err := kvblock.NewInMemoryIndex(&kvblock.InMemoryIndexConfig{WorkersPerNode: 2})
	require.NoError(t, err)

	key := kvblock.Key{AdapterID: 0, Hash: 100}
	for workerID := int64(1); workerID <= 3; workerID++ {
		err = index.Add(t.Context(), nil, []kvblock.Key{key}, workerID)
		require.NoError(t, err)
	}

	workersPerKey, err := index.Lookup(t.Context(), []kvblock.Key{key}, sets.Set[int64]{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, workersPerKey[key])
}
