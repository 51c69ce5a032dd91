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

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvblock"
	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/util/sets"
)

// testAddBasic is a common test helper function for testing basic Add and Lookup functionality.
func testAddBasic(t *testing.T, index kvblock.Index) {
	t.Helper()

	key := kvblock.Key{AdapterID: 0, Hash: 12345}

	// Two workers report the same block
	err := index.Add(t.Context(), nil, []kvblock.Key{key}, 1)
	assert.NoError(t, err)
	err = index.Add(t.Context(), nil, []kvblock.Key{key}, 2)
	assert.NoError(t, err)

	// Lookup after add
	workersPerKey, err := index.Lookup(t.Context(), []kvblock.Key{key}, sets.Set[int64]{})
	assert.NoError(t, err)
	assert.Len(t, workersPerKey, 1)
	assert.Contains(t, workersPerKey, key)
	assert.ElementsMatch(t, workersPerKey[key], []int64{1, 2})
}
