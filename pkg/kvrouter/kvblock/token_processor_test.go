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

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvblock"
)

// newTokenProcessor creates a processor without hash memoization so tests
// exercise the plain hashing path unless stated otherwise.
func newTokenProcessor(t *testing.T, blockSize int, seed string) kvblock.TokenProcessor {
	t.Helper()
	processor, err := kvblock.NewChunkedTokenDatabase(&kvblock.TokenProcessorConfig{
		BlockSize: blockSize,
		HashSeed:  seed,
	})
	require.NoError(t, err)
	return processor
}

func TestTokensToBlockKeysChunking(t *testing.T) {
	processor := newTokenProcessor(t, 4, "")

	// Partial trailing blocks are dropped
	keys := processor.TokensToBlockKeys([]uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 0)
	assert.Len(t, keys, 2)

	keys = processor.TokensToBlockKeys([]uint32{1, 2, 3, 4, 5, 6, 7, 8}, 0)
	assert.Len(t, keys, 2)

	// Inputs shorter than one block yield nothing
	keys = processor.TokensToBlockKeys([]uint32{1, 2, 3}, 0)
	assert.Empty(t, keys)

	keys = processor.TokensToBlockKeys(nil, 0)
	assert.Empty(t, keys)
}

func TestTokensToBlockKeysDeterministic(t *testing.T) {
	first := newTokenProcessor(t, 4, "seed")
	second := newTokenProcessor(t, 4, "seed")

	tokens := []uint32{1, 2, 3, 4, 5, 6, 7, 8}
	assert.Equal(t,
		first.TokensToBlockKeys(tokens, 0),
		second.TokensToBlockKeys(tokens, 0))
}

// TestTokensToBlockKeysPrefixConsistency verifies hash chaining: the keys of
// a request are a prefix of the keys of any longer request extending it.
func TestTokensToBlockKeysPrefixConsistency(t *testing.T) {
	processor := newTokenProcessor(t, 4, "")

	tokens := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	fullKeys := processor.TokensToBlockKeys(tokens, 0)
	require.Len(t, fullKeys, 3)

	prefixKeys := processor.TokensToBlockKeys(tokens[:8], 0)
	require.Len(t, prefixKeys, 2)

	assert.Equal(t, fullKeys[:2], prefixKeys)
}

// TestTokensToBlockKeysDivergence verifies requests sharing a leading block
// share its key and diverge afterwards.
func TestTokensToBlockKeysDivergence(t *testing.T) {
	processor := newTokenProcessor(t, 2, "")

	keysA := processor.TokensToBlockKeys([]uint32{1, 2, 3, 4}, 0)
	keysB := processor.TokensToBlockKeys([]uint32{1, 2, 5, 6}, 0)
	require.Len(t, keysA, 2)
	require.Len(t, keysB, 2)

	assert.Equal(t, keysA[0], keysB[0])
	assert.NotEqual(t, keysA[1], keysB[1])
}

func TestTokensToBlockKeysSeedScopesHashes(t *testing.T) {
	unseeded := newTokenProcessor(t, 4, "")
	seeded := newTokenProcessor(t, 4, "42")

	tokens := []uint32{1, 2, 3, 4}
	assert.NotEqual(t,
		unseeded.TokensToBlockKeys(tokens, 0)[0].Hash,
		seeded.TokensToBlockKeys(tokens, 0)[0].Hash)
}

// TestTokensToBlockKeysAdapterScopesHashes verifies adapter-scoped requests
// hash into a different namespace than base-model requests.
func TestTokensToBlockKeysAdapterScopesHashes(t *testing.T) {
	processor := newTokenProcessor(t, 4, "")

	tokens := []uint32{1, 2, 3, 4}
	baseKeys := processor.TokensToBlockKeys(tokens, 0)
	adapterKeys := processor.TokensToBlockKeys(tokens, 5)
	require.Len(t, baseKeys, 1)
	require.Len(t, adapterKeys, 1)

	assert.Equal(t, int64(0), baseKeys[0].AdapterID)
	assert.Equal(t, int64(5), adapterKeys[0].AdapterID)
	assert.NotEqual(t, baseKeys[0].Hash, adapterKeys[0].Hash)
}

// TestTokensToBlockKeysHashCacheEquivalence verifies memoized hashing
// produces the same keys as the plain path, including on repeat calls that
// hit the memo.
func TestTokensToBlockKeysHashCacheEquivalence(t *testing.T) {
	plain := newTokenProcessor(t, 4, "seed")

	memoized, err := kvblock.NewChunkedTokenDatabase(&kvblock.TokenProcessorConfig{
		BlockSize:       4,
		HashSeed:        "seed",
		HashCacheConfig: kvblock.DefaultHashCacheConfig(),
	})
	require.NoError(t, err)

	tokens := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	want := plain.TokensToBlockKeys(tokens, 0)

	assert.Equal(t, want, memoized.TokensToBlockKeys(tokens, 0))
	assert.Equal(t, want, memoized.TokensToBlockKeys(tokens, 0))
}
