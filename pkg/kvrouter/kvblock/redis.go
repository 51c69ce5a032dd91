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
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// RedisIndexConfig holds the configuration for the RedisIndex.
type RedisIndexConfig struct {
	// Address is the Redis server address in URL form,
	// e.g. redis://localhost:6379.
	Address string `json:"address"`
}

// RedisIndex is a Redis-backed implementation of the Index interface.
//
// Each block node is spread over three Redis keys: an owner hash
// (field = worker id, value = last-write timestamp), a children set and a
// parent string. A per-worker reverse set tracks every block a worker owns
// so a departing worker can be swept without scanning the keyspace.
// Mutations are pipelined but not transactional; the single writer feeding
// the index keeps the structure consistent.
type RedisIndex struct {
	client *redis.Client
}

var _ Index = &RedisIndex{}

// NewRedisIndex creates a new RedisIndex instance connected to the
// configured server.
func NewRedisIndex(cfg *RedisIndexConfig) (*RedisIndex, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, errors.New("redis index requires a configured address")
	}

	address := cfg.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis address %q: %w", address, err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %q: %w", cfg.Address, err)
	}

	return &RedisIndex{client: client}, nil
}

func ownersKey(k Key) string {
	return k.String()
}

func childrenKey(k Key) string {
	return k.String() + ":children"
}

func parentKey(k Key) string {
	return k.String() + ":parent"
}

func workerSetKey(workerID int64) string {
	return fmt.Sprintf("worker:%d", workerID)
}

// parseKey reverses Key.String().
func parseKey(s string) (Key, error) {
	adapterStr, hashStr, found := strings.Cut(s, "@")
	if !found {
		return Key{}, fmt.Errorf("malformed index key %q", s)
	}

	adapterID, err := strconv.ParseInt(adapterStr, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed adapter in index key %q: %w", s, err)
	}

	hash, err := strconv.ParseUint(hashStr, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed hash in index key %q: %w", s, err)
	}

	return Key{AdapterID: adapterID, Hash: hash}, nil
}

// Lookup walks the given chain of keys in order and returns the workers
// caching each block, filtered to workerFilter when non-empty.
// Owner hashes are fetched in one pipeline; the walk stops at the first
// unindexed block.
func (r *RedisIndex) Lookup(ctx context.Context, keys []Key,
	workerFilter sets.Set[int64],
) (map[Key][]int64, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys provided for lookup")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.RedisIndex.Lookup")

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HKeys(ctx, ownersKey(key))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to execute Redis lookup pipeline: %w", err)
	}

	workersPerKey := make(map[Key][]int64)

	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			traceLogger.Info("key not found in index, cutting search", "key", keys[i])
			break // early stop since prefix-chain breaks here
		}

		for _, field := range fields {
			workerID, parseErr := strconv.ParseInt(field, 10, 64)
			if parseErr != nil {
				traceLogger.Info("skipping malformed owner field", "key", keys[i], "field", field)
				continue
			}

			if workerFilter.Len() == 0 || workerFilter.Has(workerID) {
				workersPerKey[keys[i]] = append(workersPerKey[keys[i]], workerID)
			}
		}
	}

	traceLogger.Info("lookup completed", "workers-per-key", workersPerKeyPrintHelper(workersPerKey))
	return workersPerKey, nil
}

// Add records that workerID caches the given chain of blocks.
// The head link is validated against the store before anything is written.
func (r *RedisIndex) Add(ctx context.Context, parent *uint64, keys []Key, workerID int64) error {
	if len(keys) == 0 {
		return fmt.Errorf("no keys provided for adding to index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.RedisIndex.Add")

	if parent != nil {
		parentK := Key{AdapterID: keys[0].AdapterID, Hash: *parent}
		exists, err := r.client.Exists(ctx, ownersKey(parentK), childrenKey(parentK)).Result()
		if err != nil {
			return fmt.Errorf("failed to check parent block %d: %w", *parent, err)
		}
		if exists == 0 {
			return fmt.Errorf("parent block %d not present for block %d, dropping chain of %d blocks",
				*parent, keys[0].Hash, len(keys))
		}
	}

	now := time.Now().Format(time.RFC3339)
	field := strconv.FormatInt(workerID, 10)

	pipe := r.client.Pipeline()
	prev := parent
	for _, key := range keys {
		pipe.HSet(ctx, ownersKey(key), field, now)
		pipe.SAdd(ctx, workerSetKey(workerID), key.String())

		if prev != nil {
			prevK := Key{AdapterID: key.AdapterID, Hash: *prev}
			pipe.SAdd(ctx, childrenKey(prevK), strconv.FormatUint(key.Hash, 10))
			pipe.Set(ctx, parentKey(key), strconv.FormatUint(*prev, 10), 0)
		}

		hash := key.Hash
		prev = &hash
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute Redis add pipeline: %w", err)
	}

	traceLogger.Info("added worker to keys", "keys", len(keys), "worker", workerID)
	return nil
}

// Evict removes workerID from the owner set of key and prunes nodes the
// removal emptied.
func (r *RedisIndex) Evict(ctx context.Context, key Key, workerID int64) error {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.RedisIndex.Evict")

	field := strconv.FormatInt(workerID, 10)

	pipe := r.client.Pipeline()
	pipe.HDel(ctx, ownersKey(key), field)
	pipe.SRem(ctx, workerSetKey(workerID), key.String())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to execute Redis evict pipeline: %w", err)
	}

	traceLogger.Info("evicted worker from key", "key", key, "worker", workerID)
	return r.pruneChain(ctx, key.AdapterID, key.Hash)
}

// EvictWorker removes workerID from every owner set it appears in, using
// the worker's reverse set to avoid scanning the keyspace.
func (r *RedisIndex) EvictWorker(ctx context.Context, workerID int64) error {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvblock.RedisIndex.EvictWorker")

	members, err := r.client.SMembers(ctx, workerSetKey(workerID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read worker set for worker %d: %w", workerID, err)
	}

	keys := make([]Key, 0, len(members))
	for _, member := range members {
		key, parseErr := parseKey(member)
		if parseErr != nil {
			debugLogger.Info("skipping malformed worker set entry", "entry", member)
			continue
		}
		keys = append(keys, key)
	}

	field := strconv.FormatInt(workerID, 10)

	pipe := r.client.Pipeline()
	for _, key := range keys {
		pipe.HDel(ctx, ownersKey(key), field)
	}
	pipe.Del(ctx, workerSetKey(workerID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to execute Redis worker eviction pipeline: %w", err)
	}

	for _, key := range keys {
		if err := r.pruneChain(ctx, key.AdapterID, key.Hash); err != nil {
			return err
		}
	}

	debugLogger.Info("evicted worker from index", "worker", workerID, "blocks", len(keys))
	return nil
}

// pruneChain removes the node at hash if it has no owners and no children,
// then walks the parent chain pruning ancestors the removal emptied.
func (r *RedisIndex) pruneChain(ctx context.Context, adapterID int64, hash uint64) error {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.RedisIndex.prune")

	cur := &hash
	for cur != nil {
		key := Key{AdapterID: adapterID, Hash: *cur}

		owners, err := r.client.HLen(ctx, ownersKey(key)).Result()
		if err != nil {
			return fmt.Errorf("failed to count owners for key %s: %w", key.String(), err)
		}

		children, err := r.client.SCard(ctx, childrenKey(key)).Result()
		if err != nil {
			return fmt.Errorf("failed to count children for key %s: %w", key.String(), err)
		}

		if owners != 0 || children != 0 {
			return nil
		}

		parentStr, err := r.client.Get(ctx, parentKey(key)).Result()
		hasParent := err == nil
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read parent for key %s: %w", key.String(), err)
		}

		if err := r.client.Del(ctx, ownersKey(key), childrenKey(key), parentKey(key)).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", key.String(), err)
		}
		traceLogger.Info("pruned empty block node", "key", key)

		if !hasParent {
			return nil
		}

		parentHash, err := strconv.ParseUint(parentStr, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed parent reference for key %s: %w", key.String(), err)
		}

		parentK := Key{AdapterID: adapterID, Hash: parentHash}
		if err := r.client.SRem(ctx, childrenKey(parentK),
			strconv.FormatUint(*cur, 10)).Err(); err != nil {
			return fmt.Errorf("failed to unlink key %s from parent: %w", key.String(), err)
		}

		cur = &parentHash
	}

	return nil
}
