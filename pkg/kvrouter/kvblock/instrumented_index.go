package kvblock

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/metrics"
)

type instrumentedIndex struct {
	next Index
}

// NewInstrumentedIndex wraps an Index and emits metrics for Add, Evict,
// EvictWorker and Lookup.
func NewInstrumentedIndex(next Index) Index {
	return &instrumentedIndex{next: next}
}

func (m *instrumentedIndex) Add(ctx context.Context, parent *uint64, keys []Key, workerID int64) error {
	err := m.next.Add(ctx, parent, keys, workerID)
	if err == nil {
		metrics.Admissions.Add(float64(len(keys)))
	}
	return err
}

func (m *instrumentedIndex) Evict(ctx context.Context, key Key, workerID int64) error {
	err := m.next.Evict(ctx, key, workerID)
	metrics.Evictions.Inc()
	return err
}

func (m *instrumentedIndex) EvictWorker(ctx context.Context, workerID int64) error {
	err := m.next.EvictWorker(ctx, workerID)
	metrics.WorkerEvictions.Inc()
	return err
}

func (m *instrumentedIndex) Lookup(
	ctx context.Context,
	keys []Key,
	workerFilter sets.Set[int64],
) (map[Key][]int64, error) {
	timer := prometheus.NewTimer(metrics.LookupLatency)
	defer timer.ObserveDuration()

	metrics.LookupRequests.Inc()

	workers, err := m.next.Lookup(ctx, keys, workerFilter)
	if err == nil {
		metrics.LookupHits.Add(float64(len(workers)))
	}

	return workers, err
}
