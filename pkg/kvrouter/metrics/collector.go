// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	Admissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvrouter", Subsystem: "index", Name: "admissions_total",
		Help: "Total number of KV-block admissions",
	})
	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvrouter", Subsystem: "index", Name: "evictions_total",
		Help: "Total number of KV-block evictions",
	})
	// WorkerEvictions counts whole-worker sweeps of the index.
	WorkerEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvrouter", Subsystem: "index", Name: "worker_evictions_total",
		Help: "Total number of workers swept out of the index",
	})

	// LookupRequests counts how many Lookup() calls have been made.
	LookupRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvrouter", Subsystem: "index", Name: "lookup_requests_total",
		Help: "Total number of lookup calls",
	})
	// LookupHits counts how many keys were found in the index on Lookup().
	LookupHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvrouter", Subsystem: "index", Name: "lookup_hits_total",
		Help: "Number of keys found in the index on Lookup()",
	})
	// LookupLatency logs latency of lookup calls.
	LookupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvrouter", Subsystem: "index", Name: "lookup_latency_seconds",
		Help:    "Latency of Lookup calls in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Decisions counts scheduling decisions that produced a worker.
	Decisions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvrouter", Subsystem: "scheduler", Name: "decisions_total",
		Help: "Total number of successful scheduling decisions",
	})
	// DecisionFailures counts scheduling calls that found no usable worker.
	DecisionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvrouter", Subsystem: "scheduler", Name: "decision_failures_total",
		Help: "Total number of scheduling calls that found no usable worker",
	})

	// Publishes counts accepted worker load snapshots.
	Publishes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvrouter", Subsystem: "workload", Name: "publishes_total",
		Help: "Total number of accepted worker load snapshots",
	})
	// PublishRejections counts snapshots rejected by validation.
	PublishRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvrouter", Subsystem: "workload", Name: "publish_rejections_total",
		Help: "Total number of worker load snapshots rejected by validation",
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Admissions, Evictions, WorkerEvictions,
		LookupRequests, LookupHits, LookupLatency,
		Decisions, DecisionFailures,
		Publishes, PublishRejections,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			logMetrics(ctx)
		}
	}()
}

func logMetrics(ctx context.Context) {
	var m dto.Metric

	err := Admissions.Write(&m)
	if err != nil {
		return
	}
	admissions := m.GetCounter().GetValue()

	err = Evictions.Write(&m)
	if err != nil {
		return
	}
	evictions := m.GetCounter().GetValue()

	err = LookupRequests.Write(&m)
	if err != nil {
		return
	}
	lookups := m.GetCounter().GetValue()

	var hitsMetric dto.Metric
	err = LookupHits.Write(&hitsMetric)
	if err != nil {
		return
	}
	hits := hitsMetric.GetCounter().GetValue()

	var decisionsMetric dto.Metric
	err = Decisions.Write(&decisionsMetric)
	if err != nil {
		return
	}
	decisions := decisionsMetric.GetCounter().GetValue()

	var latencyMetric dto.Metric
	err = LookupLatency.Write(&latencyMetric)
	if err != nil {
		return
	}
	latencyCount := latencyMetric.GetHistogram().GetSampleCount()
	latencySum := latencyMetric.GetHistogram().GetSampleSum()

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"admissions", admissions,
		"evictions", evictions,
		"lookups", lookups,
		"hits", hits,
		"decisions", decisions,
		"latency_count", latencyCount,
		"latency_sum", latencySum,
		"latency_avg", latencySum/float64(latencyCount),
	)
}
