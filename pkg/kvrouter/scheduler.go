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
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-router/pkg/utils"
)

// ErrNoWorkerAvailable is returned when no worker passes the candidate
// filter, most commonly because no worker has fresh load metrics.
var ErrNoWorkerAvailable = errors.New("no worker available")

// Scorer names accepted in SchedulerConfig.Scorers.
const (
	// ScorerPrefixAffinity scores matched prefix blocks over request blocks.
	ScorerPrefixAffinity = "prefix-affinity"
	// ScorerQueueDepth scores min-max normalized waiting requests, inverted.
	ScorerQueueDepth = "queue-depth"
	// ScorerKVUtilization scores free KV-cache capacity.
	ScorerKVUtilization = "kv-utilization"
	// ScorerFreeSlots scores free request slots.
	ScorerFreeSlots = "free-slots"
)

// defaultMetricsStaleness bounds how old a worker's load snapshot may be
// for the worker to remain schedulable.
const defaultMetricsStaleness = 10 * time.Second

// ScorerConfig describes a named scorer with a weight for composite scoring.
type ScorerConfig struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// SchedulerConfig holds the configuration for the scheduler.
type SchedulerConfig struct {
	// Scorers are combined by normalized weight into the composite score.
	Scorers []ScorerConfig `json:"scorers"`
	// MetricsStaleness is the maximum snapshot age for a worker to be a
	// scheduling candidate.
	MetricsStaleness time.Duration `json:"metricsStaleness"`
}

// DefaultSchedulerConfig returns a default configuration for the scheduler.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Scorers:          DefaultScorerConfigs(),
		MetricsStaleness: defaultMetricsStaleness,
	}
}

// DefaultScorerConfigs returns the default scorer weighting.
func DefaultScorerConfigs() []ScorerConfig {
	return []ScorerConfig{
		{Name: ScorerPrefixAffinity, Weight: 3},
		{Name: ScorerQueueDepth, Weight: 2},
		{Name: ScorerKVUtilization, Weight: 2},
		{Name: ScorerFreeSlots, Weight: 1},
	}
}

// ParseScorerConfigs parses a comma-separated string of "name:weight" pairs.
// It returns nil for empty input and an error for unknown names, duplicate
// names, non-positive weights or malformed input.
func ParseScorerConfigs(s string) ([]ScorerConfig, error) {
	if s == "" {
		return nil, nil
	}

	configs, err := utils.SliceMapE(strings.Split(s, ","), parseScorerPair)
	if err != nil {
		return nil, err
	}

	seen := sets.New[string]()
	for _, cfg := range configs {
		if seen.Has(cfg.Name) {
			return nil, fmt.Errorf("duplicate scorer %q; each scorer may appear at most once", cfg.Name)
		}
		seen.Insert(cfg.Name)
	}

	return configs, nil
}

func parseScorerPair(part string) (ScorerConfig, error) {
	part = strings.TrimSpace(part)

	name, weightStr, found := strings.Cut(part, ":")
	if !found {
		return ScorerConfig{}, fmt.Errorf("invalid scorer config %q (expected name:weight)", part)
	}

	name = strings.TrimSpace(name)
	if _, known := scorerFuncs[name]; !known {
		return ScorerConfig{}, fmt.Errorf("unknown scorer %q", name)
	}

	weight, err := strconv.ParseFloat(strings.TrimSpace(weightStr), 64)
	if err != nil {
		return ScorerConfig{}, fmt.Errorf("invalid weight for scorer %q: %w", name, err)
	}
	if weight <= 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return ScorerConfig{}, fmt.Errorf("scorer %q weight must be a finite positive number, got %v", name, weight)
	}

	return ScorerConfig{Name: name, Weight: weight}, nil
}

// scheduler combines named scorers into a weighted composite and picks the
// best candidate deterministically.
type scheduler struct {
	scorers   []scorerFunc
	weights   []float64 // normalized to sum to 1
	names     []string
	staleness time.Duration
}

// newScheduler creates a scheduler from the given config.
func newScheduler(cfg *SchedulerConfig) (*scheduler, error) {
	if cfg == nil {
		cfg = DefaultSchedulerConfig()
	}

	scorerConfigs := cfg.Scorers
	if len(scorerConfigs) == 0 {
		scorerConfigs = DefaultScorerConfigs()
	}

	staleness := cfg.MetricsStaleness
	if staleness <= 0 {
		staleness = defaultMetricsStaleness
	}

	s := &scheduler{
		scorers:   make([]scorerFunc, 0, len(scorerConfigs)),
		names:     make([]string, 0, len(scorerConfigs)),
		staleness: staleness,
	}

	total := 0.0
	for _, scorerConfig := range scorerConfigs {
		fn, known := scorerFuncs[scorerConfig.Name]
		if !known {
			return nil, fmt.Errorf("unknown scorer %q", scorerConfig.Name)
		}
		if scorerConfig.Weight <= 0 || math.IsNaN(scorerConfig.Weight) || math.IsInf(scorerConfig.Weight, 0) {
			return nil, fmt.Errorf("scorer %q weight must be a finite positive number, got %v",
				scorerConfig.Name, scorerConfig.Weight)
		}

		s.scorers = append(s.scorers, fn)
		s.names = append(s.names, scorerConfig.Name)
		total += scorerConfig.Weight
	}

	s.weights = make([]float64, len(scorerConfigs))
	for i, scorerConfig := range scorerConfigs {
		s.weights[i] = scorerConfig.Weight / total
	}

	return s, nil
}

// pick returns the best worker among candidates together with the composite
// scores, or ErrNoWorkerAvailable when candidates is empty.
func (s *scheduler) pick(totalBlocks int, candidates []candidate) (int64, map[int64]float64, error) {
	if len(candidates) == 0 {
		return 0, nil, ErrNoWorkerAvailable
	}

	scores := make(map[int64]float64, len(candidates))
	for i, scorer := range s.scorers {
		dimScores := scorer(totalBlocks, candidates)
		for _, cand := range candidates {
			v := dimScores[cand.workerID]
			// clamp to [0,1]
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			scores[cand.workerID] += v * s.weights[i]
		}
	}

	best := candidates[0]
	for _, cand := range candidates[1:] {
		if better(scores, cand, best) {
			best = cand
		}
	}

	return best.workerID, scores, nil
}

// better reports whether a should be picked over b: higher composite score,
// then fewer waiting requests, then lower worker id. The full ordering makes
// the result independent of candidate order.
func better(scores map[int64]float64, a, b candidate) bool {
	scoreA, scoreB := scores[a.workerID], scores[b.workerID]
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	if a.snapshot.WaitingRequests != b.snapshot.WaitingRequests {
		return a.snapshot.WaitingRequests < b.snapshot.WaitingRequests
	}
	return a.workerID < b.workerID
}
