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

// The kv-router service tracks worker KV-cache contents through ZMQ events,
// accepts worker load snapshots over HTTP, and schedules requests onto the
// worker with the best prefix-cache and load fit.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvblock"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvevents"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/metrics"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/workload"
)

const (
	envZMQEndpoint     = "ZMQ_ENDPOINT"
	envZMQTopic        = "ZMQ_TOPIC"
	envPoolConcurrency = "POOL_CONCURRENCY"

	defaultZMQEndpoint = "tcp://*:5557"
	defaultZMQTopic    = "kv@"
	defaultConcurrency = 4

	pythonHashSeed  = "PYTHONHASHSEED"
	blockSizeEnvVar = "BLOCK_SIZE"

	envScorers          = "SCORERS"
	envMetricsStaleness = "METRICS_STALENESS"
	envRedisAddr        = "REDIS_ADDR"

	envHTTPPort     = "HTTP_PORT"
	defaultHTTPPort = "8080"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := klog.FromContext(ctx)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx); err != nil {
		logger.Error(err, "Failed to run KV router service")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	routerConfig, err := getRouterConfig()
	if err != nil {
		return err
	}

	router, err := kvrouter.NewRouter(ctx, routerConfig)
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}
	logger.Info("Created Router")

	eventsPool := setupEventsPool(ctx, router.BlockIndex())
	eventsPool.Start(ctx)
	logger.Info("Events pool started and listening for ZMQ messages")

	httpServer := buildHTTPServer(ctx, router)

	logger.Info("=== KV Router Service Started ===")
	logger.Info("Available endpoints:")
	logger.Info("  - POST   /v1/schedule            - pick a worker for a tokenized request")
	logger.Info("  - POST   /v1/workers/{id}/metrics - publish a worker load snapshot")
	logger.Info("  - DELETE /v1/workers/{id}         - evict a worker from the routing domain")
	logger.Info("  - GET    /metrics                 - Prometheus metrics")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", serveErr)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down KV router service...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	eventsPool.Shutdown(ctx)
	return err
}

func getRouterConfig() (*kvrouter.Config, error) {
	config := kvrouter.NewDefaultConfig()

	hashSeed := os.Getenv(pythonHashSeed)
	if hashSeed != "" {
		config.TokenProcessorConfig.HashSeed = hashSeed
	}

	blockSize, err := strconv.Atoi(os.Getenv(blockSizeEnvVar))
	if err == nil && blockSize > 0 {
		config.TokenProcessorConfig.BlockSize = blockSize
	}

	if scorers := os.Getenv(envScorers); scorers != "" {
		scorerConfigs, parseErr := kvrouter.ParseScorerConfigs(scorers)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid %s: %w", envScorers, parseErr)
		}
		config.SchedulerConfig.Scorers = scorerConfigs
	}

	if staleness := os.Getenv(envMetricsStaleness); staleness != "" {
		bound, parseErr := time.ParseDuration(staleness)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid %s: %w", envMetricsStaleness, parseErr)
		}
		config.SchedulerConfig.MetricsStaleness = bound
	}

	if redisAddr := os.Getenv(envRedisAddr); redisAddr != "" {
		config.IndexConfig.InMemoryConfig = nil
		config.IndexConfig.RedisConfig = &kvblock.RedisIndexConfig{Address: redisAddr}
	}

	config.IndexConfig.EnableMetrics = true
	config.IndexConfig.MetricsLoggingInterval = 30 * time.Second

	return config, nil
}

func getEventsPoolConfig() *kvevents.Config {
	concurrency := defaultConcurrency
	if envConcurrency := os.Getenv(envPoolConcurrency); envConcurrency != "" {
		if c, err := strconv.Atoi(envConcurrency); err == nil && c > 0 {
			concurrency = c
		}
	}

	zmqEndpoint := os.Getenv(envZMQEndpoint)
	if zmqEndpoint == "" {
		zmqEndpoint = defaultZMQEndpoint
	}

	zmqTopic := os.Getenv(envZMQTopic)
	if zmqTopic == "" {
		zmqTopic = defaultZMQTopic
	}

	return &kvevents.Config{
		Concurrency: concurrency,
		ZMQEndpoint: zmqEndpoint,
		TopicFilter: zmqTopic,
	}
}

func setupEventsPool(ctx context.Context, blockIndex kvblock.Index) *kvevents.Pool {
	logger := klog.FromContext(ctx)

	cfg := getEventsPoolConfig()

	logger.Info("Creating events pool", "config", cfg)
	return kvevents.NewPool(cfg, blockIndex)
}

// scheduleRequest is the body of POST /v1/schedule.
type scheduleRequest struct {
	TokenIDs  []uint32 `json:"token_ids"`
	AdapterID int64    `json:"adapter_id"`
	Policy    string   `json:"policy"`
}

// scheduleResponse is the reply to POST /v1/schedule.
type scheduleResponse struct {
	WorkerID int64 `json:"worker_id"`
}

func buildHTTPServer(ctx context.Context, router *kvrouter.Router) *http.Server {
	logger := klog.FromContext(ctx)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/schedule", func(w http.ResponseWriter, r *http.Request) {
		var req scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		policy, err := kvrouter.ParseDispatchPolicy(req.Policy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		workerID, err := router.Dispatch(r.Context(), req.TokenIDs, req.AdapterID, policy)
		if err != nil {
			if errors.Is(err, kvrouter.ErrNoWorkerAvailable) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(scheduleResponse{WorkerID: workerID}); err != nil {
			logger.Error(err, "failed to encode response")
		}
	})

	mux.HandleFunc("POST /v1/workers/{id}/metrics", func(w http.ResponseWriter, r *http.Request) {
		workerID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid worker id", http.StatusBadRequest)
			return
		}

		var snapshot workload.Snapshot
		if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		if err := router.Workloads().Publish(r.Context(), workerID, snapshot); err != nil {
			if errors.Is(err, workload.ErrInvalidMetricsValue) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /v1/workers/{id}", func(w http.ResponseWriter, r *http.Request) {
		workerID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid worker id", http.StatusBadRequest)
			return
		}

		if err := router.EvictWorker(r.Context(), workerID); err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	metrics.Register()
	mux.Handle("GET /metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))

	httpPort := os.Getenv(envHTTPPort)
	if httpPort == "" {
		httpPort = defaultHTTPPort
	}

	return &http.Server{
		Addr:              ":" + httpPort,
		Handler:           mux,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       1 * time.Minute,
		WriteTimeout:      1 * time.Minute,
	}
}
