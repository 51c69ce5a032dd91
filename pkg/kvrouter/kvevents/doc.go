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

//go:build !ignore

// Package kvevents ingests KV-cache lifecycle events emitted by serving
// workers. It provides a sharded pool that keeps per-worker event order
// while applying block admissions, removals and whole-worker clears to the
// kvblock.Index, so the router schedules against an up-to-date picture of
// every worker's cache.
package kvevents
