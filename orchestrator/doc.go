// Copyright 2026 Conductor
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

// Package orchestrator runs the two-stage generate/synthesize pipeline:
// a prompt fans out across several model backends in parallel or in
// sequence, and once every slot is terminal a single synthesis call
// folds the successful outputs into one answer.
//
// The engine owns the Job state machine
// (pending -> generating -> synthesizing -> completed|failed), per-model
// fallback, the partial-success policy, and per-job deadlines. Model
// backends plug in through the model.Adapter registry; credentials come
// from the vault one invocation at a time; lifecycle events flow to an
// EventSink; snapshots are written through to a JobStore.
package orchestrator
