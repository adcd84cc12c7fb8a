// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package broadcast

import (
	"sync"

	"syncd/pkg/changestream"
)

// viewState is the per-view in-memory key→payload map required so new
// clients can be served a snapshot without re-reading upstream (spec
// §4.6). Writer: the pipeline's sink task (single writer, via
// apply). Readers: fan-out and new-client snapshot assembly. A
// read-heavy RWMutex is sufficient per spec §5's shared-resource
// policy; the write lock is held only long enough to apply one
// FlushBatch and capture lastAppliedTs atomically.
type viewState struct {
	mu            sync.RWMutex
	rows          map[string]map[string]interface{}
	lastAppliedTs int64

	subs map[*session]struct{}
}

func newViewState() *viewState {
	return &viewState{
		rows: make(map[string]map[string]interface{}),
		subs: make(map[*session]struct{}),
	}
}

// apply folds one FlushBatch into the state and returns the resulting
// delta frame plus the list of currently-subscribed sessions, all
// captured atomically with the new lastAppliedTs (spec §4.6's
// "Concurrency" requirement).
func (vs *viewState) apply(batch *changestream.FlushBatch) (serverDelta, []*session) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	delta := serverDelta{Kind: "delta", View: batch.View, Ts: batch.Ts}
	for _, op := range batch.Ops {
		switch op.Kind {
		case changestream.OpUpsert:
			doc := rowToDoc(op.Row)
			vs.rows[op.Key] = doc
			delta.Upserts = append(delta.Upserts, deltaUpsert{Key: op.Key, Row: doc})
		case changestream.OpDelete:
			delete(vs.rows, op.Key)
			delta.Deletes = append(delta.Deletes, op.Key)
		}
	}
	vs.lastAppliedTs = batch.Ts

	subs := make([]*session, 0, len(vs.subs))
	for sub := range vs.subs {
		subs = append(subs, sub)
	}
	return delta, subs
}

// subscribeAndSnapshot locks the view, enqueues snapshot frames built
// from its current rows, registers sess as a subscriber, and records
// the cutoff ts, all under one lock acquisition so no FlushBatch can
// apply (and no delta reach sess) between the snapshot read and the
// subscription becoming visible to future applies (spec §4.6's
// "Snapshot cutoff discipline", invariant I5/P7). Enqueueing under the
// lock is safe because session.enqueue never blocks.
func (vs *viewState) subscribeAndSnapshot(view string, sess *session, emit func(frame interface{})) (cutoffTs int64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	const chunkSize = 256
	batch := make([]map[string]interface{}, 0, chunkSize)
	for key, row := range vs.rows {
		doc := make(map[string]interface{}, len(row)+1)
		for k, v := range row {
			doc[k] = v
		}
		doc["_key"] = key
		batch = append(batch, doc)
		if len(batch) == chunkSize {
			emit(serverSnapshot{Kind: "snapshot", View: view, Rows: batch})
			batch = make([]map[string]interface{}, 0, chunkSize)
		}
	}
	if len(batch) > 0 {
		emit(serverSnapshot{Kind: "snapshot", View: view, Rows: batch})
	}
	emit(serverSnapshotEnd{Kind: "snapshot_end", View: view})

	cutoffTs = vs.lastAppliedTs
	sess.cutoffTs[view] = cutoffTs
	vs.subs[sess] = struct{}{}
	return cutoffTs
}

// seed installs a row during initial hydration, before any subscriber
// exists to fan a delta out to.
func (vs *viewState) seed(key string, doc map[string]interface{}) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.rows[key] = doc
}

// unsubscribe removes sess from the view's subscriber set.
func (vs *viewState) unsubscribe(sess *session) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	delete(vs.subs, sess)
}

func rowToDoc(row changestream.Row) map[string]interface{} {
	out := make(map[string]interface{})
	for col, val := range row.Map() {
		out[col] = val.Interface()
	}
	return out
}
