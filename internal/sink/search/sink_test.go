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

package search

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncd/pkg/changestream"
)

// fakeClient is an in-memory BulkClient that rejects one configured id
// on first attempt and always accepts on retry, so tests can exercise
// the per-item retry-then-drop path (spec scenario S6) without a real
// search engine.
type fakeClient struct {
	mu           sync.Mutex
	docs         map[string]map[string]interface{}
	rejectOnce   map[string]bool
	rejectAlways map[string]bool
	indexEnsured bool
}

func newFakeClient(rejectIDs ...string) *fakeClient {
	m := make(map[string]bool, len(rejectIDs))
	for _, id := range rejectIDs {
		m[id] = true
	}
	return &fakeClient{docs: make(map[string]map[string]interface{}), rejectOnce: m, rejectAlways: make(map[string]bool)}
}

func (f *fakeClient) EnsureIndex(ctx context.Context, index string, columns []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexEnsured = true
	return nil
}

func (f *fakeClient) Bulk(ctx context.Context, index string, ops []BulkOp) ([]ItemResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]ItemResult, 0, len(ops))
	for _, op := range ops {
		if f.rejectAlways[op.ID] || f.rejectOnce[op.ID] {
			delete(f.rejectOnce, op.ID)
			results = append(results, ItemResult{ID: op.ID, Failed: true, FailMsg: "simulated rejection"})
			continue
		}
		if op.Upsert {
			f.docs[op.ID] = op.Doc
		} else {
			delete(f.docs, op.ID)
		}
		results = append(results, ItemResult{ID: op.ID})
	}
	return results, nil
}

func (f *fakeClient) permanentlyReject(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectAlways[id] = true
}

type countingMetrics struct {
	mu       sync.Mutex
	rejected map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{rejected: make(map[string]int)}
}

func (m *countingMetrics) ObserveBulkBatch(view string, size int) {}
func (m *countingMetrics) ObserveItemRejected(view string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[view]++
}

func testSchema() *changestream.Schema {
	return changestream.NewSchema("orders", []string{"order_id", "status"})
}

func testRow(schema *changestream.Schema, id, status string) changestream.Row {
	return changestream.NewRow(schema, []changestream.Value{
		changestream.StringValue(id), changestream.StringValue(status),
	})
}

// TestApplyBatch_S6 reproduces spec scenario S6: a batch with one
// permanently-bad item still applies the good upsert and the delete,
// logs+metrics the bad one, and never blocks the stream.
func TestApplyBatch_S6(t *testing.T) {
	client := newFakeClient()
	client.permanentlyReject("bad")
	metrics := newCountingMetrics()

	schema := testSchema()
	s := New("orders", "orders", "order_id", IdentityShape, client, zerolog.Nop(), WithMetrics(metrics))

	batch := &changestream.FlushBatch{
		View: "orders",
		Ts:   10,
		Ops: []changestream.NetOp{
			{Kind: changestream.OpUpsert, Key: "good", Row: testRow(schema, "good", "NEW")},
			{Kind: changestream.OpUpsert, Key: "bad", Row: testRow(schema, "bad", "NEW")},
			{Kind: changestream.OpDelete, Key: "gone"},
		},
	}

	err := s.ApplyBatch(context.Background(), batch)
	require.NoError(t, err)

	client.mu.Lock()
	_, hasGood := client.docs["good"]
	_, hasBad := client.docs["bad"]
	client.mu.Unlock()
	assert.True(t, hasGood)
	assert.False(t, hasBad)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.rejected["orders"])
}

func TestHydrate_BulkUpsertsAllRows(t *testing.T) {
	client := newFakeClient()
	schema := testSchema()
	s := New("orders", "orders", "order_id", IdentityShape, client, zerolog.Nop(), WithMaxDocs(2))

	rows := make(chan changestream.Row, 3)
	rows <- testRow(schema, "o1", "NEW")
	rows <- testRow(schema, "o2", "NEW")
	rows <- testRow(schema, "o3", "NEW")
	close(rows)

	err := s.Hydrate(context.Background(), rows)
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Len(t, client.docs, 3)
	assert.True(t, client.indexEnsured)
}

func TestApplyBatch_RetriesFailingItemOnce(t *testing.T) {
	client := newFakeClient("flaky")
	s := New("orders", "orders", "order_id", IdentityShape, client, zerolog.Nop())

	schema := testSchema()
	batch := &changestream.FlushBatch{
		View: "orders",
		Ts:   1,
		Ops: []changestream.NetOp{
			{Kind: changestream.OpUpsert, Key: "flaky", Row: testRow(schema, "flaky", "NEW")},
		},
	}

	// fakeClient rejects "flaky" on the first Bulk call and accepts it on
	// the in-method retry, so the document lands without an error.
	err := s.ApplyBatch(context.Background(), batch)
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	_, hasFlaky := client.docs["flaky"]
	assert.True(t, hasFlaky)
}

func TestIdentityShape_DropsUnderscorePrefixedColumns(t *testing.T) {
	schema := changestream.NewSchema("orders", []string{"order_id", "_internal"})
	r := changestream.NewRow(schema, []changestream.Value{
		changestream.StringValue("o1"), changestream.StringValue("secret"),
	})
	doc, err := IdentityShape("orders", r)
	require.NoError(t, err)
	_, has := doc["_internal"]
	assert.False(t, has)
	assert.Equal(t, "o1", doc["order_id"])
}
