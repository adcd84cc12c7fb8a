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

// Package search implements C5: the full-text search sink adapter.
// It shapes FlushBatch rows to index documents and applies them with
// a rolling window of bounded bulk requests.
package search

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"syncd/pkg/changestream"
)

const (
	defaultWindow      = 4
	defaultMaxDocs     = 500
	defaultMaxBytes    = 4 << 20 // 4 MiB
	perItemRetryDelay  = 250 * time.Millisecond
	bulkRequestTimeout = 30 * time.Second
)

// PerItemRejected is the absorbed-locally error kind: logged, metriced,
// and dropped without blocking the stream (spec §4.5/§7).
type PerItemRejected struct {
	View string
	ID   string
	Msg  string
}

func (e *PerItemRejected) Error() string {
	return "search: item " + e.ID + " rejected: " + e.Msg
}

// Metrics is the subset of telemetry the sink reports. Implemented by
// internal/telemetry; a nil Metrics is valid and makes every call a
// no-op, the way churn.Enabled() gates the teacher's telemetry calls.
type Metrics interface {
	ObserveBulkBatch(view string, size int)
	ObserveItemRejected(view string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveBulkBatch(string, int)   {}
func (noopMetrics) ObserveItemRejected(string)      {}

// Sink implements C5 for one (view, index) pair.
type Sink struct {
	view      string
	index     string
	keyColumn string
	shape     ShapeFunc
	client    BulkClient
	metrics   Metrics
	log       zerolog.Logger

	window   int
	maxDocs  int
	maxBytes int

	mu             sync.Mutex
	ensuredIndex   bool
}

// Option configures a Sink.
type Option func(*Sink)

func WithWindow(n int) Option    { return func(s *Sink) { if n > 0 { s.window = n } } }
func WithMaxDocs(n int) Option   { return func(s *Sink) { if n > 0 { s.maxDocs = n } } }
func WithMaxBytes(n int) Option  { return func(s *Sink) { if n > 0 { s.maxBytes = n } } }
func WithMetrics(m Metrics) Option { return func(s *Sink) { if m != nil { s.metrics = m } } }

func New(view, index, keyColumn string, shape ShapeFunc, client BulkClient, log zerolog.Logger, opts ...Option) *Sink {
	if shape == nil {
		shape = IdentityShape
	}
	s := &Sink{
		view:      view,
		index:     index,
		keyColumn: keyColumn,
		shape:     shape,
		client:    client,
		metrics:   noopMetrics{},
		log:       log.With().Str("view", view).Str("stage", "sink.search").Logger(),
		window:    defaultWindow,
		maxDocs:   defaultMaxDocs,
		maxBytes:  defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SupportsResume reports false: the search sink cannot resume a
// subscription without rehydrating, per spec §4.4.
func (s *Sink) SupportsResume() bool { return false }

// Hydrate ensures the index exists and bulk-upserts every row from
// rows, using a rolling window of in-flight bulk requests bounded by
// s.window concurrent calls, each capped at s.maxDocs documents or
// s.maxBytes bytes, whichever comes first (spec §4.5).
func (s *Sink) Hydrate(ctx context.Context, rows <-chan changestream.Row) error {
	var chunk []BulkOp
	var chunkBytes int
	sem := make(chan struct{}, s.window)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	flush := func(ops []BulkOp) {
		if len(ops) == 0 {
			return
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(ops []BulkOp) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.applyOps(ctx, ops); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(ops)
	}

	for row := range rows {
		if err := s.ensureIndexOnce(ctx, row); err != nil {
			return err
		}
		key, err := row.Key(s.keyColumn)
		if err != nil {
			return changestream.NewProtocolError(changestream.ProtocolMissingKeyColumn, s.view, err)
		}
		doc, err := s.shape(s.view, row)
		if err != nil {
			return &ShapeError{View: s.view, Column: s.keyColumn, Err: err}
		}
		size := estimateSize(doc)

		if len(chunk) >= s.maxDocs || chunkBytes+size > s.maxBytes {
			flush(chunk)
			chunk = nil
			chunkBytes = 0
		}
		chunk = append(chunk, BulkOp{Upsert: true, ID: key, Doc: doc})
		chunkBytes += size
	}
	flush(chunk)
	wg.Wait()
	return firstErr
}

// ApplyBatch translates net ops to bulk index/delete calls, chunking
// when the batch exceeds the configured window limits (spec §4.5).
func (s *Sink) ApplyBatch(ctx context.Context, batch *changestream.FlushBatch) error {
	if batch == nil || len(batch.Ops) == 0 {
		return nil
	}
	ops := make([]BulkOp, 0, len(batch.Ops))
	for _, op := range batch.Ops {
		switch op.Kind {
		case changestream.OpUpsert:
			doc, err := s.shape(s.view, op.Row)
			if err != nil {
				return &ShapeError{View: s.view, Column: s.keyColumn, Err: err}
			}
			ops = append(ops, BulkOp{Upsert: true, ID: op.Key, Doc: doc})
		case changestream.OpDelete:
			ops = append(ops, BulkOp{Upsert: false, ID: op.Key})
		}
	}

	for i := 0; i < len(ops); i += s.maxDocs {
		end := i + s.maxDocs
		if end > len(ops) {
			end = len(ops)
		}
		if err := s.applyOps(ctx, ops[i:end]); err != nil {
			return err
		}
	}
	s.metrics.ObserveBulkBatch(s.view, len(ops))
	return nil
}

// applyOps issues one bulk call, retries failing items once after
// perItemRetryDelay, then logs+metrics+drops items that still fail
// (spec §4.5's per-item failure semantics). A whole-bulk transport
// failure is returned so the supervisor reconnects and rehydrates.
func (s *Sink) applyOps(ctx context.Context, ops []BulkOp) error {
	bctx, cancel := context.WithTimeout(ctx, bulkRequestTimeout)
	defer cancel()

	results, err := s.client.Bulk(bctx, s.index, ops)
	if err != nil {
		return changestream.NewTransientError(changestream.TransientSinkTimeout, err)
	}

	failed := failedOps(ops, results)
	if len(failed) == 0 {
		return nil
	}

	time.Sleep(perItemRetryDelay)
	retryCtx, retryCancel := context.WithTimeout(ctx, bulkRequestTimeout)
	defer retryCancel()
	retryResults, err := s.client.Bulk(retryCtx, s.index, failed)
	if err != nil {
		return changestream.NewTransientError(changestream.TransientSinkTimeout, err)
	}

	for _, stillFailed := range failedOps(failed, retryResults) {
		s.log.Warn().Str("id", stillFailed.ID).Msg("per-item bulk rejection after retry, dropping")
		s.metrics.ObserveItemRejected(s.view)
	}
	return nil
}

func failedOps(ops []BulkOp, results []ItemResult) []BulkOp {
	if len(results) == 0 {
		return nil
	}
	byID := make(map[string]ItemResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	var failed []BulkOp
	for _, op := range ops {
		if r, ok := byID[op.ID]; ok && r.Failed {
			failed = append(failed, op)
		}
	}
	return failed
}

func (s *Sink) ensureIndexOnce(ctx context.Context, row changestream.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensuredIndex {
		return nil
	}
	if err := s.client.EnsureIndex(ctx, s.index, row.Columns()); err != nil {
		return changestream.NewTransientError(changestream.TransientSinkTimeout, err)
	}
	s.ensuredIndex = true
	return nil
}

func estimateSize(doc map[string]interface{}) int {
	b, err := json.Marshal(doc)
	if err != nil {
		return 0
	}
	return len(b)
}

// Close releases resources held by the sink; it holds none, so this
// is a no-op. The underlying BulkClient is shared across pipelines and
// is not closed here.
func (s *Sink) Close() error { return nil }
