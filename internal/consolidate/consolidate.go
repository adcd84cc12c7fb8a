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

// Package consolidate buffers decoded changes until a progress mark
// and folds same-key +1/-1 pairs into a single net operation per key,
// per spec §3/§4.3.
package consolidate

import (
	"fmt"
	"reflect"

	"syncd/pkg/changestream"
)

const defaultMaxPendingKeys = 100_000

type pendingKey struct {
	netDiff   int64
	latestTs  int64
	firstRow  changestream.Row
	latestRow changestream.Row
}

// Consolidator implements C3 for a single view.
type Consolidator struct {
	view           string
	maxPendingKeys int

	pending map[string]*pendingKey
	order   []string // insertion order, for deterministic op emission
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithMaxPendingKeys overrides the threshold MaxPendingKeys reports
// (default 100,000). The Consolidator does not enforce it.
func WithMaxPendingKeys(n int) Option {
	return func(c *Consolidator) {
		if n > 0 {
			c.maxPendingKeys = n
		}
	}
}

func New(view string, opts ...Option) *Consolidator {
	c := &Consolidator{
		view:           view,
		maxPendingKeys: defaultMaxPendingKeys,
		pending:        make(map[string]*pendingKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pending reports the number of distinct keys currently buffered.
// The pipeline's read loop does not consult it: the pending set is not
// bounded by MaxPendingKeys and upstream consumption is never paused.
func (c *Consolidator) Pending() int { return len(c.pending) }

// MaxPendingKeys returns the configured backpressure threshold.
func (c *Consolidator) MaxPendingKeys() int { return c.maxPendingKeys }

// Change folds one decoded change into the pending set. Returns a
// *changestream.ProtocolError (fatal, invariant I1) if the running
// net diff for the key would exceed 1 in absolute value.
func (c *Consolidator) Change(ts, diff int64, key string, row changestream.Row) error {
	pk, ok := c.pending[key]
	if !ok {
		pk = &pendingKey{firstRow: row, latestRow: row}
		c.pending[key] = pk
		c.order = append(c.order, key)
	}

	pk.netDiff += diff
	if pk.netDiff > 1 || pk.netDiff < -1 {
		return changestream.NewProtocolError(
			changestream.ProtocolUnexpectedDiff, c.view,
			errNetDiffOverflow(key, pk.netDiff))
	}

	// ts >= latestTs keeps the last-arrived row within a tied ts, matching
	// "rows within the same transaction are applied in arrival order".
	if ts >= pk.latestTs {
		pk.latestTs = ts
		pk.latestRow = row
	}
	return nil
}

// Progress produces a FlushBatch for every key touched since the last
// progress mark, per spec §3's net-op rules, then clears pending
// state. Returns nil if there was nothing pending (a legitimate no-op
// progress mark).
func (c *Consolidator) Progress(ts int64) *changestream.FlushBatch {
	if len(c.pending) == 0 {
		return nil
	}

	var ops []changestream.NetOp
	for _, key := range c.order {
		pk := c.pending[key]
		switch {
		case pk.netDiff == 1:
			ops = append(ops, changestream.NetOp{
				Kind: changestream.OpUpsert, Key: key, Row: pk.latestRow,
			})
		case pk.netDiff == -1:
			ops = append(ops, changestream.NetOp{
				Kind: changestream.OpDelete, Key: key,
			})
		case !rowsEqual(pk.firstRow, pk.latestRow):
			// DELETE-then-INSERT within the batch: net zero population
			// change, but the row was rewritten, so treat it as an
			// upsert per spec §3.
			ops = append(ops, changestream.NetOp{
				Kind: changestream.OpUpsert, Key: key, Row: pk.latestRow,
			})
		default:
			// Pure no-op: sum is zero and the payload never changed. Omit.
		}
	}

	c.pending = make(map[string]*pendingKey)
	c.order = nil
	if len(ops) == 0 {
		return nil
	}
	return &changestream.FlushBatch{View: c.view, Ts: ts, Ops: ops}
}

// rowsEqual reports whether a and b carry the same column values. Row
// holds only unexported fields, so comparison goes through reflection
// rather than a public Equal method.
func rowsEqual(a, b changestream.Row) bool {
	return reflect.DeepEqual(a, b)
}

// Discard drops all uncommitted pending state, used when the upstream
// stream terminates: those timestamps were never acknowledged by a
// progress mark, so nothing should be emitted for them (spec §4.3
// rule 4).
func (c *Consolidator) Discard() {
	c.pending = make(map[string]*pendingKey)
	c.order = nil
}

func errNetDiffOverflow(key string, netDiff int64) error {
	return fmt.Errorf("consolidate: net diff for key %q reached %d, exceeding |1| within one progress window", key, netDiff)
}
