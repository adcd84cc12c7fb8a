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

// Package decode classifies raw upstream rows into the Snapshot,
// Progress, and Change events the consolidator expects. It is pure:
// no I/O, no retry, no state beyond the per-view schema captured on
// first sight.
package decode

import (
	"fmt"

	"syncd/pkg/changestream"
)

// RawRow is what the connector (C1) hands the decoder for every row it
// reads off the wire: the column values in a fixed, stable order, plus
// the control fields that distinguish snapshot/change/progress rows.
type RawRow struct {
	// Progress is true only for progress-mark rows; Ts is then the
	// mark's timestamp and Diff/Columns/Values are ignored.
	Progress bool

	// Snapshot is true for rows delivered before the first progress
	// mark when emit_snapshot was requested; Diff is ignored.
	Snapshot bool

	Ts      int64
	HasDiff bool
	Diff    int64

	Columns []string
	Values  []changestream.Value
}

// Decoder classifies RawRows for a single view, keyed by that view's
// key column. It captures the view's Schema from the first snapshot or
// change row.
type Decoder struct {
	view      string
	keyColumn string
	schema    *changestream.Schema
}

func New(view, keyColumn string) *Decoder {
	return &Decoder{view: view, keyColumn: keyColumn}
}

// Schema returns the captured schema, or nil if no row has been
// decoded yet.
func (d *Decoder) Schema() *changestream.Schema { return d.schema }

// Decode classifies one raw row. Fatal classification errors are
// *changestream.ProtocolError values; callers must halt the pipeline
// on those and may not retry them.
func (d *Decoder) Decode(raw RawRow) (changestream.Event, error) {
	if raw.Progress {
		return changestream.Event{Kind: changestream.EventProgress, Ts: raw.Ts}, nil
	}

	if d.schema == nil {
		d.schema = changestream.NewSchema(d.view, raw.Columns)
	}
	row := changestream.NewRow(d.schema, raw.Values)

	if raw.Snapshot {
		key, err := row.Key(d.keyColumn)
		if err != nil {
			return changestream.Event{}, changestream.NewProtocolError(
				changestream.ProtocolMissingKeyColumn, d.view, err)
		}
		return changestream.Event{Kind: changestream.EventSnapshot, Key: key, Row: row}, nil
	}

	if !raw.HasDiff || (raw.Diff != 1 && raw.Diff != -1) {
		return changestream.Event{}, changestream.NewProtocolError(
			changestream.ProtocolUnexpectedDiff, d.view,
			fmt.Errorf("diff must be -1 or +1, got %d (has_diff=%t)", raw.Diff, raw.HasDiff))
	}

	key, err := row.Key(d.keyColumn)
	if err != nil {
		return changestream.Event{}, changestream.NewProtocolError(
			changestream.ProtocolMissingKeyColumn, d.view, err)
	}

	return changestream.Event{
		Kind: changestream.EventChange,
		Ts:   raw.Ts,
		Diff: raw.Diff,
		Key:  key,
		Row:  row,
	}, nil
}
