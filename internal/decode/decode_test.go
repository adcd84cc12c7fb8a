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

package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncd/pkg/changestream"
)

func TestDecode_Progress(t *testing.T) {
	d := New("orders", "order_id")
	ev, err := d.Decode(RawRow{Progress: true, Ts: 7})
	require.NoError(t, err)
	assert.Equal(t, changestream.EventProgress, ev.Kind)
	assert.Equal(t, int64(7), ev.Ts)
}

func TestDecode_Snapshot(t *testing.T) {
	d := New("orders", "order_id")
	raw := RawRow{
		Snapshot: true,
		Columns:  []string{"order_id", "status"},
		Values:   []changestream.Value{changestream.StringValue("o1"), changestream.StringValue("NEW")},
	}
	ev, err := d.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, changestream.EventSnapshot, ev.Kind)
	assert.Equal(t, "o1", ev.Key)
	v, ok := ev.Row.Get("status")
	require.True(t, ok)
	assert.Equal(t, "NEW", v.String())
}

func TestDecode_Change(t *testing.T) {
	d := New("orders", "order_id")
	raw := RawRow{
		Ts:      2,
		HasDiff: true,
		Diff:    1,
		Columns: []string{"order_id", "status"},
		Values:  []changestream.Value{changestream.StringValue("o1"), changestream.StringValue("PAID")},
	}
	ev, err := d.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, changestream.EventChange, ev.Kind)
	assert.Equal(t, int64(2), ev.Ts)
	assert.Equal(t, int64(1), ev.Diff)
	assert.Equal(t, "o1", ev.Key)
}

func TestDecode_InvalidDiffIsFatal(t *testing.T) {
	d := New("orders", "order_id")
	raw := RawRow{
		Ts:      2,
		HasDiff: true,
		Diff:    2,
		Columns: []string{"order_id"},
		Values:  []changestream.Value{changestream.StringValue("o1")},
	}
	_, err := d.Decode(raw)
	require.Error(t, err)
	var perr *changestream.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, changestream.ProtocolUnexpectedDiff, perr.Kind)
}

func TestDecode_MissingKeyColumnIsFatal(t *testing.T) {
	d := New("orders", "order_id")
	raw := RawRow{
		Ts:      1,
		HasDiff: true,
		Diff:    1,
		Columns: []string{"status"},
		Values:  []changestream.Value{changestream.StringValue("NEW")},
	}
	_, err := d.Decode(raw)
	require.Error(t, err)
	var perr *changestream.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, changestream.ProtocolMissingKeyColumn, perr.Kind)
}

func TestDecode_SchemaCapturedOnce(t *testing.T) {
	d := New("orders", "order_id")
	raw := RawRow{
		Snapshot: true,
		Columns:  []string{"order_id", "status"},
		Values:   []changestream.Value{changestream.StringValue("o1"), changestream.StringValue("NEW")},
	}
	_, err := d.Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, d.Schema())
	assert.Equal(t, []string{"order_id", "status"}, d.Schema().Columns)
}
