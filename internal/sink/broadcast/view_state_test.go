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
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncd/pkg/changestream"
)

func testFlushBatch(view, key string, ts int64) *changestream.FlushBatch {
	schema := changestream.NewSchema(view, []string{"v"})
	row := changestream.NewRow(schema, []changestream.Value{changestream.StringValue("x")})
	return &changestream.FlushBatch{
		View: view,
		Ts:   ts,
		Ops: []changestream.NetOp{
			{Kind: changestream.OpUpsert, Key: key, Row: row},
		},
	}
}

// TestViewState_SubscribeAndSnapshot_CapturesCutoff reproduces the
// simple case: a client subscribing after a batch has applied sees
// that row in its snapshot and the cutoff excludes any replay of it
// as a delta.
func TestViewState_SubscribeAndSnapshot_CapturesCutoff(t *testing.T) {
	vs := newViewState()
	_, _ = vs.apply(testFlushBatch("orders", "o1", 5))

	sess := newSession(1, nil, 8, zerolog.Nop())
	var frames []interface{}
	cutoff := vs.subscribeAndSnapshot("orders", sess, func(f interface{}) { frames = append(frames, f) })

	assert.Equal(t, int64(5), cutoff)
	require.Len(t, frames, 2) // one snapshot chunk + snapshot_end
	snap, ok := frames[0].(serverSnapshot)
	require.True(t, ok)
	assert.Len(t, snap.Rows, 1)

	assert.False(t, sess.acceptsDelta("orders", 5))
	assert.True(t, sess.acceptsDelta("orders", 6))
}

// TestViewState_P7_SnapshotAtomicity reproduces property P7: a batch
// applied strictly before subscribeAndSnapshot must appear in the
// snapshot and never again as a delta to the same session; a batch
// applied strictly after must appear solely as a delta.
func TestViewState_P7_SnapshotAtomicity(t *testing.T) {
	vs := newViewState()
	_, _ = vs.apply(testFlushBatch("orders", "before", 1))

	sess := newSession(1, nil, 8, zerolog.Nop())
	var snapshotted []string
	cutoff := vs.subscribeAndSnapshot("orders", sess, func(f interface{}) {
		if snap, ok := f.(serverSnapshot); ok {
			for _, row := range snap.Rows {
				snapshotted = append(snapshotted, row["_key"].(string))
			}
		}
	})
	assert.Equal(t, int64(1), cutoff)
	assert.Contains(t, snapshotted, "before")

	delta, subs := vs.apply(testFlushBatch("orders", "after", 2))
	require.Len(t, subs, 1)
	assert.True(t, subs[0].acceptsDelta("orders", delta.Ts))
	require.Len(t, delta.Upserts, 1)
	assert.Equal(t, "after", delta.Upserts[0].Key)

	assert.NotContains(t, snapshotted, "after")
}

func TestSession_Enqueue_OverflowReturnsFalse(t *testing.T) {
	sess := newSession(1, nil, 1, zerolog.Nop())
	assert.True(t, sess.enqueue(serverPing{Kind: "ping"}))
	assert.False(t, sess.enqueue(serverPing{Kind: "ping"}))
}

func TestSession_Enqueue_MarshalsFrame(t *testing.T) {
	sess := newSession(1, nil, 4, zerolog.Nop())
	ok := sess.enqueue(serverDelta{Kind: "delta", View: "orders", Ts: 3})
	require.True(t, ok)
	raw := <-sess.outbound
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "delta", decoded["kind"])
	assert.Equal(t, "orders", decoded["view"])
}

func TestViewState_UnsubscribeStopsFanout(t *testing.T) {
	vs := newViewState()
	sess := newSession(1, nil, 8, zerolog.Nop())
	vs.subscribeAndSnapshot("orders", sess, func(interface{}) {})
	vs.unsubscribe(sess)

	_, subs := vs.apply(testFlushBatch("orders", "k", 9))
	assert.Len(t, subs, 0)
}
