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

// Package connector implements C1: a logical connection to the
// upstream streaming engine that yields snapshot rows and a
// subscribed differential stream. Like the persistence adapters this
// module is patterned on, the transport is an interface
// (Dialer) so production code wraps a real net.Conn while tests
// use an in-memory fake.
package connector

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"syncd/internal/decode"
	"syncd/pkg/changestream"
)

// ConnectTimeout bounds how long Dial waits for the upstream engine,
// per spec §5.
const ConnectTimeout = 10 * time.Second

// Options configure a subscribe call, per spec §4.1.
type Options struct {
	// WithProgress must be true for the consolidator to function;
	// Connector rejects Options where it is false.
	WithProgress bool
	// EmitSnapshot, when true, makes the returned sequence begin with
	// snapshot rows before transitioning to change/progress rows.
	EmitSnapshot bool
}

// wireRow is the newline-delimited JSON shape exchanged on the wire.
// Progress rows carry Progress=true and Ts; snapshot rows carry
// neither Diff nor Progress; change rows carry Diff. A server-side
// fatal condition (e.g. the requested view does not exist) arrives as
// a standalone {"error":"..."} frame instead of a data row.
type wireRow struct {
	Progress bool                       `json:"progress,omitempty"`
	Snapshot bool                       `json:"snapshot,omitempty"`
	Ts       int64                      `json:"ts"`
	Diff     *int64                     `json:"diff,omitempty"`
	Columns  []string                   `json:"columns"`
	Values   map[string]json.RawMessage `json:"values"`
	Error    string                     `json:"error,omitempty"`
}

// Dialer opens the underlying transport. Production code uses
// TCPDialer (optionally TLS-wrapped); tests substitute a fake that
// returns an in-memory net.Pipe or a scripted reader.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// TCPDialer dials a plain or TLS TCP connection to the upstream
// engine, per the external-interface contract in spec §6.
type TCPDialer struct {
	Addr      string
	TLSConfig *tls.Config // nil for plaintext
}

func (d TCPDialer) Dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: ConnectTimeout}
	if d.TLSConfig != nil {
		return tls.DialWithDialer(dialer, "tcp", d.Addr, d.TLSConfig)
	}
	return dialer.DialContext(ctx, "tcp", d.Addr)
}

// Connector implements C1 for one logical database.
type Connector struct {
	dialer   Dialer
	cluster  string // logical query-path name, e.g. "serving"
	database string
}

// New builds a Connector. cluster is the logical query-path directive
// issued before SUBSCRIBE/snapshot queries (spec §4.1's "low-latency
// query path"); database is the fixed logical database name.
func New(dialer Dialer, cluster, database string) *Connector {
	return &Connector{dialer: dialer, cluster: cluster, database: database}
}

// connection wraps a dialed net.Conn with the line-oriented read/write
// helpers shared by Snapshot and Subscribe.
type connection struct {
	conn net.Conn
	r    *bufio.Reader
}

func (c *Connector) connect(ctx context.Context) (*connection, error) {
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, changestream.NewTransientError(changestream.TransientNetworkUnavailable,
			fmt.Errorf("dial upstream: %w", err))
	}
	wc := &connection{conn: conn, r: bufio.NewReader(conn)}

	// Session directive: route subsequent queries to the low-latency
	// query path before issuing subscribe/snapshot (spec §4.1/§6).
	if err := wc.writeLine(fmt.Sprintf(`{"directive":"use_cluster","cluster":%q,"database":%q}`, c.cluster, c.database)); err != nil {
		conn.Close()
		return nil, changestream.NewTransientError(changestream.TransientNetworkUnavailable,
			fmt.Errorf("set query path: %w", err))
	}
	return wc, nil
}

func (wc *connection) writeLine(line string) error {
	_, err := wc.conn.Write([]byte(line + "\n"))
	return err
}

func (wc *connection) close() error { return wc.conn.Close() }

// Snapshot returns a finite, restartable sequence of (key, row) pairs
// for view, decoded with keyColumn. It fails with a
// *changestream.ProtocolError{Kind:ProtocolViewNotFound} or a
// *changestream.TransientError on connection problems.
func (c *Connector) Snapshot(ctx context.Context, view, keyColumn string) (*RowSequence, error) {
	wc, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := wc.writeLine(fmt.Sprintf(`{"query":"snapshot","view":%q}`, view)); err != nil {
		wc.close()
		return nil, changestream.NewTransientError(changestream.TransientNetworkUnavailable, err)
	}
	return &RowSequence{
		view:    view,
		wc:      wc,
		decoder: decode.New(view, keyColumn),
		closeOnEOF: true,
	}, nil
}

// Subscribe returns an infinite (until connection loss) sequence of
// decoded events for view. opts.WithProgress must be true.
func (c *Connector) Subscribe(ctx context.Context, view, keyColumn string, opts Options) (*RowSequence, error) {
	if !opts.WithProgress {
		return nil, fmt.Errorf("connector: Subscribe requires WithProgress=true for the consolidator to function")
	}
	wc, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := wc.writeLine(fmt.Sprintf(
		`{"query":"subscribe","view":%q,"progress":true,"snapshot":%t}`, view, opts.EmitSnapshot)); err != nil {
		wc.close()
		return nil, changestream.NewTransientError(changestream.TransientNetworkUnavailable, err)
	}
	return &RowSequence{
		view:    view,
		wc:      wc,
		decoder: decode.New(view, keyColumn),
	}, nil
}

// Close releases the connector. Connector itself holds no persistent
// connection between calls, so this is a no-op kept for interface
// symmetry with the sink adapters' Close methods.
func (c *Connector) Close() error { return nil }

// RowSequence is a lazy pull sequence of decoded changestream.Events
// backed by one dialed connection.
type RowSequence struct {
	view       string
	wc         *connection
	decoder    *decode.Decoder
	closeOnEOF bool
}

// Next decodes and returns the next event. It returns (Event{}, false,
// nil) at a clean end of stream (only valid for Snapshot sequences);
// Subscribe sequences that hit EOF return a *changestream.TransientError
// so the supervisor reconnects.
func (s *RowSequence) Next(ctx context.Context) (changestream.Event, bool, error) {
	line, err := s.readLine(ctx)
	if err != nil {
		return changestream.Event{}, false, err
	}
	if line == nil {
		if s.closeOnEOF {
			return changestream.Event{}, false, nil
		}
		return changestream.Event{}, false, changestream.NewTransientError(
			changestream.TransientStreamEnded, fmt.Errorf("subscribe stream for view %q ended", s.view))
	}

	var wr wireRow
	if err := json.Unmarshal(line, &wr); err != nil {
		return changestream.Event{}, false, changestream.NewProtocolError(
			changestream.ProtocolUnexpectedDiff, s.view, fmt.Errorf("malformed row: %w", err))
	}
	if wr.Error != "" {
		return changestream.Event{}, false, wireError(s.view, wr.Error)
	}

	raw := decode.RawRow{
		Progress: wr.Progress,
		Snapshot: wr.Snapshot,
		Ts:       wr.Ts,
		HasDiff:  wr.Diff != nil,
		Columns:  wr.Columns,
	}
	if wr.Diff != nil {
		raw.Diff = *wr.Diff
	}
	raw.Values = make([]changestream.Value, len(wr.Columns))
	for i, col := range wr.Columns {
		raw.Values[i] = decodeValue(wr.Values[col])
	}

	ev, err := s.decoder.Decode(raw)
	if err != nil {
		return changestream.Event{}, false, err
	}
	return ev, true, nil
}

// Close releases the connection backing this sequence.
func (s *RowSequence) Close() error { return s.wc.close() }

func (s *RowSequence) readLine(ctx context.Context) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := s.wc.r.ReadBytes('\n')
		if err != nil {
			done <- result{nil, err}
			return
		}
		done <- result{line, nil}
	}()

	select {
	case <-ctx.Done():
		s.wc.close()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, nil // EOF or read error: treat as end of stream
		}
		return res.line, nil
	}
}

// wireError maps a server-sent {"error": "..."} frame to the matching
// fatal Protocol::* kind. view_not_found is the only named failure the
// wire protocol defines today; anything else still halts the pipeline
// but is reported as an unexpected-diff protocol error.
func wireError(view, code string) error {
	switch code {
	case "view_not_found":
		return changestream.NewProtocolError(changestream.ProtocolViewNotFound, view,
			fmt.Errorf("wire error: %s", code))
	default:
		return changestream.NewProtocolError(changestream.ProtocolUnexpectedDiff, view,
			fmt.Errorf("wire error: %s", code))
	}
}

func decodeValue(raw json.RawMessage) changestream.Value {
	if len(raw) == 0 || string(raw) == "null" {
		return changestream.Null()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return changestream.StringValue(s)
	}
	var i int64
	if err := json.Unmarshal(raw, &i); err == nil {
		return changestream.IntValue(i)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return changestream.FloatValue(f)
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return changestream.BoolValue(b)
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err == nil {
		out := make(map[string]changestream.Value, len(nested))
		for k, v := range nested {
			out[k] = decodeValue(v)
		}
		return changestream.NestedValue(out)
	}
	return changestream.StringValue(string(raw))
}
