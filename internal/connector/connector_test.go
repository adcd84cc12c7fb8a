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

package connector

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"syncd/pkg/changestream"
)

// pipeDialer hands back one side of an in-memory net.Pipe, with the
// other side driven by a scripted fake server goroutine.
type pipeDialer struct {
	serve func(conn net.Conn)
}

func (d pipeDialer) Dial(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	go d.serve(server)
	return client, nil
}

// discardLine reads and drops one newline-terminated line, used to
// consume the use_cluster directive and the query line the real
// server would also swallow before replying.
func discardLine(r *bufio.Reader) {
	_, _ = r.ReadString('\n')
}

// TestSnapshot_ViewNotFoundWireError reproduces a server that rejects
// a snapshot request for a view it does not know about: the
// real wire path must surface *changestream.ProtocolError{Kind:
// ProtocolViewNotFound}, not merely the sink-side check that runs at
// apply time.
func TestSnapshot_ViewNotFoundWireError(t *testing.T) {
	dialer := pipeDialer{serve: func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		discardLine(r) // use_cluster directive
		discardLine(r) // snapshot query
		_, _ = conn.Write([]byte(`{"error":"view_not_found"}` + "\n"))
	}}

	c := New(dialer, "serving", "default")
	seq, err := c.Snapshot(context.Background(), "missing_view", "id")
	require.NoError(t, err)
	defer seq.Close()

	_, ok, err := seq.Next(context.Background())
	require.False(t, ok)
	require.Error(t, err)

	var perr *changestream.ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, changestream.ProtocolViewNotFound, perr.Kind)
}

// TestSubscribe_UnrecognizedWireErrorIsFatal checks an error code the
// protocol does not name still halts the pipeline as a protocol error
// rather than being silently ignored.
func TestSubscribe_UnrecognizedWireErrorIsFatal(t *testing.T) {
	dialer := pipeDialer{serve: func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		discardLine(r) // use_cluster directive
		discardLine(r) // subscribe query
		_, _ = conn.Write([]byte(`{"error":"schema_mismatch"}` + "\n"))
	}}

	c := New(dialer, "serving", "default")
	seq, err := c.Subscribe(context.Background(), "orders", "id", Options{WithProgress: true})
	require.NoError(t, err)
	defer seq.Close()

	_, ok, err := seq.Next(context.Background())
	require.False(t, ok)
	require.Error(t, err)

	var perr *changestream.ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, changestream.ProtocolUnexpectedDiff, perr.Kind)
}
