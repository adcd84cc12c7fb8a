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

// Package broadcast implements C6: the WebSocket fan-out sink
// adapter. Frames are JSON objects discriminated by "kind", per spec
// §4.6.
package broadcast

// clientHello is the first frame a client must send.
type clientHello struct {
	Kind  string   `json:"kind"`
	Views []string `json:"views"`
}

// clientPong answers a server ping.
type clientPong struct {
	Kind string `json:"kind"`
}

// serverSnapshot carries a chunk of a view's current state to a
// newly-subscribed client.
type serverSnapshot struct {
	Kind string                   `json:"kind"`
	View string                   `json:"view"`
	Rows []map[string]interface{} `json:"rows"`
}

type serverSnapshotEnd struct {
	Kind string `json:"kind"`
	View string `json:"view"`
}

// serverDelta carries one FlushBatch's effect on a view.
type serverDelta struct {
	Kind    string                   `json:"kind"`
	View    string                   `json:"view"`
	Upserts []deltaUpsert            `json:"upserts,omitempty"`
	Deletes []string                 `json:"deletes,omitempty"`
	Ts      int64                    `json:"ts"`
}

type deltaUpsert struct {
	Key string                 `json:"key"`
	Row map[string]interface{} `json:"row"`
}

type serverPing struct {
	Kind string `json:"kind"`
}

type serverBye struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Close reasons, per spec §6.
const (
	ReasonSlowConsumer  = "slow_consumer"
	ReasonBadHello      = "bad_hello"
	ReasonUnknownView   = "unknown_view"
	ReasonServerError   = "server_error"
	ReasonShutdown      = "shutdown"
)
