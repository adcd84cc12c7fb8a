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
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type sessionState int32

const (
	sessionSubscribing sessionState = iota
	sessionLive
	sessionDraining
	sessionClosed
)

// session is one WebSocket client session: Subscribing → Live →
// Draining → Closed (spec §3). Its outbound queue is
// single-producer (fan-out writer) / single-consumer (this session's
// writer goroutine), bounded per spec §4.6's backpressure rule.
type session struct {
	id       uint64
	conn     *websocket.Conn
	log      zerolog.Logger
	outbound chan []byte

	cutoffTs map[string]int64 // view -> snapshot cutoff ts

	state      atomic.Int32
	closedOnce atomic.Bool
	done       chan struct{}
}

func newSession(id uint64, conn *websocket.Conn, queueCapacity int, log zerolog.Logger) *session {
	s := &session{
		id:       id,
		conn:     conn,
		log:      log.With().Uint64("client_id", id).Str("stage", "sink.broadcast").Logger(),
		outbound: make(chan []byte, queueCapacity),
		cutoffTs: make(map[string]int64),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(sessionSubscribing))
	return s
}

// acceptsDelta reports whether a delta at ts for view should reach
// this client: only if it is subscribed and the delta postdates its
// snapshot cutoff (spec §4.6 step d, invariant I5/P4).
func (s *session) acceptsDelta(view string, ts int64) bool {
	cutoff, ok := s.cutoffTs[view]
	return ok && ts > cutoff
}

// enqueue is a non-blocking try-put. On overflow it returns false; the
// caller terminates this session only, per spec §4.6's backpressure
// rule — the broadcaster must never block on one slow client.
func (s *session) enqueue(frame interface{}) bool {
	b, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal outbound frame")
		return true // not a backpressure failure; drop silently
	}
	select {
	case s.outbound <- b:
		return true
	default:
		return false
	}
}

// close marks the session closed and sends a WebSocket close frame
// with reason. Safe to call multiple times.
func (s *session) close(code int, reason string) {
	if !s.closedOnce.CompareAndSwap(false, true) {
		return
	}
	s.state.Store(int32(sessionClosed))
	close(s.done)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = s.conn.Close()
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 15 * time.Second
	pingInterval   = 15 * time.Second
)

// writeLoop drains the outbound queue to the socket and sends a ping
// every pingInterval, whether or not other frames were sent.
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case b, ok := <-s.outbound:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.close(websocket.CloseInternalServerErr, ReasonServerError)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ping, _ := json.Marshal(serverPing{Kind: "ping"})
			if err := s.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				s.close(websocket.CloseInternalServerErr, ReasonServerError)
				return
			}
		}
	}
}

// readLoop processes inbound client frames: only "pong" is expected
// after hello handling completes. Other well-formed frames are
// ignored; a frame that is not JSON, or no pong for pongWait past the
// next ping, disconnects the client.
func (s *session) readLoop(onClose func()) {
	defer onClose()

	s.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var generic struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(data, &generic); err != nil {
			s.close(websocket.ClosePolicyViolation, ReasonBadHello)
			return
		}
		switch generic.Kind {
		case "pong":
			s.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		default:
			// Unexpected frame post-hello; clients only ever send pongs
			// in this protocol version. Ignore rather than disconnect to
			// tolerate future client additions.
		}
	}
}
