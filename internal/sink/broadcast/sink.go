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
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"syncd/pkg/changestream"
)

const defaultQueueCapacity = 1024

// Metrics is the subset of telemetry this sink reports.
type Metrics interface {
	ObserveSessionOpened()
	ObserveSessionClosed(reason string)
	ObserveDeltaFanout(view string, subscribers int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveSessionOpened()                        {}
func (noopMetrics) ObserveSessionClosed(string)                  {}
func (noopMetrics) ObserveDeltaFanout(string, int)                {}

// Sink implements C6: a registry of per-view state fed by ApplyBatch
// calls from one or more supervised pipelines, fanned out to
// WebSocket subscribers over a shared HTTP server (spec §4.6).
type Sink struct {
	log           zerolog.Logger
	metrics       Metrics
	queueCapacity int

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	views  map[string]*viewState

	nextID atomic.Uint64
}

// Option configures a Sink.
type Option func(*Sink)

func WithQueueCapacity(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.queueCapacity = n
		}
	}
}

func WithBroadcastMetrics(m Metrics) Option {
	return func(s *Sink) {
		if m != nil {
			s.metrics = m
		}
	}
}

func New(log zerolog.Logger, opts ...Option) *Sink {
	s := &Sink{
		log:           log.With().Str("stage", "sink.broadcast").Logger(),
		metrics:       noopMetrics{},
		queueCapacity: defaultQueueCapacity,
		views:         make(map[string]*viewState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterView creates the view's broadcast state. Pipelines must call
// this before their first Hydrate/ApplyBatch.
func (s *Sink) RegisterView(view string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.views[view]; !ok {
		s.views[view] = newViewState()
	}
}

func (s *Sink) viewOf(view string) (*viewState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs, ok := s.views[view]
	return vs, ok
}

// SupportsResume reports true: the broadcast sink keeps full view
// state in memory and can snapshot a reconnecting client without
// rehydration (spec §4.4).
func (s *Sink) SupportsResume() bool { return true }

// Hydrate seeds view's state from a full snapshot read, without
// fanning out deltas (there are no subscribers yet to disturb).
func (s *Sink) Hydrate(ctx context.Context, view, keyColumn string, rows <-chan changestream.Row) error {
	s.RegisterView(view)
	vs, _ := s.viewOf(view)
	for row := range rows {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		key, err := row.Key(keyColumn)
		if err != nil {
			return changestream.NewProtocolError(changestream.ProtocolMissingKeyColumn, view, err)
		}
		vs.seed(key, rowToDoc(row))
	}
	return nil
}

// ApplyBatch folds batch into view's state and fans the resulting
// delta out to every subscribed session, skipping sessions whose
// snapshot cutoff postdates this batch to preserve I5.
func (s *Sink) ApplyBatch(ctx context.Context, batch *changestream.FlushBatch) error {
	vs, ok := s.viewOf(batch.View)
	if !ok {
		return changestream.NewProtocolError(changestream.ProtocolViewNotFound, batch.View, nil)
	}

	delta, subs := vs.apply(batch)
	if len(subs) == 0 {
		return nil
	}

	fanned := 0
	for _, sess := range subs {
		if !sess.acceptsDelta(batch.View, batch.Ts) {
			continue
		}
		if !sess.enqueue(delta) {
			s.terminate(sess, ReasonSlowConsumer)
			continue
		}
		fanned++
	}
	s.metrics.ObserveDeltaFanout(batch.View, fanned)
	return nil
}

func (s *Sink) terminate(sess *session, reason string) {
	code := websocket.ClosePolicyViolation
	if reason == ReasonShutdown {
		code = websocket.CloseNormalClosure
	}
	sess.close(code, reason)
	s.unsubscribeAll(sess)
	s.metrics.ObserveSessionClosed(reason)
}

func (s *Sink) unsubscribeAll(sess *session) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, vs := range s.views {
		vs.unsubscribe(sess)
	}
}

// Close initiates a graceful shutdown of all live sessions. Sessions
// are collected under lock and terminated after every lock is
// released: terminate ultimately calls back into viewState.unsubscribe,
// which takes vs.mu for writing, so it cannot run while this method
// still holds a read lock on the same viewState.
func (s *Sink) Close() error {
	s.mu.RLock()
	seen := make(map[*session]struct{})
	var sessions []*session
	for _, vs := range s.views {
		vs.mu.RLock()
		for sess := range vs.subs {
			if _, ok := seen[sess]; !ok {
				seen[sess] = struct{}{}
				sessions = append(sessions, sess)
			}
		}
		vs.mu.RUnlock()
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		s.terminate(sess, ReasonShutdown)
	}
	return nil
}

// ServeHTTP upgrades the request to a WebSocket and runs the
// subscribe→snapshot→live protocol for one client (spec §4.6).
func (s *Sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := s.nextID.Add(1)
	sess := newSession(id, conn, s.queueCapacity, s.log)
	s.metrics.ObserveSessionOpened()

	var hello clientHello
	if err := conn.ReadJSON(&hello); err != nil || hello.Kind != "hello" || len(hello.Views) == 0 {
		sess.close(websocket.ClosePolicyViolation, ReasonBadHello)
		s.metrics.ObserveSessionClosed(ReasonBadHello)
		return
	}

	for _, view := range hello.Views {
		vs, ok := s.viewOf(view)
		if !ok {
			sess.close(websocket.ClosePolicyViolation, ReasonUnknownView)
			s.metrics.ObserveSessionClosed(ReasonUnknownView)
			return
		}
		cutoffTs := vs.subscribeAndSnapshot(view, sess, func(frame interface{}) { sess.enqueue(frame) })
		sess.cutoffTs[view] = cutoffTs
	}

	sess.state.Store(int32(sessionLive))

	go sess.writeLoop()
	sess.readLoop(func() {
		s.terminate(sess, ReasonServerError)
	})
}
