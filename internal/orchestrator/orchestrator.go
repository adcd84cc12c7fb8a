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

package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"syncd/internal/connector"
	"syncd/internal/sink/broadcast"
	"syncd/internal/sink/search"
	"syncd/internal/supervisor"
	"syncd/pkg/changestream"
)

// pipelineBroadcastSink adapts the shared *broadcast.Sink (one
// instance serves every view) to the per-pipeline Sink interface: each
// pipeline only knows its own view and key column, so this closes over
// both before delegating.
type pipelineBroadcastSink struct {
	sink      *broadcast.Sink
	view      string
	keyColumn string
}

func (b *pipelineBroadcastSink) Hydrate(ctx context.Context, rows <-chan changestream.Row) error {
	return b.sink.Hydrate(ctx, b.view, b.keyColumn, rows)
}

func (b *pipelineBroadcastSink) ApplyBatch(ctx context.Context, batch *changestream.FlushBatch) error {
	return b.sink.ApplyBatch(ctx, batch)
}

// Entry tracks one running pipeline's supervisor and descriptor.
type Entry struct {
	Desc       Descriptor
	Supervisor *supervisor.Supervisor
	cancel     context.CancelFunc
	done       chan struct{}
}

// Orchestrator implements C7: spawns one supervised pipeline per
// descriptor and exposes ready/live health probes plus ordered
// shutdown.
type Orchestrator struct {
	log   zerolog.Logger
	mu    sync.RWMutex
	cfg   supervisor.Config
	wg    sync.WaitGroup
	conn  *connector.Connector
	bcast *broadcast.Sink

	entries []*Entry
}

func New(conn *connector.Connector, bcast *broadcast.Sink, cfg supervisor.Config, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		log:   log.With().Str("stage", "orchestrator").Logger(),
		cfg:   cfg,
		conn:  conn,
		bcast: bcast,
	}
}

// SearchSinkBuilder constructs a *search.Sink for a descriptor; the
// caller supplies it so the orchestrator stays decoupled from the
// concrete BulkClient/index-naming policy.
type SearchSinkBuilder func(desc Descriptor) (*search.Sink, error)

// Start spawns one supervisor per descriptor and begins Supervise in a
// background goroutine for each, per spec §4.7.
func (o *Orchestrator) Start(ctx context.Context, descs []Descriptor, buildSearchSink SearchSinkBuilder) error {
	for _, desc := range descs {
		var sink Sink
		switch desc.Sink {
		case SinkSearch:
			s, err := buildSearchSink(desc)
			if err != nil {
				return fmt.Errorf("orchestrator: build search sink for view %q: %w", desc.View, err)
			}
			sink = s
		case SinkBroadcast:
			o.bcast.RegisterView(desc.View)
			sink = &pipelineBroadcastSink{sink: o.bcast, view: desc.View, keyColumn: desc.KeyColumn}
		default:
			return fmt.Errorf("orchestrator: unknown sink kind %q for view %q", desc.Sink, desc.View)
		}

		p := newPipeline(desc, o.conn, sink)
		sv := supervisor.New(desc.View, o.cfg, o.log)

		pctx, cancel := context.WithCancel(ctx)
		entry := &Entry{Desc: desc, Supervisor: sv, cancel: cancel, done: make(chan struct{})}

		o.mu.Lock()
		o.entries = append(o.entries, entry)
		o.mu.Unlock()

		o.wg.Add(1)
		go func(p *pipeline, sv *supervisor.Supervisor, pctx context.Context, entry *Entry) {
			defer o.wg.Done()
			defer close(entry.done)
			sv.Supervise(pctx, p.run)
		}(p, sv, pctx, entry)
	}
	return nil
}

// Ready reports true when every pipeline's supervisor is past
// Initializing/Hydrating. A supervisor enters Hydrating at the start
// of every attempt and leaves it only when the pipeline applies its
// first FlushBatch, so Ready stays false after a hydration until a
// batch is applied, and turns false again while a pipeline rehydrates
// after a reconnect.
func (o *Orchestrator) Ready() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, e := range o.entries {
		switch e.Supervisor.State() {
		case supervisor.StateInitializing, supervisor.StateHydrating:
			return false
		}
	}
	return len(o.entries) > 0
}

// Live reports true if every pipeline's supervisor is Streaming or
// Reconnecting, with none Fatal, per spec §4.7.
func (o *Orchestrator) Live() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, e := range o.entries {
		switch e.Supervisor.State() {
		case supervisor.StateStreaming, supervisor.StateReconnecting:
		default:
			return false
		}
	}
	return true
}

// States returns each pipeline's current supervisor state, keyed by
// view, for periodic telemetry reporting.
func (o *Orchestrator) States() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string, len(o.entries))
	for _, e := range o.entries {
		out[e.Desc.View] = e.Supervisor.State().String()
	}
	return out
}

// FatalViews returns the views whose pipelines are currently Fatal,
// for exit-code decisions in cmd/syncd (spec §6: exit code 2 on an
// unrecoverable upstream schema error).
func (o *Orchestrator) FatalViews() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var views []string
	for _, e := range o.entries {
		if e.Supervisor.State() == supervisor.StateFatal {
			views = append(views, e.Desc.View)
		}
	}
	return views
}

// Shutdown cancels every pipeline in reverse registration order, waits
// for all of them to exit, then closes the broadcast sink's live
// sessions. Each pipeline has one context, so its connector and its
// sink are canceled together.
func (o *Orchestrator) Shutdown() {
	o.mu.RLock()
	entries := make([]*Entry, len(o.entries))
	copy(entries, o.entries)
	o.mu.RUnlock()

	for i := len(entries) - 1; i >= 0; i-- {
		entries[i].cancel()
	}
	for _, e := range entries {
		<-e.done
	}
	_ = o.bcast.Close()
}
