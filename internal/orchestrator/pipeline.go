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
	"errors"

	"syncd/internal/connector"
	"syncd/internal/consolidate"
	"syncd/pkg/changestream"
)

// errApplyStageStopped is returned by the read loop when the sink
// applier task has already exited (its real error is reported via
// stream's applyErr channel, which takes precedence).
var errApplyStageStopped = errors.New("orchestrator: sink apply stage stopped")

// snapshotChanCapacity bounds the row channel between the connector's
// Snapshot sequence and a sink's Hydrate loop.
const snapshotChanCapacity = 256

// flushChanCapacity is the default bounded channel between the
// consolidator and a sink's ApplyBatch call, per spec §5.
const flushChanCapacity = 32

// Sink is the narrow interface a pipeline drives; internal/sink/search.Sink
// satisfies it directly, internal/sink/broadcast.Sink through a
// per-pipeline adapter (see pipelineBroadcastSink in orchestrator.go).
type Sink interface {
	Hydrate(ctx context.Context, rows <-chan changestream.Row) error
	ApplyBatch(ctx context.Context, batch *changestream.FlushBatch) error
}

// pipeline runs one (view, sink) descriptor's full hydrate+stream
// cycle; it is the supervisor.Run passed to a Supervisor per spec
// §4.4.
type pipeline struct {
	desc      Descriptor
	connector *connector.Connector
	sink      Sink
}

func newPipeline(desc Descriptor, conn *connector.Connector, sink Sink) *pipeline {
	return &pipeline{desc: desc, connector: conn, sink: sink}
}

// run implements supervisor.Run: hydrate from a snapshot, then
// subscribe and consolidate, applying FlushBatches to the sink until
// the stream ends or ctx is canceled (spec §4.4's retry loop body).
func (p *pipeline) run(ctx context.Context, onProgress func()) error {
	if err := p.hydrate(ctx); err != nil {
		return err
	}
	return p.stream(ctx, onProgress)
}

func (p *pipeline) hydrate(ctx context.Context) error {
	seq, err := p.connector.Snapshot(ctx, p.desc.View, p.desc.KeyColumn)
	if err != nil {
		return err
	}
	defer seq.Close()

	rows := make(chan changestream.Row, snapshotChanCapacity)
	errCh := make(chan error, 1)
	go func() {
		defer close(rows)
		for {
			ev, ok, err := seq.Next(ctx)
			if err != nil {
				errCh <- err
				return
			}
			if !ok {
				errCh <- nil
				return
			}
			select {
			case rows <- ev.Row:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	if err := p.sink.Hydrate(ctx, rows); err != nil {
		return err
	}
	return <-errCh
}

// stream runs the decode→consolidate chain in the calling goroutine
// (spec §5: "C1→C2→C3 is a sequential chain") and hands FlushBatches to
// a separate applier task over a bounded channel (spec §5: "the sink
// adapter runs in a separate task connected by a bounded channel,
// default capacity 32"), so one slow bulk/fan-out call cannot stall the
// network read ahead of the backlog the channel allows.
func (p *pipeline) stream(ctx context.Context, onProgress func()) error {
	seq, err := p.connector.Subscribe(ctx, p.desc.View, p.desc.KeyColumn, connector.Options{
		WithProgress: true,
		EmitSnapshot: false,
	})
	if err != nil {
		return err
	}
	defer seq.Close()

	batches := make(chan *changestream.FlushBatch, flushChanCapacity)
	applyErr := make(chan error, 1)
	applyDone := make(chan struct{})
	progressed := false
	go func() {
		defer close(applyDone)
		for batch := range batches {
			if err := p.sink.ApplyBatch(ctx, batch); err != nil {
				applyErr <- err
				return
			}
			if !progressed {
				progressed = true
				onProgress()
			}
		}
		applyErr <- nil
	}()

	cons := consolidate.New(p.desc.View)
	readErr := p.readLoop(ctx, seq, cons, batches, applyDone)
	close(batches)
	<-applyDone

	select {
	case err := <-applyErr:
		if err != nil {
			return err
		}
	default:
	}
	return readErr
}

func (p *pipeline) readLoop(ctx context.Context, seq *connector.RowSequence, cons *consolidate.Consolidator, batches chan<- *changestream.FlushBatch, applyDone <-chan struct{}) error {
	for {
		ev, ok, err := seq.Next(ctx)
		if err != nil {
			cons.Discard()
			return err
		}
		if !ok {
			cons.Discard()
			return nil
		}

		switch ev.Kind {
		case changestream.EventChange:
			if err := cons.Change(ev.Ts, ev.Diff, ev.Key, ev.Row); err != nil {
				return err
			}
		case changestream.EventProgress:
			batch := cons.Progress(ev.Ts)
			if batch == nil {
				continue
			}
			select {
			case batches <- batch:
			case <-ctx.Done():
				return ctx.Err()
			case <-applyDone:
				return errApplyStageStopped
			}
		case changestream.EventSnapshot:
			// Not expected on a subscribe sequence with EmitSnapshot=false;
			// ignore defensively rather than fail the pipeline.
		}
	}
}
