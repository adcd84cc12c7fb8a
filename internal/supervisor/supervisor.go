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

// Package supervisor implements C4: the per-pipeline reconnect loop.
// Retry state lives here, not scattered through the stages it
// supervises, per the "Retry with backoff" design note.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"syncd/internal/telemetry"
	"syncd/pkg/changestream"
)

// State is the pipeline lifecycle state exposed to health probes.
type State int

const (
	StateInitializing State = iota
	StateHydrating
	StateStreaming
	StateReconnecting
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateHydrating:
		return "hydrating"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Config tunes the exponential backoff, per spec §4.4: initial 1s,
// multiplier 2, cap 30s.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{InitialInterval: time.Second, MaxInterval: 30 * time.Second, Multiplier: 2}
}

// Run is one full attempt at hydrating and then streaming a pipeline:
// snapshot+hydrate, then subscribe+consolidate+apply until the stream
// ends or the context is canceled. A Run implementation reports
// progress via onProgress so the supervisor can reset backoff on the
// first successfully applied batch.
type Run func(ctx context.Context, onProgress func()) error

// Supervisor runs one pipeline's reconnect loop.
type Supervisor struct {
	view   string
	cfg    Config
	log    zerolog.Logger
	fatal  error
	state  State
}

func New(view string, cfg Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{view: view, cfg: cfg, log: log.With().Str("view", view).Str("stage", "supervisor").Logger()}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State { return s.state }

// FatalErr returns the error that halted the pipeline, if State() ==
// StateFatal.
func (s *Supervisor) FatalErr() error { return s.fatal }

// Supervise runs run in a loop: transient errors trigger a
// backoff-and-retry; a *changestream.ProtocolError or any other
// non-transient error halts the pipeline permanently (spec §4.4/§7).
// It returns when ctx is canceled, when run returns nil, or when the
// pipeline goes Fatal.
func (s *Supervisor) Supervise(ctx context.Context, run Run) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialInterval
	bo.MaxInterval = s.cfg.MaxInterval
	bo.Multiplier = s.cfg.Multiplier
	bo.MaxElapsedTime = 0 // retry forever; only Fatal errors or ctx stop the loop

	s.state = StateInitializing

	for {
		if ctx.Err() != nil {
			return
		}

		s.state = StateHydrating
		attemptStart := time.Now()
		err := run(ctx, func() {
			s.state = StateStreaming
			bo.Reset()
		})

		if err == nil {
			return
		}

		if ctx.Err() != nil {
			return
		}

		var transient *changestream.TransientError
		if errors.As(err, &transient) {
			sleepFor := bo.NextBackOff()
			s.state = StateReconnecting
			telemetry.ObserveReconnect(s.view)
			s.log.Warn().
				Err(err).
				Dur("elapsed", time.Since(attemptStart)).
				Dur("backoff", sleepFor).
				Msg("pipeline hit a transient error, reconnecting")

			t := time.NewTimer(sleepFor)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		// Fatal: Protocol::*, Config::*, or anything else unrecognized.
		s.state = StateFatal
		s.fatal = err
		s.log.Error().Err(err).Msg("pipeline halted on fatal error")
		return
	}
}
