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

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncd/pkg/changestream"
)

func testConfig() Config {
	return Config{InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 2}
}

// TestSupervise_S3 reproduces scenario S3: a transient error is
// followed by a successful reconnect, which must move the state to
// Streaming via onProgress.
func TestSupervise_S3(t *testing.T) {
	s := New("orders", testConfig(), zerolog.Nop())

	var attempts atomic.Int32
	run := func(ctx context.Context, onProgress func()) error {
		n := attempts.Add(1)
		if n == 1 {
			return changestream.NewTransientError(changestream.TransientNetworkUnavailable, errors.New("connection reset"))
		}
		onProgress()
		return nil
	}

	s.Supervise(context.Background(), run)

	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, StateStreaming, s.State())
	assert.NoError(t, s.FatalErr())
}

// TestSupervise_P6 checks reconnect idempotence: repeated transient
// failures keep retrying without ever marking the pipeline Fatal,
// until one attempt finally succeeds.
func TestSupervise_P6(t *testing.T) {
	s := New("orders", testConfig(), zerolog.Nop())

	var attempts atomic.Int32
	run := func(ctx context.Context, onProgress func()) error {
		n := attempts.Add(1)
		if n < 5 {
			return changestream.NewTransientError(changestream.TransientNetworkUnavailable, errors.New("reset"))
		}
		onProgress()
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.Supervise(context.Background(), run)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervise did not converge")
	}

	assert.Equal(t, int32(5), attempts.Load())
	assert.NotEqual(t, StateFatal, s.State())
}

// TestSupervise_S5 reproduces scenario S5: a protocol error halts the
// pipeline permanently on the first attempt, with no retry.
func TestSupervise_S5(t *testing.T) {
	s := New("orders", testConfig(), zerolog.Nop())

	var attempts atomic.Int32
	fatalErr := changestream.NewProtocolError(changestream.ProtocolUnexpectedDiff, "orders", nil)
	run := func(ctx context.Context, onProgress func()) error {
		attempts.Add(1)
		return fatalErr
	}

	s.Supervise(context.Background(), run)

	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, StateFatal, s.State())
	require.Error(t, s.FatalErr())
	var perr *changestream.ProtocolError
	assert.ErrorAs(t, s.FatalErr(), &perr)
}

func TestSupervise_ContextCancelStopsLoop(t *testing.T) {
	s := New("orders", testConfig(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	run := func(ctx context.Context, onProgress func()) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		s.Supervise(ctx, run)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervise did not exit after cancellation")
	}
	assert.NotEqual(t, StateFatal, s.State())
}
