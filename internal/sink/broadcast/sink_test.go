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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestSink_Close_WithLiveSubscriberDoesNotDeadlock reproduces the
// graceful-shutdown path exercised by Orchestrator.Shutdown: at least
// one client is live-subscribed to a view when Close runs. Close must
// return promptly rather than hang on its own viewState lock.
func TestSink_Close_WithLiveSubscriberDoesNotDeadlock(t *testing.T) {
	s := New(zerolog.Nop())
	s.RegisterView("orders")

	server := httptest.NewServer(s)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientHello{Kind: "hello", Views: []string{"orders"}}))

	// Wait until the server-side session is registered as a subscriber
	// before Close runs.
	require.Eventually(t, func() bool {
		vs, ok := s.viewOf("orders")
		if !ok {
			return false
		}
		vs.mu.RLock()
		defer vs.mu.RUnlock()
		return len(vs.subs) == 1
	}, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, s.Close())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Sink.Close deadlocked with a live subscriber")
	}
}
