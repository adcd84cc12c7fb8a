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

// Package main provides the entry point for syncd, the streaming
// synchronization worker: it hydrates and keeps a search index and a
// WebSocket broadcaster in sync with an upstream differential change
// stream, per view, until shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"syncd/internal/config"
	"syncd/internal/connector"
	"syncd/internal/orchestrator"
	"syncd/internal/sink/broadcast"
	"syncd/internal/sink/search"
	"syncd/internal/supervisor"
	"syncd/internal/telemetry"
)

const (
	exitOK                 = 0
	exitConfigError        = 1
	exitUnrecoverableSchema = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "syncd").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return exitConfigError
	}

	descs, err := orchestrator.LoadDescriptors(cfg.PipelineDescriptors)
	if err != nil {
		log.Error().Err(err).Msg("failed to load pipeline descriptors")
		return exitConfigError
	}

	dialer, database, err := buildDialer(cfg.UpstreamURL)
	if err != nil {
		log.Error().Err(err).Str("upstream_url", cfg.UpstreamURL).Msg("invalid upstream url")
		return exitConfigError
	}
	conn := connector.New(dialer, cfg.UpstreamCluster, database)

	esClient, err := search.NewElasticClient(cfg.SinkSearchURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to construct search client")
		return exitConfigError
	}
	shapes := search.NewRegistry()

	bcast := broadcast.New(log,
		broadcast.WithQueueCapacity(cfg.BroadcastClientQueueCapacity),
		broadcast.WithBroadcastMetrics(telemetry.BroadcastMetrics{}))

	retryCfg := supervisor.Config{
		InitialInterval: time.Duration(cfg.RetryInitialDelayMS) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.RetryMaxDelayMS) * time.Millisecond,
		Multiplier:      cfg.RetryBackoffMultiplier,
	}

	orch := orchestrator.New(conn, bcast, retryCfg, log)

	buildSearchSink := func(desc orchestrator.Descriptor) (*search.Sink, error) {
		shapeFn, err := shapes.Get(desc.ShapeID)
		if err != nil {
			return nil, err
		}
		return search.New(desc.View, desc.View, desc.KeyColumn, shapeFn, esClient, log,
			search.WithMaxDocs(cfg.SinkSearchBulkMaxDocs),
			search.WithMaxBytes(cfg.SinkSearchBulkMaxBytes),
			search.WithMetrics(telemetry.SearchMetrics{}),
		), nil
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if err := orch.Start(ctx, descs, buildSearchSink); err != nil {
		log.Error().Err(err).Msg("failed to start pipelines")
		return exitConfigError
	}

	metricsServer := telemetry.StartServer(cfg.MetricsListenAddr)
	healthServer := startHealthServer(orch, log)
	go reportPipelineStates(ctx, orch)

	broadcastMux := http.NewServeMux()
	broadcastMux.HandleFunc("/sync", bcast.ServeHTTP)
	broadcastServer := &http.Server{Addr: cfg.BroadcastListenAddr, Handler: broadcastMux}
	go func() {
		if err := broadcastServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("broadcast server stopped unexpectedly")
		}
	}()

	log.Info().
		Int("pipelines", len(descs)).
		Str("broadcast_addr", cfg.BroadcastListenAddr).
		Str("metrics_addr", cfg.MetricsListenAddr).
		Msg("syncd started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining pipelines")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = broadcastServer.Shutdown(shutdownCtx)
	_ = healthServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	orch.Shutdown()

	if fatal := orch.FatalViews(); len(fatal) > 0 {
		log.Error().Strs("views", fatal).Msg("one or more pipelines halted on a fatal protocol error")
		return exitUnrecoverableSchema
	}
	log.Info().Msg("syncd stopped")
	return exitOK
}

// buildDialer parses UPSTREAM_URL (tcp://host:port/database) into a
// dialer and the logical database name; database defaults to
// "default" when the URL carries no path.
func buildDialer(rawURL string) (connector.TCPDialer, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return connector.TCPDialer{}, "", fmt.Errorf("parse upstream url: %w", err)
	}
	addr := u.Host
	if addr == "" {
		addr = u.Opaque
	}
	if addr == "" {
		return connector.TCPDialer{}, "", fmt.Errorf("upstream url %q has no host", rawURL)
	}
	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		database = "default"
	}
	return connector.TCPDialer{Addr: addr}, database, nil
}

var pipelineStates = []string{"initializing", "hydrating", "streaming", "reconnecting", "fatal"}

// reportPipelineStates polls the orchestrator's per-pipeline state
// every second and republishes it as a gauge, the same
// poll-and-republish shape the teacher's churn exporter used for
// store-wide gauges that have no natural increment point.
func reportPipelineStates(ctx context.Context, orch *orchestrator.Orchestrator) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for view, state := range orch.States() {
				telemetry.ObservePipelineState(view, state, pipelineStates)
			}
		}
	}
}

// startHealthServer serves /healthz (ready) and /readyz (live), the
// same probe split the teacher's api.Server exposes for its own
// liveness checks.
func startHealthServer(orch *orchestrator.Orchestrator, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !orch.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !orch.Live() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: ":8091", Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server stopped unexpectedly")
		}
	}()
	return server
}
