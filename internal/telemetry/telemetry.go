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

// Package telemetry exposes Prometheus metrics for the sync pipelines,
// the same global-counters-registered-once shape as the teacher's
// churn package, generalized from one domain's KPIs to this one's:
// bulk batch sizes, per-item rejections, session churn, and delta
// fan-out.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	searchBulkBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncd_search_bulk_batch_size",
		Help:    "Number of documents in a search sink bulk request",
		Buckets: []float64{1, 8, 32, 64, 128, 256, 512, 1024},
	}, []string{"view"})

	searchItemsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_search_items_rejected_total",
		Help: "Total bulk items dropped after a failed retry",
	}, []string{"view"})

	broadcastSessionsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_broadcast_sessions_opened_total",
		Help: "Total WebSocket sessions accepted",
	})

	broadcastSessionsClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_broadcast_sessions_closed_total",
		Help: "Total WebSocket sessions closed, by reason",
	}, []string{"reason"})

	broadcastDeltaFanoutSubscribers = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncd_broadcast_delta_fanout_subscribers",
		Help:    "Subscribers reached per delta fan-out",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
	}, []string{"view"})

	pipelineStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "syncd_pipeline_state",
		Help: "Current supervisor state per pipeline (1 for the active state, 0 otherwise)",
	}, []string{"view", "state"})

	pipelineReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_pipeline_reconnects_total",
		Help: "Total reconnect attempts per pipeline after a transient error",
	}, []string{"view"})
)

func init() {
	prometheus.MustRegister(
		searchBulkBatchSize,
		searchItemsRejectedTotal,
		broadcastSessionsOpenedTotal,
		broadcastSessionsClosedTotal,
		broadcastDeltaFanoutSubscribers,
		pipelineStateGauge,
		pipelineReconnectsTotal,
	)
}

// SearchMetrics implements search.Metrics against the package-level
// registry.
type SearchMetrics struct{}

func (SearchMetrics) ObserveBulkBatch(view string, size int) {
	searchBulkBatchSize.WithLabelValues(view).Observe(float64(size))
}

func (SearchMetrics) ObserveItemRejected(view string) {
	searchItemsRejectedTotal.WithLabelValues(view).Inc()
}

// BroadcastMetrics implements broadcast.Metrics against the
// package-level registry.
type BroadcastMetrics struct{}

func (BroadcastMetrics) ObserveSessionOpened() {
	broadcastSessionsOpenedTotal.Inc()
}

func (BroadcastMetrics) ObserveSessionClosed(reason string) {
	broadcastSessionsClosedTotal.WithLabelValues(reason).Inc()
}

func (BroadcastMetrics) ObserveDeltaFanout(view string, subscribers int) {
	broadcastDeltaFanoutSubscribers.WithLabelValues(view).Observe(float64(subscribers))
}

// ObservePipelineState records the active state for view, clearing the
// gauge for every other known state so dashboards can graph a single
// "current state" series per pipeline.
func ObservePipelineState(view string, state string, allStates []string) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		pipelineStateGauge.WithLabelValues(view, s).Set(v)
	}
}

// ObserveReconnect increments the reconnect counter for view.
func ObserveReconnect(view string) {
	pipelineReconnectsTotal.WithLabelValues(view).Inc()
}

// Handler returns the /metrics HTTP handler, the same promhttp.Handler
// the teacher's churn.startMetricsEndpoint serves.
func Handler() http.Handler { return promhttp.Handler() }

// StartServer serves /metrics on addr in a background goroutine,
// mirroring churn.startMetricsEndpoint's standalone-endpoint shape.
func StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
	return server
}
