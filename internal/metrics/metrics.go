// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exports the state of the planners and fetchers to
// Prometheus. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	poolSize   *prometheus.GaugeVec
	bestCost   *prometheus.GaugeVec
	horizon    *prometheus.GaugeVec
	decision   *prometheus.GaugeVec
	expanded   *prometheus.GaugeVec
	infeasible *prometheus.GaugeVec
	starved    *prometheus.GaugeVec
	samples    *prometheus.CounterVec

	fetchErrors *prometheus.CounterVec
	fetchValues *prometheus.CounterVec
	fetchTime   *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// PlanStatus is the state of one device planner at a control tick.
type PlanStatus struct {
	PoolSize   int
	Cost       float64
	Horizon    int
	Expanded   uint64
	Infeasible uint64
	Starved    uint64
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "planner_pool_size",
			Help: "Number of candidate schedules held by the planner.",
		}, []string{"device"}),
		bestCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "planner_best_cost",
			Help: "Cost of the best known schedule.",
		}, []string{"device"}),
		horizon: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "planner_best_horizon_periods",
			Help: "Number of periods planned ahead by the best schedule.",
		}, []string{"device"}),
		decision: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "planner_decision",
			Help: "Decision applied to the device for the current period (1 on, 0 off).",
		}, []string{"device"}),
		expanded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "planner_expanded_candidates",
			Help: "Candidates expanded since start.",
		}, []string{"device"}),
		infeasible: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "planner_infeasible_candidates",
			Help: "Extensions discarded for leaving the state bounds since start.",
		}, []string{"device"}),
		starved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "planner_starved_runs",
			Help: "Exploration runs paused for missing data since start.",
		}, []string{"device"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planner_samples_total",
			Help: "Measured samples stored per device.",
		}, []string{"device"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_errors_total",
			Help: "Failed fetches of prices or forecasts.",
		}, []string{"source"}),
		fetchValues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_values_total",
			Help: "Values delivered by the fetchers.",
		}, []string{"source"}),
		fetchTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fetch_last_success_timestamp_seconds",
			Help: "Time of the last successful fetch.",
		}, []string{"source"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.poolSize,
		m.bestCost,
		m.horizon,
		m.decision,
		m.expanded,
		m.infeasible,
		m.starved,
		m.samples,
		m.fetchErrors,
		m.fetchValues,
		m.fetchTime,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Plan(device string, s PlanStatus) {
	if m == nil {
		return
	}
	m.poolSize.WithLabelValues(device).Set(float64(s.PoolSize))
	m.bestCost.WithLabelValues(device).Set(s.Cost)
	m.horizon.WithLabelValues(device).Set(float64(s.Horizon))
	m.expanded.WithLabelValues(device).Set(float64(s.Expanded))
	m.infeasible.WithLabelValues(device).Set(float64(s.Infeasible))
	m.starved.WithLabelValues(device).Set(float64(s.Starved))
}

func (m *Metrics) Decision(device string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.decision.WithLabelValues(device).Set(v)
}

func (m *Metrics) Sample(device string) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(device).Inc()
}

func (m *Metrics) Fetched(source string, values int) {
	if m == nil {
		return
	}
	m.fetchValues.WithLabelValues(source).Add(float64(values))
	m.fetchTime.WithLabelValues(source).SetToCurrentTime()
}

func (m *Metrics) FetchError(source string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(source).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests to next under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
