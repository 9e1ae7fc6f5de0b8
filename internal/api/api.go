// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api serves the plans of the devices and lets operators restart,
// stop or override their planners.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ClusterCockpit/cc-energy-planner/internal/devicemanager"
	"github.com/ClusterCockpit/cc-energy-planner/internal/metrics"
	"github.com/ClusterCockpit/cc-energy-planner/internal/planner"
	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

type Config struct {
	Addr string `json:"addr"`
}

type Server struct {
	dm      devicemanager.DeviceManager
	metrics *metrics.Metrics
	handler http.Handler
	srv     *http.Server
}

// DeviceStatus is the planner state of one device.
type DeviceStatus struct {
	Name     string        `json:"name"`
	Running  bool          `json:"running"`
	PoolSize int           `json:"poolSize"`
	Stats    planner.Stats `json:"stats"`
	// nil until the device has been switched
	On *bool `json:"on,omitempty"`
}

func New(rawCfg json.RawMessage, dm devicemanager.DeviceManager, m *metrics.Metrics) (*Server, error) {
	cfg := Config{Addr: "localhost:8090"}
	if len(rawCfg) > 0 {
		if err := json.Unmarshal(rawCfg, &cfg); err != nil {
			err := fmt.Errorf("failed to parse config: %v", err.Error())
			cclog.ComponentError("API", err.Error())
			return nil, err
		}
	}

	s := &Server{dm: dm, metrics: m}
	router := NewRouter(s)
	s.handler = handlers.LoggingHandler(os.Stdout, router)
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func NewRouter(s *Server) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/health", s.metrics.WrapHandler("health", http.HandlerFunc(healthHandler))).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	sub := r.PathPrefix("/api").Subrouter()
	sub.Handle("/devices", s.metrics.WrapHandler("devices", http.HandlerFunc(s.listDevices))).Methods("GET")
	sub.Handle("/devices/{device}/plan", s.metrics.WrapHandler("plan", http.HandlerFunc(s.getPlan))).Methods("GET")
	sub.Handle("/devices/{device}/candidates", s.metrics.WrapHandler("candidates", http.HandlerFunc(s.getCandidates))).Methods("GET")
	sub.Handle("/devices/{device}/parameters", s.metrics.WrapHandler("parameters", http.HandlerFunc(s.getParameters))).Methods("GET")
	sub.Handle("/devices/{device}/restart", s.metrics.WrapHandler("restart", http.HandlerFunc(s.restart))).Methods("POST")
	sub.Handle("/devices/{device}/stop", s.metrics.WrapHandler("stop", http.HandlerFunc(s.stop))).Methods("POST")
	sub.Handle("/devices/{device}/commit", s.metrics.WrapHandler("commit", http.HandlerFunc(s.commit))).Methods("POST")

	return r
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves in the background until Close is called.
func (s *Server) Start() {
	go func() {
		cclog.ComponentInfo("API", "listening on", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cclog.ComponentError("API", err.Error())
		}
	}()
}

func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		cclog.ComponentError("API", err.Error())
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	status := make([]DeviceStatus, 0, len(s.dm.Devices()))
	for _, name := range s.dm.Devices() {
		d, _ := s.dm.Device(name)
		ds := DeviceStatus{
			Name:     name,
			Running:  d.Running(),
			PoolSize: d.Size(),
			Stats:    d.Stats(),
		}
		if on, ok := d.Switched(); ok {
			ds.On = &on
		}
		status = append(status, ds)
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) (*devicemanager.Device, bool) {
	name := mux.Vars(r)["device"]
	d, ok := s.dm.Device(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown device %s", name))
	}
	return d, ok
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	p, err := d.Plan()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getCandidates(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, d.Candidates(limit))
}

func (s *Server) getParameters(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	st := d.Store()
	params := make(map[string][2]time.Time)
	for _, name := range st.Parameters() {
		if st.Size(name) == 0 {
			continue
		}
		params[name] = [2]time.Time{st.PeriodOf(st.MinIndex(name)), st.PeriodOf(st.MaxIndex(name) + 1)}
	}
	writeJSON(w, http.StatusOK, params)
}

func (s *Server) restart(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	d.ReStart()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	if err := d.Stop(); err != nil {
		if errors.Is(err, planner.ErrIllegalState) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// commit switches the device for the current period, e.g. POST
// /api/devices/room1/commit?on=true
func (s *Server) commit(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	on, err := strconv.ParseBool(r.URL.Query().Get("on"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parameter 'on' must be a boolean"))
		return
	}
	if err := d.Commit(on); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		cclog.ComponentError("API", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
