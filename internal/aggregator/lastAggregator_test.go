// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package aggregator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ClusterCockpit/cc-energy-planner/internal/timeseries"
	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
	ccmessage "github.com/ClusterCockpit/cc-lib/ccMessage"
)

var ts time.Time

func createMessage(name string, value float64, hostname string) (ccmessage.CCMessage, error) {
	tags := make(map[string]string)
	ts = ts.Add(60 * time.Second)
	tags["hostname"] = hostname
	tags["type"] = "node"
	m, err := ccmessage.NewMetric(name, tags, nil, value, ts)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func newStore(t *testing.T) *timeseries.Store {
	t.Helper()
	st, err := timeseries.New(15*time.Minute, 24*time.Hour, timeseries.WithClock(func() time.Time { return time.UnixMilli(0) }))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return st
}

func TestInit(t *testing.T) {
	testconfig := `{
        "type": "last",
        "metrics": {"rh_indoor": "indoorhumidity"}
      }`

	cclog.Init("debug", false)
	_, err := New(newStore(t), json.RawMessage(testconfig))
	if err != nil {
		t.Errorf("failed to init LastAggregator: %v", err.Error())
		return
	}

	_, err = New(newStore(t), json.RawMessage(`{"type": "mean", "metrics": {"a": "b"}}`))
	if err == nil {
		t.Errorf("expected error for unknown aggregator")
	}
	_, err = New(newStore(t), json.RawMessage(`{"type": "last"}`))
	if err == nil {
		t.Errorf("expected error for aggregator without metrics")
	}
}

func TestAddLast(t *testing.T) {
	ts = time.UnixMilli(0)
	testconfig := `{
        "type": "last",
        "metrics": {"rh_indoor": "indoorhumidity"}
      }`

	cclog.Init("debug", false)
	st := newStore(t)
	ag, err := New(st, json.RawMessage(testconfig))
	if err != nil {
		t.Errorf("failed to init LastAggregator: %v", err.Error())
		return
	}

	// 10 samples one minute apart all fall into period 0
	var value float64
	for i := 0; i < 10; i++ {
		value = 40.0 + float64(i)
		m, err := createMessage("rh_indoor", value, "room1")
		if err != nil {
			t.Errorf("failed to create message: %v", err.Error())
			return
		}
		if !ag.Add(m) {
			t.Errorf("sample %d not stored", i)
		}
	}
	m, err := createMessage("cpu_energy", 1.0, "room1")
	if err != nil {
		t.Fatal(err)
	}
	if ag.Add(m) {
		t.Errorf("unmapped metric stored")
	}

	got, err := st.GetFloat(0, "indoorhumidity")
	if err != nil {
		t.Fatal(err)
	}
	if got != value {
		t.Errorf("expected %f, got %f", value, got)
	}
}

func TestAddMedian(t *testing.T) {
	ts = time.UnixMilli(0)
	testconfig := `{
        "type": "median",
        "metrics": {"rh_indoor": "indoorhumidity", "t_outdoor": "temperature"}
      }`

	cclog.Init("debug", false)
	st := newStore(t)
	ag, err := New(st, json.RawMessage(testconfig))
	if err != nil {
		t.Errorf("failed to init MedianAggregator: %v", err.Error())
		return
	}

	// period 0 gets 14 samples, period 1 the remaining 6
	values := []float64{50, 10, 40, 45, 90, 41, 42, 43, 44, 46, 47, 48, 49, 51, 60, 61, 62, 63, 64, 65}
	for _, v := range values {
		m, err := createMessage("rh_indoor", v, "room1")
		if err != nil {
			t.Errorf("failed to create message: %v", err.Error())
			return
		}
		ag.Add(m)
	}

	got, err := st.GetFloat(0, "indoorhumidity")
	if err != nil {
		t.Fatal(err)
	}
	if got != 45.5 {
		t.Errorf("expected median 45.5 for period 0, got %f", got)
	}
	got, err = st.GetFloat(1, "indoorhumidity")
	if err != nil {
		t.Fatal(err)
	}
	if got != 62.5 {
		t.Errorf("expected median 62.5 for period 1, got %f", got)
	}

	ma := ag.(*MedianAggregator)
	ma.Prune(1)
	if _, ok := ma.samples["indoorhumidity"][0]; ok {
		t.Errorf("expected period 0 to be pruned")
	}
	if len(ma.samples["indoorhumidity"][1]) != 6 {
		t.Errorf("expected period 1 to survive pruning")
	}
}
