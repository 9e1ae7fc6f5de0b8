// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package aggregator

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ClusterCockpit/cc-energy-planner/internal/timeseries"
	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
	lp "github.com/ClusterCockpit/cc-lib/ccMessage"
)

// Aggregator turns incoming metric samples into one value per period and
// parameter in a timeseries.Store.
type Aggregator interface {
	// Add consumes a sample. It reports whether the sample was stored.
	Add(m lp.CCMessage) bool
	// Prune drops bookkeeping for periods before index.
	Prune(index int)
}

type config struct {
	Type string `json:"type"`
	// metric name -> store parameter
	Metrics map[string]string `json:"metrics"`
}

func New(store *timeseries.Store, rawConfig json.RawMessage) (Aggregator, error) {
	var cfg config

	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		cclog.Warn("Error while unmarshaling raw config json")
		return nil, err
	}
	if len(cfg.Metrics) == 0 {
		return nil, fmt.Errorf("aggregator without metrics")
	}

	switch cfg.Type {
	case "last":
		return NewLastAggregator(store, cfg.Metrics), nil
	case "median", "":
		return NewMedianAggregator(store, cfg.Metrics), nil
	default:
		return nil, fmt.Errorf("unknown aggregator %s", cfg.Type)
	}
}

// checkAndGetMetricFields returns the parameter a metric sample feeds and its
// numeric value.
func checkAndGetMetricFields(m lp.CCMessage, metrics map[string]string) (string, float64, bool) {
	if !m.IsMetric() {
		return "", 0, false
	}
	param, ok := metrics[m.Name()]
	if !ok {
		return "", 0, false
	}
	raw, ok := m.GetField("value")
	if !ok {
		cclog.ComponentError("Aggregator", "no value", m.String())
		return "", 0, false
	}
	value, err := valueToFloat64(raw)
	if err != nil {
		cclog.ComponentError("Aggregator", err.Error())
		return "", 0, false
	}
	return param, value, true
}

func valueToFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case int:
		return float64(v), nil
	}
	return math.NaN(), fmt.Errorf("cannot convert %v to float64", value)
}
