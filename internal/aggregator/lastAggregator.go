// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package aggregator

import (
	"github.com/ClusterCockpit/cc-energy-planner/internal/timeseries"
	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
	lp "github.com/ClusterCockpit/cc-lib/ccMessage"
)

// LastAggregator stores the latest sample of a period.
type LastAggregator struct {
	store   *timeseries.Store
	metrics map[string]string
}

func NewLastAggregator(store *timeseries.Store, metrics map[string]string) *LastAggregator {
	return &LastAggregator{
		store:   store,
		metrics: metrics,
	}
}

func (a *LastAggregator) Add(m lp.CCMessage) bool {
	param, value, ok := checkAndGetMetricFields(m, a.metrics)
	if !ok {
		return false
	}
	if err := a.store.SetAt(m.Time(), param, value); err != nil {
		cclog.ComponentError("Aggregator", err.Error())
		return false
	}
	return true
}

func (a *LastAggregator) Prune(int) {}
