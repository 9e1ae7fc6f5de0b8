// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package aggregator

import (
	"github.com/ClusterCockpit/cc-energy-planner/internal/timeseries"
	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
	lp "github.com/ClusterCockpit/cc-lib/ccMessage"
	"github.com/ClusterCockpit/cc-lib/util"
)

// MedianAggregator stores the median of all samples seen within a period.
// The value of a period is rewritten with every new sample.
type MedianAggregator struct {
	store   *timeseries.Store
	metrics map[string]string
	// map[parameter]map[periodIndex][]sample
	samples map[string]map[int][]float64
}

func NewMedianAggregator(store *timeseries.Store, metrics map[string]string) *MedianAggregator {
	return &MedianAggregator{
		store:   store,
		metrics: metrics,
		samples: make(map[string]map[int][]float64),
	}
}

func (a *MedianAggregator) Add(m lp.CCMessage) bool {
	param, value, ok := checkAndGetMetricFields(m, a.metrics)
	if !ok {
		return false
	}
	index := a.store.IndexOf(m.Time())

	periods, ok := a.samples[param]
	if !ok {
		periods = make(map[int][]float64)
		a.samples[param] = periods
	}
	periods[index] = append(periods[index], value)

	// the window is never empty here, Median won't fail
	median, _ := util.Median(periods[index])
	if err := a.store.Set(index, param, median); err != nil {
		cclog.ComponentError("Aggregator", err.Error())
		return false
	}
	return true
}

func (a *MedianAggregator) Prune(index int) {
	for _, periods := range a.samples {
		for i := range periods {
			if i < index {
				delete(periods, i)
			}
		}
	}
}
