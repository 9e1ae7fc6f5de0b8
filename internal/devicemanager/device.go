// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package devicemanager

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ClusterCockpit/cc-energy-planner/internal/aggregator"
	"github.com/ClusterCockpit/cc-energy-planner/internal/controller"
	"github.com/ClusterCockpit/cc-energy-planner/internal/humidity"
	"github.com/ClusterCockpit/cc-energy-planner/internal/metrics"
	"github.com/ClusterCockpit/cc-energy-planner/internal/planner"
	"github.com/ClusterCockpit/cc-energy-planner/internal/timeseries"
	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
	lp "github.com/ClusterCockpit/cc-lib/ccMessage"
)

type deviceConfig struct {
	Name       string          `json:"name"`
	Humidifier json.RawMessage `json:"humidifier"`
	Planner    json.RawMessage `json:"planner"`
	Aggregator json.RawMessage `json:"aggregator"`
}

// Device is one humidifier with its own store and planner.
type Device struct {
	name      string
	store     *timeseries.Store
	optimizer *planner.Optimizer
	factory   *humidity.Factory
	ctrl      controller.Controller
	metrics   *metrics.Metrics

	// aggregators are not safe for concurrent use
	aggMu      sync.Mutex
	aggregator aggregator.Aggregator
}

// Decision is the planned state of the device for one period.
type Decision struct {
	Time time.Time `json:"time"`
	On   bool      `json:"on"`
}

// Plan is a candidate schedule in wall clock time.
type Plan struct {
	Device    string     `json:"device"`
	Cost      float64    `json:"cost"`
	State     float64    `json:"state"`
	Start     time.Time  `json:"start"`
	Horizon   time.Time  `json:"horizon"`
	Decisions []Decision `json:"decisions"`
}

func newDevice(rawCfg json.RawMessage, period, window time.Duration, clock func() time.Time, ctrl controller.Controller, m *metrics.Metrics) (*Device, error) {
	var cfg deviceConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, fmt.Errorf("unable to parse device JSON: %w", err)
	}
	if cfg.Name == "" || cfg.Humidifier == nil || cfg.Aggregator == nil {
		return nil, fmt.Errorf("device config is missing 'name', 'humidifier', or 'aggregator': %s", string(rawCfg))
	}

	factory, err := humidity.NewFactory(cfg.Humidifier)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.Name, err)
	}

	opts := []timeseries.Option{}
	if clock != nil {
		opts = append(opts, timeseries.WithClock(clock))
	}
	store, err := timeseries.New(period, window, opts...)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.Name, err)
	}
	factory.Register(store)

	// state bounds default to the humidity bounds of the room
	pcfg := planner.DefaultConfig()
	pcfg.MaxState = factory.Config().MaxRH
	pcfg.MinState = factory.Config().MinRH
	if cfg.Planner != nil {
		if err := json.Unmarshal(cfg.Planner, &pcfg); err != nil {
			return nil, fmt.Errorf("device %s: failed to parse planner config: %w", cfg.Name, err)
		}
	}
	optimizer, err := planner.New(cfg.Name, store, pcfg)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.Name, err)
	}

	agg, err := aggregator.New(store, cfg.Aggregator)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.Name, err)
	}

	return &Device{
		name:       cfg.Name,
		store:      store,
		optimizer:  optimizer,
		factory:    factory,
		ctrl:       ctrl,
		metrics:    m,
		aggregator: agg,
	}, nil
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Store() *timeseries.Store {
	return d.store
}

func (d *Device) Stats() planner.Stats {
	return d.optimizer.Stats()
}

// Size is the number of candidates held by the planner.
func (d *Device) Size() int {
	return d.optimizer.Size()
}

func (d *Device) Running() bool {
	return d.optimizer.Running()
}

// Switched returns the last state sent to the device. ok is false if
// nothing has been sent yet.
func (d *Device) Switched() (on bool, ok bool) {
	return d.ctrl.State(d.name)
}

func (d *Device) ReStart() {
	d.optimizer.ReStart()
}

func (d *Device) Stop() error {
	return d.optimizer.Stop()
}

// Commit switches the device and tells the planner about it.
func (d *Device) Commit(on bool) error {
	if err := d.ctrl.Set(d.name, on); err != nil {
		return fmt.Errorf("device %s: %w", d.name, err)
	}
	d.optimizer.Commit(on)
	d.metrics.Decision(d.name, on)
	return nil
}

// Plan returns the best known schedule.
func (d *Device) Plan() (Plan, error) {
	c, err := d.optimizer.Best()
	if err != nil {
		return Plan{}, err
	}
	return d.toPlan(c), nil
}

// Candidates returns up to limit schedules, best first. limit <= 0 returns
// all of them.
func (d *Device) Candidates(limit int) []Plan {
	cs := d.optimizer.Candidates()
	if limit > 0 && len(cs) > limit {
		cs = cs[:limit]
	}
	plans := make([]Plan, 0, len(cs))
	for _, c := range cs {
		plans = append(plans, d.toPlan(c))
	}
	return plans
}

func (d *Device) toPlan(c planner.Candidate) Plan {
	p := Plan{
		Device:    d.name,
		Cost:      c.Cost(),
		State:     c.State(),
		Start:     d.store.PeriodOf(c.Start()),
		Horizon:   d.store.PeriodOf(c.Horizon()),
		Decisions: make([]Decision, 0, c.Len()),
	}
	for i := c.Start(); i < c.Horizon(); i++ {
		if on, ok := c.Decision(i); ok {
			p.Decisions = append(p.Decisions, Decision{Time: d.store.PeriodOf(i), On: on})
		}
	}
	return p
}

func (d *Device) add(m lp.CCMessage) bool {
	d.aggMu.Lock()
	defer d.aggMu.Unlock()
	return d.aggregator.Add(m)
}

// decide picks the decision for the current period. Without a plan the
// device is switched on below the middle of the allowed range.
func (d *Device) decide() (bool, planner.Candidate, bool) {
	now := d.store.CurrentIndex()
	best, err := d.optimizer.Best()
	if err == nil {
		if on, ok := best.Decision(now); ok {
			return on, best, true
		}
	}

	cfg := d.optimizer.Config()
	state, err := d.store.GetFloat(now, cfg.StateParameter)
	if err != nil {
		cclog.ComponentWarn("DeviceManager", d.name, "no plan and no state, switching off:", err.Error())
		return false, best, false
	}
	on := state < (cfg.MinState+cfg.MaxState)/2
	cclog.ComponentDebug("DeviceManager", d.name, fmt.Sprintf("no plan, state %.2f gives on=%v", state, on))
	return on, best, false
}

// tick applies the decision for the current period and returns the plan
// messages to emit.
func (d *Device) tick() []lp.CCMessage {
	now := d.store.CurrentIndex()
	on, best, planned := d.decide()

	if err := d.Commit(on); err != nil {
		cclog.ComponentError("DeviceManager", err.Error())
	}

	d.aggMu.Lock()
	d.aggregator.Prune(now)
	d.aggMu.Unlock()

	stats := d.optimizer.Stats()
	d.metrics.Plan(d.name, metrics.PlanStatus{
		PoolSize:   d.optimizer.Size(),
		Cost:       best.Cost(),
		Horizon:    best.Horizon() - now,
		Expanded:   stats.Expanded,
		Infeasible: stats.Infeasible,
		Starved:    stats.Starved,
	})

	if !planned {
		return nil
	}
	return d.messages(best, now)
}

func (d *Device) messages(best planner.Candidate, now int) []lp.CCMessage {
	tags := map[string]string{"hostname": d.name, "type": "node"}
	msgs := make([]lp.CCMessage, 0, best.Horizon()-now+1)

	m, err := lp.NewMetric("plan_cost", tags, nil, best.Cost(), d.store.PeriodOf(now))
	if err == nil {
		msgs = append(msgs, m)
	}
	for i := now; i < best.Horizon(); i++ {
		on, ok := best.Decision(i)
		if !ok {
			continue
		}
		value := 0
		if on {
			value = 1
		}
		m, err := lp.NewMetric("plan", tags, nil, value, d.store.PeriodOf(i))
		if err != nil {
			cclog.ComponentError("DeviceManager", d.name, err.Error())
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}
