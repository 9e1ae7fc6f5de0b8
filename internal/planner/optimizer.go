// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package planner searches for the cheapest on/off schedule of a single
// device that keeps its physical state inside configured bounds. The search
// is a best-first branch and bound over partial schedules, fed by the values
// of a timeseries.Store.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClusterCockpit/cc-energy-planner/internal/pool"
	"github.com/ClusterCockpit/cc-energy-planner/internal/timeseries"
	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
)

// ErrIllegalState is returned when the optimizer is asked to stop while no
// exploration is running.
var ErrIllegalState = errors.New("illegal optimizer state")

// errStarved signals that the data needed for the next period is not
// available yet.
var errStarved = errors.New("starved for data")

// Model predicts the change of the physical state over seconds, starting at
// state, with the device on or off.
type Model interface {
	Delta(seconds, state float64, on bool) float64
}

type Config struct {
	MaxState       float64 `json:"maxState"`
	MinState       float64 `json:"minState"`
	PoolSize       int     `json:"poolSize"`
	Energy         float64 `json:"energy"`
	PriceParameter string  `json:"priceParameter"`
	ModelParameter string  `json:"modelParameter"`
	StateParameter string  `json:"stateParameter"`
	DataWait       string  `json:"dataWait"`
}

func DefaultConfig() Config {
	return Config{
		PoolSize:       100000,
		Energy:         1,
		PriceParameter: "price",
		ModelParameter: "humidifier",
		StateParameter: "indoorhumidity",
	}
}

// ParseConfig reads a JSON config on top of the defaults.
func ParseConfig(rawCfg json.RawMessage) (Config, error) {
	cfg := DefaultConfig()
	if len(rawCfg) > 0 {
		if err := json.Unmarshal(rawCfg, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse planner config: %w", err)
		}
	}
	return cfg, nil
}

// Stats counts what the exploration did since the optimizer was created.
type Stats struct {
	Expanded   uint64
	Infeasible uint64
	Starved    uint64
	Runs       uint64
}

type Optimizer struct {
	name     string
	store    *timeseries.Store
	pool     *pool.Bounded[Candidate]
	cfg      Config
	dataWait time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// last decision applied to the device, only written while idle
	committed   bool
	commitIndex int
	commitOn    bool

	expanded   atomic.Uint64
	infeasible atomic.Uint64
	starved    atomic.Uint64
	runs       atomic.Uint64
}

// New creates an idle optimizer planning on the values of store. name is
// used for logging only.
func New(name string, store *timeseries.Store, cfg Config) (*Optimizer, error) {
	if cfg.MinState > cfg.MaxState {
		return nil, fmt.Errorf("min state %f above max state %f", cfg.MinState, cfg.MaxState)
	}
	if cfg.PoolSize < 2 {
		return nil, fmt.Errorf("pool size %d too small", cfg.PoolSize)
	}
	if cfg.Energy == 0 {
		cfg.Energy = 1
	}

	o := &Optimizer{
		name:  name,
		store: store,
		pool:  pool.New(cfg.PoolSize, compareCandidates),
		cfg:   cfg,
	}
	if cfg.DataWait != "" {
		d, err := time.ParseDuration(cfg.DataWait)
		if err != nil {
			return nil, fmt.Errorf("failed to parse data wait %s: %w", cfg.DataWait, err)
		}
		o.dataWait = d
	}
	return o, nil
}

func (o *Optimizer) debug(format string, args ...any) {
	cclog.ComponentDebug("Planner", o.name, fmt.Sprintf(format, args...))
}

func (o *Optimizer) Config() Config {
	return o.cfg
}

func (o *Optimizer) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runningLocked()
}

func (o *Optimizer) runningLocked() bool {
	if o.done == nil {
		return false
	}
	select {
	case <-o.done:
		return false
	default:
		return true
	}
}

// ReStart starts a new exploration run unless one is still running.
func (o *Optimizer) ReStart() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reStartLocked()
}

func (o *Optimizer) reStartLocked() {
	if o.runningLocked() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	o.runs.Add(1)
	go o.explore(ctx, o.done)
}

// Stop cancels the running exploration and waits until it has finished.
func (o *Optimizer) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.runningLocked() {
		return fmt.Errorf("%w: stop of %s while idle", ErrIllegalState, o.name)
	}
	o.stopLocked()
	return nil
}

func (o *Optimizer) stopLocked() {
	o.cancel()
	<-o.done
}

// Best returns the cheapest known candidate, or an empty one starting now
// if nothing has been explored yet.
func (o *Optimizer) Best() (Candidate, error) {
	if c, ok := o.pool.Peek(); ok {
		return c, nil
	}
	now := o.store.CurrentIndex()
	state, err := o.store.GetFloat(now, o.cfg.StateParameter)
	if err != nil {
		return Candidate{}, err
	}
	return newCandidate(now, state), nil
}

// Commit tells the optimizer which decision was applied to the device for
// the current period. Candidates that decided otherwise, and candidates that
// never reached the current period, are dropped before exploring again.
func (o *Optimizer) Commit(on bool) {
	now := o.store.CurrentIndex()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runningLocked() {
		o.stopLocked()
	}
	o.committed, o.commitIndex, o.commitOn = true, now, on

	// no worker may run between the prune and the restart
	removed := o.pool.RemoveIf(func(c Candidate) bool {
		if c.horizon < now {
			return true
		}
		decided, ok := c.Decision(now)
		return ok && decided != on
	})
	o.debug("commit %v at %d, pruned=%v size=%d", on, now, removed, o.pool.Size())
	o.reStartLocked()
}

// Candidates returns a snapshot of the pool, best first.
func (o *Optimizer) Candidates() []Candidate {
	return o.pool.Snapshot()
}

func (o *Optimizer) Size() int {
	return o.pool.Size()
}

func (o *Optimizer) Stats() Stats {
	return Stats{
		Expanded:   o.expanded.Load(),
		Infeasible: o.infeasible.Load(),
		Starved:    o.starved.Load(),
		Runs:       o.runs.Load(),
	}
}

func (o *Optimizer) explore(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			cclog.ComponentError("Planner", o.name, fmt.Sprintf("exploration aborted: %v", r))
		}
	}()

	// period of the last root built by this run
	root := -1
	for o.pool.Free() >= 2 {
		if ctx.Err() != nil {
			return
		}

		now := o.store.CurrentIndex()
		parent, ok := o.pool.Poll()
		if !ok {
			if root == now {
				// every branch of the last root died
				cclog.ComponentWarn("Planner", o.name, fmt.Sprintf("no feasible schedule at %d", now))
				return
			}
			root = now
			state, err := o.getFloat(ctx, now, o.cfg.StateParameter)
			if err != nil {
				o.pause(err)
				return
			}
			parent = newCandidate(now, state)
		} else if parent.horizon < now {
			continue
		}

		children, err := o.expand(ctx, parent)
		if err != nil {
			if ok {
				o.pool.Offer(parent)
			}
			if ctx.Err() == nil {
				o.pause(err)
			}
			return
		}
		o.expanded.Add(1)
		for _, c := range children {
			o.pool.Offer(c)
		}
	}
	o.debug("pool saturated, size=%d", o.pool.Size())
}

func (o *Optimizer) pause(err error) {
	if errors.Is(err, errStarved) {
		o.starved.Add(1)
		o.debug("exploration paused: %v", err)
		return
	}
	cclog.ComponentError("Planner", o.name, fmt.Sprintf("exploration failed: %v", err))
}

// expand returns the feasible extensions of parent by one period.
func (o *Optimizer) expand(ctx context.Context, parent Candidate) ([]Candidate, error) {
	index := parent.horizon
	now := o.store.CurrentIndex()
	if index-now >= MaxLookahead {
		return nil, fmt.Errorf("%w: lookahead of %d periods reached", errStarved, MaxLookahead)
	}

	v, err := o.get(ctx, index, o.cfg.ModelParameter)
	if err != nil {
		return nil, err
	}
	model, ok := v.(Model)
	if !ok {
		return nil, fmt.Errorf("%s[%d] is %T, not a model", o.cfg.ModelParameter, index, v)
	}
	seconds := o.store.Period().Seconds()

	// the decision applied to the device is kept even if the model disagrees
	forced := o.committed && index == o.commitIndex
	children := make([]Candidate, 0, 2)

	if !forced || o.commitOn {
		state := parent.state + model.Delta(seconds, parent.state, true)
		if state <= o.cfg.MaxState || forced {
			price, err := o.getFloat(ctx, index, o.cfg.PriceParameter)
			if err != nil {
				return nil, err
			}
			children = append(children, parent.extend(true, parent.cost+price*o.cfg.Energy, state))
		} else {
			o.infeasible.Add(1)
		}
	}

	if !forced || !o.commitOn {
		state := parent.state + model.Delta(seconds, parent.state, false)
		if state >= o.cfg.MinState || forced {
			children = append(children, parent.extend(false, parent.cost, state))
		} else {
			o.infeasible.Add(1)
		}
	}
	return children, nil
}

func (o *Optimizer) get(ctx context.Context, index int, name string) (any, error) {
	if o.dataWait <= 0 {
		v, err := o.store.Get(index, name)
		if errors.Is(err, timeseries.ErrOutOfRange) {
			return nil, fmt.Errorf("%w: %w", errStarved, err)
		}
		return v, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.dataWait)
	defer cancel()
	v, err := o.store.GetAndWait(waitCtx, index, name)
	if err != nil && ctx.Err() == nil &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, timeseries.ErrOutOfRange)) {
		return nil, fmt.Errorf("%w: %w", errStarved, err)
	}
	return v, err
}

func (o *Optimizer) getFloat(ctx context.Context, index int, name string) (float64, error) {
	v, err := o.get(ctx, index, name)
	if err != nil {
		return 0, err
	}
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	case int:
		return float64(f), nil
	case int64:
		return float64(f), nil
	}
	return 0, fmt.Errorf("%s[%d] is %T, not a number", name, index, v)
}
