// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package restarter runs fetch tasks again when the data they delivered
// is about to run out, and retries them when they fail.
package restarter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
)

// Task returns the time its data is valid until.
type Task func(ctx context.Context) (time.Time, error)

type Config struct {
	Delay       string `json:"delay"`
	Advance     string `json:"advance"`
	MaxAttempts int    `json:"maxAttempts"`
}

type Restarter struct {
	name        string
	delay       time.Duration
	advance     time.Duration
	maxAttempts int
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	timer  *time.Timer
	wg     sync.WaitGroup
}

func New(name string, rawCfg json.RawMessage) (*Restarter, error) {
	cfg := Config{
		Delay:       "1m",
		Advance:     "1h",
		MaxAttempts: 10,
	}
	if len(rawCfg) > 0 {
		if err := json.Unmarshal(rawCfg, &cfg); err != nil {
			err := fmt.Errorf("failed to parse config: %v", err.Error())
			cclog.ComponentError("Restarter", err.Error())
			return nil, err
		}
	}

	r := &Restarter{
		name:        name,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
	}
	var err error
	if r.delay, err = time.ParseDuration(cfg.Delay); err != nil {
		return nil, fmt.Errorf("failed to parse delay %s: %v", cfg.Delay, err.Error())
	}
	if r.delay <= 0 {
		return nil, fmt.Errorf("delay %v must be positive", r.delay)
	}
	if r.advance, err = time.ParseDuration(cfg.Advance); err != nil {
		return nil, fmt.Errorf("failed to parse advance %s: %v", cfg.Advance, err.Error())
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Execute runs task in the background and keeps rescheduling it.
func (r *Restarter) Execute(task Task) {
	r.schedule(0, task, 1)
}

// ExecuteAndWait runs task once in the calling goroutine, schedules the
// following runs and returns the error of the first run.
func (r *Restarter) ExecuteAndWait(task Task) error {
	return r.run(task, 1)
}

// Close stops all scheduled runs and waits for a running task to return.
func (r *Restarter) Close() {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
	cclog.ComponentDebug("Restarter", r.name, "closed")
}

func (r *Restarter) schedule(d time.Duration, task Task, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.timer = time.AfterFunc(d, func() {
		r.run(task, attempt)
	})
}

func (r *Restarter) run(task Task, attempt int) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	next, err := task(r.ctx)
	if err != nil {
		if r.ctx.Err() != nil {
			return err
		}
		if attempt <= r.maxAttempts {
			retry := time.Duration(attempt) * r.delay
			cclog.ComponentError("Restarter", r.name, fmt.Sprintf("%v, retrying after %v", err, retry))
			r.schedule(retry, task, attempt+1)
		} else {
			cclog.ComponentError("Restarter", r.name, fmt.Sprintf("%v, giving up after %d attempts", err, r.maxAttempts))
		}
		return err
	}

	d := next.Sub(r.now()) - r.advance
	if d < r.delay {
		d = r.delay
	}
	cclog.ComponentDebug("Restarter", r.name, fmt.Sprintf("valid until %v, restarting in %v", next, d))
	r.schedule(d, task, 1)
	return nil
}
