// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package timeseries keeps a rolling window of per-parameter values indexed
// by a discrete period index. Values can be written by producers, derived
// lazily from other parameters, and awaited by consumers that run ahead of
// their producers.
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

var (
	// ErrOutOfRange is returned for reads outside of the valid window of a
	// parameter, or for periods that hold no value and cannot be derived.
	ErrOutOfRange = errors.New("period index out of range")
	// ErrCapacity is returned when a write would make a parameter hold more
	// live periods than the store capacity.
	ErrCapacity = errors.New("too many live periods")
)

// DeriveFunc computes the value of a target parameter from the values of its
// source parameters at the same period index. It must be pure.
type DeriveFunc func(sources []any) (any, error)

type Option func(*Store)

// WithClock replaces the wall clock used to determine the current period.
func WithClock(now func() time.Time) Option {
	return func(st *Store) {
		st.now = now
	}
}

type Store struct {
	period   time.Duration
	capacity int
	now      func() time.Time

	mu     sync.RWMutex
	series map[string]*series
}

// New creates a store with the given period length that retains window
// worth of periods per parameter.
func New(period, window time.Duration, opts ...Option) (*Store, error) {
	if period < time.Millisecond {
		return nil, fmt.Errorf("period %v must be at least 1ms", period)
	}
	if window < period {
		return nil, fmt.Errorf("window %v must not be shorter than period %v", window, period)
	}

	st := &Store{
		period:   period,
		capacity: int(window/period) + 1,
		now:      time.Now,
		series:   make(map[string]*series),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st, nil
}

func (st *Store) Capacity() int {
	return st.capacity
}

func (st *Store) Period() time.Duration {
	return st.period
}

// IndexOf returns the period index containing t.
func (st *Store) IndexOf(t time.Time) int {
	return int(t.UnixMilli() / st.period.Milliseconds())
}

// PeriodOf returns the start of the period with the given index.
func (st *Store) PeriodOf(index int) time.Time {
	return time.UnixMilli(int64(index) * st.period.Milliseconds())
}

func (st *Store) CurrentIndex() int {
	return st.IndexOf(st.now())
}

// AddDerivationRule registers fn as a way to compute target from sources.
// The rule is evaluated on the first read of a period that holds no value
// for target. Rules must not form cycles.
func (st *Store) AddDerivationRule(target string, sources []string, fn DeriveFunc) {
	s := st.getSeries(target)
	s.mu.Lock()
	s.rules = append(s.rules, rule{sources: slices.Clone(sources), fn: fn})
	s.mu.Unlock()
}

// Get returns the value of name at index, deriving it if necessary.
func (st *Store) Get(index int, name string) (any, error) {
	s := st.getSeries(name)
	if err := st.derive(context.Background(), s, index, false); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valueLocked(index, st.CurrentIndex())
}

// GetAndWait is like Get but blocks until the value, or the sources needed to
// derive it, have been written. It gives up when ctx is done.
func (st *Store) GetAndWait(ctx context.Context, index int, name string) (any, error) {
	s := st.getSeries(name)
	if err := st.derive(ctx, s, index, true); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		now := st.CurrentIndex()
		if s.holdsLocked(index) {
			return s.valueLocked(index, now)
		}
		if index < now {
			// the past is never going to be written again
			return nil, s.rangeError(index, now)
		}
		if err := s.waitLocked(ctx); err != nil {
			return nil, err
		}
	}
}

// GetFloat is Get for numeric parameters.
func (st *Store) GetFloat(index int, name string) (float64, error) {
	v, err := st.Get(index, name)
	if err != nil {
		return 0, err
	}
	return toFloat64(name, v)
}

// GetAndWaitFloat is GetAndWait for numeric parameters.
func (st *Store) GetAndWaitFloat(ctx context.Context, index int, name string) (float64, error) {
	v, err := st.GetAndWait(ctx, index, name)
	if err != nil {
		return 0, err
	}
	return toFloat64(name, v)
}

// Set stores value for name at index and wakes all readers waiting on name.
func (st *Store) Set(index int, name string, value any) error {
	s := st.getSeries(name)
	now := st.CurrentIndex()

	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := index, index
	if s.written {
		lo = min(max(s.minIndex, now), index)
		hi = max(s.maxIndex, index)
	}
	if hi-lo+1 > st.capacity {
		return fmt.Errorf("%w: %s would span periods [%d, %d] with capacity %d", ErrCapacity, s.name, lo, hi, st.capacity)
	}

	if s.written {
		s.minIndex = min(s.minIndex, index)
		s.maxIndex = max(s.maxIndex, index)
	} else {
		s.minIndex, s.maxIndex, s.written = index, index, true
	}
	slot := s.slot(index)
	s.slots[slot] = value
	s.indexes[slot] = index
	s.cond.Broadcast()
	return nil
}

// SetAt stores value for name in the period containing t.
func (st *Store) SetAt(t time.Time, name string, value any) error {
	return st.Set(st.IndexOf(t), name, value)
}

// SetRange stores value for name in every period overlapping [from, to).
// Periods already behind the current one are skipped. It stops at the first
// failing write.
func (st *Store) SetRange(from, to time.Time, name string, value any) (int, error) {
	first := max(st.IndexOf(from), st.CurrentIndex())
	last := st.IndexOf(to.Add(-time.Millisecond))
	n := 0
	for i := first; i <= last; i++ {
		if err := st.Set(i, name, value); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// MinIndex returns the lowest valid period index of name. Periods before the
// current one are never valid.
func (st *Store) MinIndex(name string) int {
	s := st.getSeries(name)
	now := st.CurrentIndex()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.written {
		return now
	}
	return max(s.minIndex, now)
}

// MaxIndex returns the highest period index ever written for name, or the
// period before the current one if nothing was written yet.
func (st *Store) MaxIndex(name string) int {
	s := st.getSeries(name)
	now := st.CurrentIndex()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.written {
		return now - 1
	}
	return s.maxIndex
}

// Size returns the number of periods in the valid window of name.
func (st *Store) Size(name string) int {
	return max(0, st.MaxIndex(name)-st.MinIndex(name)+1)
}

// Parameters returns the sorted names of all known parameters.
func (st *Store) Parameters() []string {
	st.mu.RLock()
	names := maps.Keys(st.series)
	st.mu.RUnlock()
	slices.Sort(names)
	return names
}

func (st *Store) getSeries(name string) *series {
	key := strings.ToLower(name)

	st.mu.RLock()
	s, ok := st.series[key]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok = st.series[key]; !ok {
		s = newSeries(key, st.capacity)
		st.series[key] = s
	}
	return s
}

// derive runs the derivation rules of s for index unless a value is already
// present. Only one goroutine derives a given period at a time; non-waiting
// callers do not queue behind it.
func (st *Store) derive(ctx context.Context, s *series, index int, wait bool) error {
	s.mu.Lock()
	for {
		if len(s.rules) == 0 || s.holdsLocked(index) {
			s.mu.Unlock()
			return nil
		}
		if _, busy := s.pending[index]; !busy {
			break
		}
		if !wait {
			s.mu.Unlock()
			return nil
		}
		if err := s.waitLocked(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.pending[index] = struct{}{}
	rules := slices.Clone(s.rules)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, index)
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	var errs []error
	for _, r := range rules {
		args := make([]any, len(r.sources))
		var err error
		for i, source := range r.sources {
			if wait {
				args[i], err = st.GetAndWait(ctx, index, source)
			} else {
				args[i], err = st.Get(index, source)
			}
			if err != nil {
				break
			}
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		value, err := r.fn(args)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return st.Set(index, s.name, value)
	}
	return fmt.Errorf("derive %s[%d]: %w", s.name, index, errors.Join(errs...))
}

func toFloat64(name string, value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	}
	return 0, fmt.Errorf("value of %s is %T, not a number", name, value)
}
