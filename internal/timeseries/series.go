// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package timeseries

import (
	"context"
	"fmt"
	"math"
	"sync"
)

const noIndex = math.MinInt

type rule struct {
	sources []string
	fn      DeriveFunc
}

type series struct {
	name string

	mu       sync.Mutex
	cond     *sync.Cond
	slots    []any
	indexes  []int
	minIndex int
	maxIndex int
	written  bool
	rules    []rule
	pending  map[int]struct{}
}

func newSeries(name string, capacity int) *series {
	s := &series{
		name:    name,
		slots:   make([]any, capacity),
		indexes: make([]int, capacity),
		pending: make(map[int]struct{}),
	}
	for i := range s.indexes {
		s.indexes[i] = noIndex
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *series) slot(index int) int {
	n := len(s.slots)
	return ((index % n) + n) % n
}

func (s *series) holdsLocked(index int) bool {
	return s.indexes[s.slot(index)] == index
}

func (s *series) valueLocked(index, now int) (any, error) {
	if !s.written || index < max(s.minIndex, now) || index > s.maxIndex || !s.holdsLocked(index) {
		return nil, s.rangeError(index, now)
	}
	return s.slots[s.slot(index)], nil
}

func (s *series) rangeError(index, now int) error {
	if !s.written {
		return fmt.Errorf("%w: %s[%d], no data", ErrOutOfRange, s.name, index)
	}
	return fmt.Errorf("%w: %s[%d] not in [%d, %d]", ErrOutOfRange, s.name, index, max(s.minIndex, now), s.maxIndex)
}

// waitLocked blocks on the condition until the next broadcast or until ctx
// is done. s.mu must be held.
func (s *series) waitLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	s.cond.Wait()
	stop()
	return ctx.Err()
}
