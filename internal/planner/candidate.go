// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package planner

import (
	"cmp"
	"fmt"
	"strings"
)

// MaxLookahead is the number of periods a Candidate can hold decisions for.
const MaxLookahead = 64

// Candidate is a partial on/off schedule. It starts at period Start and
// holds one decision per period up to, but excluding, Horizon. Candidates
// are values; extending one returns a new Candidate.
type Candidate struct {
	start     int
	horizon   int
	decisions uint64
	cost      float64
	state     float64
}

func newCandidate(now int, state float64) Candidate {
	return Candidate{start: now, horizon: now, state: state}
}

func (c Candidate) Start() int {
	return c.start
}

// Horizon is the first period without a decision.
func (c Candidate) Horizon() int {
	return c.horizon
}

func (c Candidate) Cost() float64 {
	return c.cost
}

// State is the predicted physical state at the beginning of Horizon.
func (c Candidate) State() float64 {
	return c.state
}

func (c Candidate) Len() int {
	return c.horizon - c.start
}

// Decision returns the decision for period index. ok is false if the
// candidate holds no decision for it.
func (c Candidate) Decision(index int) (on bool, ok bool) {
	if index < c.start || index >= c.horizon || index < c.horizon-MaxLookahead {
		return false, false
	}
	return c.decisions&bit(index) != 0, true
}

// extend appends a decision for period Horizon.
func (c Candidate) extend(on bool, cost, state float64) Candidate {
	b := bit(c.horizon)
	if on {
		c.decisions |= b
	} else {
		c.decisions &^= b
	}
	c.horizon++
	c.cost = cost
	c.state = state
	return c
}

func (c Candidate) String() string {
	var b strings.Builder
	for i := max(c.start, c.horizon-MaxLookahead); i < c.horizon; i++ {
		if on, _ := c.Decision(i); on {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return fmt.Sprintf("{%d..%d %s cost=%.4f state=%.2f}", c.start, c.horizon, b.String(), c.cost, c.state)
}

func bit(index int) uint64 {
	return 1 << uint(((index%MaxLookahead)+MaxLookahead)%MaxLookahead)
}

// compareCandidates orders by cost ascending and prefers the candidate that
// planned further ahead on equal cost.
func compareCandidates(a, b Candidate) int {
	if c := cmp.Compare(a.cost, b.cost); c != 0 {
		return c
	}
	return cmp.Compare(b.horizon, a.horizon)
}
