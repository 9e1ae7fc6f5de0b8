// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pool provides a fixed capacity, always sorted collection backed by
// a ring buffer.
package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Bounded holds at most Capacity items sorted ascending by cmp. It is safe
// for concurrent use.
type Bounded[T any] struct {
	cmp func(a, b T) int

	mu    sync.Mutex
	cond  *sync.Cond
	items []T
	head  int
	size  int
}

func New[T any](capacity int, cmp func(a, b T) int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	p := &Bounded[T]{
		cmp:   cmp,
		items: make([]T, capacity),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Bounded[T]) Capacity() int {
	return len(p.items)
}

func (p *Bounded[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Bounded[T]) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items) - p.size
}

// Offer inserts item at its sorted position, after all items comparing equal.
// On a full pool the last item is evicted to make room, unless item itself
// ranks last, in which case it is dropped and Offer returns false.
func (p *Bounded[T]) Offer(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offerLocked(item)
}

// OfferAndWait blocks while the pool is full and then inserts item.
func (p *Bounded[T]) OfferAndWait(ctx context.Context, item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.size == len(p.items) {
		if err := ctx.Err(); err != nil {
			return err
		}
		stop := context.AfterFunc(ctx, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		p.cond.Wait()
		stop()
	}
	p.offerLocked(item)
	return nil
}

// Peek returns the first item without removing it.
func (p *Bounded[T]) Peek() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	if p.size == 0 {
		return zero, false
	}
	return p.items[p.head], true
}

// Poll removes and returns the first item.
func (p *Bounded[T]) Poll() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	if p.size == 0 {
		return zero, false
	}
	item := p.items[p.head]
	p.items[p.head] = zero
	p.head = p.phys(1)
	p.size--
	p.cond.Broadcast()
	return item, true
}

// RemoveIf drops every item matching pred and keeps the order of the rest.
// It reports whether anything was removed.
func (p *Bounded[T]) RemoveIf(pred func(T) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	w := 0
	for r := 0; r < p.size; r++ {
		item := p.items[p.phys(r)]
		if pred(item) {
			continue
		}
		if w != r {
			p.items[p.phys(w)] = item
		}
		w++
	}
	if w == p.size {
		return false
	}
	for i := w; i < p.size; i++ {
		p.items[p.phys(i)] = zero
	}
	p.size = w
	p.cond.Broadcast()
	return true
}

// Snapshot returns a copy of the items in order.
func (p *Bounded[T]) Snapshot() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]T, p.size)
	for i := range out {
		out[i] = p.items[p.phys(i)]
	}
	return out
}

func (p *Bounded[T]) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, item := range p.Snapshot() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprint(&b, item)
	}
	b.WriteByte(']')
	return b.String()
}

// phys maps a logical position to its index in the backing array.
func (p *Bounded[T]) phys(i int) int {
	return (p.head + i) % len(p.items)
}

// upperBound returns the logical position after the last item comparing
// less or equal to item.
func (p *Bounded[T]) upperBound(item T) int {
	lo, hi := 0, p.size
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if p.cmp(p.items[p.phys(mid)], item) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (p *Bounded[T]) offerLocked(item T) bool {
	n := len(p.items)
	pos := p.upperBound(item)
	if p.size == n {
		if pos == p.size {
			return false
		}
		var zero T
		p.items[p.phys(p.size-1)] = zero
		p.size--
	}

	if pos < p.size-pos {
		// shift the front part one slot towards the head
		p.head = (p.head - 1 + n) % n
		for i := 0; i < pos; i++ {
			p.items[p.phys(i)] = p.items[p.phys(i+1)]
		}
	} else {
		for i := p.size; i > pos; i-- {
			p.items[p.phys(i)] = p.items[p.phys(i-1)]
		}
	}
	p.items[p.phys(pos)] = item
	p.size++
	return true
}
