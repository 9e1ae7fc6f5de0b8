// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pool

import (
	"cmp"
	"context"
	"errors"
	"math/rand"
	"slices"
	"testing"
	"time"
)

func checkInvariants(t *testing.T, p *Bounded[int]) {
	t.Helper()
	snap := p.Snapshot()
	if !slices.IsSorted(snap) {
		t.Fatalf("pool not sorted: %v", snap)
	}
	if p.Free()+p.Size() != p.Capacity() {
		t.Fatalf("free %d + size %d != capacity %d", p.Free(), p.Size(), p.Capacity())
	}
	if len(snap) != p.Size() {
		t.Fatalf("snapshot has %d items, size is %d", len(snap), p.Size())
	}
}

func TestOfferSorted(t *testing.T) {
	p := New(50, cmp.Compare[int])
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 50; i++ {
		if !p.Offer(rng.Intn(1000)) {
			t.Fatalf("offer %d rejected on a pool with free slots", i)
		}
		checkInvariants(t, p)
	}
	if p.Free() != 0 {
		t.Errorf("expected full pool, %d free", p.Free())
	}
}

func TestOfferWraps(t *testing.T) {
	p := New(5, cmp.Compare[int])

	// alternate polling and offering so the live region wraps around
	for round := 0; round < 20; round++ {
		p.Offer(round % 7)
		p.Offer(10 - round%3)
		if _, ok := p.Poll(); !ok {
			t.Fatalf("poll failed in round %d", round)
		}
		checkInvariants(t, p)
	}
}

func TestOfferFull(t *testing.T) {
	p := New(4, cmp.Compare[int])
	for _, v := range []int{10, 20, 30, 40} {
		p.Offer(v)
	}

	if p.Offer(50) {
		t.Errorf("expected item ranked last to be dropped")
	}
	if !p.Offer(5) {
		t.Errorf("expected item ranked first to be accepted")
	}
	checkInvariants(t, p)

	got := p.Snapshot()
	want := []int{5, 10, 20, 30}
	if !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if !p.Offer(25) {
		t.Errorf("expected middle item to be accepted")
	}
	want = []int{5, 10, 20, 25}
	if got = p.Snapshot(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLowestKept(t *testing.T) {
	p := New(8, cmp.Compare[int])
	rng := rand.New(rand.NewSource(7))

	values := rng.Perm(100)
	for _, v := range values {
		p.Offer(v)
		checkInvariants(t, p)
	}
	want := []int{0, 1, 2, 3, 4, 5, 6, 7}
	if got := p.Snapshot(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestPeekPoll(t *testing.T) {
	p := New(3, cmp.Compare[int])

	if _, ok := p.Peek(); ok {
		t.Errorf("peek on empty pool succeeded")
	}
	if _, ok := p.Poll(); ok {
		t.Errorf("poll on empty pool succeeded")
	}

	p.Offer(2)
	p.Offer(1)
	p.Offer(3)
	if v, ok := p.Peek(); !ok || v != 1 {
		t.Errorf("expected peek 1, got %d", v)
	}
	for _, want := range []int{1, 2, 3} {
		v, ok := p.Poll()
		if !ok || v != want {
			t.Errorf("expected poll %d, got %d", want, v)
		}
	}
	if p.Size() != 0 {
		t.Errorf("expected empty pool, size %d", p.Size())
	}
}

type entry struct {
	key, seq int
}

func TestStableInsert(t *testing.T) {
	p := New(10, func(a, b entry) int { return cmp.Compare(a.key, b.key) })

	for seq, key := range []int{1, 2, 1, 2, 1} {
		p.Offer(entry{key: key, seq: seq})
	}
	got := p.Snapshot()
	want := []entry{{1, 0}, {1, 2}, {1, 4}, {2, 1}, {2, 3}}
	if !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRemoveIf(t *testing.T) {
	p := New(16, cmp.Compare[int])

	// wrap the ring before removing
	for i := 0; i < 10; i++ {
		p.Offer(100 + i)
	}
	for i := 0; i < 10; i++ {
		p.Poll()
	}
	for i := 0; i < 16; i++ {
		p.Offer(i)
	}

	even := func(v int) bool { return v%2 == 0 }
	if !p.RemoveIf(even) {
		t.Fatalf("expected removal")
	}
	checkInvariants(t, p)
	want := []int{1, 3, 5, 7, 9, 11, 13, 15}
	if got := p.Snapshot(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if p.RemoveIf(even) {
		t.Errorf("expected no removal on second pass")
	}

	if !p.RemoveIf(func(int) bool { return true }) {
		t.Errorf("expected removal of everything")
	}
	if p.Size() != 0 || p.Free() != 16 {
		t.Errorf("expected empty pool, size %d free %d", p.Size(), p.Free())
	}
}

func TestOfferAndWait(t *testing.T) {
	p := New(2, cmp.Compare[int])
	p.Offer(1)
	p.Offer(2)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- p.OfferAndWait(ctx, 3)
	}()

	select {
	case err := <-done:
		t.Fatalf("OfferAndWait returned on a full pool: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	p.Poll()
	if err := <-done; err != nil {
		t.Fatalf("OfferAndWait failed: %v", err)
	}
	want := []int{2, 3}
	if got := p.Snapshot(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestOfferAndWaitCancel(t *testing.T) {
	p := New(1, cmp.Compare[int])
	p.Offer(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.OfferAndWait(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestString(t *testing.T) {
	p := New(3, cmp.Compare[int])
	p.Offer(3)
	p.Offer(1)
	if s := p.String(); s != "[1, 3]" {
		t.Errorf("unexpected string %q", s)
	}
}
