// Copyright 2024 The Allocbench Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bestfit

import (
	"math"
	"testing"
	"unsafe"

	"github.com/cznic/mathutil"
)

func newTestAllocator(t *testing.T, size int) *Allocator {
	t.Helper()
	a, err := New(size)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// S1 — tight split: freeing a just-vacated hole hands it right back out.
func TestTightSplit(t *testing.T) {
	a := newTestAllocator(t, 4096)
	defer a.Destroy()

	p1 := a.Alloc(32)
	p2 := a.Alloc(32)
	if p1 == nil || p2 == nil {
		t.Fatal("expected both allocations to succeed")
	}

	a.Free(p1)
	p3 := a.Alloc(32)
	if p3 != p1 {
		t.Fatalf("expected p3 == p1 (smallest-fitting free block), got p3=%p p1=%p", p3, p1)
	}
}

// S2 — coalescing after the 1000th free restores a single contiguous free
// block; no merge happens before that cadence.
func TestCoalesceAfterThousandFrees(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	defer a.Destroy()

	const n = 1001
	const blockSize = 64

	pointers := make([]unsafe.Pointer, n)
	for i := range pointers {
		pointers[i] = a.Alloc(blockSize)
		if pointers[i] == nil {
			t.Fatalf("alloc %d failed", i)
		}
	}

	for i := 0; i < n-1; i++ {
		a.Free(pointers[i])
	}

	found := false
	for cur := a.freeList; cur != nil; cur = cur.next {
		if cur == blockFromPayload(pointers[0]) && cur.size > blockSize {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected at least one coalesced block spanning more than one allocation after the 1000th free")
	}

	a.Free(pointers[n-1])
	if a.usedList != nil {
		t.Fatal("expected used list to be empty")
	}
}

// Invariant 6/7/8: after a randomized workload, free+used blocks tile the region with no
// free block smaller than the minimum payload, and no two adjacent free
// blocks survive a coalescing pass.
func TestTilesRegionAndRespectsMinimum(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	defer a.Destroy()

	rng, err := mathutil.NewFC32(0, math.MaxInt32, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(7)

	var live []unsafe.Pointer
	for i := 0; i < 5000; i++ {
		if rng.Next()%3 != 0 || len(live) == 0 {
			size := rng.Next()%200 + 1
			if p := a.Alloc(size); p != nil {
				live = append(live, p)
			}
			continue
		}
		idx := rng.Next() % len(live)
		a.Free(live[idx])
		live = append(live[:idx], live[idx+1:]...)
	}

	assertTiling(t, a)

	for cur := a.freeList; cur != nil; cur = cur.next {
		if cur.size < minBlockPayload {
			t.Fatalf("free block with payload %d below minimum %d", cur.size, minBlockPayload)
		}
	}

	a.coalesce()
	for cur := a.freeList; cur != nil && cur.next != nil; cur = cur.next {
		end := uintptr(unsafe.Pointer(cur)) + uintptr(headerSize) + uintptr(cur.size)
		if end == uintptr(unsafe.Pointer(cur.next)) {
			t.Fatal("two physically adjacent free blocks survived a coalescing pass")
		}
	}
}

// assertTiling walks both lists in physical-address order and checks that,
// together, they cover the region exactly once with no gaps or overlaps.
func assertTiling(t *testing.T, a *Allocator) {
	t.Helper()

	type span struct{ start, end uintptr }
	var spans []span
	for cur := a.freeList; cur != nil; cur = cur.next {
		start := uintptr(unsafe.Pointer(cur))
		spans = append(spans, span{start, start + uintptr(headerSize+cur.size)})
	}
	for cur := a.usedList; cur != nil; cur = cur.next {
		start := uintptr(unsafe.Pointer(cur))
		spans = append(spans, span{start, start + uintptr(headerSize+cur.size)})
	}

	for i := range spans {
		for j := range spans {
			if i == j {
				continue
			}
			if spans[i].start < spans[j].end && spans[j].start < spans[i].end {
				t.Fatalf("overlapping blocks: %+v and %+v", spans[i], spans[j])
			}
		}
	}

	base := uintptr(unsafe.Pointer(&a.region[0]))
	end := base + uintptr(len(a.region))
	covered := make(map[uintptr]bool, len(spans))
	cursor := base
	for cursor < end {
		var next *span
		for i := range spans {
			if spans[i].start == cursor {
				next = &spans[i]
				break
			}
		}
		if next == nil {
			t.Fatalf("gap in region tiling at offset %d", cursor-base)
		}
		covered[next.start] = true
		cursor = next.end
	}
	if len(covered) != len(spans) {
		t.Fatal("not every block participated in the tiling walk")
	}
}

// Best-fit property: the chosen block is the smallest free block that fits.
func TestBestFitChoosesSmallest(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	defer a.Destroy()

	// Carve three free blocks of distinct sizes by allocating padding
	// blocks between them, then free everything except a small, a
	// medium and a large hole.
	pad := a.Alloc(8)
	small := a.Alloc(256)
	_ = a.Alloc(8)
	medium := a.Alloc(512)
	_ = a.Alloc(8)
	large := a.Alloc(1024)

	a.Free(small)
	a.Free(medium)
	a.Free(large)
	_ = pad

	p := a.Alloc(200)
	if blockFromPayload(p) != blockFromPayload(small) {
		t.Fatal("expected the 200-byte request to land in the smallest fitting hole")
	}
}

func TestAllocZeroReturnsNilNoStateChange(t *testing.T) {
	a := newTestAllocator(t, 4096)
	defer a.Destroy()

	before := a.FreeMemory()
	if p := a.Alloc(0); p != nil {
		t.Fatal("expected Alloc(0) to return nil")
	}
	if a.FreeMemory() != before {
		t.Fatal("Alloc(0) must not change allocator state")
	}
}

func TestFreeNilIsNoOp(t *testing.T) {
	a := newTestAllocator(t, 4096)
	defer a.Destroy()

	before := a.FreeMemory()
	a.Free(nil)
	if a.FreeMemory() != before {
		t.Fatal("Free(nil) must not change allocator state")
	}
}

func TestFreeMemoryRestoredAfterFreeingEverything(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	defer a.Destroy()

	initial := a.FreeMemory()

	var pointers []unsafe.Pointer
	for i := 0; i < 100; i++ {
		if p := a.Alloc(48); p != nil {
			pointers = append(pointers, p)
		}
	}
	for _, p := range pointers {
		a.Free(p)
	}
	// Coalescing is lazy; force a pass to restore a single free block.
	a.coalesce()

	if got := a.FreeMemory(); got != initial {
		t.Fatalf("free memory after draining the allocator: got %d, want %d", got, initial)
	}
}

func TestNoAliasingBetweenLiveAllocations(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	defer a.Destroy()

	type span struct{ start, end uintptr }
	var spans []span
	for i := 0; i < 200; i++ {
		size := 16 + i%64
		p := a.Alloc(size)
		if p == nil {
			break
		}
		start := uintptr(p)
		spans = append(spans, span{start, start + uintptr(size)})
	}

	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].start < spans[j].end && spans[j].start < spans[i].end {
				t.Fatalf("payload ranges overlap: %+v and %+v", spans[i], spans[j])
			}
		}
	}
}

func TestDoubleFreeIsTolerated(t *testing.T) {
	a := newTestAllocator(t, 4096)
	defer a.Destroy()

	p := a.Alloc(32)
	a.Free(p)
	a.Free(p) // must not panic or corrupt state
}

func BenchmarkAllocFree64(b *testing.B) {
	a, err := New(1 << 24)
	if err != nil {
		b.Fatal(err)
	}
	defer a.Destroy()

	for i := 0; i < b.N; i++ {
		p := a.Alloc(64)
		a.Free(p)
	}
}
