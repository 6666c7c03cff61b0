// Copyright 2024 The Allocbench Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bestfit implements a coalescing, best-fit, free-list heap
// allocator over a single region of memory obtained from osmap.
//
// Every block carries an inline header immediately before its payload:
// payload size, a free flag, and the prev/next links threading it into
// exactly one of two doubly-linked lists (free, used). Allocation scans the
// free list for the smallest block that fits; freeing is O(1) and lazy —
// physically adjacent free blocks are only merged every coalesceEvery
// frees, amortizing the cost of an unsorted scan.
package bestfit

import (
	"unsafe"

	"github.com/Maksim993/allocbench/allocator"
	"github.com/Maksim993/allocbench/osmap"
)

const (
	// minBlockPayload is the smallest payload a free block may carry; a
	// split that would leave a smaller residual is not performed.
	minBlockPayload = 16

	// coalesceEvery is the lazy-coalescing cadence: a full left-to-right
	// merge pass over the free list runs on every coalesceEvery-th free.
	// A tuning constant, not a correctness requirement.
	coalesceEvery = 1000
)

var (
	wordSize   = int(unsafe.Sizeof(uintptr(0)))
	headerSize = roundup(int(unsafe.Sizeof(blockHeader{})), wordSize)
)

// roundup rounds n up to the next multiple of m. m must be a power of 2.
func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

// alignUp rounds n up to a multiple of the machine word size.
func alignUp(n int) int { return roundup(n, wordSize) }

// blockHeader sits immediately before a block's payload in the region.
type blockHeader struct {
	size int // payload size in bytes, excluding this header
	free bool
	prev *blockHeader
	next *blockHeader
}

// Allocator is a best-fit, coalescing heap allocator over a single mmap'd
// region. Its zero value is not usable; construct one with New.
type Allocator struct {
	region []byte

	freeList *blockHeader
	usedList *blockHeader

	// freeCount is this instance's own tally of Free calls that released a
	// block; a coalescing pass runs each time it reaches a multiple of
	// coalesceEvery. The source this allocator is modeled on keeps this
	// counter in a C `static`, making it process-wide and shared across
	// every allocator instance — almost certainly not intended. Here it
	// is per-instance.
	freeCount int
}

var _ allocator.Allocator = (*Allocator)(nil)

// New creates a best-fit allocator over a freshly mapped region of
// regionSize bytes. regionSize must be at least four times the minimum
// block size; New fails the same way the OS mapping call does, and never
// leaks virtual memory on a failed construction.
func New(regionSize int) (*Allocator, error) {
	if regionSize < minBlockPayload*4 {
		return nil, allocator.ErrRegionTooSmall
	}

	region, err := osmap.Map(regionSize)
	if err != nil {
		return nil, err
	}

	a := &Allocator{region: region}
	first := a.headerAt(0)
	*first = blockHeader{size: regionSize - headerSize, free: true}
	a.freeList = first
	return a, nil
}

// headerAt returns the block header at byte offset off within the region.
func (a *Allocator) headerAt(off int) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&a.region[off]))
}

// payload returns the address of the first byte after b's header.
func (a *Allocator) payload(b *blockHeader) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(b)) + uintptr(headerSize))
}

// blockFromPayload recovers a block's header from a payload pointer.
func blockFromPayload(p unsafe.Pointer) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(uintptr(p) - uintptr(headerSize)))
}

func removeFromList(head **blockHeader, b *blockHeader) {
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		*head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	}
	b.prev, b.next = nil, nil
}

func insertFront(head **blockHeader, b *blockHeader) {
	b.next = *head
	b.prev = nil
	if *head != nil {
		(*head).prev = b
	}
	*head = b
}

// Alloc reserves n bytes and returns a pointer to the first byte of the
// payload, or nil if n is zero or no free block is large enough. The block
// chosen is the smallest free block whose whole size (header plus payload)
// is >= the aligned request plus header, that is, whose payload holds the
// aligned request; ties go to whichever block is encountered first.
func (a *Allocator) Alloc(n int) unsafe.Pointer {
	if n <= 0 {
		return nil
	}

	need := alignUp(n) + headerSize

	var best *blockHeader
	for cur := a.freeList; cur != nil; cur = cur.next {
		if cur.size+headerSize >= need && (best == nil || cur.size < best.size) {
			best = cur
		}
	}
	if best == nil {
		return nil
	}

	removeFromList(&a.freeList, best)

	s := best.size
	if s >= need+headerSize+minBlockPayload {
		residual := (*blockHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(best)) + uintptr(need)))
		*residual = blockHeader{size: s - need, free: true}
		insertFront(&a.freeList, residual)
		best.size = need - headerSize
	}

	best.free = false
	insertFront(&a.usedList, best)
	return a.payload(best)
}

// Free releases a pointer previously returned by Alloc. p == nil is a
// no-op; a block whose free flag is already set is returned without
// action, tolerating a double-free without detecting it across the arena.
func (a *Allocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}

	b := blockFromPayload(p)
	if b.free {
		return
	}

	removeFromList(&a.usedList, b)
	b.free = true
	insertFront(&a.freeList, b)

	a.freeCount++
	if a.freeCount%coalesceEvery == 0 {
		a.coalesce()
	}
}

// coalesce performs one left-to-right pass over the free list, merging each
// free block with the block physically after it whenever that block is free
// too. The walker stays on the merged block afterward, so a run of three or
// more adjacent free blocks collapses in a single pass.
func (a *Allocator) coalesce() {
	base := uintptr(unsafe.Pointer(&a.region[0]))
	cur := a.freeList
	for cur != nil {
		off := int(uintptr(unsafe.Pointer(cur))-base) + headerSize + cur.size
		if off < len(a.region) && a.headerAt(off).free {
			next := a.headerAt(off)
			removeFromList(&a.freeList, next)
			cur.size += headerSize + next.size
			continue
		}
		cur = cur.next
	}
}

// FreeMemory reports the total bytes currently on the free list, including
// every free block's header.
func (a *Allocator) FreeMemory() int {
	total := 0
	for cur := a.freeList; cur != nil; cur = cur.next {
		total += cur.size + headerSize
	}
	return total
}

// Stats reports a read-only snapshot of the allocator's bookkeeping.
func (a *Allocator) Stats() allocator.Stats {
	free := 0
	for cur := a.freeList; cur != nil; cur = cur.next {
		free += cur.size + headerSize
	}
	used := 0
	for cur := a.usedList; cur != nil; cur = cur.next {
		used += cur.size + headerSize
	}
	return allocator.Stats{RegionSize: len(a.region), FreeBytes: free, UsedBytes: used}
}

// Destroy releases the backing region. The allocator must not be used
// afterward.
func (a *Allocator) Destroy() error {
	err := osmap.Unmap(a.region)
	*a = Allocator{}
	return err
}
