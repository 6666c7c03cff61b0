// Copyright 2024 The Allocbench Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mkc implements a McKusick-Karels style page/slab allocator: the
// region is carved into fixed-size pages, small requests are served from
// per-size-class pages tracked with a bitmap, and large requests are served
// as runs of consecutive pages.
package mkc

import (
	"unsafe"

	"github.com/Maksim993/allocbench/allocator"
	"github.com/Maksim993/allocbench/osmap"
)

const (
	pageSize = 4096

	// tagFree marks an idle page; tagLarge marks a page that is part of
	// (but not necessarily the head of) a multi-page large block. Both
	// sentinels live outside the valid size-class index range [0,
	// numClasses).
	tagFree  = 0xFFFF
	tagLarge = 0xFFFE
)

// classes is the fixed size-class table; small requests round up to the
// smallest class that fits.
var classes = [...]int{16, 32, 64, 128, 256, 512, 1024, 2048}

const numClasses = len(classes)

var headerSize = int(unsafe.Sizeof(pageHeader{}))

// pageHeader sits at the start of every page in the data area.
type pageHeader struct {
	tag       uint16
	freeCount uint16
	next      *pageHeader
	bitmap    [8]uint32 // 256 bits, one per slot of a class-16 page
}

// maxSlots returns the number of slots a class-c page can hold, capped at
// 256 so the fixed bitmap can address every one of them.
func maxSlots(c int) int {
	n := (pageSize - headerSize) / classes[c]
	if n > 256 {
		n = 256
	}
	return n
}

// classIndex returns the smallest class whose size is >= n, or -1 if n
// exceeds every class (the large path applies).
func classIndex(n int) int {
	for i, c := range classes {
		if n <= c {
			return i
		}
	}
	return -1
}

// Allocator is a McKusick-Karels page allocator over a single mmap'd
// region. Its zero value is not usable; construct one with New.
type Allocator struct {
	region     []byte
	dataBase   uintptr
	pagesCount int

	freePages  *pageHeader
	classPages [numClasses]*pageHeader
	largePages *pageHeader
}

var _ allocator.Allocator = (*Allocator)(nil)

// New creates an MKC allocator over a freshly mapped region of regionSize
// bytes. The first page holds no allocator state of its own here (unlike
// the self-hosted layout some MKC implementations use — see DESIGN.md);
// regionSize must span at least two pages.
func New(regionSize int) (*Allocator, error) {
	if regionSize < pageSize*2 {
		return nil, allocator.ErrRegionTooSmall
	}

	region, err := osmap.Map(regionSize)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		region:     region,
		dataBase:   uintptr(unsafe.Pointer(&region[pageSize])),
		pagesCount: (regionSize - pageSize) / pageSize,
	}

	for i := 0; i < a.pagesCount; i++ {
		p := a.pageAt(i)
		p.tag = tagFree
		p.freeCount = 0
		p.bitmap = [8]uint32{}
		p.next = a.freePages
		a.freePages = p
	}
	return a, nil
}

// pageAt returns the page header at data-area index i.
func (a *Allocator) pageAt(i int) *pageHeader {
	return (*pageHeader)(unsafe.Pointer(a.dataBase + uintptr(i*pageSize)))
}

// pageIndex recovers the data-area index of the page hosting p. This is
// the single canonical payload -> page formula: both the small-block and
// large-block free paths route through it, resolving the two-formula
// ambiguity the upstream source left open.
func (a *Allocator) pageIndex(p unsafe.Pointer) int {
	return int((uintptr(p) - a.dataBase) / pageSize)
}

func bitmapFindFree(bm *[8]uint32, limit int) int {
	for i := 0; i < limit; i++ {
		if bm[i>>5]&(1<<uint(i&31)) == 0 {
			return i
		}
	}
	return -1
}

func (a *Allocator) takeFreePage() *pageHeader {
	p := a.freePages
	if p == nil {
		return nil
	}
	a.freePages = p.next
	p.next = nil
	p.bitmap = [8]uint32{}
	return p
}

func (a *Allocator) returnFreePage(p *pageHeader) {
	p.tag = tagFree
	p.freeCount = 0
	p.bitmap = [8]uint32{}
	p.next = a.freePages
	a.freePages = p
}

// Alloc reserves n bytes and returns a pointer to the first byte of the
// allocation, or nil if n is zero or no page/run large enough is
// available. Requests of at most the largest class size are served from a
// per-class page with a bitmap; larger requests are served as a run of
// consecutive pages.
func (a *Allocator) Alloc(n int) unsafe.Pointer {
	if n <= 0 {
		return nil
	}

	if c := classIndex(n); c >= 0 {
		return a.allocSmall(c)
	}
	return a.allocLarge(n)
}

func (a *Allocator) allocSmall(c int) unsafe.Pointer {
	page := a.classPages[c]
	for page != nil && page.freeCount == 0 {
		page = page.next
	}

	if page == nil {
		page = a.takeFreePage()
		if page == nil {
			return nil
		}
		page.tag = uint16(c)
		page.freeCount = uint16(maxSlots(c))
		page.next = a.classPages[c]
		a.classPages[c] = page
	}

	slot := bitmapFindFree(&page.bitmap, maxSlots(c))
	if slot < 0 {
		return nil
	}

	page.bitmap[slot>>5] |= 1 << uint(slot&31)
	page.freeCount--
	return unsafe.Pointer(uintptr(unsafe.Pointer(page)) + uintptr(headerSize+slot*classes[c]))
}

func (a *Allocator) allocLarge(n int) unsafe.Pointer {
	need := (n + pageSize - 1) / pageSize

	start, run := -1, 0
	for i := 0; i < a.pagesCount; i++ {
		if a.pageAt(i).tag == tagFree {
			if run == 0 {
				start = i
			}
			run++
			if run == need {
				break
			}
		} else {
			run = 0
		}
	}
	if run < need {
		return nil
	}

	first := a.pageAt(start)
	first.tag = tagLarge
	first.freeCount = uint16(need)
	for i := 1; i < need; i++ {
		a.pageAt(start + i).tag = tagLarge
	}

	prev := &a.freePages
	for *prev != nil {
		cur := *prev
		idx := a.pageIndex(unsafe.Pointer(cur))
		if idx >= start && idx < start+need {
			*prev = cur.next
		} else {
			prev = &cur.next
		}
	}

	first.next = a.largePages
	a.largePages = first
	return unsafe.Pointer(uintptr(unsafe.Pointer(first)) + uintptr(headerSize))
}

// Free releases a pointer previously returned by Alloc. p == nil is a
// no-op. A slot that is already clear, or a page that is already free, is
// silently ignored rather than detected as a double-free.
func (a *Allocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}

	idx := a.pageIndex(p)
	if idx < 0 || idx >= a.pagesCount {
		return
	}
	page := a.pageAt(idx)

	switch {
	case page.tag == tagLarge:
		k := int(page.freeCount)
		for i := 0; i < k; i++ {
			a.returnFreePage(a.pageAt(idx + i))
		}

		prev := &a.largePages
		for *prev != nil {
			if *prev == page {
				*prev = page.next
				break
			}
			prev = &(*prev).next
		}

	case page.tag == tagFree:
		// already idle; nothing to do

	default:
		c := int(page.tag)
		slot := (int(uintptr(p)-uintptr(unsafe.Pointer(page))) - headerSize) / classes[c]
		if page.bitmap[slot>>5]&(1<<uint(slot&31)) == 0 {
			return
		}

		page.bitmap[slot>>5] &^= 1 << uint(slot&31)
		page.freeCount++

		if int(page.freeCount) == maxSlots(c) {
			prev := &a.classPages[c]
			for *prev != nil {
				if *prev == page {
					*prev = page.next
					break
				}
				prev = &(*prev).next
			}
			a.returnFreePage(page)
		}
	}
}

// FreeMemory reports the bytes available for allocation: every whole page
// on the free list, plus the still-free slot capacity of every page
// currently serving a size class. Large-block interior fragmentation is
// not counted as free.
func (a *Allocator) FreeMemory() int {
	total := 0
	for p := a.freePages; p != nil; p = p.next {
		total += pageSize
	}
	for c, p := range a.classPages {
		for ; p != nil; p = p.next {
			total += int(p.freeCount) * classes[c]
		}
	}
	return total
}

// Stats reports a read-only snapshot of the allocator's bookkeeping.
func (a *Allocator) Stats() allocator.Stats {
	free := a.FreeMemory()
	used := len(a.region) - pageSize - free
	return allocator.Stats{RegionSize: len(a.region), FreeBytes: free, UsedBytes: used}
}

// Destroy releases the backing region. The allocator must not be used
// afterward.
func (a *Allocator) Destroy() error {
	err := osmap.Unmap(a.region)
	*a = Allocator{}
	return err
}
