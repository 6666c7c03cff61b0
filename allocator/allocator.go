// Copyright 2024 The Allocbench Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package allocator defines the common shape every heap allocator in this
// repository presents: create, allocate, free, query-free-memory, destroy.
// Concrete allocators (bestfit, mkc) each expose their own constructor,
// since region-size validation and failure modes are constructor-specific,
// but satisfy this interface for everything after creation.
package allocator

import (
	"errors"
	"unsafe"
)

// ErrRegionTooSmall is returned by a constructor when the requested region
// cannot hold even the allocator's minimum bookkeeping structures.
var ErrRegionTooSmall = errors.New("allocator: region too small")

// Allocator is the uniform shape both allocators in this repository
// present after construction.
type Allocator interface {
	// Alloc returns a pointer to n freshly reserved, unzeroed bytes, or
	// nil if n is zero or no block/page/run large enough is available.
	Alloc(n int) unsafe.Pointer

	// Free releases a pointer previously returned by Alloc. p == nil is a
	// no-op; a foreign or already-freed pointer is undefined behavior
	// except where the allocator's own free-flag check happens to catch
	// it, which is not a promise.
	Free(p unsafe.Pointer)

	// FreeMemory reports the number of bytes currently available for
	// allocation, including any bookkeeping overhead counted as free by
	// the allocator's own accounting rules.
	FreeMemory() int

	// Destroy releases the backing region. Pointers returned before
	// Destroy are invalid afterward; the allocator does not track this.
	Destroy() error
}

// Stats is the read-only, diagnostic-only view both allocators expose in
// addition to the five core operations. It is not part of Allocator: it
// exists for the benchmark harness and tests, not for allocation itself.
type Stats struct {
	RegionSize int
	FreeBytes  int
	UsedBytes  int
}
