// Copyright 2024 The Allocbench Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package osmap maps and unmaps anonymous, writable regions of virtual
// memory. It is the only OS surface the allocator packages consume: a
// region, once mapped, is addressed entirely in user space until it is
// unmapped again.
package osmap

import "os"

// PageSize is the host's native page size, as reported by the OS.
var PageSize = os.Getpagesize()

// Map obtains a fresh, zeroed, writable region of n bytes from the OS. The
// returned slice's address is page-aligned.
func Map(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	return mmap0(n)
}

// Unmap releases a region previously obtained from Map. b must be exactly
// the slice Map returned; reslicing it before calling Unmap is an error.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unmap(b)
}
