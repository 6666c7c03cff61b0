// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2024 The Allocbench Authors.

//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

package osmap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageMask = PageSize - 1

func mmap0(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}

	if uintptr(unsafe.Pointer(&b[0]))&uintptr(pageMask) != 0 {
		panic("osmap: region returned by the kernel is not page aligned")
	}

	return b, nil
}

func unmap(b []byte) error {
	return unix.Munmap(b)
}
