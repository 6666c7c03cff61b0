// Copyright 2024 The Allocbench Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command allocbench drives the best-fit and MKC allocators with identical
// randomized workloads and reports allocation time, free time, and memory
// utilization for each. It takes no arguments.
package main

import (
	"fmt"
	"math"
	"os"
	"time"
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/Maksim993/allocbench/allocator"
	"github.com/Maksim993/allocbench/bestfit"
	"github.com/Maksim993/allocbench/mkc"
)

const (
	regionSize    = 4 << 20 // 4 MiB
	numOperations = 100_000
	maxBlockSize  = 128
	seed          = 1234567
)

// sizeGenerator returns a fresh, deterministically-seeded block-size
// generator. It is built on mathutil.FC32, the same full-cycle PRNG the
// allocator package this repository is modeled on (github.com/cznic/memory)
// uses to drive its own randomized tests.
func sizeGenerator() *mathutil.FC32 {
	rng, err := mathutil.NewFC32(0, math.MaxInt32, true)
	if err != nil {
		panic("allocbench: FC32 over a full int32 range cannot fail to construct: " + err.Error())
	}
	rng.Seed(seed)
	return rng
}

type report struct {
	name        string
	allocTime   time.Duration
	freeTime    time.Duration
	utilization float64
}

func bench(name string, newAlloc func(int) (allocator.Allocator, error)) (report, error) {
	a, err := newAlloc(regionSize)
	if err != nil {
		return report{}, fmt.Errorf("%s: create: %w", name, err)
	}

	pointers := make([]unsafe.Pointer, numOperations)
	rng := sizeGenerator()

	start := time.Now()
	for i := 0; i < numOperations; i++ {
		size := rng.Next()%maxBlockSize + 1
		pointers[i] = a.Alloc(size)
	}
	allocTime := time.Since(start)

	start = time.Now()
	for _, p := range pointers {
		a.Free(p)
	}
	freeTime := time.Since(start)

	if err := a.Destroy(); err != nil {
		return report{}, fmt.Errorf("%s: destroy: %w", name, err)
	}

	// Recreate for an isolated utilization measurement: alloc only, no
	// frees, then compare bytes requested against bytes actually drawn
	// from the region.
	a, err = newAlloc(regionSize)
	if err != nil {
		return report{}, fmt.Errorf("%s: re-create: %w", name, err)
	}

	rng = sizeGenerator()
	totalRequested := 0
	for i := 0; i < numOperations; i++ {
		size := rng.Next()%maxBlockSize + 1
		if p := a.Alloc(size); p != nil {
			totalRequested += size
			pointers[i] = p
		} else {
			pointers[i] = nil
		}
	}

	used := regionSize - a.FreeMemory()
	utilization := 0.0
	if used > 0 {
		utilization = float64(totalRequested) / float64(used) * 100
	}

	for _, p := range pointers {
		a.Free(p)
	}
	if err := a.Destroy(); err != nil {
		return report{}, fmt.Errorf("%s: destroy: %w", name, err)
	}

	return report{name: name, allocTime: allocTime, freeTime: freeTime, utilization: utilization}, nil
}

func printReport(r report) {
	fmt.Printf("=== %s allocator ===\n", r.name)
	fmt.Printf("alloc %d blocks: %.6fs\n", numOperations, r.allocTime.Seconds())
	fmt.Printf("free  %d blocks: %.6fs\n", numOperations, r.freeTime.Seconds())
	fmt.Printf("utilization: %.2f%%\n\n", r.utilization)
}

func main() {
	fmt.Println("allocator benchmark")
	fmt.Println("===================")
	fmt.Println()

	candidates := []struct {
		name string
		new  func(int) (allocator.Allocator, error)
	}{
		{"best-fit", func(n int) (allocator.Allocator, error) { return bestfit.New(n) }},
		{"mkc", func(n int) (allocator.Allocator, error) { return mkc.New(n) }},
	}

	var reports []report
	for _, c := range candidates {
		r, err := bench(c.name, c.new)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		printReport(r)
		reports = append(reports, r)
	}

	fmt.Println("=== summary ===")
	for _, r := range reports {
		fmt.Printf("%-10s alloc=%.6fs free=%.6fs utilization=%.2f%%\n",
			r.name, r.allocTime.Seconds(), r.freeTime.Seconds(), r.utilization)
	}
}
