// Copyright 2025 The Quark Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pframe provides the platform physical-frame allocator
// consumed by the VM core, and access to frame contents.
//
// The VM core receives an Allocator and a Memory at construction; it
// never reaches for a process-wide allocator. All Allocator methods
// are safe to call from multiple CPUs concurrently and return false
// rather than blocking when exhausted.
package pframe

import (
	"quark.dev/quark/pkg/hostarch"
)

// Allocator hands out physical frames.
type Allocator interface {
	// AllocFrame allocates one frame. It returns false if the
	// allocator is exhausted. The frame's contents are unspecified;
	// callers zero or overwrite it.
	AllocFrame() (hostarch.PhysAddr, bool)

	// AllocContiguous allocates count physically contiguous frames
	// whose base is aligned to 1<<alignLog2 pages. It returns false if
	// no such run is free.
	AllocContiguous(count int, alignLog2 uint) (hostarch.PhysAddr, bool)

	// DeallocFrame returns a frame to the allocator.
	//
	// Precondition: paddr was returned by AllocFrame or lies within a
	// run returned by AllocContiguous, and has not already been
	// deallocated.
	DeallocFrame(paddr hostarch.PhysAddr)
}

// Memory provides access to physical frame contents.
type Memory interface {
	// ReadPhys copies len(buf) bytes starting at paddr into buf.
	ReadPhys(paddr hostarch.PhysAddr, buf []byte)

	// WritePhys copies buf into physical memory starting at paddr.
	WritePhys(paddr hostarch.PhysAddr, buf []byte)
}

// ZeroFrame fills the frame at paddr with zero bytes.
func ZeroFrame(m Memory, paddr hostarch.PhysAddr) {
	var zero [hostarch.PageSize]byte
	m.WritePhys(paddr, zero[:])
}

// CopyFrame copies the frame at src to the frame at dst.
func CopyFrame(m Memory, dst, src hostarch.PhysAddr) {
	var buf [hostarch.PageSize]byte
	m.ReadPhys(src, buf[:])
	m.WritePhys(dst, buf[:])
}
