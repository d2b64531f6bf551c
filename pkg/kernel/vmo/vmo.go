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

// Package vmo implements the Vm Object family: the shareable,
// byte-addressable memory abstraction of the kernel.
//
// The variant set is closed: Paged (demand-paged, copy-on-write),
// Physical (a fixed contiguous physical range) and Slice (an
// offset/length view of a parent object). All variants are reached
// through the Object interface; the outer capability layer wraps the
// instances returned by CreateChild and CreateSlice in fresh handles.
package vmo

import (
	"fmt"

	"quark.dev/quark/pkg/hostarch"
)

// Range is a range of byte offsets [Start, End) into a Vm Object.
type Range struct {
	Start uint64
	End   uint64
}

// WellFormed returns true if mr.Start <= mr.End.
func (mr Range) WellFormed() bool {
	return mr.Start <= mr.End
}

// Length returns the length of the range.
func (mr Range) Length() uint64 {
	return mr.End - mr.Start
}

// Overlaps returns true if mr and other share at least one offset.
// An empty range shares no offset with anything.
func (mr Range) Overlaps(other Range) bool {
	if mr.Length() == 0 || other.Length() == 0 {
		return false
	}
	return mr.Start < other.End && other.Start < mr.End
}

// Intersect returns the intersection of mr and other, empty if they do
// not overlap.
func (mr Range) Intersect(other Range) Range {
	if mr.Start < other.Start {
		mr.Start = other.Start
	}
	if mr.End > other.End {
		mr.End = other.End
	}
	if mr.End < mr.Start {
		mr.End = mr.Start
	}
	return mr
}

// IsSupersetOf returns true if every offset in other is also in mr.
func (mr Range) IsSupersetOf(other Range) bool {
	return mr.Start <= other.Start && other.End <= mr.End
}

// String implements fmt.Stringer.String.
func (mr Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", mr.Start, mr.End)
}

// InvalidateOp selects what an invalidation broadcast revokes.
type InvalidateOp uint8

const (
	// InvalidateFull removes the translations for the range entirely;
	// the next access re-faults and re-translates.
	InvalidateFull InvalidateOp = iota

	// InvalidateWrite downgrades the translations for the range to
	// read-only so that the next write faults. Issued when frames
	// become copy-on-write shared.
	InvalidateWrite
)

// MappingSpace is the object-side view of a Vm Mapping. A mapping
// registers itself with the object it maps so the object can revoke
// translations when frames are released or become shared.
type MappingSpace interface {
	// Invalidate revokes translations for offsets mr of the object.
	// mr is expressed in the object's coordinates and is always a
	// subset of the range the MappingSpace registered.
	//
	// Invalidate must not be called with the object's lock held by the
	// caller of the operation that triggered it; implementations take
	// their own address-space lock.
	Invalidate(mr Range, op InvalidateOp)
}

// Object is the Vm Object capability set.
//
// All offset/length arguments are in bytes. Operations whose
// offset+length exceeds Size() fail with kernelerr.OutOfRange; nothing
// in this package panics on caller-supplied bad input.
type Object interface {
	// Read copies len(buf) bytes at offset into buf. Reading a page
	// that was never committed yields zero bytes without allocating.
	Read(offset uint64, buf []byte) error

	// Write copies buf into the object at offset, allocating (and
	// copying shared frames) as needed.
	Write(offset uint64, buf []byte) error

	// Size returns the object's length in bytes. It is always
	// page-aligned.
	Size() uint64

	// SetSize changes the object's length, releasing frames beyond
	// the end on shrink. Unaligned sizes are rounded up. It fails
	// with kernelerr.BadState if the object is not resizable.
	SetSize(size uint64) error

	// Commit forces frame allocation for the given range without
	// waiting for a fault. On kernelerr.NoMemory the already-committed
	// prefix remains committed; the caller decommits explicitly if it
	// requires atomicity.
	Commit(offset, length uint64) error

	// Decommit releases the frames backing the given range.
	// Translations in registered mappings are revoked before any
	// frame is released. Decommitting a never-committed page is a
	// no-op.
	Decommit(offset, length uint64) error

	// Zero resets the given byte range to zero. Wholly covered pages
	// are released back to demand-zero; partial edge pages are
	// zeroed in place.
	Zero(offset, length uint64) error

	// CreateChild returns a copy-on-write clone of the given range.
	// Frames presently backing the range become shared between parent
	// and child; the two are symmetric from that point. It fails with
	// kernelerr.NotSupported for variants without copy-on-write.
	CreateChild(offset, length uint64) (Object, error)

	// CreateSlice returns an offset/length alias of this object. No
	// frames are touched; the parent must outlive the slice.
	CreateSlice(offset, length uint64) (Object, error)

	// CachePolicy returns the object's cache policy.
	CachePolicy() hostarch.MemoryType

	// SetCachePolicy changes the cache policy. It fails with
	// kernelerr.BadState once the object has committed pages in the
	// cached state or attached mappings.
	SetCachePolicy(mt hostarch.MemoryType) error

	// CommittedPages returns the number of pages with a present frame
	// in this object's table.
	CommittedPages() uint64

	// CommitPage materializes a backing frame for the given page
	// index and returns its physical address. With at.Write set, a
	// shared frame is copied first so the returned frame is exclusive,
	// and InvalidateFull for the page is broadcast to every registered
	// MappingSpace. Callers must not hold an address-space lock.
	CommitPage(pageIdx uint64, at hostarch.AccessType) (hostarch.PhysAddr, error)

	// PageAt returns the frame presently backing pageIdx, whether it
	// is copy-on-write shared, and whether it is present at all. It
	// never allocates.
	PageAt(pageIdx uint64) (paddr hostarch.PhysAddr, shared bool, present bool)

	// AddMapping registers ms as mapping offsets mr of this object.
	AddMapping(ms MappingSpace, mr Range) error

	// RemoveMapping removes the registration added by the AddMapping
	// call with the same ms and mr.
	RemoveMapping(ms MappingSpace, mr Range)

	// Destroy releases every frame the object still owns.
	//
	// Precondition: all mappings have been removed.
	Destroy()
}

// registration records one MappingSpace attachment.
type registration struct {
	space MappingSpace
	mr    Range
}

// invalidation is a snapshotted broadcast target. Broadcasts are
// delivered after the object's lock is released; see the lock-order
// note on MappingSpace.Invalidate.
type invalidation struct {
	space MappingSpace
	mr    Range
}
