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

package vmo

import (
	"quark.dev/quark/pkg/errors/kernelerr"
	"quark.dev/quark/pkg/hostarch"
)

// Slice is a fixed window into a parent Vm Object. It owns no frames;
// every operation translates offsets and forwards to the parent, so
// writes through a slice are visible through the parent and vice
// versa.
type Slice struct {
	parent Object
	// offset is the window start within the parent, page-aligned.
	offset uint64
	size   uint64
}

func newSlice(parent Object, offset, length uint64) (*Slice, error) {
	if !hostarch.PageAligned(offset) || !hostarch.PageAligned(length) {
		return nil, kernelerr.OutOfRange
	}
	end := offset + length
	if end < offset || end > parent.Size() {
		return nil, kernelerr.OutOfRange
	}
	return &Slice{parent: parent, offset: offset, size: length}, nil
}

func (v *Slice) checkRange(offset, length uint64) error {
	end := offset + length
	if end < offset || end > v.size {
		return kernelerr.OutOfRange
	}
	return nil
}

// Read implements Object.Read.
func (v *Slice) Read(offset uint64, buf []byte) error {
	if err := v.checkRange(offset, uint64(len(buf))); err != nil {
		return err
	}
	return v.parent.Read(v.offset+offset, buf)
}

// Write implements Object.Write.
func (v *Slice) Write(offset uint64, buf []byte) error {
	if err := v.checkRange(offset, uint64(len(buf))); err != nil {
		return err
	}
	return v.parent.Write(v.offset+offset, buf)
}

// Size implements Object.Size.
func (v *Slice) Size() uint64 {
	return v.size
}

// SetSize implements Object.SetSize. The window is fixed at creation.
func (v *Slice) SetSize(uint64) error {
	return kernelerr.BadState
}

// Commit implements Object.Commit.
func (v *Slice) Commit(offset, length uint64) error {
	if err := v.checkRange(offset, length); err != nil {
		return err
	}
	return v.parent.Commit(v.offset+offset, length)
}

// Decommit implements Object.Decommit.
func (v *Slice) Decommit(offset, length uint64) error {
	if err := v.checkRange(offset, length); err != nil {
		return err
	}
	return v.parent.Decommit(v.offset+offset, length)
}

// Zero implements Object.Zero.
func (v *Slice) Zero(offset, length uint64) error {
	if err := v.checkRange(offset, length); err != nil {
		return err
	}
	return v.parent.Zero(v.offset+offset, length)
}

// CreateChild implements Object.CreateChild. Snapshot children hang
// off real objects, not windows.
func (v *Slice) CreateChild(offset, length uint64) (Object, error) {
	return nil, kernelerr.NotSupported
}

// CreateSlice implements Object.CreateSlice. Slicing a slice flattens
// to a window of the same parent.
func (v *Slice) CreateSlice(offset, length uint64) (Object, error) {
	if err := v.checkRange(offset, length); err != nil {
		return nil, err
	}
	return newSlice(v.parent, v.offset+offset, length)
}

// CachePolicy implements Object.CachePolicy.
func (v *Slice) CachePolicy() hostarch.MemoryType {
	return v.parent.CachePolicy()
}

// SetCachePolicy implements Object.SetCachePolicy.
func (v *Slice) SetCachePolicy(mt hostarch.MemoryType) error {
	return v.parent.SetCachePolicy(mt)
}

// CommittedPages implements Object.CommittedPages. The count reported
// is the parent's; per-window accounting would require frame ownership
// the slice does not have.
func (v *Slice) CommittedPages() uint64 {
	return v.parent.CommittedPages()
}

// CommitPage implements Object.CommitPage.
func (v *Slice) CommitPage(idx uint64, at hostarch.AccessType) (hostarch.PhysAddr, error) {
	if idx >= v.size>>hostarch.PageShift {
		return 0, kernelerr.OutOfRange
	}
	return v.parent.CommitPage(idx+(v.offset>>hostarch.PageShift), at)
}

// PageAt implements Object.PageAt.
func (v *Slice) PageAt(idx uint64) (hostarch.PhysAddr, bool, bool) {
	if idx >= v.size>>hostarch.PageShift {
		return 0, false, false
	}
	return v.parent.PageAt(idx + (v.offset >> hostarch.PageShift))
}

// offsetSpace adapts a MappingSpace registered through a slice to the
// parent's offset coordinates. It is a comparable value so that
// RemoveMapping with the same (space, range) pair finds the entry
// AddMapping registered.
type offsetSpace struct {
	ms    MappingSpace
	delta uint64
}

// Invalidate implements MappingSpace.Invalidate, translating the
// parent-relative range back into slice coordinates.
func (os offsetSpace) Invalidate(mr Range, op InvalidateOp) {
	os.ms.Invalidate(Range{mr.Start - os.delta, mr.End - os.delta}, op)
}

// AddMapping implements Object.AddMapping.
func (v *Slice) AddMapping(ms MappingSpace, mr Range) error {
	if !mr.WellFormed() || mr.End > v.size {
		return kernelerr.OutOfRange
	}
	return v.parent.AddMapping(
		offsetSpace{ms, v.offset},
		Range{mr.Start + v.offset, mr.End + v.offset},
	)
}

// RemoveMapping implements Object.RemoveMapping.
func (v *Slice) RemoveMapping(ms MappingSpace, mr Range) {
	v.parent.RemoveMapping(
		offsetSpace{ms, v.offset},
		Range{mr.Start + v.offset, mr.End + v.offset},
	)
}

// Destroy implements Object.Destroy. The parent and its frames
// outlive the window.
func (v *Slice) Destroy() {}
