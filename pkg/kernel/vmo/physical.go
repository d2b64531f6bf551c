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
	"sync"

	"quark.dev/quark/pkg/errors/kernelerr"
	"quark.dev/quark/pkg/hostarch"
	"quark.dev/quark/pkg/pframe"
)

// Physical is a Vm Object windowing a fixed physical range, typically
// device registers or firmware-placed memory. Every page is always
// committed and never copy-on-write. The default cache policy is
// uncached, as expected for device memory.
type Physical struct {
	mem  pframe.Memory
	base hostarch.PhysAddr
	size uint64
	// alloc is non-nil when the object owns its range and must return
	// it on destruction.
	alloc pframe.Allocator

	mu       sync.Mutex
	mappings []registration
	policy   hostarch.MemoryType
}

// NewPhysical creates a Physical object over [base, base+pages*PageSize).
// base must be page-aligned.
func NewPhysical(mem pframe.Memory, base hostarch.PhysAddr, pages uint64) (*Physical, error) {
	if base&(hostarch.PageSize-1) != 0 {
		return nil, kernelerr.OutOfRange
	}
	return &Physical{
		mem:    mem,
		base:   base,
		size:   pages * hostarch.PageSize,
		policy: hostarch.MemoryTypeUncached,
	}, nil
}

// NewOwnedPhysical reserves a physically contiguous run from alloc and
// wraps it in a Physical object that returns the run on Destroy.
func NewOwnedPhysical(alloc pframe.Allocator, mem pframe.Memory, pages uint64, alignLog2 uint) (*Physical, error) {
	base, ok := alloc.AllocContiguous(int(pages), alignLog2)
	if !ok {
		return nil, kernelerr.NoMemory
	}
	v, err := NewPhysical(mem, base, pages)
	if err != nil {
		return nil, err
	}
	v.alloc = alloc
	return v, nil
}

func (v *Physical) checkRange(offset, length uint64) error {
	end := offset + length
	if end < offset || end > v.size {
		return kernelerr.OutOfRange
	}
	return nil
}

// Read implements Object.Read.
func (v *Physical) Read(offset uint64, buf []byte) error {
	if err := v.checkRange(offset, uint64(len(buf))); err != nil {
		return err
	}
	v.mem.ReadPhys(v.base+hostarch.PhysAddr(offset), buf)
	return nil
}

// Write implements Object.Write.
func (v *Physical) Write(offset uint64, buf []byte) error {
	if err := v.checkRange(offset, uint64(len(buf))); err != nil {
		return err
	}
	v.mem.WritePhys(v.base+hostarch.PhysAddr(offset), buf)
	return nil
}

// Size implements Object.Size.
func (v *Physical) Size() uint64 {
	return v.size
}

// SetSize implements Object.SetSize.
func (v *Physical) SetSize(uint64) error {
	return kernelerr.BadState
}

// Commit implements Object.Commit. Physical pages are always
// committed, so this only validates the range.
func (v *Physical) Commit(offset, length uint64) error {
	return v.checkRange(offset, length)
}

// Decommit implements Object.Decommit.
func (v *Physical) Decommit(offset, length uint64) error {
	return kernelerr.NotSupported
}

// Zero implements Object.Zero.
func (v *Physical) Zero(offset, length uint64) error {
	if err := v.checkRange(offset, length); err != nil {
		return err
	}
	var zeroes [hostarch.PageSize]byte
	for done := uint64(0); done < length; {
		chunk := min(hostarch.PageSize, length-done)
		v.mem.WritePhys(v.base+hostarch.PhysAddr(offset+done), zeroes[:chunk])
		done += chunk
	}
	return nil
}

// CreateChild implements Object.CreateChild. Physical memory cannot be
// snapshotted.
func (v *Physical) CreateChild(offset, length uint64) (Object, error) {
	return nil, kernelerr.NotSupported
}

// CreateSlice implements Object.CreateSlice.
func (v *Physical) CreateSlice(offset, length uint64) (Object, error) {
	return newSlice(v, offset, length)
}

// CachePolicy implements Object.CachePolicy.
func (v *Physical) CachePolicy() hostarch.MemoryType {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.policy
}

// SetCachePolicy implements Object.SetCachePolicy.
func (v *Physical) SetCachePolicy(mt hostarch.MemoryType) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.mappings) != 0 {
		return kernelerr.BadState
	}
	v.policy = mt
	return nil
}

// CommittedPages implements Object.CommittedPages.
func (v *Physical) CommittedPages() uint64 {
	return v.size >> hostarch.PageShift
}

// CommitPage implements Object.CommitPage.
func (v *Physical) CommitPage(idx uint64, at hostarch.AccessType) (hostarch.PhysAddr, error) {
	if idx >= v.size>>hostarch.PageShift {
		return 0, kernelerr.OutOfRange
	}
	return v.base + hostarch.PhysAddr(idx*hostarch.PageSize), nil
}

// PageAt implements Object.PageAt.
func (v *Physical) PageAt(idx uint64) (hostarch.PhysAddr, bool, bool) {
	if idx >= v.size>>hostarch.PageShift {
		return 0, false, false
	}
	return v.base + hostarch.PhysAddr(idx*hostarch.PageSize), false, true
}

// AddMapping implements Object.AddMapping.
func (v *Physical) AddMapping(ms MappingSpace, mr Range) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !mr.WellFormed() || mr.End > v.size {
		return kernelerr.OutOfRange
	}
	v.mappings = append(v.mappings, registration{ms, mr})
	return nil
}

// RemoveMapping implements Object.RemoveMapping.
func (v *Physical) RemoveMapping(ms MappingSpace, mr Range) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, reg := range v.mappings {
		if reg.space == ms && reg.mr == mr {
			v.mappings = append(v.mappings[:i], v.mappings[i+1:]...)
			return
		}
	}
}

// Destroy implements Object.Destroy. An owned range goes back to the
// allocator; a borrowed one (device MMIO) is left untouched.
func (v *Physical) Destroy() {
	v.mu.Lock()
	invals := make([]invalidation, 0, len(v.mappings))
	for _, reg := range v.mappings {
		invals = append(invals, invalidation{reg.space, reg.mr})
	}
	v.mu.Unlock()
	for _, iv := range invals {
		iv.space.Invalidate(iv.mr, InvalidateFull)
	}
	if v.alloc != nil {
		for off := uint64(0); off < v.size; off += hostarch.PageSize {
			v.alloc.DeallocFrame(v.base + hostarch.PhysAddr(off))
		}
	}
}
