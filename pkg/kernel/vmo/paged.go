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
	"sync/atomic"

	"quark.dev/quark/pkg/errors/kernelerr"
	"quark.dev/quark/pkg/hostarch"
	"quark.dev/quark/pkg/pframe"
)

// frame is one physical frame record. A record may appear in the
// tables of several Paged objects at once; refs counts those tables.
// refs > 1 means the frame is copy-on-write shared and must be copied
// before any owner writes it.
type frame struct {
	paddr hostarch.PhysAddr
	refs  atomic.Int32
}

func newFrame(paddr hostarch.PhysAddr) *frame {
	f := &frame{paddr: paddr}
	f.refs.Store(1)
	return f
}

// Paged is a demand-paged Vm Object with copy-on-write children.
//
// Lock order: an address-space lock, if held, is always acquired
// before mu. Code below never calls into an address space while
// holding mu; invalidation targets are snapshotted under mu and the
// broadcasts delivered after it is released.
type Paged struct {
	alloc      pframe.Allocator
	mem        pframe.Memory
	resizable  bool
	contiguous bool

	mu sync.Mutex
	// size is the object length in bytes, always page-aligned.
	size uint64
	// frames maps page index to the backing frame record. Absent
	// entries are demand-zero.
	frames   map[uint64]*frame
	mappings []registration
	policy   hostarch.MemoryType
}

// NewPaged creates a Paged object of the given number of pages, fully
// demand-zero.
func NewPaged(alloc pframe.Allocator, mem pframe.Memory, pages uint64) *Paged {
	return &Paged{
		alloc:  alloc,
		mem:    mem,
		size:   pages * hostarch.PageSize,
		frames: make(map[uint64]*frame),
	}
}

// NewPagedResizable is NewPaged for an object whose SetSize is
// permitted.
func NewPagedResizable(alloc pframe.Allocator, mem pframe.Memory, pages uint64) *Paged {
	v := NewPaged(alloc, mem, pages)
	v.resizable = true
	return v
}

// NewContiguous creates a Paged object whose frames are pre-committed
// from one physically contiguous run aligned to 1<<alignLog2 pages.
// The object cannot be decommitted or resized.
func NewContiguous(alloc pframe.Allocator, mem pframe.Memory, pages uint64, alignLog2 uint) (*Paged, error) {
	base, ok := alloc.AllocContiguous(int(pages), alignLog2)
	if !ok {
		return nil, kernelerr.NoMemory
	}
	v := NewPaged(alloc, mem, pages)
	v.contiguous = true
	for i := uint64(0); i < pages; i++ {
		paddr := base + hostarch.PhysAddr(i*hostarch.PageSize)
		pframe.ZeroFrame(v.mem, paddr)
		v.frames[i] = newFrame(paddr)
	}
	pageAllocs.Add(pages)
	return v, nil
}

// checkRangeLocked validates [offset, offset+length) against the
// object size.
func (v *Paged) checkRangeLocked(offset, length uint64) error {
	end := offset + length
	if end < offset || end > v.size {
		return kernelerr.OutOfRange
	}
	return nil
}

// Read implements Object.Read. Frame contents are copied with mu
// released; a chunk whose slot changes underneath the copy (a raced
// decommit or copy-on-write swap) is reread from the current frame.
func (v *Paged) Read(offset uint64, buf []byte) error {
	n := uint64(len(buf))
	v.mu.Lock()
	err := v.checkRangeLocked(offset, n)
	v.mu.Unlock()
	if err != nil {
		return err
	}
	for done := uint64(0); done < n; {
		off := offset + done
		idx := off >> hostarch.PageShift
		inPage := off & (hostarch.PageSize - 1)
		chunk := min(hostarch.PageSize-inPage, n-done)
		for {
			v.mu.Lock()
			f := v.frames[idx]
			v.mu.Unlock()
			if f == nil {
				// Demand-zero page: read as zeroes, do not allocate.
				clear(buf[done : done+chunk])
				break
			}
			v.mem.ReadPhys(f.paddr+hostarch.PhysAddr(inPage), buf[done:done+chunk])
			v.mu.Lock()
			same := v.frames[idx] == f
			v.mu.Unlock()
			if same {
				break
			}
		}
		done += chunk
	}
	return nil
}

// Write implements Object.Write.
func (v *Paged) Write(offset uint64, buf []byte) error {
	n := uint64(len(buf))
	v.mu.Lock()
	err := v.checkRangeLocked(offset, n)
	v.mu.Unlock()
	if err != nil {
		return err
	}
	for done := uint64(0); done < n; {
		off := offset + done
		idx := off >> hostarch.PageShift
		inPage := off & (hostarch.PageSize - 1)
		chunk := min(hostarch.PageSize-inPage, n-done)
		err := v.withPage(idx, hostarch.Write, func(paddr hostarch.PhysAddr) {
			v.mem.WritePhys(paddr+hostarch.PhysAddr(inPage), buf[done:done+chunk])
		})
		if err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

// withPage commits the page at idx and runs f with its frame address
// while the table lock pins the frame. If the slot changes between the
// commit and the locked recheck (a raced decommit or clone), the
// commit is redone.
func (v *Paged) withPage(idx uint64, at hostarch.AccessType, f func(hostarch.PhysAddr)) error {
	for {
		paddr, err := v.CommitPage(idx, at)
		if err != nil {
			return err
		}
		v.mu.Lock()
		fr, ok := v.frames[idx]
		if ok && fr.paddr == paddr && !(at.Write && fr.refs.Load() > 1) {
			f(paddr)
			v.mu.Unlock()
			return nil
		}
		v.mu.Unlock()
	}
}

// CommitPage implements Object.CommitPage.
//
// The frame allocator is only ever invoked with mu released; a
// concurrent faulter that populates the slot first wins, and the loser
// discards its frame and adopts the winner's.
//
// Breaking a copy-on-write share broadcasts InvalidateFull for the
// page to every registered mapping, so the caller must not hold any
// address-space lock.
func (v *Paged) CommitPage(idx uint64, at hostarch.AccessType) (hostarch.PhysAddr, error) {
	v.mu.Lock()
	for {
		if idx >= v.size>>hostarch.PageShift {
			v.mu.Unlock()
			return 0, kernelerr.OutOfRange
		}
		f, ok := v.frames[idx]
		if !ok {
			// Demand-zero fill.
			v.mu.Unlock()
			paddr, ok := v.alloc.AllocFrame()
			if !ok {
				return 0, kernelerr.NoMemory
			}
			pframe.ZeroFrame(v.mem, paddr)
			v.mu.Lock()
			if _, raced := v.frames[idx]; raced {
				v.mu.Unlock()
				v.alloc.DeallocFrame(paddr)
				v.mu.Lock()
				continue
			}
			v.frames[idx] = newFrame(paddr)
			v.mu.Unlock()
			pageAllocs.Add(1)
			return paddr, nil
		}
		if at.Write && f.refs.Load() > 1 {
			// Copy-on-write: duplicate the shared frame, then swap it
			// in if the slot still holds the frame we copied.
			old := f
			v.mu.Unlock()
			paddr, ok := v.alloc.AllocFrame()
			if !ok {
				return 0, kernelerr.NoMemory
			}
			pframe.CopyFrame(v.mem, paddr, old.paddr)
			v.mu.Lock()
			if v.frames[idx] != old {
				v.mu.Unlock()
				v.alloc.DeallocFrame(paddr)
				v.mu.Lock()
				continue
			}
			v.frames[idx] = newFrame(paddr)
			pr := Range{idx * hostarch.PageSize, (idx + 1) * hostarch.PageSize}
			invals := v.overlappingLocked(pr)
			v.mu.Unlock()
			pageAllocs.Add(1)
			// Translations installed while the frame was shared still
			// resolve to old, which now belongs to the other side of
			// the share. Revoke them before old can be released; the
			// faulting mapping reinstalls its own entry.
			for _, iv := range invals {
				iv.space.Invalidate(iv.mr, InvalidateFull)
			}
			v.releaseRef(old)
			return paddr, nil
		}
		paddr := f.paddr
		v.mu.Unlock()
		return paddr, nil
	}
}

// releaseRef drops one table reference to f, returning the frame to
// the allocator when the last reference goes away.
func (v *Paged) releaseRef(f *frame) {
	if f.refs.Add(-1) == 0 {
		v.alloc.DeallocFrame(f.paddr)
		pageDeallocs.Add(1)
	}
}

// Size implements Object.Size.
func (v *Paged) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// SetSize implements Object.SetSize.
func (v *Paged) SetSize(size uint64) error {
	if !v.resizable {
		return kernelerr.BadState
	}
	size = hostarch.RoundUpPages(size)
	v.mu.Lock()
	var freed []*frame
	var invals []invalidation
	if size < v.size {
		freed = v.removeFramesLocked(size>>hostarch.PageShift, v.size>>hostarch.PageShift)
		invals = v.overlappingLocked(Range{size, v.size})
	}
	v.size = size
	v.mu.Unlock()
	for _, iv := range invals {
		iv.space.Invalidate(iv.mr, InvalidateFull)
	}
	v.freeFrames(freed)
	return nil
}

// Commit implements Object.Commit. On NoMemory the already-committed
// prefix stays committed.
func (v *Paged) Commit(offset, length uint64) error {
	v.mu.Lock()
	err := v.checkRangeLocked(offset, length)
	v.mu.Unlock()
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	start := offset >> hostarch.PageShift
	end := hostarch.Pages(offset + length)
	for idx := start; idx < end; idx++ {
		if _, err := v.CommitPage(idx, hostarch.Read); err != nil {
			return err
		}
	}
	return nil
}

// Decommit implements Object.Decommit. offset and length must be
// page-aligned.
func (v *Paged) Decommit(offset, length uint64) error {
	if v.contiguous {
		return kernelerr.NotSupported
	}
	if !hostarch.PageAligned(offset) || !hostarch.PageAligned(length) {
		return kernelerr.OutOfRange
	}
	v.mu.Lock()
	if err := v.checkRangeLocked(offset, length); err != nil {
		v.mu.Unlock()
		return err
	}
	freed := v.removeFramesLocked(offset>>hostarch.PageShift, (offset+length)>>hostarch.PageShift)
	invals := v.overlappingLocked(Range{offset, offset + length})
	v.mu.Unlock()
	// Every stale translation must be gone before a frame is reused.
	for _, iv := range invals {
		iv.space.Invalidate(iv.mr, InvalidateFull)
	}
	v.freeFrames(freed)
	return nil
}

// removeFramesLocked removes the table slots in page range [start,
// end) and returns the frames whose last reference was dropped. The
// returned frames must not be handed to the allocator until every
// registered mapping of the range has been invalidated.
func (v *Paged) removeFramesLocked(start, end uint64) []*frame {
	var freed []*frame
	for idx := start; idx < end; idx++ {
		f, ok := v.frames[idx]
		if !ok {
			continue
		}
		delete(v.frames, idx)
		if f.refs.Add(-1) == 0 {
			freed = append(freed, f)
		}
	}
	return freed
}

func (v *Paged) freeFrames(freed []*frame) {
	for _, f := range freed {
		v.alloc.DeallocFrame(f.paddr)
		pageDeallocs.Add(1)
	}
}

// overlappingLocked snapshots the registrations overlapping mr,
// clipped to mr.
func (v *Paged) overlappingLocked(mr Range) []invalidation {
	var invals []invalidation
	for _, reg := range v.mappings {
		if reg.mr.Overlaps(mr) {
			invals = append(invals, invalidation{reg.space, reg.mr.Intersect(mr)})
		}
	}
	return invals
}

// Zero implements Object.Zero.
func (v *Paged) Zero(offset, length uint64) error {
	v.mu.Lock()
	err := v.checkRangeLocked(offset, length)
	v.mu.Unlock()
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	end := offset + length
	alignedStart := hostarch.RoundUpPages(offset)
	alignedEnd := hostarch.RoundDownPages(end)
	if alignedStart >= alignedEnd {
		// The range lies within a single page.
		return v.zeroInPlace(offset, length)
	}
	if offset < alignedStart {
		if err := v.zeroInPlace(offset, alignedStart-offset); err != nil {
			return err
		}
	}
	if v.contiguous {
		if err := v.zeroInPlace(alignedStart, alignedEnd-alignedStart); err != nil {
			return err
		}
	} else if err := v.Decommit(alignedStart, alignedEnd-alignedStart); err != nil {
		return err
	}
	if end > alignedEnd {
		return v.zeroInPlace(alignedEnd, end-alignedEnd)
	}
	return nil
}

// zeroInPlace writes zeroes over [offset, offset+length), skipping
// pages that are absent (already demand-zero).
func (v *Paged) zeroInPlace(offset, length uint64) error {
	var zeroes [hostarch.PageSize]byte
	for done := uint64(0); done < length; {
		off := offset + done
		idx := off >> hostarch.PageShift
		inPage := off & (hostarch.PageSize - 1)
		chunk := min(hostarch.PageSize-inPage, length-done)
		v.mu.Lock()
		_, present := v.frames[idx]
		v.mu.Unlock()
		if present {
			err := v.withPage(idx, hostarch.Write, func(paddr hostarch.PhysAddr) {
				v.mem.WritePhys(paddr+hostarch.PhysAddr(inPage), zeroes[:chunk])
			})
			if err != nil {
				return err
			}
		}
		done += chunk
	}
	return nil
}

// CreateChild implements Object.CreateChild.
func (v *Paged) CreateChild(offset, length uint64) (Object, error) {
	if !hostarch.PageAligned(offset) || !hostarch.PageAligned(length) {
		return nil, kernelerr.OutOfRange
	}
	v.mu.Lock()
	if err := v.checkRangeLocked(offset, length); err != nil {
		v.mu.Unlock()
		return nil, err
	}
	child := NewPaged(v.alloc, v.mem, length>>hostarch.PageShift)
	child.policy = v.policy
	start := offset >> hostarch.PageShift
	for idx := start; idx < (offset+length)>>hostarch.PageShift; idx++ {
		if f, ok := v.frames[idx]; ok {
			f.refs.Add(1)
			child.frames[idx-start] = f
		}
	}
	invals := v.overlappingLocked(Range{offset, offset + length})
	v.mu.Unlock()
	// Downgrade existing translations so the next write through either
	// side faults and copies.
	for _, iv := range invals {
		iv.space.Invalidate(iv.mr, InvalidateWrite)
	}
	return child, nil
}

// CreateSlice implements Object.CreateSlice.
func (v *Paged) CreateSlice(offset, length uint64) (Object, error) {
	return newSlice(v, offset, length)
}

// CachePolicy implements Object.CachePolicy.
func (v *Paged) CachePolicy() hostarch.MemoryType {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.policy
}

// SetCachePolicy implements Object.SetCachePolicy.
func (v *Paged) SetCachePolicy(mt hostarch.MemoryType) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.mappings) != 0 {
		return kernelerr.BadState
	}
	if len(v.frames) != 0 && v.policy == hostarch.MemoryTypeWriteBack {
		return kernelerr.BadState
	}
	v.policy = mt
	return nil
}

// CommittedPages implements Object.CommittedPages.
func (v *Paged) CommittedPages() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return uint64(len(v.frames))
}

// PageAt implements Object.PageAt.
func (v *Paged) PageAt(idx uint64) (hostarch.PhysAddr, bool, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.frames[idx]
	if !ok {
		return 0, false, false
	}
	return f.paddr, f.refs.Load() > 1, true
}

// AddMapping implements Object.AddMapping.
func (v *Paged) AddMapping(ms MappingSpace, mr Range) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !mr.WellFormed() || mr.End > v.size {
		return kernelerr.OutOfRange
	}
	v.mappings = append(v.mappings, registration{ms, mr})
	return nil
}

// RemoveMapping implements Object.RemoveMapping.
func (v *Paged) RemoveMapping(ms MappingSpace, mr Range) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, reg := range v.mappings {
		if reg.space == ms && reg.mr == mr {
			v.mappings = append(v.mappings[:i], v.mappings[i+1:]...)
			return
		}
	}
}

// Destroy implements Object.Destroy.
func (v *Paged) Destroy() {
	v.mu.Lock()
	freed := v.removeFramesLocked(0, v.size>>hostarch.PageShift)
	invals := v.overlappingLocked(Range{0, v.size})
	v.mu.Unlock()
	for _, iv := range invals {
		iv.space.Invalidate(iv.mr, InvalidateFull)
	}
	v.freeFrames(freed)
}
