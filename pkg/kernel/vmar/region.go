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

package vmar

import (
	"github.com/google/btree"

	"quark.dev/quark/pkg/errors/kernelerr"
	"quark.dev/quark/pkg/hostarch"
	"quark.dev/quark/pkg/kernel/vmo"
)

// node is an entry in a region's child tree, either a nested *Region
// or a *Mapping. Children never overlap, so ordering by base address
// is total.
type node interface {
	nodeBase() hostarch.Addr
	nodeEnd() hostarch.Addr
}

// probe is a zero-width node used as a btree pivot.
type probe hostarch.Addr

func (p probe) nodeBase() hostarch.Addr { return hostarch.Addr(p) }
func (p probe) nodeEnd() hostarch.Addr  { return hostarch.Addr(p) }

func nodeLess(a, b node) bool { return a.nodeBase() < b.nodeBase() }

// Region is a node of the address region tree. It spans [base,
// base+size) and holds non-overlapping child regions and mappings.
//
// All unexported methods require the owning address space's mu.
type Region struct {
	aspace *AddressSpace
	parent *Region
	base   hostarch.Addr
	size   uint64
	// ceiling caps the permissions of every mapping created inside
	// this region, directly or in a descendant.
	ceiling   hostarch.AccessType
	children  *btree.BTreeG[node]
	destroyed bool
}

func newRegion(as *AddressSpace, parent *Region, base hostarch.Addr, size uint64, ceiling hostarch.AccessType) *Region {
	return &Region{
		aspace:   as,
		parent:   parent,
		base:     base,
		size:     size,
		ceiling:  ceiling,
		children: btree.NewG[node](8, nodeLess),
	}
}

func (r *Region) nodeBase() hostarch.Addr { return r.base }
func (r *Region) nodeEnd() hostarch.Addr  { return r.base + hostarch.Addr(r.size) }

// Base returns the lowest address of the region.
func (r *Region) Base() hostarch.Addr { return r.base }

// Size returns the region length in bytes.
func (r *Region) Size() uint64 { return r.size }

// Ceiling returns the permission ceiling of the region.
func (r *Region) Ceiling() hostarch.AccessType { return r.ceiling }

// Info is a point-in-time snapshot of a region, for the handle layer
// to report without holding kernel locks.
type Info struct {
	Base       hostarch.Addr
	Size       uint64
	Ceiling    hostarch.AccessType
	Mappings   int
	Subregions int
}

// Info returns a snapshot of the region and its direct children.
func (r *Region) Info() Info {
	r.aspace.mu.Lock()
	defer r.aspace.mu.Unlock()
	info := Info{Base: r.base, Size: r.size, Ceiling: r.ceiling}
	r.children.Ascend(func(n node) bool {
		if _, ok := n.(*Region); ok {
			info.Subregions++
		} else {
			info.Mappings++
		}
		return true
	})
	return info
}

// AllocateOpts configures Region.Allocate.
type AllocateOpts struct {
	// Offset is the byte offset from the region base at which to place
	// the child. It is honored only when Fixed is set.
	Offset uint64
	Fixed  bool

	// Length is the child size in bytes, page-aligned.
	Length uint64

	// Ceiling caps mapping permissions inside the child. The effective
	// ceiling is its intersection with the parent's.
	Ceiling hostarch.AccessType

	// Align, if nonzero, is the required base alignment in bytes. It
	// must be a power of two of at least a page. Zero means page
	// alignment.
	Align uint64
}

// Allocate carves a child region out of r.
func (r *Region) Allocate(opts AllocateOpts) (*Region, error) {
	r.aspace.mu.Lock()
	defer r.aspace.mu.Unlock()
	if r.destroyed {
		return nil, kernelerr.BadState
	}
	base, err := r.placeLocked(opts.Offset, opts.Fixed, opts.Length, opts.Align)
	if err != nil {
		return nil, err
	}
	child := newRegion(r.aspace, r, base, opts.Length, opts.Ceiling.Intersect(r.ceiling))
	r.children.ReplaceOrInsert(child)
	return child, nil
}

// MapOpts configures Region.Map.
type MapOpts struct {
	// Offset is the byte offset from the region base at which to place
	// the mapping. It is honored only when Fixed is set.
	Offset uint64
	Fixed  bool

	// Length is the mapping size in bytes, page-aligned.
	Length uint64

	// Object is the Vm Object providing the pages.
	Object vmo.Object

	// ObjectOffset is the page-aligned offset within Object that
	// corresponds to the start of the mapping.
	ObjectOffset uint64

	// Perms is the permitted access. It must not exceed the region's
	// ceiling.
	Perms hostarch.AccessType

	// Eager installs translations for the object's already-committed
	// pages at map time. Pages without a frame still populate on first
	// fault.
	Eager bool

	// Align is as in AllocateOpts.
	Align uint64
}

// Map binds a window of a Vm Object into the region.
func (r *Region) Map(opts MapOpts) (*Mapping, error) {
	r.aspace.mu.Lock()
	defer r.aspace.mu.Unlock()
	if r.destroyed {
		return nil, kernelerr.BadState
	}
	if !r.ceiling.SupersetOf(opts.Perms) {
		return nil, kernelerr.AccessDenied
	}
	if !hostarch.PageAligned(opts.ObjectOffset) {
		return nil, kernelerr.OutOfRange
	}
	objEnd := opts.ObjectOffset + opts.Length
	if objEnd < opts.ObjectOffset || objEnd > opts.Object.Size() {
		return nil, kernelerr.OutOfRange
	}
	base, err := r.placeLocked(opts.Offset, opts.Fixed, opts.Length, opts.Align)
	if err != nil {
		return nil, err
	}
	m := &Mapping{
		aspace:  r.aspace,
		region:  r,
		base:    base,
		size:    opts.Length,
		object:  opts.Object,
		objOff:  opts.ObjectOffset,
		perms:   opts.Perms,
		memType: opts.Object.CachePolicy(),
	}
	if err := m.object.AddMapping(m, m.objRange()); err != nil {
		return nil, err
	}
	r.children.ReplaceOrInsert(m)
	if opts.Eager {
		if err := m.eagerMapLocked(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// placeLocked validates length and picks a base address, either the
// caller's fixed offset or the lowest free gap.
func (r *Region) placeLocked(offset uint64, fixed bool, length uint64, align uint64) (hostarch.Addr, error) {
	if length == 0 || !hostarch.PageAligned(length) {
		return 0, kernelerr.OutOfRange
	}
	if align == 0 {
		align = hostarch.PageSize
	}
	if align&(align-1) != 0 || align < hostarch.PageSize {
		return 0, kernelerr.OutOfRange
	}
	if fixed {
		if !hostarch.PageAligned(offset) {
			return 0, kernelerr.OutOfRange
		}
		end := offset + length
		if end < offset || end > r.size {
			return 0, kernelerr.OutOfRange
		}
		base := r.base + hostarch.Addr(offset)
		if r.overlapsLocked(base, base+hostarch.Addr(length)) {
			return 0, kernelerr.RegionOverlap
		}
		return base, nil
	}
	base, ok := r.findGapLocked(length, align)
	if !ok {
		return 0, kernelerr.NoMemory
	}
	return base, nil
}

// overlapsLocked reports whether any child intersects [base, end).
func (r *Region) overlapsLocked(base, end hostarch.Addr) bool {
	hit := false
	r.children.DescendLessOrEqual(probe(end), func(n node) bool {
		if n.nodeBase() >= end {
			// The probe ties with a child based exactly at end, which
			// does not intersect.
			return true
		}
		hit = n.nodeEnd() > base
		return false
	})
	return hit
}

// overlappingLocked returns the children intersecting [base, end) in
// address order.
func (r *Region) overlappingLocked(base, end hostarch.Addr) []node {
	var out []node
	r.children.Ascend(func(n node) bool {
		if n.nodeBase() >= end {
			return false
		}
		if n.nodeEnd() > base {
			out = append(out, n)
		}
		return true
	})
	return out
}

// findGapLocked finds the lowest aligned gap of the given length,
// first-fit over the sorted children.
func (r *Region) findGapLocked(length uint64, align uint64) (hostarch.Addr, bool) {
	addr, ok := alignAddrUp(r.base, align)
	if !ok {
		return 0, false
	}
	found := false
	r.children.Ascend(func(n node) bool {
		if n.nodeEnd() <= addr {
			return true
		}
		if n.nodeBase() >= addr && uint64(n.nodeBase()-addr) >= length {
			found = true
			return false
		}
		addr, ok = alignAddrUp(n.nodeEnd(), align)
		return ok
	})
	if !ok {
		return 0, false
	}
	if !found {
		end := r.nodeEnd()
		if addr > end || uint64(end-addr) < length {
			return 0, false
		}
	}
	return addr, true
}

func alignAddrUp(addr hostarch.Addr, align uint64) (hostarch.Addr, bool) {
	mask := hostarch.Addr(align - 1)
	aligned := (addr + mask) &^ mask
	return aligned, aligned >= addr
}

// Protect changes the permitted access of [addr, addr+length), which
// must be fully covered by mappings of this region. Mappings straddling
// the range boundaries are split so the change applies exactly.
func (r *Region) Protect(addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	r.aspace.mu.Lock()
	defer r.aspace.mu.Unlock()
	if r.destroyed {
		return kernelerr.BadState
	}
	end, err := r.checkSpanLocked(addr, length)
	if err != nil {
		return err
	}
	if !r.ceiling.SupersetOf(perms) {
		return kernelerr.AccessDenied
	}
	nodes := r.overlappingLocked(addr, end)
	cursor := addr
	for _, n := range nodes {
		m, ok := n.(*Mapping)
		if !ok {
			return kernelerr.BadState
		}
		if m.base > cursor {
			return kernelerr.NotMapped
		}
		cursor = m.nodeEnd()
	}
	if cursor < end {
		return kernelerr.NotMapped
	}
	for _, n := range nodes {
		m := n.(*Mapping)
		piece := m
		if addr > piece.base {
			piece = r.splitMappingLocked(piece, addr)
		}
		if end < piece.nodeEnd() {
			r.splitMappingLocked(piece, end)
		}
		piece.perms = perms
		piece.applyPermsLocked()
	}
	return nil
}

// Unmap removes every mapping intersecting [addr, addr+length),
// cutting mappings that straddle the boundary. Child regions inside
// the range are destroyed; a child region straddling the boundary
// fails the whole call.
func (r *Region) Unmap(addr hostarch.Addr, length uint64) error {
	r.aspace.mu.Lock()
	defer r.aspace.mu.Unlock()
	return r.unmapLocked(addr, length)
}

func (r *Region) unmapLocked(addr hostarch.Addr, length uint64) error {
	if r.destroyed {
		return kernelerr.BadState
	}
	end, err := r.checkSpanLocked(addr, length)
	if err != nil {
		return err
	}
	nodes := r.overlappingLocked(addr, end)
	for _, n := range nodes {
		if sub, ok := n.(*Region); ok {
			if sub.base < addr || sub.nodeEnd() > end {
				return kernelerr.OutOfRange
			}
		}
	}
	for _, n := range nodes {
		switch c := n.(type) {
		case *Region:
			c.destroyLocked()
		case *Mapping:
			r.cutMappingLocked(c, addr, end)
		}
	}
	return nil
}

// checkSpanLocked validates a page-aligned span within the region and
// returns its end address.
func (r *Region) checkSpanLocked(addr hostarch.Addr, length uint64) (hostarch.Addr, error) {
	if !addr.IsPageAligned() || !hostarch.PageAligned(length) || length == 0 {
		return 0, kernelerr.OutOfRange
	}
	end, ok := addr.AddLength(length)
	if !ok || addr < r.base || end > r.nodeEnd() {
		return 0, kernelerr.OutOfRange
	}
	return end, nil
}

// splitMappingLocked splits m at va, which must lie strictly inside
// it. m keeps the left part; the new right part is returned. Both
// parts re-register their object windows so invalidations keep
// arriving with the right granularity.
func (r *Region) splitMappingLocked(m *Mapping, va hostarch.Addr) *Mapping {
	oldRange := m.objRange()
	left := uint64(va - m.base)
	right := &Mapping{
		aspace:  m.aspace,
		region:  r,
		base:    va,
		size:    m.size - left,
		object:  m.object,
		objOff:  m.objOff + left,
		perms:   m.perms,
		memType: m.memType,
	}
	m.size = left
	m.object.RemoveMapping(m, oldRange)
	m.object.AddMapping(m, m.objRange())
	m.object.AddMapping(right, right.objRange())
	r.children.ReplaceOrInsert(right)
	return right
}

// cutMappingLocked removes the part of m covered by [addr, end).
func (r *Region) cutMappingLocked(m *Mapping, addr, end hostarch.Addr) {
	piece := m
	if addr > piece.base {
		piece = r.splitMappingLocked(piece, addr)
	}
	if end < piece.nodeEnd() {
		r.splitMappingLocked(piece, end)
	}
	r.removeMappingLocked(piece)
}

// removeMappingLocked drops m from the tree, unregisters it from its
// object and tears down its translations.
func (r *Region) removeMappingLocked(m *Mapping) {
	r.children.Delete(node(m))
	m.object.RemoveMapping(m, m.objRange())
	m.unmapPagesLocked()
}

// Destroy unmaps everything in the region, destroys child regions and
// detaches the region from its parent. Destroying an already-destroyed
// region is a no-op.
func (r *Region) Destroy() {
	r.aspace.mu.Lock()
	defer r.aspace.mu.Unlock()
	r.destroyLocked()
}

func (r *Region) destroyLocked() {
	if r.destroyed {
		return
	}
	r.destroyed = true
	var kids []node
	r.children.Ascend(func(n node) bool {
		kids = append(kids, n)
		return true
	})
	for _, n := range kids {
		switch c := n.(type) {
		case *Region:
			c.destroyLocked()
		case *Mapping:
			m := c
			m.object.RemoveMapping(m, m.objRange())
			m.unmapPagesLocked()
		}
	}
	r.children.Clear(false)
	if r.parent != nil {
		r.parent.children.Delete(node(r))
	}
}

// findLocked descends the tree to the mapping covering va, or nil.
func (r *Region) findLocked(va hostarch.Addr) *Mapping {
	var hit node
	r.children.DescendLessOrEqual(probe(va), func(n node) bool {
		hit = n
		return false
	})
	if hit == nil || va >= hit.nodeEnd() {
		return nil
	}
	switch n := hit.(type) {
	case *Region:
		return n.findLocked(va)
	case *Mapping:
		return n
	}
	return nil
}
