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
	"quark.dev/quark/pkg/errors/kernelerr"
	"quark.dev/quark/pkg/hostarch"
	"quark.dev/quark/pkg/kernel/vmo"
	"quark.dev/quark/pkg/pagetable"
)

// Mapping is a leaf of the region tree binding [base, base+size) to
// the window [objOff, objOff+size) of a Vm Object. Translations are
// installed lazily on fault unless the mapping was created eager.
type Mapping struct {
	aspace *AddressSpace
	region *Region
	base   hostarch.Addr
	// size shrinks when the mapping is cut or split.
	size    uint64
	object  vmo.Object
	objOff  uint64
	perms   hostarch.AccessType
	memType hostarch.MemoryType
}

func (m *Mapping) nodeBase() hostarch.Addr { return m.base }
func (m *Mapping) nodeEnd() hostarch.Addr  { return m.base + hostarch.Addr(m.size) }

// Base returns the lowest address of the mapping.
func (m *Mapping) Base() hostarch.Addr { return m.base }

// Size returns the mapping length in bytes.
func (m *Mapping) Size() uint64 { return m.size }

// Perms returns the permitted access of the mapping.
func (m *Mapping) Perms() hostarch.AccessType {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()
	return m.perms
}

// objRange is the object window the mapping is registered for.
func (m *Mapping) objRange() vmo.Range {
	return vmo.Range{Start: m.objOff, End: m.objOff + m.size}
}

// pageIndexLocked translates the page-aligned va to the page index
// within the object.
func (m *Mapping) pageIndexLocked(va hostarch.Addr) uint64 {
	return (m.objOff + uint64(va-m.base)) >> hostarch.PageShift
}

// installLocked programs the translation for va, replacing any stale
// one left from before a copy-on-write break.
func (m *Mapping) installLocked(va hostarch.Addr, paddr hostarch.PhysAddr, access hostarch.AccessType) error {
	pt := m.aspace.pt
	if _, _, err := pt.Unmap(va); err != nil && err != kernelerr.NotMapped {
		return err
	}
	return pt.Map(va, paddr, pagetable.Flags{
		Access:     access,
		User:       m.aspace.user,
		MemoryType: m.memType,
	})
}

// eagerMapLocked installs translations for the pages that are already
// committed. Absent pages stay unmapped and populate on fault, so the
// eager and lazy paths share one set of invariants.
func (m *Mapping) eagerMapLocked() error {
	for off := uint64(0); off < m.size; off += hostarch.PageSize {
		idx := (m.objOff + off) >> hostarch.PageShift
		paddr, shared, present := m.object.PageAt(idx)
		if !present {
			continue
		}
		access := m.perms
		if shared {
			access.Write = false
		}
		if err := m.installLocked(m.base+hostarch.Addr(off), paddr, access); err != nil {
			return err
		}
	}
	return nil
}

// applyPermsLocked rewrites the flags of every installed translation
// after a permission change. Pages never faulted in are skipped.
func (m *Mapping) applyPermsLocked() {
	pt := m.aspace.pt
	for off := uint64(0); off < m.size; off += hostarch.PageSize {
		va := m.base + hostarch.Addr(off)
		_, flags, _, err := pt.Query(va)
		if err != nil {
			continue
		}
		access := m.perms
		idx := (m.objOff + off) >> hostarch.PageShift
		if _, shared, present := m.object.PageAt(idx); present && shared {
			access.Write = false
		}
		flags.Access = access
		if _, err := pt.Protect(va, flags); err != nil {
			log.WithError(err).WithField("va", va).Warn("protect of installed translation failed")
		}
	}
}

// unmapPagesLocked tears down every translation of the mapping.
func (m *Mapping) unmapPagesLocked() {
	if err := pagetable.UnmapCont(m.aspace.pt, m.base, m.size>>hostarch.PageShift); err != nil {
		log.WithError(err).WithField("base", m.base).Warn("unmap of mapping failed")
	}
}

// Invalidate implements vmo.MappingSpace.Invalidate. The object calls
// it with its own lock released, so taking the address space lock here
// preserves the lock order.
func (m *Mapping) Invalidate(mr vmo.Range, op vmo.InvalidateOp) {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()
	my := m.objRange()
	if !my.Overlaps(mr) {
		return
	}
	isect := my.Intersect(mr)
	pt := m.aspace.pt
	start := m.base + hostarch.Addr(isect.Start-m.objOff)
	for off := uint64(0); off < isect.Length(); off += hostarch.PageSize {
		va := start + hostarch.Addr(off)
		switch op {
		case vmo.InvalidateFull:
			if _, _, err := pt.Unmap(va); err != nil && err != kernelerr.NotMapped {
				log.WithError(err).WithField("va", va).Warn("invalidate unmap failed")
			}
		case vmo.InvalidateWrite:
			_, flags, _, err := pt.Query(va)
			if err != nil || !flags.Access.Write {
				continue
			}
			flags.Access.Write = false
			if _, err := pt.Protect(va, flags); err != nil {
				log.WithError(err).WithField("va", va).Warn("invalidate downgrade failed")
			}
		}
	}
}
