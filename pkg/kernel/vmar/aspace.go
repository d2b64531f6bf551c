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

// Package vmar implements the virtual address region tree of an
// address space: nested regions carve up the address range, mappings
// at the leaves bind page-aligned windows of Vm Objects, and page
// faults resolve through the tree into page table updates.
package vmar

import (
	"sync"

	"github.com/sirupsen/logrus"

	"quark.dev/quark/pkg/errors/kernelerr"
	"quark.dev/quark/pkg/hostarch"
	"quark.dev/quark/pkg/pagetable"
)

var log = logrus.WithField("subsystem", "vmar")

// AddressSpace owns one page table and the region tree that describes
// it.
//
// mu serializes every structural change to the tree and every page
// table mutation. Object locks nest strictly inside mu; code holding
// an object lock never calls back into the address space.
type AddressSpace struct {
	mu   sync.Mutex
	pt   pagetable.PageTable
	user bool
	root *Region
}

// New creates an AddressSpace spanning [base, base+size) backed by pt.
// user marks translations as reachable from user mode.
func New(pt pagetable.PageTable, base hostarch.Addr, size uint64, user bool) (*AddressSpace, error) {
	if !base.IsPageAligned() || !hostarch.PageAligned(size) || size == 0 {
		return nil, kernelerr.OutOfRange
	}
	end, ok := base.AddLength(size)
	if !ok {
		return nil, kernelerr.OutOfRange
	}
	as := &AddressSpace{pt: pt, user: user}
	as.root = newRegion(as, nil, base, size, hostarch.AnyAccess)
	log.WithFields(logrus.Fields{
		"base": base,
		"end":  end,
		"user": user,
	}).Debug("created address space")
	return as, nil
}

// Root returns the root region covering the whole address space.
func (as *AddressSpace) Root() *Region {
	return as.root
}

// PageTable returns the page table the address space programs.
func (as *AddressSpace) PageTable() pagetable.PageTable {
	return as.pt
}

// HandleFault resolves a page fault at va for the given access. It
// commits the backing object page if needed and installs or upgrades
// the translation. It returns kernelerr.NotMapped if no mapping covers
// va and kernelerr.AccessDenied if the mapping forbids the access.
//
// The page is committed with mu released: a copy-on-write break inside
// CommitPage broadcasts invalidations that themselves take mu. The
// mapping is looked up again before the translation is installed, and
// any change observed in between restarts the fault.
func (as *AddressSpace) HandleFault(va hostarch.Addr, at hostarch.AccessType) error {
	va = va.RoundDown()
	for {
		as.mu.Lock()
		m := as.root.findLocked(va)
		if m == nil {
			as.mu.Unlock()
			return kernelerr.NotMapped
		}
		if !m.perms.SupersetOf(at) {
			as.mu.Unlock()
			return kernelerr.AccessDenied
		}
		obj := m.object
		idx := m.pageIndexLocked(va)
		as.mu.Unlock()

		paddr, err := obj.CommitPage(idx, at)
		if err != nil {
			return err
		}

		as.mu.Lock()
		m = as.root.findLocked(va)
		if m == nil {
			as.mu.Unlock()
			return kernelerr.NotMapped
		}
		if m.object != obj || m.pageIndexLocked(va) != idx {
			as.mu.Unlock()
			continue
		}
		if !m.perms.SupersetOf(at) {
			as.mu.Unlock()
			return kernelerr.AccessDenied
		}
		// The slot must still hold the frame we committed. A raced
		// decommit, resize, or copy-on-write break moved it; restart
		// rather than install a translation to a frame the object no
		// longer vouches for.
		cur, shared, present := obj.PageAt(idx)
		if !present || cur != paddr || (at.Write && shared) {
			as.mu.Unlock()
			continue
		}
		access := m.perms
		if shared {
			// Still shared with a snapshot: stay read-only so the
			// first write faults and copies.
			access.Write = false
		}
		err = m.installLocked(va, paddr, access)
		as.mu.Unlock()
		return err
	}
}
