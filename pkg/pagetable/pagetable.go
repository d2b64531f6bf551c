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

// Package pagetable defines the contract between the VM core and the
// platform's hardware address-translation layer.
//
// One PageTable instance is owned by exactly one address space and is
// mutated only under the lock that protects mapping lookup for that
// address space.
package pagetable

import (
	"quark.dev/quark/pkg/errors/kernelerr"
	"quark.dev/quark/pkg/hostarch"
)

// Flags is the capability set programmed into a translation entry.
type Flags struct {
	// Access is the permitted access types.
	Access hostarch.AccessType

	// User is true if the translation is reachable from user mode.
	User bool

	// MemoryType is the cache policy of the translation.
	MemoryType hostarch.MemoryType
}

// PageTable programs hardware address translation for one address
// space.
//
// All methods have the following preconditions:
// * vaddr and paddr must be page-aligned.
//
// All operations are synchronous with respect to the calling CPU's
// subsequent memory accesses; implementations perform any required
// translation-lookaside invalidation before returning.
type PageTable interface {
	// Map installs a translation from vaddr to paddr. It returns
	// kernelerr.AlreadyExists if vaddr already has a translation.
	Map(vaddr hostarch.Addr, paddr hostarch.PhysAddr, flags Flags) error

	// Unmap removes the translation at vaddr, returning the physical
	// address and page size it covered. It returns kernelerr.NotMapped
	// if vaddr has no translation.
	Unmap(vaddr hostarch.Addr) (hostarch.PhysAddr, uint64, error)

	// Protect replaces the flags of the translation at vaddr,
	// returning the page size it covers. It returns
	// kernelerr.NotMapped if vaddr has no translation.
	Protect(vaddr hostarch.Addr, flags Flags) (uint64, error)

	// Query returns the translation at vaddr. It returns
	// kernelerr.NotMapped if vaddr has no translation.
	Query(vaddr hostarch.Addr) (hostarch.PhysAddr, Flags, uint64, error)

	// TableRoot returns the physical address of the root translation
	// table, suitable for loading into the MMU's base register.
	TableRoot() hostarch.PhysAddr
}

// MapCont installs translations for pages contiguous both virtually
// and physically. It is a convenience loop over PageTable.Map and
// stops at the first error, leaving earlier pages mapped.
func MapCont(pt PageTable, vaddr hostarch.Addr, paddr hostarch.PhysAddr, pages uint64, flags Flags) error {
	for i := uint64(0); i < pages; i++ {
		if err := pt.Map(vaddr+hostarch.Addr(i*hostarch.PageSize), paddr+hostarch.PhysAddr(i*hostarch.PageSize), flags); err != nil {
			return err
		}
	}
	return nil
}

// MapMany installs translations from contiguous virtual pages to the
// given frames. It stops at the first error, leaving earlier pages
// mapped.
func MapMany(pt PageTable, vaddr hostarch.Addr, paddrs []hostarch.PhysAddr, flags Flags) error {
	for i, paddr := range paddrs {
		if err := pt.Map(vaddr+hostarch.Addr(uint64(i)*hostarch.PageSize), paddr, flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapCont removes the translations for a contiguous virtual range.
// Holes in the range (pages never mapped, e.g. because the mapping is
// lazy and was never faulted) are skipped; any other error stops the
// loop.
func UnmapCont(pt PageTable, vaddr hostarch.Addr, pages uint64) error {
	for i := uint64(0); i < pages; i++ {
		_, _, err := pt.Unmap(vaddr + hostarch.Addr(i*hostarch.PageSize))
		if err != nil && err != kernelerr.NotMapped {
			return err
		}
	}
	return nil
}
