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

package pagetable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"quark.dev/quark/pkg/errors/kernelerr"
	"quark.dev/quark/pkg/hostarch"
)

// tableRootGen hands out distinct fake root addresses so that two
// SparseTables never compare equal at the MMU level.
var tableRootGen atomic.Uint64

// SparseTable is an in-memory PageTable for the hosted configuration
// and for tests. It tracks translations in a map instead of a hardware
// radix tree; there is no TLB, so the synchrony guarantee is trivial.
type SparseTable struct {
	mu      sync.Mutex
	root    hostarch.PhysAddr
	entries map[hostarch.Addr]sparseEntry
}

type sparseEntry struct {
	paddr hostarch.PhysAddr
	flags Flags
}

// NewSparseTable creates an empty SparseTable.
func NewSparseTable() *SparseTable {
	return &SparseTable{
		root:    hostarch.PhysAddr(tableRootGen.Add(1) * hostarch.PageSize),
		entries: make(map[hostarch.Addr]sparseEntry),
	}
}

func checkAligned(vaddr hostarch.Addr) {
	if !vaddr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned page-table address %#x", uint64(vaddr)))
	}
}

// Map implements PageTable.Map.
func (st *SparseTable) Map(vaddr hostarch.Addr, paddr hostarch.PhysAddr, flags Flags) error {
	checkAligned(vaddr)
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.entries[vaddr]; ok {
		return kernelerr.AlreadyExists
	}
	st.entries[vaddr] = sparseEntry{paddr: paddr, flags: flags}
	return nil
}

// Unmap implements PageTable.Unmap.
func (st *SparseTable) Unmap(vaddr hostarch.Addr) (hostarch.PhysAddr, uint64, error) {
	checkAligned(vaddr)
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.entries[vaddr]
	if !ok {
		return 0, 0, kernelerr.NotMapped
	}
	delete(st.entries, vaddr)
	return e.paddr, hostarch.PageSize, nil
}

// Protect implements PageTable.Protect.
func (st *SparseTable) Protect(vaddr hostarch.Addr, flags Flags) (uint64, error) {
	checkAligned(vaddr)
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.entries[vaddr]
	if !ok {
		return 0, kernelerr.NotMapped
	}
	e.flags = flags
	st.entries[vaddr] = e
	return hostarch.PageSize, nil
}

// Query implements PageTable.Query.
func (st *SparseTable) Query(vaddr hostarch.Addr) (hostarch.PhysAddr, Flags, uint64, error) {
	checkAligned(vaddr)
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.entries[vaddr]
	if !ok {
		return 0, Flags{}, 0, kernelerr.NotMapped
	}
	return e.paddr, e.flags, hostarch.PageSize, nil
}

// TableRoot implements PageTable.TableRoot.
func (st *SparseTable) TableRoot() hostarch.PhysAddr {
	return st.root
}

// Len returns the number of installed translations.
func (st *SparseTable) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.entries)
}
