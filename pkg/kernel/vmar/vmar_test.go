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
	"testing"

	"golang.org/x/sync/errgroup"

	"quark.dev/quark/pkg/errors/kernelerr"
	"quark.dev/quark/pkg/hostarch"
	"quark.dev/quark/pkg/kernel/vmo"
	"quark.dev/quark/pkg/pagetable"
	"quark.dev/quark/pkg/pframe"
)

const testBase hostarch.Addr = 0x4000_0000

func testEnv(t *testing.T, frames int) (*AddressSpace, *pagetable.SparseTable, *pframe.Pool) {
	t.Helper()
	pool, err := pframe.NewPool(frames)
	if err != nil {
		t.Fatalf("NewPool(%d): %v", frames, err)
	}
	t.Cleanup(pool.Destroy)
	pt := pagetable.NewSparseTable()
	as, err := New(pt, testBase, 1<<20, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return as, pt, pool
}

func TestMapAndFault(t *testing.T) {
	as, pt, pool := testEnv(t, 8)
	obj := vmo.NewPaged(pool, pool, 4)
	m, err := as.Root().Map(MapOpts{
		Length: 4 * hostarch.PageSize,
		Object: obj,
		Perms:  hostarch.ReadWrite,
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	// Nothing is installed until the first fault.
	if pt.Len() != 0 {
		t.Fatalf("page table has %d entries before any fault", pt.Len())
	}
	if err := as.HandleFault(m.Base()+8, hostarch.Read); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	paddr, flags, _, err := pt.Query(m.Base())
	if err != nil {
		t.Fatalf("Query after fault: %v", err)
	}
	if !flags.Access.Write || !flags.User {
		t.Errorf("installed flags = %v user=%v, want writable user translation", flags.Access, flags.User)
	}
	// The translation points at the committed frame.
	want, _, present := obj.PageAt(0)
	if !present || paddr != want {
		t.Errorf("translation points at %#x, object frame at %#x", uint64(paddr), uint64(want))
	}
	if got := obj.CommittedPages(); got != 1 {
		t.Errorf("CommittedPages() = %d, want 1", got)
	}

	if err := as.HandleFault(m.Base(), hostarch.Execute); err != kernelerr.AccessDenied {
		t.Errorf("execute fault on rw mapping: got %v, want AccessDenied", err)
	}
	if err := as.HandleFault(m.Base()+0x10_0000-hostarch.PageSize, hostarch.Read); err != kernelerr.NotMapped {
		t.Errorf("fault outside mappings: got %v, want NotMapped", err)
	}
}

func TestFirstFitPlacement(t *testing.T) {
	as, _, pool := testEnv(t, 16)
	obj := vmo.NewPaged(pool, pool, 16)
	root := as.Root()

	m1, err := root.Map(MapOpts{Length: 2 * hostarch.PageSize, Object: obj, Perms: hostarch.Read})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	m2, err := root.Map(MapOpts{Length: hostarch.PageSize, Object: obj, Perms: hostarch.Read})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m1.Base() != testBase || m2.Base() != testBase+2*hostarch.PageSize {
		t.Errorf("bases = %#x, %#x; want %#x, %#x",
			uint64(m1.Base()), uint64(m2.Base()),
			uint64(testBase), uint64(testBase)+2*hostarch.PageSize)
	}
	// Freeing the first hole makes it the next first-fit choice.
	if err := root.Unmap(m1.Base(), 2*hostarch.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	m3, err := root.Map(MapOpts{Length: hostarch.PageSize, Object: obj, Perms: hostarch.Read})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m3.Base() != testBase {
		t.Errorf("reused base = %#x, want %#x", uint64(m3.Base()), uint64(testBase))
	}
	// A hole too small for the request is skipped.
	m4, err := root.Map(MapOpts{Length: 2 * hostarch.PageSize, Object: obj, Perms: hostarch.Read})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m4.Base() != testBase+3*hostarch.PageSize {
		t.Errorf("skip-fit base = %#x, want %#x", uint64(m4.Base()), uint64(testBase)+3*hostarch.PageSize)
	}
	// Alignment is honored.
	m5, err := root.Map(MapOpts{Length: hostarch.PageSize, Object: obj, Perms: hostarch.Read, Align: 16 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if uint64(m5.Base())%(16*hostarch.PageSize) != 0 {
		t.Errorf("aligned base = %#x not %#x-aligned", uint64(m5.Base()), 16*hostarch.PageSize)
	}
	info := root.Info()
	if info.Mappings != 4 || info.Subregions != 0 {
		t.Errorf("Info() = %+v, want 4 mappings, 0 subregions", info)
	}
}

func TestFixedPlacement(t *testing.T) {
	as, _, pool := testEnv(t, 8)
	obj := vmo.NewPaged(pool, pool, 8)
	root := as.Root()
	m, err := root.Map(MapOpts{
		Offset: 0x10000,
		Fixed:  true,
		Length: 2 * hostarch.PageSize,
		Object: obj,
		Perms:  hostarch.Read,
	})
	if err != nil {
		t.Fatalf("fixed Map: %v", err)
	}
	if m.Base() != testBase+0x10000 {
		t.Errorf("base = %#x, want %#x", uint64(m.Base()), uint64(testBase)+0x10000)
	}
	_, err = root.Map(MapOpts{
		Offset: 0x10000 + hostarch.PageSize,
		Fixed:  true,
		Length: 2 * hostarch.PageSize,
		Object: obj,
		Perms:  hostarch.Read,
	})
	if err != kernelerr.RegionOverlap {
		t.Errorf("overlapping fixed Map: got %v, want RegionOverlap", err)
	}
	_, err = root.Map(MapOpts{
		Offset: 1 << 20,
		Fixed:  true,
		Length: hostarch.PageSize,
		Object: obj,
		Perms:  hostarch.Read,
	})
	if err != kernelerr.OutOfRange {
		t.Errorf("fixed Map past region end: got %v, want OutOfRange", err)
	}
	// A range ending exactly where an existing child begins does not
	// collide.
	if _, err := root.Map(MapOpts{
		Offset: 0x10000 - hostarch.PageSize,
		Fixed:  true,
		Length: hostarch.PageSize,
		Object: obj,
		Perms:  hostarch.Read,
	}); err != nil {
		t.Errorf("adjacent fixed Map: %v", err)
	}
}

func TestPermissionCeiling(t *testing.T) {
	as, _, pool := testEnv(t, 8)
	obj := vmo.NewPaged(pool, pool, 8)
	root := as.Root()
	sub, err := root.Allocate(AllocateOpts{
		Length:  0x40000,
		Ceiling: hostarch.ReadWrite,
	})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	// A child asking for more than the parent allows is clamped to the
	// intersection.
	wide, err := sub.Allocate(AllocateOpts{Length: hostarch.PageSize, Ceiling: hostarch.AnyAccess})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := wide.Ceiling(); got != hostarch.ReadWrite {
		t.Errorf("child ceiling = %v, want rw", got)
	}
	// A mapping cannot exceed the ceiling.
	if _, err := sub.Map(MapOpts{Length: hostarch.PageSize, Object: obj, Perms: hostarch.ReadExecute}); err != kernelerr.AccessDenied {
		t.Errorf("Map above ceiling: got %v, want AccessDenied", err)
	}
	m, err := sub.Map(MapOpts{Length: hostarch.PageSize, Object: obj, Perms: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.Base() < sub.Base() || m.Base() >= sub.Base()+hostarch.Addr(sub.Size()) {
		t.Errorf("mapping at %#x outside subregion", uint64(m.Base()))
	}
	// And Protect cannot raise permissions past the ceiling either.
	if err := sub.Protect(m.Base(), hostarch.PageSize, hostarch.AnyAccess); err != kernelerr.AccessDenied {
		t.Errorf("Protect above ceiling: got %v, want AccessDenied", err)
	}
}

func TestProtectSplits(t *testing.T) {
	as, pt, pool := testEnv(t, 8)
	obj := vmo.NewPaged(pool, pool, 4)
	if err := obj.Commit(0, 4*hostarch.PageSize); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	root := as.Root()
	m, err := root.Map(MapOpts{
		Length: 4 * hostarch.PageSize,
		Object: obj,
		Perms:  hostarch.ReadWrite,
		Eager:  true,
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	// Drop write on the middle two pages.
	if err := root.Protect(m.Base()+hostarch.PageSize, 2*hostarch.PageSize, hostarch.Read); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	for i, wantWrite := range []bool{true, false, false, true} {
		va := m.Base() + hostarch.Addr(i)*hostarch.PageSize
		_, flags, _, err := pt.Query(va)
		if err != nil {
			t.Fatalf("Query(%#x): %v", uint64(va), err)
		}
		if flags.Access.Write != wantWrite {
			t.Errorf("page %d write = %v, want %v", i, flags.Access.Write, wantWrite)
		}
	}
	// Write faults obey the new permissions.
	if err := as.HandleFault(m.Base()+hostarch.PageSize, hostarch.Write); err != kernelerr.AccessDenied {
		t.Errorf("write fault in protected range: got %v, want AccessDenied", err)
	}
	if err := as.HandleFault(m.Base(), hostarch.Write); err != nil {
		t.Errorf("write fault in writable range: %v", err)
	}
	// A range not fully covered by mappings is rejected.
	if err := root.Protect(m.Base(), 8*hostarch.PageSize, hostarch.Read); err != kernelerr.NotMapped {
		t.Errorf("Protect over hole: got %v, want NotMapped", err)
	}
}

func TestUnmapCutsMappings(t *testing.T) {
	as, pt, pool := testEnv(t, 8)
	obj := vmo.NewPaged(pool, pool, 4)
	if err := obj.Commit(0, 4*hostarch.PageSize); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	root := as.Root()
	m, err := root.Map(MapOpts{
		Length: 4 * hostarch.PageSize,
		Object: obj,
		Perms:  hostarch.ReadWrite,
		Eager:  true,
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if pt.Len() != 4 {
		t.Fatalf("page table has %d entries after eager map, want 4", pt.Len())
	}
	// Punch out the middle.
	if err := root.Unmap(m.Base()+hostarch.PageSize, 2*hostarch.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if pt.Len() != 2 {
		t.Errorf("page table has %d entries after cut, want 2", pt.Len())
	}
	if err := as.HandleFault(m.Base()+hostarch.PageSize, hostarch.Read); err != kernelerr.NotMapped {
		t.Errorf("fault in hole: got %v, want NotMapped", err)
	}
	if err := as.HandleFault(m.Base(), hostarch.Read); err != nil {
		t.Errorf("fault in surviving prefix: %v", err)
	}
	if err := as.HandleFault(m.Base()+3*hostarch.PageSize, hostarch.Read); err != nil {
		t.Errorf("fault in surviving suffix: %v", err)
	}
	// Unmapping the rest is fine; unmapping again is a no-op on holes.
	if err := root.Unmap(m.Base(), 4*hostarch.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if pt.Len() != 0 {
		t.Errorf("page table has %d entries after full unmap, want 0", pt.Len())
	}
}

func TestUnmapSubregions(t *testing.T) {
	as, _, pool := testEnv(t, 8)
	obj := vmo.NewPaged(pool, pool, 8)
	root := as.Root()
	sub, err := root.Allocate(AllocateOpts{
		Offset:  0x20000,
		Fixed:   true,
		Length:  2 * hostarch.PageSize,
		Ceiling: hostarch.ReadWrite,
	})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := sub.Map(MapOpts{Length: hostarch.PageSize, Object: obj, Perms: hostarch.Read}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	// A range clipping the subregion fails.
	err = root.Unmap(sub.Base()+hostarch.PageSize, 2*hostarch.PageSize)
	if err != kernelerr.OutOfRange {
		t.Errorf("partial unmap of subregion: got %v, want OutOfRange", err)
	}
	// Covering it destroys it.
	if err := root.Unmap(sub.Base(), 2*hostarch.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, err := sub.Map(MapOpts{Length: hostarch.PageSize, Object: obj, Perms: hostarch.Read}); err != kernelerr.BadState {
		t.Errorf("Map in destroyed subregion: got %v, want BadState", err)
	}
	// Destroy is idempotent.
	sub.Destroy()
	sub.Destroy()
}

func TestEagerMapInstallsCommittedPages(t *testing.T) {
	as, pt, pool := testEnv(t, 8)
	obj := vmo.NewPaged(pool, pool, 4)
	if err := obj.Commit(0, 2*hostarch.PageSize); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	m, err := as.Root().Map(MapOpts{
		Length: 4 * hostarch.PageSize,
		Object: obj,
		Perms:  hostarch.ReadWrite,
		Eager:  true,
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	// Only the committed prefix is installed; the rest stays lazy.
	if pt.Len() != 2 {
		t.Fatalf("page table has %d entries, want 2", pt.Len())
	}
	if got := obj.CommittedPages(); got != 2 {
		t.Errorf("CommittedPages() = %d, want 2", got)
	}
	if err := as.HandleFault(m.Base()+3*hostarch.PageSize, hostarch.Write); err != nil {
		t.Fatalf("fault on lazy page: %v", err)
	}
	if pt.Len() != 3 {
		t.Errorf("page table has %d entries after fault, want 3", pt.Len())
	}
}

func TestFaultOutOfMemory(t *testing.T) {
	as, _, pool := testEnv(t, 8)
	limited := pframe.NewLimited(pool, 1)
	obj := vmo.NewPaged(limited, pool, 2)
	m, err := as.Root().Map(MapOpts{
		Length: 2 * hostarch.PageSize,
		Object: obj,
		Perms:  hostarch.ReadWrite,
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.HandleFault(m.Base(), hostarch.Write); err != nil {
		t.Fatalf("fault: %v", err)
	}
	err = as.HandleFault(m.Base()+hostarch.PageSize, hostarch.Write)
	if err != kernelerr.NoMemory {
		t.Errorf("fault with exhausted allocator: got %v, want NoMemory", err)
	}
}

func TestCopyOnWriteThroughFaults(t *testing.T) {
	as, pt, pool := testEnv(t, 16)
	parent := vmo.NewPaged(pool, pool, 2)
	if err := parent.Write(0, []byte{0xaa}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	root := as.Root()
	pm, err := root.Map(MapOpts{
		Length: 2 * hostarch.PageSize,
		Object: parent,
		Perms:  hostarch.ReadWrite,
		Eager:  true,
	})
	if err != nil {
		t.Fatalf("Map parent: %v", err)
	}
	child, err := parent.CreateChild(0, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	// The snapshot downgraded the parent's installed translation.
	_, flags, _, err := pt.Query(pm.Base())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if flags.Access.Write {
		t.Error("parent translation still writable after snapshot")
	}
	cm, err := root.Map(MapOpts{
		Length: 2 * hostarch.PageSize,
		Object: child,
		Perms:  hostarch.ReadWrite,
	})
	if err != nil {
		t.Fatalf("Map child: %v", err)
	}
	// A read fault installs the shared frame read-only.
	if err := as.HandleFault(cm.Base(), hostarch.Read); err != nil {
		t.Fatalf("read fault: %v", err)
	}
	cp, flags, _, err := pt.Query(cm.Base())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	pp, _, _, _ := pt.Query(pm.Base())
	if cp != pp {
		t.Errorf("shared page maps to %#x and %#x, want one frame", uint64(cp), uint64(pp))
	}
	if flags.Access.Write {
		t.Error("shared frame installed writable")
	}
	// The write fault breaks the share.
	if err := as.HandleFault(cm.Base(), hostarch.Write); err != nil {
		t.Fatalf("write fault: %v", err)
	}
	cp2, flags, _, err := pt.Query(cm.Base())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if cp2 == pp {
		t.Error("child still maps the parent's frame after write fault")
	}
	if !flags.Access.Write {
		t.Error("private copy not writable")
	}
	// Dirty the private copy as user code would, through the installed
	// translation.
	pool.WritePhys(cp2, []byte{0x55})
	b := make([]byte, 1)
	if err := parent.Read(0, b); err != nil {
		t.Fatalf("parent Read: %v", err)
	}
	if b[0] != 0xaa {
		t.Errorf("parent byte = %#x after child write, want 0xaa", b[0])
	}
	if err := child.Read(0, b); err != nil {
		t.Fatalf("child Read: %v", err)
	}
	if b[0] != 0x55 {
		t.Errorf("child byte = %#x, want 0x55", b[0])
	}
	// A parent write fault now succeeds in place, the frame being
	// exclusive again.
	if err := as.HandleFault(pm.Base(), hostarch.Write); err != nil {
		t.Fatalf("parent write fault: %v", err)
	}
	if pp2, _, _, _ := pt.Query(pm.Base()); pp2 != pp {
		t.Errorf("parent frame moved from %#x to %#x", uint64(pp), uint64(pp2))
	}

	root.Destroy()
	if pt.Len() != 0 {
		t.Errorf("page table has %d entries after destroy, want 0", pt.Len())
	}
	if err := as.HandleFault(cm.Base(), hostarch.Read); err != kernelerr.NotMapped {
		t.Errorf("fault after destroy: got %v, want NotMapped", err)
	}
}

func TestCowBreakShootsDownAllMappings(t *testing.T) {
	as, pt, pool := testEnv(t, 16)
	obj := vmo.NewPaged(pool, pool, 1)
	if err := obj.Write(0, []byte{0xaa}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	root := as.Root()
	var ms []*Mapping
	for i := 0; i < 2; i++ {
		m, err := root.Map(MapOpts{
			Length: hostarch.PageSize,
			Object: obj,
			Perms:  hostarch.ReadWrite,
			Eager:  true,
		})
		if err != nil {
			t.Fatalf("Map: %v", err)
		}
		ms = append(ms, m)
	}
	oldFrame := mustQuery(t, pt, ms[0].Base())
	child, err := obj.CreateChild(0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	// Writing through the object moves it to a private frame. The old
	// frame now belongs to the snapshot alone, so both installed
	// translations must be revoked, not left reading the snapshot's
	// copy.
	if err := obj.Write(0, []byte{0xbb}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	newFrame, _, present := obj.PageAt(0)
	if !present || newFrame == oldFrame {
		t.Fatalf("object kept frame %#x across the copy", uint64(oldFrame))
	}
	for i, m := range ms {
		if paddr, _, _, err := pt.Query(m.Base()); err != kernelerr.NotMapped {
			t.Errorf("mapping %d still translates to %#x after copy, want NotMapped", i, uint64(paddr))
		}
	}
	// Refaulting lands on the private frame with the new byte.
	if err := as.HandleFault(ms[0].Base(), hostarch.Read); err != nil {
		t.Fatalf("refault: %v", err)
	}
	b := make([]byte, 1)
	pool.ReadPhys(mustQuery(t, pt, ms[0].Base()), b)
	if b[0] != 0xbb {
		t.Errorf("refaulted byte = %#x, want 0xbb", b[0])
	}
	// The snapshot kept the old frame and the old byte.
	if err := child.Read(0, b); err != nil {
		t.Fatalf("child Read: %v", err)
	}
	if b[0] != 0xaa {
		t.Errorf("snapshot byte = %#x after parent write, want 0xaa", b[0])
	}
}

func TestDecommitShootsDownTranslations(t *testing.T) {
	as, pt, pool := testEnv(t, 8)
	obj := vmo.NewPaged(pool, pool, 2)
	if err := obj.Commit(0, 2*hostarch.PageSize); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	m, err := as.Root().Map(MapOpts{
		Length: 2 * hostarch.PageSize,
		Object: obj,
		Perms:  hostarch.ReadWrite,
		Eager:  true,
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	pool.WritePhys(mustQuery(t, pt, m.Base()), []byte{0x7f})
	if err := obj.Decommit(0, hostarch.PageSize); err != nil {
		t.Fatalf("Decommit: %v", err)
	}
	if _, _, _, err := pt.Query(m.Base()); err != kernelerr.NotMapped {
		t.Errorf("Query after decommit: got %v, want NotMapped", err)
	}
	// Page 1 survives.
	if _, _, _, err := pt.Query(m.Base() + hostarch.PageSize); err != nil {
		t.Errorf("Query of kept page: %v", err)
	}
	// Refaulting produces a fresh zero frame.
	if err := as.HandleFault(m.Base(), hostarch.Read); err != nil {
		t.Fatalf("refault: %v", err)
	}
	b := make([]byte, 1)
	pool.ReadPhys(mustQuery(t, pt, m.Base()), b)
	if b[0] != 0 {
		t.Errorf("refaulted byte = %#x, want 0", b[0])
	}
}

func mustQuery(t *testing.T, pt pagetable.PageTable, va hostarch.Addr) hostarch.PhysAddr {
	t.Helper()
	paddr, _, _, err := pt.Query(va)
	if err != nil {
		t.Fatalf("Query(%#x): %v", uint64(va), err)
	}
	return paddr
}

func TestSliceMappingFaults(t *testing.T) {
	as, pt, pool := testEnv(t, 8)
	parent := vmo.NewPaged(pool, pool, 4)
	if err := parent.Write(2*hostarch.PageSize, []byte{0x42}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	slice, err := parent.CreateSlice(2*hostarch.PageSize, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateSlice: %v", err)
	}
	m, err := as.Root().Map(MapOpts{
		Length: hostarch.PageSize,
		Object: slice,
		Perms:  hostarch.ReadWrite,
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.HandleFault(m.Base(), hostarch.Read); err != nil {
		t.Fatalf("fault: %v", err)
	}
	b := make([]byte, 1)
	pool.ReadPhys(mustQuery(t, pt, m.Base()), b)
	if b[0] != 0x42 {
		t.Errorf("mapped slice byte = %#x, want 0x42", b[0])
	}
	// A decommit through the parent still reaches this translation.
	if err := parent.Decommit(2*hostarch.PageSize, hostarch.PageSize); err != nil {
		t.Fatalf("Decommit: %v", err)
	}
	if _, _, _, err := pt.Query(m.Base()); err != kernelerr.NotMapped {
		t.Errorf("Query after parent decommit: got %v, want NotMapped", err)
	}
}

func TestConcurrentFaults(t *testing.T) {
	as, _, pool := testEnv(t, 64)
	obj := vmo.NewPaged(pool, pool, 8)
	m, err := as.Root().Map(MapOpts{
		Length: 8 * hostarch.PageSize,
		Object: obj,
		Perms:  hostarch.ReadWrite,
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for p := uint64(0); p < 8; p++ {
				if err := as.HandleFault(m.Base()+hostarch.Addr(p*hostarch.PageSize), hostarch.Write); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent faults: %v", err)
	}
	if got := obj.CommittedPages(); got != 8 {
		t.Errorf("CommittedPages() = %d, want 8", got)
	}
	if free := pool.FreeFrames(); free != 64-8 {
		t.Errorf("FreeFrames() = %d, want %d", free, 64-8)
	}
}
