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

// Package hostarch defines addresses, address ranges, access types and
// page arithmetic for the virtual memory subsystem.
package hostarch

// Page size constants. The VM core manages memory exclusively in units
// of PageSize; every object length, mapping base and frame address is
// PageSize-aligned.
const (
	// PageShift is the log2 of PageSize.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift
)

// PageAligned returns true if x is a multiple of PageSize.
func PageAligned(x uint64) bool {
	return x&(PageSize-1) == 0
}

// Aligned returns true if x is a multiple of align. align must be a
// power of 2.
func Aligned(x, align uint64) bool {
	return x&(align-1) == 0
}

// Pages returns the number of pages needed to hold size bytes.
func Pages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// RoundUpPages returns size rounded up to the next page boundary.
func RoundUpPages(size uint64) uint64 {
	return Pages(size) * PageSize
}

// RoundDownPages returns size rounded down to a page boundary.
func RoundDownPages(size uint64) uint64 {
	return size &^ (PageSize - 1)
}
