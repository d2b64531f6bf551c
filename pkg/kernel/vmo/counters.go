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
	"sync/atomic"

	"quark.dev/quark/pkg/hostarch"
)

// Page accounting across all Paged objects. A frame is counted once
// when its record enters some object's table and once when its last
// reference is released, so the difference is the number of distinct
// frames committed to VMOs.
var (
	pageAllocs   atomic.Uint64
	pageDeallocs atomic.Uint64
)

// PageAllocs returns the cumulative number of frames committed to
// Paged objects.
func PageAllocs() uint64 {
	return pageAllocs.Load()
}

// PageDeallocs returns the cumulative number of frames released by
// Paged objects.
func PageDeallocs() uint64 {
	return pageDeallocs.Load()
}

// CommittedBytes returns the amount of memory currently committed to
// Paged objects.
func CommittedBytes() uint64 {
	return (pageAllocs.Load() - pageDeallocs.Load()) * hostarch.PageSize
}
