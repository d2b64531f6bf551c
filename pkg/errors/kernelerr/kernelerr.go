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

// Package kernelerr contains the VM core's error taxonomy exported as
// error interface pointers. This allows for fast comparison and return
// operations: the values below are singletons, so `err ==
// kernelerr.NoMemory` is the canonical test for a kind.
package kernelerr

import (
	"quark.dev/quark/pkg/errors"
)

// The error taxonomy of the VM core. Nothing in the core panics on
// caller-supplied bad input; bad input is always one of these.
var (
	// OutOfRange is returned when an offset/length pair exceeds an
	// object's or region's bounds, or is misaligned.
	OutOfRange = errors.New(errors.KindOutOfRange, "offset or length out of range")

	// RegionOverlap is returned when a fixed-address allocation or
	// mapping collides with an existing child.
	RegionOverlap = errors.New(errors.KindRegionOverlap, "region overlaps an existing child")

	// AccessDenied is returned when a requested permission exceeds a
	// region's ceiling or a mapping's permission.
	AccessDenied = errors.New(errors.KindAccessDenied, "permission exceeds ceiling")

	// NoMemory is returned when the frame allocator is exhausted or no
	// virtual-space gap fits a request.
	NoMemory = errors.New(errors.KindNoMemory, "out of memory")

	// NotMapped is returned when unmapping, protecting or querying an
	// address with no translation or no covering mapping.
	NotMapped = errors.New(errors.KindNotMapped, "address not mapped")

	// AlreadyExists is returned when mapping an address that already
	// has a translation.
	AlreadyExists = errors.New(errors.KindAlreadyExists, "address already mapped")

	// NotSupported is returned for operations invalid for a given
	// Vm Object variant, e.g. CreateChild on a Physical object.
	NotSupported = errors.New(errors.KindNotSupported, "operation not supported by this object")

	// BadState is returned for operations on a destroyed region, or
	// state-gated operations such as SetCachePolicy on a mapped object
	// and SetSize on a non-resizable one.
	BadState = errors.New(errors.KindBadState, "object is in the wrong state")
)
