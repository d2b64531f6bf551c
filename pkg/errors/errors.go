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

// Package errors holds the standardized error definition for the VM
// core. Errors are allocated once and compared by identity; the Kind
// is a closed enumeration that the outer capability layer can
// translate to status codes.
package errors

import "fmt"

// Kind classifies an Error. The set of kinds is closed; callers
// exhaustively match on it.
type Kind uint8

const (
	// KindInternal is an unclassified internal error. It is never
	// returned for caller-supplied bad input.
	KindInternal Kind = iota

	// KindOutOfRange indicates an offset/length outside object or
	// region bounds.
	KindOutOfRange

	// KindRegionOverlap indicates a fixed allocation colliding with an
	// existing child region or mapping.
	KindRegionOverlap

	// KindAccessDenied indicates a permission exceeding a region
	// ceiling or mapping permission.
	KindAccessDenied

	// KindNoMemory indicates frame or virtual-space exhaustion.
	KindNoMemory

	// KindNotMapped indicates an operation on an address with no
	// translation or no covering mapping.
	KindNotMapped

	// KindAlreadyExists indicates a translation installed over an
	// existing one.
	KindAlreadyExists

	// KindNotSupported indicates an operation invalid for a given
	// object variant.
	KindNotSupported

	// KindBadState indicates an operation on a destroyed region or on
	// an object whose current state forbids it.
	KindBadState
)

// Error represents a VM-core error with a descriptive message.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the underlying Kind value.
func (e *Error) Kind() Kind { return e.kind }

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "Internal"
	case KindOutOfRange:
		return "OutOfRange"
	case KindRegionOverlap:
		return "RegionOverlap"
	case KindAccessDenied:
		return "AccessDenied"
	case KindNoMemory:
		return "NoMemory"
	case KindNotMapped:
		return "NotMapped"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindNotSupported:
		return "NotSupported"
	case KindBadState:
		return "BadState"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}
