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

package pframe

import (
	"sync"

	"quark.dev/quark/pkg/hostarch"
)

// Limited wraps an Allocator with an allocation budget. Deallocations
// refund the budget. It exists to exercise frame-exhaustion paths
// without building a tiny Pool for each test.
type Limited struct {
	mu     sync.Mutex
	inner  Allocator
	budget int
}

// NewLimited returns an Allocator that allows at most budget frames to
// be outstanding at once.
func NewLimited(inner Allocator, budget int) *Limited {
	return &Limited{inner: inner, budget: budget}
}

// AllocFrame implements Allocator.AllocFrame.
func (l *Limited) AllocFrame() (hostarch.PhysAddr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.budget < 1 {
		return 0, false
	}
	paddr, ok := l.inner.AllocFrame()
	if ok {
		l.budget--
	}
	return paddr, ok
}

// AllocContiguous implements Allocator.AllocContiguous.
func (l *Limited) AllocContiguous(count int, alignLog2 uint) (hostarch.PhysAddr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.budget < count {
		return 0, false
	}
	paddr, ok := l.inner.AllocContiguous(count, alignLog2)
	if ok {
		l.budget -= count
	}
	return paddr, ok
}

// DeallocFrame implements Allocator.DeallocFrame.
func (l *Limited) DeallocFrame(paddr hostarch.PhysAddr) {
	l.mu.Lock()
	l.budget++
	l.mu.Unlock()
	l.inner.DeallocFrame(paddr)
}
