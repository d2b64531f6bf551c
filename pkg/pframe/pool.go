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
	"fmt"
	"math/bits"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"quark.dev/quark/pkg/hostarch"
)

var log = logrus.WithField("subsystem", "pframe")

// DefaultBase is the physical address of the first frame of a Pool
// created by NewPool. Frame number 0 is deliberately not handed out so
// that PhysAddr(0) never denotes a valid frame.
const DefaultBase hostarch.PhysAddr = 0x1000_0000

// Pool is an Allocator and Memory over a run of host anonymous memory.
// In the hosted configuration this run plays the role of physical
// memory, the way the sentry's memory file does for a sandbox.
type Pool struct {
	mu   sync.Mutex
	base hostarch.PhysAddr
	mem  []byte
	// bitmap holds one bit per frame; set means allocated.
	bitmap []uint64
	frames int
	free   int
}

// NewPool creates a Pool of the given number of frames.
func NewPool(frames int) (*Pool, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("invalid pool size %d frames", frames)
	}
	mem, err := unix.Mmap(-1, 0, frames*hostarch.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d frames failed: %w", frames, err)
	}
	return &Pool{
		base:   DefaultBase,
		mem:    mem,
		bitmap: make([]uint64, (frames+63)/64),
		frames: frames,
		free:   frames,
	}, nil
}

// Destroy releases the Pool's backing memory. The Pool must not be
// used afterwards.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem != nil {
		if err := unix.Munmap(p.mem); err != nil {
			log.WithError(err).Warn("munmap of frame pool failed")
		}
		p.mem = nil
	}
}

// TotalFrames returns the number of frames the Pool was created with.
func (p *Pool) TotalFrames() int {
	return p.frames
}

// FreeFrames returns the number of currently unallocated frames.
func (p *Pool) FreeFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

func (p *Pool) frameIndex(paddr hostarch.PhysAddr) int {
	if paddr < p.base || !hostarch.Aligned(uint64(paddr), hostarch.PageSize) {
		panic(fmt.Sprintf("paddr %#x outside pool or unaligned", uint64(paddr)))
	}
	idx := int(uint64(paddr-p.base) >> hostarch.PageShift)
	if idx >= p.frames {
		panic(fmt.Sprintf("paddr %#x outside pool", uint64(paddr)))
	}
	return idx
}

func (p *Pool) isSet(idx int) bool {
	return p.bitmap[idx/64]&(1<<(idx%64)) != 0
}

func (p *Pool) set(idx int) {
	p.bitmap[idx/64] |= 1 << (idx % 64)
}

func (p *Pool) clear(idx int) {
	p.bitmap[idx/64] &^= 1 << (idx % 64)
}

// AllocFrame implements Allocator.AllocFrame.
func (p *Pool) AllocFrame() (hostarch.PhysAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free == 0 {
		return 0, false
	}
	for w, word := range p.bitmap {
		if word == ^uint64(0) {
			continue
		}
		idx := w*64 + bits.TrailingZeros64(^word)
		if idx >= p.frames {
			break
		}
		p.set(idx)
		p.free--
		return p.base + hostarch.PhysAddr(idx)<<hostarch.PageShift, true
	}
	return 0, false
}

// AllocContiguous implements Allocator.AllocContiguous.
func (p *Pool) AllocContiguous(count int, alignLog2 uint) (hostarch.PhysAddr, bool) {
	if count <= 0 {
		return 0, false
	}
	step := 1 << alignLog2
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free < count {
		return 0, false
	}
	for start := 0; start+count <= p.frames; start += step {
		run := 0
		for run < count && !p.isSet(start+run) {
			run++
		}
		if run < count {
			continue
		}
		for i := 0; i < count; i++ {
			p.set(start + i)
		}
		p.free -= count
		return p.base + hostarch.PhysAddr(start)<<hostarch.PageShift, true
	}
	log.WithFields(logrus.Fields{
		"count":     count,
		"alignLog2": alignLog2,
		"free":      p.free,
	}).Debug("no contiguous run available")
	return 0, false
}

// DeallocFrame implements Allocator.DeallocFrame.
func (p *Pool) DeallocFrame(paddr hostarch.PhysAddr) {
	idx := p.frameIndex(paddr)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isSet(idx) {
		panic(fmt.Sprintf("double free of frame %#x", uint64(paddr)))
	}
	p.clear(idx)
	p.free++
}

// ReadPhys implements Memory.ReadPhys.
func (p *Pool) ReadPhys(paddr hostarch.PhysAddr, buf []byte) {
	off := p.offset(paddr, len(buf))
	copy(buf, p.mem[off:])
}

// WritePhys implements Memory.WritePhys.
func (p *Pool) WritePhys(paddr hostarch.PhysAddr, buf []byte) {
	off := p.offset(paddr, len(buf))
	copy(p.mem[off:], buf)
}

func (p *Pool) offset(paddr hostarch.PhysAddr, n int) int {
	if paddr < p.base {
		panic(fmt.Sprintf("paddr %#x below pool base", uint64(paddr)))
	}
	off := int(uint64(paddr - p.base))
	if off+n > len(p.mem) {
		panic(fmt.Sprintf("physical access [%#x, %#x) outside pool", uint64(paddr), uint64(paddr)+uint64(n)))
	}
	return off
}
