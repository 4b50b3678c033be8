// Copyright 2024 The gVisor Authors.
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

// Package kstack allocates kernel task stacks.
//
// Every stack is exclusively owned by one task from Alloc until Free. The
// mmap allocator places an inaccessible guard page below each stack so an
// overflow faults instead of corrupting the neighbouring stack.
package kstack

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/smpkernel/kcore/pkg/arch"
	"github.com/smpkernel/kcore/pkg/cleanup"
	"github.com/smpkernel/kcore/pkg/sync"
)

// PageSize is the granule stacks and guard pages are sized in.
const PageSize = 4096

// DefaultSize is the stack size used when none is configured.
const DefaultSize = 64 << 10

// Stack is a task stack. The zero Stack is "no stack", which is what the
// synthetic per-core boot PCBs carry.
type Stack struct {
	// mapping is the whole region including the guard page.
	mapping []byte

	// usable is the part of mapping above the guard page.
	usable []byte
}

// Valid reports whether s refers to allocated memory.
func (s Stack) Valid() bool {
	return s.usable != nil
}

// Size returns the usable size of the stack.
func (s Stack) Size() int {
	return len(s.usable)
}

// Base returns the lowest usable address.
func (s Stack) Base() uintptr {
	if !s.Valid() {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.usable[0]))
}

// Top returns the initial stack pointer: the end of the usable region,
// aligned down to arch.StackAlign. Stacks grow down.
func (s Stack) Top() uint64 {
	if !s.Valid() {
		return 0
	}
	return arch.AlignDown(uint64(s.Base()) + uint64(len(s.usable)))
}

// Allocator hands out task stacks.
type Allocator interface {
	// Alloc returns a stack of at least size bytes.
	Alloc(size int) (Stack, error)

	// Free returns a stack obtained from Alloc. Freeing the zero Stack is
	// a no-op; freeing a stack twice is fatal.
	Free(s Stack)
}

// MmapAllocator allocates stacks as anonymous private mappings.
//
// It implements Allocator.
type MmapAllocator struct {
	// mu protects the fields below.
	mu sync.Mutex

	// live maps the base of each outstanding stack to its usable size.
	live map[uintptr]int

	// bytes is the total usable size of live stacks.
	bytes int
}

var _ Allocator = (*MmapAllocator)(nil)

// NewMmapAllocator returns an allocator with no outstanding stacks.
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{live: make(map[uintptr]int)}
}

// roundUp rounds n up to a whole number of pages.
func roundUp(n int) int {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Alloc implements Allocator.Alloc.
func (a *MmapAllocator) Alloc(size int) (Stack, error) {
	if size <= 0 {
		return Stack{}, fmt.Errorf("invalid stack size %d", size)
	}
	size = roundUp(size)
	mapping, err := unix.Mmap(-1, 0, size+PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Stack{}, fmt.Errorf("mapping %d byte stack: %w", size, err)
	}
	cu := cleanup.Make(func() { unix.Munmap(mapping) })
	defer cu.Clean()

	if err := unix.Mprotect(mapping[:PageSize], unix.PROT_NONE); err != nil {
		return Stack{}, fmt.Errorf("protecting stack guard page: %w", err)
	}

	s := Stack{mapping: mapping, usable: mapping[PageSize:]}
	a.mu.Lock()
	a.live[s.Base()] = size
	a.bytes += size
	a.mu.Unlock()

	cu.Release()
	return s, nil
}

// Free implements Allocator.Free.
func (a *MmapAllocator) Free(s Stack) {
	if !s.Valid() {
		return
	}
	base := s.Base()
	a.mu.Lock()
	size, ok := a.live[base]
	if !ok {
		a.mu.Unlock()
		panic(fmt.Sprintf("kstack: double free of stack at %#x", base))
	}
	delete(a.live, base)
	a.bytes -= size
	a.mu.Unlock()

	if err := unix.Munmap(s.mapping); err != nil {
		panic(fmt.Sprintf("kstack: unmapping stack at %#x: %v", base, err))
	}
}

// Outstanding returns the number of stacks allocated and not yet freed.
func (a *MmapAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Bytes returns the usable size of all outstanding stacks.
func (a *MmapAllocator) Bytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes
}
