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

package kernel

import (
	"fmt"

	"github.com/smpkernel/kcore/pkg/arch"
	"github.com/smpkernel/kcore/pkg/kstack"
)

// State is the scheduling state of a task.
type State uint32

const (
	// Unused is the zero State. It is never observed on a live PCB.
	Unused State = iota

	// Sleeping is reserved for tasks blocked on I/O. Nothing in the
	// scheduler produces it yet.
	Sleeping

	// Running means the task is either executing on a core or eligible to
	// be picked by the next scheduling pass.
	Running

	// Zombie means the task has returned from its entry function. It is
	// never requeued, and is reclaimed by the first pass after its core
	// switches away from it.
	Zombie
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Sleeping:
		return "sleeping"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// PID identifies a task for the lifetime of its Table. PIDs start at 1 and
// are never reused.
type PID uint64

// Entry is the function a task runs. When it returns the task exits.
type Entry func(th *Thread)

// none is the nil arena index.
const none = -1

// pcb is a process control block.
//
// All fields except ctx and thread are protected by the table lock. ctx is
// written by task construction and by the platform's switch. thread is
// owned by the task's own execution stream once it runs.
type pcb struct {
	ctx   arch.Context
	state State
	name  string
	pid   PID

	// stack is owned by the task and outlives it: it is returned to the
	// allocator only when the zombie is reaped.
	stack kstack.Stack

	// next is the arena index of the following PCB in the waiting chain.
	next int32

	// gen is the generation of the arena slot this PCB occupies.
	gen uint32

	// entry is run by the trampoline on first switch-in. Nil for the
	// synthetic per-core PCBs, which never pass through the trampoline.
	entry Entry

	thread Thread
}

// handle packs an arena slot and its generation into the value stored in
// a fresh context's entry register.
func handle(slot int32, gen uint32) uint64 {
	return uint64(gen)<<32 | uint64(uint32(slot))
}

// splitHandle is the inverse of handle.
func splitHandle(h uint64) (slot int32, gen uint32) {
	return int32(uint32(h)), uint32(h >> 32)
}

// tableState is the data behind the table lock.
type tableState struct {
	// numProcs only grows. It is the PID source.
	numProcs uint64

	// procs is the PCB arena. A nil entry is a free slot.
	procs []*pcb

	// gens holds the current generation of each arena slot.
	gens []uint32

	// free lists the free arena slots.
	free []int32

	// head and tail delimit the waiting chain.
	head int32
	tail int32

	// running holds the arena index of the PCB executing on each core.
	running [arch.MaxCores]int32

	// dead holds, per core, the zombie that core last switched away from.
	// It is on neither the waiting chain nor a running slot, and its
	// context is released by the next pass on any core.
	dead [arch.MaxCores]int32

	// Statistics.
	switches uint64
	reaped   uint64
	exits    uint64
}

func newTableState() tableState {
	ts := tableState{
		head: none,
		tail: none,
	}
	for i := range ts.running {
		ts.running[i] = none
		ts.dead[i] = none
	}
	return ts
}

// nextPID allocates a PID.
func (ts *tableState) nextPID() PID {
	ts.numProcs++
	return PID(ts.numProcs)
}

// insert places p in a free arena slot and returns the slot.
func (ts *tableState) insert(p *pcb) int32 {
	var slot int32
	if n := len(ts.free); n > 0 {
		slot = ts.free[n-1]
		ts.free = ts.free[:n-1]
	} else {
		slot = int32(len(ts.procs))
		ts.procs = append(ts.procs, nil)
		ts.gens = append(ts.gens, 0)
	}
	p.gen = ts.gens[slot]
	p.next = none
	ts.procs[slot] = p
	return slot
}

// remove frees an arena slot. Any handle to it becomes stale.
func (ts *tableState) remove(slot int32) {
	ts.procs[slot] = nil
	ts.gens[slot]++
	ts.free = append(ts.free, slot)
}

// lookup resolves an entry handle.
func (ts *tableState) lookup(h uint64) (*pcb, error) {
	slot, gen := splitHandle(h)
	if slot < 0 || int(slot) >= len(ts.procs) || ts.procs[slot] == nil {
		return nil, fmt.Errorf("entry handle %#x: no such slot", h)
	}
	if ts.gens[slot] != gen {
		return nil, fmt.Errorf("entry handle %#x: stale generation, slot is at %d", h, ts.gens[slot])
	}
	return ts.procs[slot], nil
}

// push appends slot to the tail of the waiting chain.
func (ts *tableState) push(slot int32) {
	ts.procs[slot].next = none
	if ts.tail == none {
		ts.head = slot
	} else {
		ts.procs[ts.tail].next = slot
	}
	ts.tail = slot
}

// pop detaches the head of the waiting chain. The chain must not be empty.
func (ts *tableState) pop() int32 {
	slot := ts.head
	p := ts.procs[slot]
	ts.head = p.next
	if ts.head == none {
		ts.tail = none
	}
	p.next = none
	return slot
}
