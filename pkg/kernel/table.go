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

// Package kernel implements the process table and scheduler.
//
// The table holds one process control block (PCB) per task: a per-core
// running slot array plus a FIFO waiting chain, all behind a single
// spinlock. Every mutation runs with local interrupts disabled and then the
// lock held, in that order, so neither another core nor this core's own
// timer interrupt can observe a half-updated table.
//
// Lock order:
//
//	CPU interrupt mask
//	  Table.mu
//	    kstack.Allocator
//	    platform.Platform (Release)
//
// Scheduling is round robin. Schedule reaps exited tasks, moves the head of
// the waiting chain into the core's running slot, requeues the previous task
// at the tail unless it has exited, and switches to the new one. The switch returns in the
// previous task only when some later pass on any core picks it again.
package kernel

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/smpkernel/kcore/pkg/arch"
	"github.com/smpkernel/kcore/pkg/kstack"
	"github.com/smpkernel/kcore/pkg/log"
	"github.com/smpkernel/kcore/pkg/platform"
	"github.com/smpkernel/kcore/pkg/sync"
)

// kthreadName is the name of the synthetic PCB standing for a core's boot
// execution stream.
const kthreadName = "kthread"

// Options configures a Table.
type Options struct {
	// StackSize is the size of every task stack. Zero means
	// kstack.DefaultSize.
	StackSize int
}

// IRQHandler is the IRQ entry of the exception vector. It runs on the
// interrupted task's stream with interrupts masked.
type IRQHandler func(th *Thread)

// Table is the process table.
type Table struct {
	plat   platform.Platform
	stacks kstack.Allocator
	opts   Options

	// trampolinePC is the address every fresh context starts at.
	trampolinePC uint64

	// irq is the installed IRQ handler, if any.
	irq atomic.Pointer[IRQHandler]

	mu sync.SpinMutex[tableState]
}

// New returns an empty table scheduling on p with stacks from a.
func New(p platform.Platform, a kstack.Allocator, opts Options) *Table {
	if opts.StackSize == 0 {
		opts.StackSize = kstack.DefaultSize
	}
	t := &Table{
		plat:   p,
		stacks: a,
		opts:   opts,
	}
	g := t.mu.Lock()
	*g.Data() = newTableState()
	g.Unlock()
	t.trampolinePC = p.RegisterRoutine(t.trampoline)
	return t
}

// Platform returns the machine the table schedules on.
func (t *Table) Platform() platform.Platform {
	return t.plat
}

// SetIRQHandler installs the handler Thread.Poll dispatches pending
// interrupts to.
func (t *Table) SetIRQHandler(h IRQHandler) {
	t.irq.Store(&h)
}

// lock disables interrupts on cpu and takes the table lock. It returns
// whether interrupts were enabled before.
func (t *Table) lock(cpu platform.CPU) (sync.Guard[tableState], bool) {
	wasEnabled := cpu.DisableInterrupts()
	return t.mu.LockWith(cpu.Relax), wasEnabled
}

// unlock undoes lock.
func unlock(cpu platform.CPU, g sync.Guard[tableState], wasEnabled bool) {
	g.Unlock()
	if wasEnabled {
		cpu.EnableInterrupts()
	}
}

// InitCore installs a PCB for the execution stream already running on cpu
// and returns its Thread. It must be called once per core, before the core
// schedules or enables interrupts.
func (t *Table) InitCore(cpu platform.CPU) *Thread {
	c := cpu.ID()
	if c < 0 || c >= arch.MaxCores {
		panic(fmt.Sprintf("kernel: InitCore on core %d, have %d", c, arch.MaxCores))
	}

	g, wasEnabled := t.lock(cpu)
	ts := g.Data()
	p := &pcb{
		state: Running,
		name:  kthreadName,
		pid:   ts.nextPID(),
	}
	slot := ts.insert(p)
	p.thread = Thread{t: t, cpu: cpu, pid: p.pid, name: p.name}
	old := ts.running[c]
	if old != none {
		// The old PCB stands for this same stream, so its context is
		// not parked anywhere and there is nothing to release.
		ts.remove(old)
	}
	ts.running[c] = slot
	unlock(cpu, g, wasEnabled)

	if old != none {
		log.Warningf("kernel: core %d initialized twice, replaced its boot PCB with pid %d", c, p.pid)
	}
	log.Debugf("kernel: core %d online as pid %d", c, p.pid)
	return &p.thread
}

// NewProcess creates a task that runs entry and appends it to the tail of
// the waiting chain. It may be called from any core. Failure to allocate
// the task's stack is fatal.
func (t *Table) NewProcess(cpu platform.CPU, name string, entry Entry) PID {
	stack, err := t.stacks.Alloc(t.opts.StackSize)
	if err != nil {
		panic(fmt.Sprintf("kernel: allocating stack for %q: %v", name, err))
	}
	p := &pcb{
		state: Running,
		name:  name,
		stack: stack,
		entry: entry,
	}
	p.ctx.SetPC(t.trampolinePC)
	p.ctx.SetSP(stack.Top())

	g, wasEnabled := t.lock(cpu)
	ts := g.Data()
	p.pid = ts.nextPID()
	slot := ts.insert(p)
	p.ctx.SetEntry(handle(slot, p.gen))
	p.thread = Thread{t: t, pid: p.pid, name: name}
	ts.push(slot)
	log.Debugf("kernel: created %q pid %d slot %d pc=%#x sp=%#x", name, p.pid, slot, p.ctx.PC, p.ctx.SP)
	unlock(cpu, g, wasEnabled)
	return p.pid
}

// ProcInfo describes one PCB.
type ProcInfo struct {
	PID   PID
	Name  string
	State State
}

// Snapshot is a consistent view of the table.
type Snapshot struct {
	// Running holds one entry per core. Cores that have not been
	// initialized have the zero ProcInfo.
	Running []ProcInfo

	// Waiting is the waiting chain, head first.
	Waiting []ProcInfo

	// Dead lists exited tasks whose resources the next pass reclaims.
	Dead []ProcInfo

	// NumProcs is the number of PIDs issued.
	NumProcs uint64

	// Switches counts context switches.
	Switches uint64

	// Reaped counts zombies reclaimed.
	Reaped uint64

	// Exits counts tasks that returned from their entry function.
	Exits uint64
}

func info(p *pcb) ProcInfo {
	return ProcInfo{PID: p.pid, Name: p.name, State: p.state}
}

// Snapshot returns the current contents of the table.
func (t *Table) Snapshot(cpu platform.CPU) Snapshot {
	g, wasEnabled := t.lock(cpu)
	defer unlock(cpu, g, wasEnabled)
	return t.snapshotLocked(g.Data())
}

// snapshotLocked builds a Snapshot.
//
// Preconditions: t.mu is locked.
func (t *Table) snapshotLocked(ts *tableState) Snapshot {
	s := Snapshot{
		Running:  make([]ProcInfo, t.plat.NumCPUs()),
		NumProcs: ts.numProcs,
		Switches: ts.switches,
		Reaped:   ts.reaped,
		Exits:    ts.exits,
	}
	for c := range s.Running {
		if slot := ts.running[c]; slot != none {
			s.Running[c] = info(ts.procs[slot])
		}
	}
	for slot := ts.head; slot != none; slot = ts.procs[slot].next {
		s.Waiting = append(s.Waiting, info(ts.procs[slot]))
	}
	for _, slot := range ts.dead {
		if slot != none {
			s.Dead = append(s.Dead, info(ts.procs[slot]))
		}
	}
	return s
}

// Print writes a human readable dump of the table to w.
func (t *Table) Print(cpu platform.CPU, w io.Writer) {
	s := t.Snapshot(cpu)
	fmt.Fprintf(w, "Currently running:\n")
	for c, p := range s.Running {
		if p.PID == 0 {
			continue
		}
		fmt.Fprintf(w, "  core %d: pid %d %q %s\n", c, p.PID, p.Name, p.State)
	}
	fmt.Fprintf(w, "Waiting to run:\n")
	for _, p := range s.Waiting {
		fmt.Fprintf(w, "  pid %d %q %s\n", p.PID, p.Name, p.State)
	}
	if len(s.Dead) > 0 {
		fmt.Fprintf(w, "Awaiting reclamation:\n")
		for _, p := range s.Dead {
			fmt.Fprintf(w, "  pid %d %q %s\n", p.PID, p.Name, p.State)
		}
	}
}
