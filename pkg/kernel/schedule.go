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

	"github.com/smpkernel/kcore/pkg/log"
	"github.com/smpkernel/kcore/pkg/platform"
)

// Schedule runs one scheduling pass on cpu on behalf of the task currently
// running there.
//
// If the waiting chain is empty, Schedule returns
// immediately. Otherwise it switches to the head of the chain and returns
// only when the calling task is picked again, possibly on another core.
// The returned CPU is the one the caller runs on afterwards.
//
// Schedule may be called from task context or from an IRQ handler.
func (t *Table) Schedule(cpu platform.CPU) platform.CPU {
	g, wasEnabled := t.lock(cpu)
	ts := g.Data()
	c := cpu.ID()
	cur := ts.running[c]
	if cur == none {
		unlock(cpu, g, wasEnabled)
		panic(fmt.Sprintf("kernel: schedule on core %d before InitCore", c))
	}

	t.reapLocked(ts)
	if ts.head == none {
		unlock(cpu, g, wasEnabled)
		return cpu
	}

	prev := ts.procs[cur]
	nextSlot := ts.pop()
	next := ts.procs[nextSlot]
	ts.running[c] = nextSlot
	if prev.state == Zombie {
		// Its stack is live until the switch completes, so it is parked
		// outside the chain and reclaimed by the next pass.
		ts.dead[c] = cur
	} else {
		ts.push(cur)
	}
	ts.switches++

	// The lock stays held across the switch. Whoever resumes on this core
	// releases it: the trampoline for a fresh task, or the code below in a
	// task that switched away earlier.
	resumed := t.plat.Switch(cpu, &prev.ctx, &next.ctx)

	prev.thread.cpu = resumed
	t.mu.Unlock()
	if wasEnabled {
		resumed.EnableInterrupts()
	}
	return resumed
}

// reapLocked releases the resources of every zombie that a core has switched
// away from. The lock is only released by the task a pass switched to, so
// every such switch has completed by the time the next pass runs.
//
// Preconditions: t.mu is locked.
func (t *Table) reapLocked(ts *tableState) {
	for c, slot := range ts.dead {
		if slot == none {
			continue
		}
		p := ts.procs[slot]
		t.stacks.Free(p.stack)
		t.plat.Release(&p.ctx)
		ts.remove(slot)
		ts.dead[c] = none
		ts.reaped++
		log.Debugf("kernel: reaped %q pid %d", p.name, p.pid)
	}
}

// exit marks the task running on cpu a zombie and schedules away from it.
// It never returns.
func (t *Table) exit(cpu platform.CPU) {
	g, _ := t.lock(cpu)
	ts := g.Data()
	c := cpu.ID()
	cur := ts.running[c]
	if cur == none {
		g.Unlock()
		panic(fmt.Sprintf("kernel: exit on core %d before InitCore", c))
	}
	p := ts.procs[cur]
	p.state = Zombie
	ts.exits++
	g.Unlock()
	log.Debugf("kernel: %q pid %d exited on core %d", p.name, p.pid, c)

	// Interrupts stay masked: nothing may preempt a zombie, and every pass
	// that finds the chain empty returns here to wait for work.
	for {
		cpu = t.Schedule(cpu)
		cpu.Relax()
	}
}
