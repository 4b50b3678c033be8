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
	"github.com/smpkernel/kcore/pkg/platform"
)

// Thread is a task's view of itself: its identity and the core it is
// currently running on. A Thread is only used by its own task.
type Thread struct {
	t    *Table
	cpu  platform.CPU
	pid  PID
	name string
}

// Table returns the table the task belongs to.
func (th *Thread) Table() *Table {
	return th.t
}

// CPU returns the core the task is running on.
func (th *Thread) CPU() platform.CPU {
	return th.cpu
}

// PID returns the task's PID.
func (th *Thread) PID() PID {
	return th.pid
}

// Name returns the task's name.
func (th *Thread) Name() string {
	return th.name
}

// Yield gives up the core to the next waiting task, if any.
func (th *Thread) Yield() {
	th.cpu = th.t.Schedule(th.cpu)
}

// Exit ends the task. It never returns.
func (th *Thread) Exit() {
	th.t.exit(th.cpu)
}

// Spawn creates a task from the calling one. See Table.NewProcess.
func (th *Thread) Spawn(name string, entry Entry) PID {
	return th.t.NewProcess(th.cpu, name, entry)
}

// Poll takes a pending interrupt, if interrupts are unmasked on the core.
// It is the instruction boundary at which the core would vector to the IRQ
// exception handler.
func (th *Thread) Poll() {
	cpu := th.cpu
	if !cpu.InterruptsEnabled() || cpu.IRQSource() == 0 {
		return
	}
	h := th.t.irq.Load()
	if h == nil {
		return
	}
	cpu.DisableInterrupts()
	(*h)(th)
	// The handler may have switched away and back, so the task may be on
	// another core now.
	th.cpu.EnableInterrupts()
}
