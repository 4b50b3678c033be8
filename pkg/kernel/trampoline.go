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
	"github.com/smpkernel/kcore/pkg/platform"
)

// trampoline is the routine every fresh task context starts at. It is
// entered by the Switch in Schedule, with interrupts masked and the table
// lock held by the pass that picked this task.
func (t *Table) trampoline(cpu platform.CPU, regs *arch.Context) {
	// The pass that switched here will never return to release the lock,
	// so it is inherited and released out of band.
	ts := t.mu.Borrow()
	p, err := ts.lookup(regs.Entry())
	if err != nil {
		panic(fmt.Sprintf("kernel: trampoline on core %d: %v", cpu.ID(), err))
	}
	th := &p.thread
	th.cpu = cpu
	entry := p.entry
	t.mu.Unlock()

	cpu.EnableInterrupts()
	entry(th)
	th.Exit()
}
