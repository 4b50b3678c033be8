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

package sim

import (
	"runtime"

	"github.com/smpkernel/kcore/pkg/atomicbitops"
	"github.com/smpkernel/kcore/pkg/platform"
)

// cpu is a simulated core.
//
// It implements platform.CPU.
type cpu struct {
	id int
	m  *Machine

	// masked is the DAIF.I bit. Cores come out of reset with IRQs masked.
	masked atomicbitops.Bool

	// routed is set once the timer IRQ is routed to this core.
	routed atomicbitops.Bool

	// pending holds interrupt bits raised by RaiseIRQ.
	pending atomicbitops.Uint32

	timer timer
}

// ID implements platform.CPU.ID.
func (c *cpu) ID() int {
	return c.id
}

// DisableInterrupts implements platform.CPU.DisableInterrupts.
func (c *cpu) DisableInterrupts() bool {
	c.m.checkHalted()
	return !c.masked.Swap(true)
}

// EnableInterrupts implements platform.CPU.EnableInterrupts.
func (c *cpu) EnableInterrupts() {
	c.m.checkHalted()
	c.masked.Store(false)
}

// InterruptsEnabled implements platform.CPU.InterruptsEnabled.
func (c *cpu) InterruptsEnabled() bool {
	return !c.masked.Load()
}

// IRQSource implements platform.CPU.IRQSource.
func (c *cpu) IRQSource() uint32 {
	src := c.pending.Load()
	if c.routed.Load() && c.timer.fired() {
		src |= platform.IRQCntPNS
	}
	return src
}

// RouteTimerIRQ implements platform.CPU.RouteTimerIRQ.
func (c *cpu) RouteTimerIRQ() {
	c.routed.Store(true)
}

// Timer implements platform.CPU.Timer.
func (c *cpu) Timer() platform.Timer {
	return &c.timer
}

// Relax implements platform.CPU.Relax.
func (c *cpu) Relax() {
	c.m.checkHalted()
	runtime.Gosched()
}
