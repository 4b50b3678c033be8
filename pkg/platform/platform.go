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

// Package platform provides the machine abstraction the kernel schedules
// on: CPUs with maskable interrupts, per-core timers, and the context switch.
//
// See Platform for more information.
package platform

import (
	"github.com/smpkernel/kcore/pkg/arch"
)

// IRQ source bits of the per-core interrupt source register (BCM2836 QA7
// "Core n IRQ Source").
const (
	// IRQCntPS is the secure physical timer interrupt.
	IRQCntPS uint32 = 1 << 0

	// IRQCntPNS is the non-secure physical timer interrupt, the one the
	// scheduler tick uses.
	IRQCntPNS uint32 = 1 << 1

	// IRQCntHP is the hypervisor physical timer interrupt.
	IRQCntHP uint32 = 1 << 2

	// IRQCntV is the virtual timer interrupt.
	IRQCntV uint32 = 1 << 3
)

// Timer is a core's architectural generic timer.
type Timer interface {
	// Frequency returns the counter frequency in Hz (CNTFRQ_EL0).
	Frequency() uint64

	// Counter returns the current monotonic count (CNTPCT_EL0).
	Counter() uint64

	// SetCountdown arms a one-shot countdown of the given number of ticks
	// (CNTP_TVAL_EL0). Writing it also clears a fired condition.
	SetCountdown(ticks uint64)

	// Enable starts the timer (CNTP_CTL_EL0.ENABLE).
	Enable()
}

// CPU is one physical core.
//
// A CPU value is only used by the execution stream currently running on
// that core.
type CPU interface {
	// ID returns the core number, 0 <= ID < arch.MaxCores.
	ID() int

	// DisableInterrupts masks IRQs on this core and reports whether they
	// were unmasked before.
	DisableInterrupts() bool

	// EnableInterrupts unmasks IRQs on this core.
	EnableInterrupts()

	// InterruptsEnabled reports whether IRQs are unmasked.
	InterruptsEnabled() bool

	// IRQSource returns the pending interrupt bits for this core.
	IRQSource() uint32

	// RouteTimerIRQ routes the core's physical timer interrupts to it.
	RouteTimerIRQ()

	// Timer returns the core's generic timer.
	Timer() Timer

	// Relax is the spin-wait hint used inside busy loops.
	Relax()
}

// Routine is code that can be entered by switching into a context that
// has never run. regs is the context being switched into, as loaded into
// the live registers. A Routine never returns.
type Routine func(cpu CPU, regs *arch.Context)

// Platform is the machine the kernel runs on.
type Platform interface {
	// NumCPUs returns the number of cores.
	NumCPUs() int

	// CPU returns core id.
	CPU(id int) CPU

	// RegisterRoutine makes r enterable by a context switch and returns
	// its address, suitable for arch.Context.PC.
	RegisterRoutine(r Routine) uint64

	// Switch saves the caller's execution state into prev and resumes
	// next on cpu.
	//
	// If next has run before, it resumes by returning from the Switch
	// call that saved it. Otherwise the routine at next.PC is entered.
	//
	// Switch returns when some later Switch resumes prev. The returned CPU
	// is the core prev now runs on, which need not be cpu.
	Switch(cpu CPU, prev, next *arch.Context) CPU

	// Release tells the platform ctx will never be resumed.
	//
	// Precondition: ctx is not running.
	Release(ctx *arch.Context)
}
