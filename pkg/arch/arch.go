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

// Package arch describes the ARMv8-A execution state the scheduler saves and
// restores across a context switch.
package arch

const (
	// MaxCores is the number of cores on the board (BCM2837: four
	// Cortex-A53 cores).
	MaxCores = 4

	// StackAlign is the required alignment of the stack pointer at a
	// public interface (AAPCS64).
	StackAlign = 16

	// NumCalleeSaved is the number of callee-saved general purpose
	// registers, x19 through x28.
	NumCalleeSaved = 10

	// EntryReg is the index in Context.X of the register holding the entry
	// handle of a task that has never run (x19).
	EntryReg = 0
)

// Context is the register state saved by a context switch: the
// callee-saved registers, frame pointer, stack pointer and the address
// execution resumes at. Caller-saved registers are already on the stack of
// whoever called the switch, so they are not part of it.
//
// A Context is owned by exactly one task. Only the platform's switch routine
// and task construction write it.
type Context struct {
	// X holds x19..x28.
	X [NumCalleeSaved]uint64

	// FP is x29.
	FP uint64

	// SP is the saved stack pointer.
	SP uint64

	// PC is the address execution resumes at (x30 at the switch).
	PC uint64

	// pad keeps the record a multiple of StackAlign bytes so an array of
	// Contexts, or one pushed on a stack, stays 16-byte aligned.
	_ uint64
}

// SetEntry stores the entry handle of a fresh task in the entry register.
func (c *Context) SetEntry(v uint64) {
	c.X[EntryReg] = v
}

// Entry returns the value of the entry register.
func (c *Context) Entry() uint64 {
	return c.X[EntryReg]
}

// SetPC sets the resume address.
func (c *Context) SetPC(pc uint64) {
	c.PC = pc
}

// SetSP sets the stack pointer, rounding it down to StackAlign.
func (c *Context) SetSP(sp uint64) {
	c.SP = AlignDown(sp)
}

// AlignDown rounds addr down to a multiple of StackAlign.
func AlignDown(addr uint64) uint64 {
	return addr &^ (StackAlign - 1)
}
