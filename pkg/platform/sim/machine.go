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

// Package sim implements a simulated ARMv8-A SMP machine on the host.
//
// Every execution context (a core's boot stream, or a task) runs on its own
// goroutine. A context switch hands a permit to the goroutine of the next
// context and parks the caller until some later switch hands one back, so
// at most one goroutine per core makes progress at a time. This mirrors the
// permit scheme of a deterministic task scheduler and keeps the switch
// symmetric: parked and fresh contexts look the same to the caller.
package sim

import (
	"fmt"
	"runtime"

	"github.com/smpkernel/kcore/pkg/arch"
	"github.com/smpkernel/kcore/pkg/atomicbitops"
	"github.com/smpkernel/kcore/pkg/log"
	"github.com/smpkernel/kcore/pkg/platform"
	"github.com/smpkernel/kcore/pkg/sync"
)

const (
	// DefaultFrequency is the BCM2837 system counter frequency.
	DefaultFrequency = 19200000

	// routineBase is the fake address of the first registered routine.
	// Routines are spaced routineStride apart.
	routineBase   = 0xffff000000080000
	routineStride = 0x100

	// resumePC is stored in a context saved by Switch. Resuming such a
	// context returns from that Switch call.
	resumePC = 0xffff000000001000
)

// Options configures a Machine.
type Options struct {
	// NumCPUs is the number of cores, at most arch.MaxCores. Zero means
	// arch.MaxCores.
	NumCPUs int

	// Frequency is the system counter frequency. Zero means
	// DefaultFrequency.
	Frequency uint64

	// Clock drives the system counter. Nil means a real clock running at
	// Frequency.
	Clock Clock
}

// thread is a parked execution context.
type thread struct {
	// resume receives the core the context continues on. It is closed when
	// the context is released, which ends the goroutine.
	resume chan *cpu
}

// Machine is a simulated multicore board.
//
// It implements platform.Platform.
type Machine struct {
	cpus  []*cpu
	clock Clock

	halted atomicbitops.Bool

	// mu protects the fields below.
	mu sync.Mutex

	// routines are indexed by (address - routineBase) / routineStride.
	routines []platform.Routine

	// parked maps the saved context of every parked goroutine to it.
	parked map[*arch.Context]*thread
}

var _ platform.Platform = (*Machine)(nil)

// New returns a machine with all cores reset: IRQs masked, timers stopped.
func New(opts Options) *Machine {
	if opts.NumCPUs == 0 {
		opts.NumCPUs = arch.MaxCores
	}
	if opts.NumCPUs < 0 || opts.NumCPUs > arch.MaxCores {
		panic(fmt.Sprintf("sim: %d cpus requested, board has %d", opts.NumCPUs, arch.MaxCores))
	}
	if opts.Frequency == 0 {
		opts.Frequency = DefaultFrequency
	}
	if opts.Clock == nil {
		opts.Clock = NewRealClock(opts.Frequency)
	}
	m := &Machine{
		clock:  opts.Clock,
		parked: make(map[*arch.Context]*thread),
	}
	for i := 0; i < opts.NumCPUs; i++ {
		c := &cpu{
			id: i,
			m:  m,
			timer: timer{
				freq:  opts.Frequency,
				clock: opts.Clock,
			},
		}
		c.masked.Store(true)
		m.cpus = append(m.cpus, c)
	}
	return m
}

// NumCPUs implements platform.Platform.NumCPUs.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// CPU implements platform.Platform.CPU.
func (m *Machine) CPU(id int) platform.CPU {
	if id < 0 || id >= len(m.cpus) {
		panic(fmt.Sprintf("sim: no cpu %d", id))
	}
	return m.cpus[id]
}

// RegisterRoutine implements platform.Platform.RegisterRoutine.
func (m *Machine) RegisterRoutine(r platform.Routine) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routines = append(m.routines, r)
	return routineBase + uint64(len(m.routines)-1)*routineStride
}

// routineLocked returns the routine at address pc.
//
// Preconditions: m.mu is locked.
func (m *Machine) routineLocked(pc uint64) (platform.Routine, error) {
	if pc < routineBase || (pc-routineBase)%routineStride != 0 {
		return nil, fmt.Errorf("jump to %#x: not a routine entry", pc)
	}
	i := (pc - routineBase) / routineStride
	if i >= uint64(len(m.routines)) {
		return nil, fmt.Errorf("jump to %#x: no routine registered there", pc)
	}
	return m.routines[i], nil
}

// Switch implements platform.Platform.Switch.
func (m *Machine) Switch(c platform.CPU, prev, next *arch.Context) platform.CPU {
	cur := c.(*cpu)
	self := &thread{resume: make(chan *cpu, 1)}

	m.mu.Lock()
	if m.halted.Load() {
		m.mu.Unlock()
		runtime.Goexit()
	}
	t, wasParked := m.parked[next]
	var r platform.Routine
	if !wasParked {
		var err error
		if r, err = m.routineLocked(next.PC); err != nil {
			m.mu.Unlock()
			panic(fmt.Sprintf("sim: cpu %d: %v", cur.id, err))
		}
	}
	prev.SetPC(resumePC)
	m.parked[prev] = self
	if wasParked {
		delete(m.parked, next)
		t.resume <- cur
	} else {
		go enter(r, cur, next)
	}
	m.mu.Unlock()

	resumed, ok := <-self.resume
	if !ok {
		// Released: this context is never coming back.
		runtime.Goexit()
	}
	return resumed
}

// enter runs a routine on a fresh goroutine.
func enter(r platform.Routine, c *cpu, regs *arch.Context) {
	r(c, regs)
	panic(fmt.Sprintf("sim: routine at %#x returned on cpu %d", regs.PC, c.id))
}

// Release implements platform.Platform.Release.
func (m *Machine) Release(ctx *arch.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.parked[ctx]; ok {
		delete(m.parked, ctx)
		close(t.resume)
	}
}

// Halt stops the machine. Parked contexts are released and any goroutine
// that touches a core afterwards stops executing.
func (m *Machine) Halt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted.Swap(true) {
		return
	}
	for ctx, t := range m.parked {
		delete(m.parked, ctx)
		close(t.resume)
	}
	log.Debugf("sim: machine halted")
}

// Halted reports whether Halt was called.
func (m *Machine) Halted() bool {
	return m.halted.Load()
}

// Parked returns the number of parked contexts.
func (m *Machine) Parked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.parked)
}

// RaiseIRQ asserts interrupt bits on core id until ClearIRQ.
func (m *Machine) RaiseIRQ(id int, bits uint32) {
	m.cpus[id].pending.Or(bits)
}

// ClearIRQ deasserts interrupt bits on core id.
func (m *Machine) ClearIRQ(id int, bits uint32) {
	m.cpus[id].pending.And(^bits)
}

// checkHalted ends the calling goroutine if the machine is halted.
func (m *Machine) checkHalted() {
	if m.halted.Load() {
		runtime.Goexit()
	}
}
