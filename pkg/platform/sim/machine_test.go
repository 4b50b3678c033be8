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
	"testing"

	"github.com/smpkernel/kcore/pkg/arch"
	"github.com/smpkernel/kcore/pkg/platform"
)

func newTestMachine(t *testing.T, cpus int) (*Machine, *ManualClock) {
	t.Helper()
	clock := &ManualClock{}
	m := New(Options{NumCPUs: cpus, Clock: clock})
	t.Cleanup(m.Halt)
	return m, clock
}

func TestSwitchEntersFreshRoutine(t *testing.T) {
	m, _ := newTestMachine(t, 2)

	var boot, task arch.Context
	entries := make(chan uint64, 1)
	pc := m.RegisterRoutine(func(c platform.CPU, regs *arch.Context) {
		entries <- regs.Entry()
		m.Switch(c, regs, &boot)
		t.Errorf("released task context was resumed")
	})
	task.SetPC(pc)
	task.SetEntry(42)

	got := m.Switch(m.CPU(1), &boot, &task)
	if got.ID() != 1 {
		t.Errorf("boot resumed on cpu %d, want 1", got.ID())
	}
	if e := <-entries; e != 42 {
		t.Errorf("routine saw entry register %d, want 42", e)
	}
	if task.PC != resumePC {
		t.Errorf("saved task PC = %#x, want resume point %#x", task.PC, uint64(resumePC))
	}
	if n := m.Parked(); n != 1 {
		t.Fatalf("Parked() = %d, want 1 (the task)", n)
	}
	m.Release(&task)
	if n := m.Parked(); n != 0 {
		t.Errorf("Parked() = %d after Release, want 0", n)
	}
}

func TestSwitchResumesOnOtherCPU(t *testing.T) {
	m, _ := newTestMachine(t, 2)

	var boot, task arch.Context
	pc := m.RegisterRoutine(func(c platform.CPU, regs *arch.Context) {
		// Hand the boot stream to the other core.
		other := m.CPU(1 - c.ID())
		for {
			c = m.Switch(other, regs, &boot)
			other = m.CPU(1 - c.ID())
		}
	})
	task.SetPC(pc)

	c := m.CPU(0)
	for i := 0; i < 4; i++ {
		want := 1 - c.ID()
		c = m.Switch(c, &boot, &task)
		if c.ID() != want {
			t.Fatalf("round %d: resumed on cpu %d, want %d", i, c.ID(), want)
		}
	}
}

func TestSwitchToBadAddressPanics(t *testing.T) {
	m, _ := newTestMachine(t, 1)
	var boot, bad arch.Context
	bad.SetPC(0x1234)
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Switch to unregistered address did not panic")
		}
		if n := m.Parked(); n != 0 {
			t.Errorf("Parked() = %d after failed switch, want 0", n)
		}
	}()
	m.Switch(m.CPU(0), &boot, &bad)
}

func TestHaltReleasesParked(t *testing.T) {
	m, _ := newTestMachine(t, 1)
	var boot, task arch.Context
	pc := m.RegisterRoutine(func(c platform.CPU, regs *arch.Context) {
		m.Switch(c, regs, &boot)
	})
	task.SetPC(pc)
	m.Switch(m.CPU(0), &boot, &task)
	m.Halt()
	if n := m.Parked(); n != 0 {
		t.Errorf("Parked() = %d after Halt, want 0", n)
	}
	if !m.Halted() {
		t.Errorf("Halted() = false after Halt")
	}
}

func TestInterruptMask(t *testing.T) {
	m, _ := newTestMachine(t, 1)
	c := m.CPU(0)
	if c.InterruptsEnabled() {
		t.Fatalf("core came out of reset with IRQs unmasked")
	}
	if was := c.DisableInterrupts(); was {
		t.Errorf("DisableInterrupts() = true on a masked core")
	}
	c.EnableInterrupts()
	if was := c.DisableInterrupts(); !was {
		t.Errorf("DisableInterrupts() = false on an unmasked core")
	}
}

func TestTimerIRQSource(t *testing.T) {
	m, clock := newTestMachine(t, 2)
	c := m.CPU(1)
	tm := c.Timer()
	if tm.Frequency() != DefaultFrequency {
		t.Errorf("Frequency() = %d, want %d", tm.Frequency(), DefaultFrequency)
	}
	tm.SetCountdown(100)
	tm.Enable()

	clock.Advance(100)
	if src := c.IRQSource(); src != 0 {
		t.Errorf("IRQSource() = %#b before routing, want 0", src)
	}
	c.RouteTimerIRQ()
	if src := c.IRQSource(); src != platform.IRQCntPNS {
		t.Errorf("IRQSource() = %#b after expiry, want %#b", src, platform.IRQCntPNS)
	}
	if src := m.CPU(0).IRQSource(); src != 0 {
		t.Errorf("cpu 0 IRQSource() = %#b, want 0", src)
	}

	tm.SetCountdown(100)
	if src := c.IRQSource(); src != 0 {
		t.Errorf("IRQSource() = %#b after reload, want 0", src)
	}
	clock.Advance(99)
	if src := c.IRQSource(); src != 0 {
		t.Errorf("IRQSource() = %#b one tick early, want 0", src)
	}

	m.RaiseIRQ(1, 1<<4)
	if src := c.IRQSource(); src != 1<<4 {
		t.Errorf("IRQSource() = %#b, want mailbox bit", src)
	}
	m.ClearIRQ(1, 1<<4)
	if src := c.IRQSource(); src != 0 {
		t.Errorf("IRQSource() = %#b after ClearIRQ, want 0", src)
	}
}

func TestRealClockAdvances(t *testing.T) {
	c := NewRealClock(1000000000)
	a := c.Now()
	for c.Now() == a {
	}
}
