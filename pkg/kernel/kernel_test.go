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
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/smpkernel/kcore/pkg/arch"
	"github.com/smpkernel/kcore/pkg/kstack"
	"github.com/smpkernel/kcore/pkg/platform"
	"github.com/smpkernel/kcore/pkg/platform/sim"
)

// newTestTable returns a table on a fresh simulated machine. The machine
// is halted when the test ends, which ends every task goroutine.
func newTestTable(t *testing.T, cpus int) (*Table, *sim.Machine, *kstack.MmapAllocator) {
	t.Helper()
	m := sim.New(sim.Options{NumCPUs: cpus, Clock: &sim.ManualClock{}})
	t.Cleanup(m.Halt)
	a := kstack.NewMmapAllocator()
	return New(m, a, Options{StackSize: kstack.PageSize}), m, a
}

func kthread(pid PID) ProcInfo {
	return ProcInfo{PID: pid, Name: kthreadName, State: Running}
}

func running(pid PID, name string) ProcInfo {
	return ProcInfo{PID: pid, Name: name, State: Running}
}

// loop is an entry that never returns.
func loop(th *Thread) {
	for {
		th.Yield()
	}
}

func TestPIDsIncrease(t *testing.T) {
	tbl, m, _ := newTestTable(t, 1)
	cpu := m.CPU(0)
	tbl.InitCore(cpu)

	var last PID
	for _, name := range []string{"a", "b", "c", "b", "a"} {
		pid := tbl.NewProcess(cpu, name, loop)
		if pid <= last {
			t.Errorf("NewProcess(%q) = pid %d, previous pid was %d", name, pid, last)
		}
		last = pid
	}
	if got := tbl.Snapshot(cpu).NumProcs; got != uint64(last) {
		t.Errorf("NumProcs = %d, want %d", got, last)
	}
}

func TestNewProcessContext(t *testing.T) {
	tbl, m, a := newTestTable(t, 1)
	cpu := m.CPU(0)
	tbl.NewProcess(cpu, "t", loop)

	g := tbl.mu.Lock()
	defer g.Unlock()
	ts := g.Data()
	p := ts.procs[ts.head]
	if p.ctx.PC != tbl.trampolinePC {
		t.Errorf("PC = %#x, want trampoline %#x", p.ctx.PC, tbl.trampolinePC)
	}
	if p.ctx.SP != p.stack.Top() || p.ctx.SP%arch.StackAlign != 0 {
		t.Errorf("SP = %#x, want aligned stack top %#x", p.ctx.SP, p.stack.Top())
	}
	if got, err := ts.lookup(p.ctx.Entry()); err != nil || got != p {
		t.Errorf("entry register does not resolve to the PCB: %v", err)
	}
	if n := a.Outstanding(); n != 1 {
		t.Errorf("Outstanding() = %d, want 1", n)
	}
}

func TestInitCoreAllCores(t *testing.T) {
	tbl, m, _ := newTestTable(t, arch.MaxCores)
	tbl.NewProcess(m.CPU(0), "a", loop)
	for c := 0; c < arch.MaxCores; c++ {
		th := tbl.InitCore(m.CPU(c))
		if th.CPU().ID() != c {
			t.Errorf("InitCore(%d) thread on core %d", c, th.CPU().ID())
		}
	}

	want := Snapshot{
		Running:  []ProcInfo{kthread(2), kthread(3), kthread(4), kthread(5)},
		Waiting:  []ProcInfo{running(1, "a")},
		NumProcs: 5,
	}
	if diff := cmp.Diff(want, tbl.Snapshot(m.CPU(0))); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestDoubleInitCore(t *testing.T) {
	tbl, m, _ := newTestTable(t, 1)
	cpu := m.CPU(0)
	tbl.InitCore(cpu)
	th := tbl.InitCore(cpu)
	if th.PID() != 2 {
		t.Errorf("second InitCore pid = %d, want 2", th.PID())
	}
	want := Snapshot{
		Running:  []ProcInfo{kthread(2)},
		NumProcs: 2,
	}
	if diff := cmp.Diff(want, tbl.Snapshot(cpu)); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestScheduleEmptyChain(t *testing.T) {
	tbl, m, _ := newTestTable(t, 1)
	cpu := m.CPU(0)
	th := tbl.InitCore(cpu)
	for i := 0; i < 3; i++ {
		th.Yield()
	}
	if th.CPU() != cpu {
		t.Errorf("Yield moved the thread to core %d", th.CPU().ID())
	}
	if s := tbl.Snapshot(cpu); s.Switches != 0 {
		t.Errorf("Switches = %d, want 0", s.Switches)
	}
	if tbl.mu.Locked() {
		t.Errorf("table still locked after Yield")
	}
}

func TestScheduleBeforeInitCorePanics(t *testing.T) {
	tbl, m, _ := newTestTable(t, 2)
	cpu := m.CPU(1)
	cpu.EnableInterrupts()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Schedule before InitCore did not panic")
		}
		if tbl.mu.Locked() {
			t.Errorf("table left locked")
		}
		if !cpu.InterruptsEnabled() {
			t.Errorf("interrupts left masked")
		}
	}()
	tbl.Schedule(cpu)
}

func TestRoundRobin(t *testing.T) {
	tbl, m, _ := newTestTable(t, 1)
	cpu := m.CPU(0)
	th := tbl.InitCore(cpu)

	var visits []string
	visit := func(th *Thread) {
		for {
			visits = append(visits, th.Name())
			th.Yield()
		}
	}
	for _, name := range []string{"A", "B", "C"} {
		tbl.NewProcess(cpu, name, visit)
	}

	// Each pass of the boot thread lets every task run once.
	for i := 0; i < 3; i++ {
		th.Yield()
	}
	want := []string{"A", "B", "C", "A", "B", "C", "A", "B", "C"}
	if diff := cmp.Diff(want, visits); diff != "" {
		t.Errorf("visit order mismatch (-want +got):\n%s", diff)
	}
	if s := tbl.Snapshot(cpu); s.Switches != 12 {
		t.Errorf("Switches = %d, want 12", s.Switches)
	}
}

func TestTrampoline(t *testing.T) {
	tbl, m, _ := newTestTable(t, 1)
	cpu := m.CPU(0)
	th := tbl.InitCore(cpu)

	type state struct {
		locked, irqs bool
		pid          PID
		core         int
	}
	var got state
	pid := tbl.NewProcess(cpu, "t", func(th *Thread) {
		got = state{
			locked: tbl.mu.Locked(),
			irqs:   th.CPU().InterruptsEnabled(),
			pid:    th.PID(),
			core:   th.CPU().ID(),
		}
		loop(th)
	})
	th.Yield()

	want := state{irqs: true, pid: pid}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(state{})); diff != "" {
		t.Errorf("task state on entry mismatch (-want +got):\n%s", diff)
	}
	if cpu.InterruptsEnabled() {
		t.Errorf("boot thread resumed with interrupts unmasked, it yielded with them masked")
	}
}

func TestZombieReapedOnce(t *testing.T) {
	tbl, m, a := newTestTable(t, 1)
	cpu := m.CPU(0)
	th := tbl.InitCore(cpu)
	baseline := a.Outstanding()

	ran := 0
	tbl.NewProcess(cpu, "t", func(*Thread) { ran++ })

	// The task runs, returns and exits. Its zombie is never requeued; it
	// waits for the next pass outside the chain.
	th.Yield()
	want := Snapshot{
		Running:  []ProcInfo{kthread(1)},
		Dead:     []ProcInfo{{PID: 2, Name: "t", State: Zombie}},
		NumProcs: 2,
		Switches: 2,
		Exits:    1,
	}
	if diff := cmp.Diff(want, tbl.Snapshot(cpu)); diff != "" {
		t.Errorf("after exit (-want +got):\n%s", diff)
	}

	// The next pass reclaims it, and later passes do not find it again.
	for i := 0; i < 3; i++ {
		th.Yield()
	}
	want.Dead = nil
	want.Reaped = 1
	if diff := cmp.Diff(want, tbl.Snapshot(cpu)); diff != "" {
		t.Errorf("after reap (-want +got):\n%s", diff)
	}
	if ran != 1 {
		t.Errorf("entry ran %d times, want 1", ran)
	}
	if n := a.Outstanding(); n != baseline {
		t.Errorf("Outstanding() = %d, want baseline %d", n, baseline)
	}
	if n := m.Parked(); n != 0 {
		t.Errorf("Parked() = %d, want 0: zombie context not released", n)
	}
}

func TestExitedTaskNotRequeued(t *testing.T) {
	tbl, m, _ := newTestTable(t, 1)
	cpu := m.CPU(0)
	th := tbl.InitCore(cpu)

	var during Snapshot
	var dump bytes.Buffer
	tbl.NewProcess(cpu, "a", func(*Thread) {})
	tbl.NewProcess(cpu, "b", func(th *Thread) {
		during = tbl.Snapshot(th.CPU())
		tbl.Print(th.CPU(), &dump)
		loop(th)
	})
	th.Yield()

	want := Snapshot{
		Running:  []ProcInfo{running(3, "b")},
		Waiting:  []ProcInfo{kthread(1)},
		Dead:     []ProcInfo{{PID: 2, Name: "a", State: Zombie}},
		NumProcs: 3,
		Switches: 2,
		Exits:    1,
	}
	if diff := cmp.Diff(want, during); diff != "" {
		t.Errorf("snapshot after a exited (-want +got):\n%s", diff)
	}
	if want := "Awaiting reclamation:\n  pid 2 \"a\" zombie\n"; !strings.HasSuffix(dump.String(), want) {
		t.Errorf("Print() = %q, want suffix %q", dump.String(), want)
	}

	s := tbl.Snapshot(cpu)
	if diff := cmp.Diff([]ProcInfo{running(3, "b")}, s.Waiting); diff != "" {
		t.Errorf("waiting after b yielded (-want +got):\n%s", diff)
	}
	if s.Dead != nil || s.Reaped != 1 {
		t.Errorf("Dead = %v, Reaped = %d, want none and 1", s.Dead, s.Reaped)
	}
}

func TestSlotReuse(t *testing.T) {
	tbl, m, _ := newTestTable(t, 1)
	cpu := m.CPU(0)
	th := tbl.InitCore(cpu)

	var names []string
	record := func(th *Thread) { names = append(names, th.Name()) }
	for _, name := range []string{"a", "b", "c"} {
		tbl.NewProcess(cpu, name, record)
		// Run it, then reap it.
		th.Yield()
		th.Yield()
	}

	if diff := cmp.Diff([]string{"a", "b", "c"}, names); diff != "" {
		t.Errorf("tasks run mismatch (-want +got):\n%s", diff)
	}
	g := tbl.mu.Lock()
	defer g.Unlock()
	ts := g.Data()
	if len(ts.procs) != 2 {
		t.Errorf("arena has %d slots, want 2", len(ts.procs))
	}
	if ts.gens[1] != 3 {
		t.Errorf("slot 1 generation = %d, want 3", ts.gens[1])
	}
	if _, err := ts.lookup(handle(1, 0)); err == nil {
		t.Errorf("stale handle resolved")
	}
}

func TestPollDispatchesIRQ(t *testing.T) {
	tbl, m, _ := newTestTable(t, 1)
	cpu := m.CPU(0)
	th := tbl.InitCore(cpu)

	var calls int
	tbl.SetIRQHandler(func(th *Thread) {
		calls++
		if th.CPU().InterruptsEnabled() {
			t.Errorf("handler running with interrupts unmasked")
		}
		m.ClearIRQ(th.CPU().ID(), platform.IRQCntV)
	})

	// Masked: nothing is taken.
	m.RaiseIRQ(0, platform.IRQCntV)
	th.Poll()
	if calls != 0 {
		t.Fatalf("IRQ taken with interrupts masked")
	}

	cpu.EnableInterrupts()
	th.Poll()
	th.Poll()
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	if !cpu.InterruptsEnabled() {
		t.Errorf("interrupts not unmasked after the handler")
	}
}

func TestPreemptFromIRQ(t *testing.T) {
	tbl, m, _ := newTestTable(t, 1)
	cpu := m.CPU(0)
	th := tbl.InitCore(cpu)
	tbl.SetIRQHandler(func(th *Thread) {
		m.ClearIRQ(th.CPU().ID(), platform.IRQCntV)
		th.Yield()
	})

	var visits []string
	busy := func(th *Thread) {
		for {
			visits = append(visits, th.Name())
			m.RaiseIRQ(th.CPU().ID(), platform.IRQCntV)
			th.Poll()
		}
	}
	tbl.NewProcess(cpu, "A", busy)
	tbl.NewProcess(cpu, "B", busy)
	th.Yield()
	th.Yield()

	if diff := cmp.Diff([]string{"A", "B", "A", "B"}, visits); diff != "" {
		t.Errorf("visit order mismatch (-want +got):\n%s", diff)
	}
}

func TestTwoCoreShell(t *testing.T) {
	tbl, m, _ := newTestTable(t, 2)
	cpu0, cpu1 := m.CPU(0), m.CPU(1)

	started := make(chan struct{})
	block := make(chan struct{})
	shell := func(th *Thread) {
		close(started)
		// Reading a console with no input: never returns.
		<-block
	}
	defer close(block)
	defer m.Halt()

	type report struct {
		core int
		snap Snapshot
	}
	reports := make(chan report, 1)

	th1 := tbl.InitCore(cpu1)
	go func() {
		th0 := tbl.InitCore(cpu0)
		tbl.NewProcess(cpu0, "shell", shell)
		th0.Yield()
		// Picked up again by core 1.
		reports <- report{core: th0.CPU().ID(), snap: tbl.Snapshot(th0.CPU())}
		th0.Yield()
	}()
	<-started

	want := Snapshot{
		Running:  []ProcInfo{running(3, "shell"), kthread(1)},
		Waiting:  []ProcInfo{kthread(2)},
		NumProcs: 3,
		Switches: 1,
	}
	if diff := cmp.Diff(want, tbl.Snapshot(cpu1)); diff != "" {
		t.Fatalf("after core 0 scheduled (-want +got):\n%s", diff)
	}

	// Core 1 yields to core 0's boot thread, which yields straight back.
	// The shell keeps core 0 throughout.
	th1.Yield()
	r := <-reports
	if r.core != 1 {
		t.Errorf("core 0's boot thread resumed on core %d, want 1", r.core)
	}
	want = Snapshot{
		Running:  []ProcInfo{running(3, "shell"), kthread(2)},
		Waiting:  []ProcInfo{kthread(1)},
		NumProcs: 3,
		Switches: 2,
	}
	if diff := cmp.Diff(want, r.snap); diff != "" {
		t.Errorf("seen from core 0's boot thread (-want +got):\n%s", diff)
	}
	if th1.CPU() != cpu1 {
		t.Errorf("core 1's boot thread resumed on core %d", th1.CPU().ID())
	}
	want = Snapshot{
		Running:  []ProcInfo{running(3, "shell"), kthread(1)},
		Waiting:  []ProcInfo{kthread(2)},
		NumProcs: 3,
		Switches: 3,
	}
	if diff := cmp.Diff(want, tbl.Snapshot(cpu1)); diff != "" {
		t.Errorf("final (-want +got):\n%s", diff)
	}
}

func TestPrint(t *testing.T) {
	tbl, m, _ := newTestTable(t, 2)
	cpu := m.CPU(0)
	tbl.InitCore(cpu)
	tbl.NewProcess(cpu, "shell", loop)
	tbl.NewProcess(cpu, "ps", loop)

	var buf bytes.Buffer
	tbl.Print(cpu, &buf)
	want := strings.Join([]string{
		"Currently running:",
		`  core 0: pid 1 "kthread" running`,
		"Waiting to run:",
		`  pid 2 "shell" running`,
		`  pid 3 "ps" running`,
		"",
	}, "\n")
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("Print() mismatch (-want +got):\n%s", diff)
	}
}
