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

// Package timer drives preemption from each core's generic timer.
//
// Every core arms a periodic countdown of Frequency/Divisor ticks and routes
// the non-secure physical timer interrupt to itself. The IRQ handler reloads
// the countdown and schedules directly from interrupt context.
package timer

import (
	"fmt"
	"time"

	"github.com/smpkernel/kcore/pkg/arch"
	"github.com/smpkernel/kcore/pkg/atomicbitops"
	"github.com/smpkernel/kcore/pkg/kernel"
	"github.com/smpkernel/kcore/pkg/log"
	"github.com/smpkernel/kcore/pkg/platform"
)

// DefaultDivisor gives a 10ms tick.
const DefaultDivisor = 100

// Preempter is the per-core timer IRQ handler.
type Preempter struct {
	table   *kernel.Table
	divisor uint64

	// reload is the countdown programmed on each core.
	reload [arch.MaxCores]atomicbitops.Uint64

	ticks    [arch.MaxCores]atomicbitops.Uint64
	spurious [arch.MaxCores]atomicbitops.Uint64

	tickLog log.Logger
}

// New returns a Preempter for t and installs it as t's IRQ handler. A zero
// divisor means DefaultDivisor.
func New(t *kernel.Table, divisor uint64) *Preempter {
	if divisor == 0 {
		divisor = DefaultDivisor
	}
	p := &Preempter{
		table:   t,
		divisor: divisor,
		tickLog: log.BasicRateLimitedLogger(time.Second),
	}
	t.SetIRQHandler(p.HandleIRQ)
	return p
}

// Interval returns the tick period on a timer running at freq.
func (p *Preempter) Interval(freq uint64) time.Duration {
	return ticksToDuration(reloadFor(freq, p.divisor), freq)
}

func reloadFor(freq, divisor uint64) uint64 {
	if r := freq / divisor; r > 0 {
		return r
	}
	return 1
}

// InitCore starts the tick on cpu. It must run on cpu during bring-up,
// before interrupts are unmasked there.
func (p *Preempter) InitCore(cpu platform.CPU) {
	c := cpu.ID()
	t := cpu.Timer()
	reload := reloadFor(t.Frequency(), p.divisor)
	p.reload[c].Store(reload)
	t.SetCountdown(reload)
	t.Enable()
	cpu.RouteTimerIRQ()
	log.Debugf("timer: core %d ticking every %d counts (%v)", c, reload, ticksToDuration(reload, t.Frequency()))
}

// HandleIRQ is the IRQ exception handler. It runs on the interrupted task
// with interrupts masked.
func (p *Preempter) HandleIRQ(th *kernel.Thread) {
	cpu := th.CPU()
	c := cpu.ID()
	if cpu.IRQSource()&platform.IRQCntPNS == 0 {
		p.spurious[c].Add(1)
		return
	}
	reload := p.reload[c].Load()
	if reload == 0 {
		panic(fmt.Sprintf("timer: tick on core %d before InitCore", c))
	}
	cpu.Timer().SetCountdown(reload)
	n := p.ticks[c].Add(1)
	p.tickLog.Debugf("timer: core %d tick %d, preempting pid %d", c, n, th.PID())
	th.Yield()
}

// Ticks returns the number of timer interrupts taken on core c.
func (p *Preempter) Ticks(c int) uint64 {
	return p.ticks[c].Load()
}

// Spurious returns the number of interrupts on core c that were not the
// timer.
func (p *Preempter) Spurious(c int) uint64 {
	return p.spurious[c].Load()
}

// ticksToDuration converts counter ticks at freq Hz to a Duration without
// overflowing for any realistic uptime.
func ticksToDuration(ticks, freq uint64) time.Duration {
	if freq == 0 {
		return 0
	}
	secs := ticks / freq
	rem := ticks % freq
	return time.Duration(secs)*time.Second + time.Duration(rem*uint64(time.Second)/freq)
}

// Uptime returns the time since the counter started.
func Uptime(t platform.Timer) time.Duration {
	return ticksToDuration(t.Counter(), t.Frequency())
}

// Resolution returns the duration of one counter tick, at least a
// nanosecond.
func Resolution(t platform.Timer) time.Duration {
	if d := ticksToDuration(1, t.Frequency()); d > 0 {
		return d
	}
	return time.Nanosecond
}
