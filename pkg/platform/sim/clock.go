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
	"time"

	"github.com/smpkernel/kcore/pkg/atomicbitops"
)

// Clock is the source of the generic timer's system counter.
type Clock interface {
	// Now returns the counter value in ticks.
	Now() uint64
}

// realClock counts ticks of a fixed frequency since it was created.
type realClock struct {
	start time.Time
	freq  uint64
}

// NewRealClock returns a Clock that advances at freq ticks per second of
// host monotonic time.
func NewRealClock(freq uint64) Clock {
	return &realClock{start: time.Now(), freq: freq}
}

// Now implements Clock.Now.
func (c *realClock) Now() uint64 {
	ns := uint64(time.Since(c.start))
	secs, rem := ns/uint64(time.Second), ns%uint64(time.Second)
	return secs*c.freq + rem*c.freq/uint64(time.Second)
}

// ManualClock is a Clock that only moves when told to. Tests use it to fire
// timer interrupts at exact points.
type ManualClock struct {
	ticks atomicbitops.Uint64
}

// Now implements Clock.Now.
func (c *ManualClock) Now() uint64 {
	return c.ticks.Load()
}

// Advance moves the clock forward by n ticks.
func (c *ManualClock) Advance(n uint64) {
	c.ticks.Add(n)
}

// timer is a core's generic timer driven by the machine clock.
//
// It implements platform.Timer.
type timer struct {
	freq     uint64
	clock    Clock
	enabled  atomicbitops.Bool
	armed    atomicbitops.Bool
	deadline atomicbitops.Uint64
}

// Frequency implements platform.Timer.Frequency.
func (t *timer) Frequency() uint64 {
	return t.freq
}

// Counter implements platform.Timer.Counter.
func (t *timer) Counter() uint64 {
	return t.clock.Now()
}

// SetCountdown implements platform.Timer.SetCountdown.
func (t *timer) SetCountdown(ticks uint64) {
	t.deadline.Store(t.clock.Now() + ticks)
	t.armed.Store(true)
}

// Enable implements platform.Timer.Enable.
func (t *timer) Enable() {
	t.enabled.Store(true)
}

// fired reports whether the countdown has expired. The condition stays
// asserted until the countdown is rewritten, like CNTP_CTL_EL0.ISTATUS.
func (t *timer) fired() bool {
	return t.enabled.Load() && t.armed.Load() && t.clock.Now() >= t.deadline.Load()
}
