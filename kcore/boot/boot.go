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

// Package boot brings up a simulated board: one boot stream per core, each
// registering with the process table, arming its preemption timer and then
// idling, with core 0 starting the configured tasks once every core is
// online.
package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/smpkernel/kcore/kcore/config"
	"github.com/smpkernel/kcore/pkg/atomicbitops"
	"github.com/smpkernel/kcore/pkg/console"
	"github.com/smpkernel/kcore/pkg/kernel"
	"github.com/smpkernel/kcore/pkg/kernel/timer"
	"github.com/smpkernel/kcore/pkg/kstack"
	"github.com/smpkernel/kcore/pkg/log"
	"github.com/smpkernel/kcore/pkg/platform"
	"github.com/smpkernel/kcore/pkg/platform/sim"
	"github.com/smpkernel/kcore/pkg/shell"
)

// onlineTimeout bounds how long core 0 waits for the others.
const onlineTimeout = 5 * time.Second

// Kernel is a booted board.
type Kernel struct {
	conf *config.Config

	Machine   *sim.Machine
	Stacks    *kstack.MmapAllocator
	Table     *kernel.Table
	Preempter *timer.Preempter
	Commands  *shell.Registry

	online atomicbitops.Uint32
}

// New creates the board described by conf and makes cons the console.
func New(conf *config.Config, cons console.Console) (*Kernel, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	m := sim.New(sim.Options{
		NumCPUs:   conf.Cores,
		Frequency: conf.TickHz,
	})
	stacks := kstack.NewMmapAllocator()
	tbl := kernel.New(m, stacks, kernel.Options{StackSize: conf.StackSize})
	k := &Kernel{
		conf:      conf,
		Machine:   m,
		Stacks:    stacks,
		Table:     tbl,
		Preempter: timer.New(tbl, conf.TimerDivisor),
		Commands:  &shell.Registry{},
	}
	if err := registerCommands(k.Commands); err != nil {
		return nil, err
	}
	console.Register(cons)
	return k, nil
}

// Run boots every core and returns once ctx is done, after halting the
// machine.
func (k *Kernel) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		k.Machine.Halt()
		log.Infof("Machine halted")
		return nil
	})
	for c := 0; c < k.Machine.NumCPUs(); c++ {
		cpu := k.Machine.CPU(c)
		g.Go(func() error {
			return k.bringUp(gctx, cpu)
		})
	}
	return g.Wait()
}

// Online returns the number of cores that finished bring-up.
func (k *Kernel) Online() int {
	return int(k.online.Load())
}

// bringUp runs on cpu's boot stream. It only returns on failure.
func (k *Kernel) bringUp(ctx context.Context, cpu platform.CPU) error {
	th := k.Table.InitCore(cpu)
	k.Preempter.InitCore(cpu)
	k.online.Add(1)
	log.Infof("Core %d online, pid %d", cpu.ID(), th.PID())

	if cpu.ID() == 0 {
		if err := k.waitOnline(ctx); err != nil {
			return err
		}
		k.startTasks(th)
	}

	cpu.EnableInterrupts()
	idle(th)
	return nil
}

// waitOnline waits until every core has registered with the table.
func (k *Kernel) waitOnline(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, onlineTimeout)
	defer cancel()
	want := k.Machine.NumCPUs()
	b := backoff.WithContext(backoff.NewConstantBackOff(time.Millisecond), ctx)
	op := func() error {
		if n := k.Online(); n < want {
			return fmt.Errorf("%d of %d cores online", n, want)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("waiting for cores: %w", err)
	}
	return nil
}

// startTasks spawns the shell and the configured tasks from core 0.
func (k *Kernel) startTasks(th *kernel.Thread) {
	if k.conf.Shell {
		th.Spawn("shell", k.Commands.Task())
	}
	for _, name := range k.conf.Tasks {
		if _, err := k.Commands.Run(th, name); err != nil {
			log.Warningf("Not starting boot task: %v", err)
		}
	}
}

// idle is the boot stream's loop once bring-up is done. It takes the
// timer tick and hands the core to any waiting task.
func idle(th *kernel.Thread) {
	for {
		th.Poll()
		th.Yield()
		th.CPU().Relax()
	}
}
