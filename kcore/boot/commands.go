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

package boot

import (
	"fmt"

	"github.com/smpkernel/kcore/pkg/console"
	"github.com/smpkernel/kcore/pkg/kernel"
	"github.com/smpkernel/kcore/pkg/kernel/timer"
	"github.com/smpkernel/kcore/pkg/shell"
)

// spinTime is how long the spin command stays busy, in hundredths of a
// second of counter time.
const spinTime = 5

func registerCommands(r *shell.Registry) error {
	for _, c := range []shell.Command{
		{Name: "hello", Entry: hello},
		{Name: "ps", Entry: ps},
		{Name: "uptime", Entry: uptime},
		{Name: "spin", Entry: spin},
	} {
		if err := r.Register(c.Name, c.Entry); err != nil {
			return err
		}
	}
	return nil
}

func hello(th *kernel.Thread) {
	fmt.Fprintf(console.Get(), "hello from %q pid %d on core %d\n", th.Name(), th.PID(), th.CPU().ID())
}

func ps(th *kernel.Thread) {
	th.Table().Print(th.CPU(), console.Get())
}

func uptime(th *kernel.Thread) {
	t := th.CPU().Timer()
	fmt.Fprintf(console.Get(), "up %v, timer resolution %v\n", timer.Uptime(t), timer.Resolution(t))
}

// spin stays busy across several scheduler ticks, so it gets preempted.
func spin(th *kernel.Thread) {
	t := th.CPU().Timer()
	busy := spinTime * t.Frequency() / 100
	start := t.Counter()
	for th.CPU().Timer().Counter()-start < busy {
		th.Poll()
		th.CPU().Relax()
	}
	fmt.Fprintf(console.Get(), "spin pid %d done on core %d\n", th.PID(), th.CPU().ID())
}
