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

// Package shell implements the command registry and the interactive shell
// task. Every command runs as its own kernel task.
package shell

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/smpkernel/kcore/pkg/console"
	"github.com/smpkernel/kcore/pkg/kernel"
	"github.com/smpkernel/kcore/pkg/log"
	"github.com/smpkernel/kcore/pkg/platform"
	"github.com/smpkernel/kcore/pkg/sync"
)

// MaxCommands is the capacity of a Registry.
const MaxCommands = 10

// Prompt is printed before every command line.
const Prompt = "shell > "

// ErrFull is returned when registering into a full Registry.
var ErrFull = errors.New("command registry full")

// Command is a registered command.
type Command struct {
	Name  string
	Entry kernel.Entry
}

type commands struct {
	list []Command
}

// Registry holds the commands the shell can run.
//
// Like the process table, the registry lock is only taken with interrupts
// masked on the calling core, so a tick never preempts its holder. Register
// and the host-side accessors take no CPU: they run during bring-up or
// outside the machine, where no IRQ can be taken.
type Registry struct {
	mu sync.SpinMutex[commands]
}

// lock masks interrupts on cpu and takes the registry lock. A nil cpu
// takes the lock alone.
func (r *Registry) lock(cpu platform.CPU) (sync.Guard[commands], bool) {
	if cpu == nil {
		return r.mu.Lock(), false
	}
	wasEnabled := cpu.DisableInterrupts()
	return r.mu.LockWith(cpu.Relax), wasEnabled
}

func unlock(cpu platform.CPU, g sync.Guard[commands], wasEnabled bool) {
	g.Unlock()
	if wasEnabled {
		cpu.EnableInterrupts()
	}
}

// Register adds a command. Names are matched exactly; the first registered
// command of a name wins.
func (r *Registry) Register(name string, entry kernel.Entry) error {
	if name == "" || strings.ContainsRune(name, ' ') {
		return fmt.Errorf("invalid command name %q", name)
	}
	g := r.mu.Lock()
	defer g.Unlock()
	cmds := g.Data()
	if len(cmds.list) >= MaxCommands {
		return fmt.Errorf("registering %q: %w", name, ErrFull)
	}
	cmds.list = append(cmds.list, Command{Name: name, Entry: entry})
	return nil
}

// Commands returns the registered commands in registration order.
func (r *Registry) Commands() []Command {
	return r.commands(nil)
}

func (r *Registry) commands(cpu platform.CPU) []Command {
	g, wasEnabled := r.lock(cpu)
	defer unlock(cpu, g, wasEnabled)
	return append([]Command(nil), g.Data().list...)
}

// Lookup finds a command by name from a task running on cpu.
func (r *Registry) Lookup(cpu platform.CPU, name string) (Command, bool) {
	g, wasEnabled := r.lock(cpu)
	defer unlock(cpu, g, wasEnabled)
	for _, c := range g.Data().list {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

// Help writes the command list to w.
func (r *Registry) Help(w io.Writer) {
	r.help(nil, w)
}

func (r *Registry) help(cpu platform.CPU, w io.Writer) {
	fmt.Fprintf(w, "Here are the available commands:\n")
	for _, c := range r.commands(cpu) {
		fmt.Fprintf(w, "  %s\n", c.Name)
	}
}

// Run spawns the command named by the first word of line from th.
// Arguments are ignored.
func (r *Registry) Run(th *kernel.Thread, line string) (kernel.PID, error) {
	name, _, _ := strings.Cut(line, " ")
	c, ok := r.Lookup(th.CPU(), name)
	if !ok {
		return 0, fmt.Errorf("unknown command %q", name)
	}
	pid := th.Spawn(c.Name, c.Entry)
	log.Debugf("shell: started %q as pid %d", c.Name, pid)
	return pid, nil
}

// Task returns the entry of the shell task. It serves the current console
// until input ends.
func (r *Registry) Task() kernel.Entry {
	return func(th *kernel.Thread) {
		r.serve(th, console.Get())
	}
}

func (r *Registry) serve(th *kernel.Thread, cons console.Console) {
	io.WriteString(cons, Prompt)
	var line []byte
	lastCR := false
	for {
		c, err := cons.ReadByte()
		if err != nil {
			if err != io.EOF {
				log.Warningf("shell: reading console: %v", err)
			}
			return
		}
		cons.Write([]byte{c})

		switch {
		case c == '\n' && lastCR:
			// Second half of CRLF.
		case c == '\n' || c == '\r':
			r.dispatch(th, cons, string(line))
			line = line[:0]
			io.WriteString(cons, Prompt)
		default:
			line = append(line, c)
		}
		lastCR = c == '\r'
		th.Poll()
	}
}

func (r *Registry) dispatch(th *kernel.Thread, w io.Writer, line string) {
	io.WriteString(w, "\n")
	switch line {
	case "help":
		r.help(th.CPU(), w)
	case "":
	default:
		if _, err := r.Run(th, line); err != nil {
			fmt.Fprintf(w, "%v\n", err)
		}
	}
}
