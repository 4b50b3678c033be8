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

package cmd

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/containerd/console"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/smpkernel/kcore/kcore/boot"
	"github.com/smpkernel/kcore/kcore/cmd/util"
	"github.com/smpkernel/kcore/kcore/config"
	kconsole "github.com/smpkernel/kcore/pkg/console"
	"github.com/smpkernel/kcore/pkg/log"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	duration time.Duration
	raw      bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the simulated board with this terminal as its console"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boots every core, starts the configured tasks and the shell.
Type "help" at the shell prompt for commands. ^C or ^D halts the board.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&b.duration, "duration", 0, "halt the board after this long. Zero runs until interrupted.")
	f.BoolVar(&b.raw, "raw", true, "put the terminal in raw mode so every key reaches the shell like UART input.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	if b.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.duration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		in  io.Reader = os.Stdin
		out io.Writer = os.Stdout
	)
	if b.raw {
		if term, err := console.ConsoleFromFile(os.Stdin); err != nil {
			log.Infof("Stdin is not a terminal, using line mode: %v", err)
		} else if err := term.SetRaw(); err != nil {
			log.Warningf("Setting terminal raw mode: %v", err)
		} else {
			defer term.Reset()
			in = &interruptReader{r: os.Stdin, cancel: cancel}
			out = crlfWriter{w: os.Stdout}
		}
	}

	k, err := boot.New(conf, kconsole.NewStream(in, out))
	if err != nil {
		return util.Errorf("creating kernel: %v", err)
	}
	log.Infof("Booting %d cores, tick every %v", conf.Cores, k.Preempter.Interval(conf.TickHz))
	if err := k.Run(ctx); err != nil {
		return util.Errorf("running kernel: %v", err)
	}
	return subcommands.ExitSuccess
}
