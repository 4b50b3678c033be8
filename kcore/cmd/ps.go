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
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/smpkernel/kcore/kcore/boot"
	"github.com/smpkernel/kcore/kcore/cmd/util"
	"github.com/smpkernel/kcore/kcore/config"
	kconsole "github.com/smpkernel/kcore/pkg/console"
)

// PS implements subcommands.Command for the "ps" command.
type PS struct {
	duration time.Duration
}

// Name implements subcommands.Command.Name.
func (*PS) Name() string {
	return "ps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PS) Synopsis() string {
	return "boot without a shell, start the configured tasks and dump the process table"
}

// Usage implements subcommands.Command.Usage.
func (*PS) Usage() string {
	return `ps [flags] [task...] - boots, starts the configured tasks plus any given
as arguments, then runs the ps command and halts.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *PS) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&p.duration, "duration", 200*time.Millisecond, "how long to run before halting.")
}

// Execute implements subcommands.Command.Execute.
func (p *PS) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := *args[0].(*config.Config)
	conf.Shell = false
	conf.Tasks = append(append(config.StringList(nil), conf.Tasks...), f.Args()...)
	conf.Tasks = append(conf.Tasks, "ps")

	k, err := boot.New(&conf, kconsole.NewStream(strings.NewReader(""), os.Stdout))
	if err != nil {
		return util.Errorf("creating kernel: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.duration)
	defer cancel()
	if err := k.Run(ctx); err != nil {
		return util.Errorf("running kernel: %v", err)
	}
	return subcommands.ExitSuccess
}
