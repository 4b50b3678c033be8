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

// Package config holds the kcore configuration, populated from flags and an
// optional TOML file.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/smpkernel/kcore/pkg/arch"
	"github.com/smpkernel/kcore/pkg/kstack"
)

// Config holds the configuration of a simulated board.
//
// Every field with a flag tag is set from the flag of that name. Fields
// with a toml tag may also be set from the file named by --config; flags
// given explicitly on the command line take precedence over the file.
type Config struct {
	// Cores is the number of cores brought up.
	Cores int `flag:"cores" toml:"cores"`

	// TimerDivisor sets the preemption tick to TickHz/TimerDivisor.
	TimerDivisor uint64 `flag:"timer-divisor" toml:"timer_divisor"`

	// TickHz is the system counter frequency.
	TickHz uint64 `flag:"tick-hz" toml:"tick_hz"`

	// StackSize is the size of every task stack in bytes.
	StackSize int `flag:"stack-size" toml:"stack_size"`

	// Tasks are demo commands started at boot, in order.
	Tasks StringList `flag:"tasks" toml:"tasks"`

	// Shell starts the interactive shell task on the console.
	Shell bool `flag:"shell" toml:"shell"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML configuration file. Flags given explicitly override it.")

	// Board.
	flagSet.Int("cores", arch.MaxCores, fmt.Sprintf("number of cores to bring up, 1 to %d.", arch.MaxCores))
	flagSet.Uint64("tick-hz", 19200000, "system counter frequency in Hz.")
	flagSet.Uint64("timer-divisor", 100, "preemption tick is tick-hz/timer-divisor counts.")

	// Kernel.
	flagSet.Int("stack-size", kstack.DefaultSize, "task stack size in bytes.")
	flagSet.Var(&StringList{}, "tasks", "comma-separated list of commands to start at boot.")
	flagSet.Bool("shell", true, "run the interactive shell on the console.")

	// Debugging.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set, and from the file named by its --config flag if set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	flagSet.VisitAll(func(fl *flag.Flag) {
		conf.setFlag(fl)
	})

	if path := flagSet.Lookup("config").Value.String(); path != "" {
		if err := conf.decodeFile(path); err != nil {
			return nil, err
		}
		flagSet.Visit(func(fl *flag.Flag) {
			conf.setFlag(fl)
		})
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Default returns the configuration used when no flags are given.
func Default() *Config {
	flagSet := flag.NewFlagSet("default", flag.ContinueOnError)
	RegisterFlags(flagSet)
	conf, err := NewFromFlags(flagSet)
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return conf
}

// LoadFile returns the default configuration overridden by the TOML file at
// path.
func LoadFile(path string) (*Config, error) {
	conf := Default()
	if err := conf.decodeFile(path); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFlag copies the value of fl into the field tagged with its name.
func (c *Config) setFlag(fl *flag.Flag) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok && name == fl.Name {
			getter, ok := fl.Value.(flag.Getter)
			if !ok {
				panic(fmt.Sprintf("flag %q does not implement flag.Getter", name))
			}
			obj.Field(i).Set(reflect.ValueOf(getter.Get()))
			return
		}
	}
}

// decodeFile overlays the TOML file at path onto c.
func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("loading config %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Cores < 1 || c.Cores > arch.MaxCores {
		return fmt.Errorf("cores must be between 1 and %d, got %d", arch.MaxCores, c.Cores)
	}
	if c.TickHz == 0 {
		return fmt.Errorf("tick-hz must be positive")
	}
	if c.TimerDivisor == 0 || c.TimerDivisor > c.TickHz {
		return fmt.Errorf("timer-divisor must be between 1 and tick-hz (%d), got %d", c.TickHz, c.TimerDivisor)
	}
	if c.StackSize < kstack.PageSize {
		return fmt.Errorf("stack-size must be at least %d, got %d", kstack.PageSize, c.StackSize)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return nil
}

// StringList is a comma-separated list flag.
type StringList []string

// String implements flag.Value.String.
func (l *StringList) String() string {
	return strings.Join(*l, ",")
}

// Set implements flag.Value.Set.
func (l *StringList) Set(v string) error {
	*l = nil
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

// Get implements flag.Getter.Get.
func (l *StringList) Get() any {
	return append(StringList(nil), *l...)
}
