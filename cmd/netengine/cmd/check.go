// Copyright 2026 The gVisor Authors.
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
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"netengine.dev/netengine/pkg/config"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	dump bool
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "validate the configuration file"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [flags] [file] - validate file, or the -config file, without touching any interface.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.dump, "dump", false, "print the effective configuration, defaults included, as TOML.")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	g := args[0].(*Global)
	path := g.ConfigPath
	switch f.NArg() {
	case 0:
	case 1:
		path = f.Arg(0)
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}

	conf, err := config.Load(path)
	if err != nil {
		return failure("%v", err)
	}
	out := g.stdout()
	if c.dump {
		if err := toml.NewEncoder(out).Encode(conf); err != nil {
			return failure("encoding configuration: %v", err)
		}
		return subcommands.ExitSuccess
	}
	fmt.Fprintf(out, "%s: ok, %d interfaces, %d routes, %d firewall rules, %d NAT rules\n",
		path, len(conf.Interfaces), len(conf.Routes), len(conf.Firewall.Rules), len(conf.Firewall.NAT))
	return subcommands.ExitSuccess
}
