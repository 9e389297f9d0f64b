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

// Package cli is the main entrypoint for netengine.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"netengine.dev/netengine/cmd/netengine/cmd"
	"netengine.dev/netengine/pkg/log"
)

var (
	configPath  = flag.String("config", cmd.DefaultConfigPath, "configuration file, TOML or YAML by extension.")
	debug       = flag.Bool("debug", false, "enable debug logging regardless of the configuration.")
	logFormat   = flag.String("log-format", "", "log format, text or json. Overrides the configuration.")
	showVersion = flag.Bool("version", false, "show version and exit.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "netengine version %s\n", cmd.Version())
		os.Exit(0)
	}

	switch log.Format(*logFormat) {
	case "", log.FormatText, log.FormatJSON:
	default:
		cmd.Fatalf("unknown log format %q", *logFormat)
	}

	// Commands that load a configuration replace this logger with the one
	// it describes.
	level := log.Info
	if *debug {
		level = log.Debug
	}
	format := log.FormatText
	if *logFormat != "" {
		format = log.Format(*logFormat)
	}
	log.SetTarget(log.New(os.Stderr, format, level))
	log.Debugf("netengine %s, %s, %s/%s, PID %d, args %v", cmd.Version(), runtime.Version(), runtime.GOOS, runtime.GOARCH, os.Getpid(), os.Args)

	g := &cmd.Global{
		ConfigPath: *configPath,
		Debug:      *debug,
		LogFormat:  *logFormat,
	}
	os.Exit(int(subcommands.Execute(context.Background(), g)))
}

// forEachCmd invokes the passed callback for each command supported by
// netengine.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Run), "")
	cb(new(cmd.Check), "")
	cb(new(cmd.Ping), "")

	// Diagnostics.
	const diag = "diagnostics"
	cb(new(cmd.SelfTest), diag)
	cb(new(cmd.VersionCmd), diag)
}
