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

// Package cmd holds implementations of the netengine commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"netengine.dev/netengine/pkg/config"
	"netengine.dev/netengine/pkg/log"
)

// DefaultConfigPath is used when -config is not given.
const DefaultConfigPath = "/etc/netengine/netengine.toml"

// Global holds the flags shared by every command. It is passed as the first
// argument to Execute.
type Global struct {
	// ConfigPath is the configuration file.
	ConfigPath string

	// Debug forces debug logging regardless of the configuration.
	Debug bool

	// LogFormat overrides the configured log format when set.
	LogFormat string

	// Stdout receives command output. os.Stdout when nil.
	Stdout io.Writer
}

func (g *Global) stdout() io.Writer {
	if g.Stdout == nil {
		return os.Stdout
	}
	return g.Stdout
}

// ErrorLogger is where errors are reported before exiting. Stderr when nil.
var ErrorLogger io.Writer

// Fatalf logs the error and exits with an error code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	w := ErrorLogger
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, "netengine: "+format+"\n", args...)
	os.Exit(128)
}

// failure reports err on the global logger and stderr and returns the
// failure status. Commands use it instead of Fatalf so that deferred
// cleanups run.
func failure(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	w := ErrorLogger
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, "netengine: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// loadConfig reads the configuration and installs the logger it describes.
func (g *Global) loadConfig() (*config.Config, error) {
	conf, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := g.setupLogging(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// setupLogging replaces the global logger with one honoring conf and the
// command line overrides.
func (g *Global) setupLogging(conf *config.Config) error {
	level, err := conf.LogLevel()
	if err != nil {
		return err
	}
	if g.Debug {
		level = log.Debug
	}
	format := log.Format(conf.Log.Format)
	if g.LogFormat != "" {
		format = log.Format(g.LogFormat)
	}
	log.SetTarget(log.New(os.Stderr, format, level))
	return nil
}
