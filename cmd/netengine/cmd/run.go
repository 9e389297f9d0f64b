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
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

const (
	lockFilename = "netengine.lock"

	// statusInterval is the period of the debug status record.
	statusInterval = time.Minute

	metricsShutdownTimeout = 5 * time.Second
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	stateDir string
	pcapDir  string
	sniff    bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run the engine on the configured interfaces"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - bring up the configured interfaces and route, filter and translate their traffic until interrupted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.stateDir, "state-dir", "/run/netengine", "directory holding the lock file that keeps a second engine off the same interfaces.")
	f.StringVar(&r.pcapDir, "pcap-dir", "", "if set, write one pcap file per interface to this directory.")
	f.BoolVar(&r.sniff, "sniff", false, "log a summary of every packet.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	g := args[0].(*Global)
	conf, err := g.loadConfig()
	if err != nil {
		return failure("loading configuration: %v", err)
	}

	unlock, err := lockState(r.stateDir)
	if err != nil {
		return failure("%v", err)
	}
	defer unlock()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEngine(ctx, conf, engineOptions{PCAPDir: r.pcapDir, Sniff: r.sniff})
	if err != nil {
		return failure("building engine: %v", err)
	}
	defer e.Close()

	if err := e.serve(ctx); err != nil {
		return failure("%v", err)
	}
	log.Infof("Shutting down")
	return subcommands.ExitSuccess
}

// lockState takes the engine lock in dir.
func lockState(dir string) (func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory %q: %w", dir, err)
	}
	path := filepath.Join(dir, lockFilename)
	l := flock.New(path)
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %q: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another engine holds %q", path)
	}
	return l.Unlock, nil
}

// serve runs until ctx is done or a link fails.
func (e *engine) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := e.conf.Metrics.Listen; addr != "" {
		reg := prometheus.NewRegistry()
		if err := reg.Register(stack.NewCollector(e.stack)); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		g.Go(func() error {
			log.Infof("Serving metrics on %s", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-e.linkErrs:
			return err
		}
	})

	g.Go(func() error {
		t := time.NewTicker(statusInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				e.logStatus()
			}
		}
	})

	return g.Wait()
}

func (e *engine) logStatus() {
	if !e.logger.IsLogging(log.Debug) {
		return
	}
	stats := e.stack.Stats()
	conns := 0
	if e.firewall != nil {
		conns = e.firewall.Connections()
	}
	e.logger.With(log.Fields{
		"ip_received":  stats.IP.PacketsReceived.Value(),
		"ip_forwarded": stats.IP.Forwarding.Forwarded.Value(),
		"tcp_active":   stats.TCP.ActiveConnectionOpenings.Value(),
		"tcp_passive":  stats.TCP.PassiveConnectionOpenings.Value(),
		"udp_received": stats.UDP.PacketsReceived.Value(),
		"connections":  conns,
		"routes":       e.stack.RouteTable().Len(),
		"timers":       e.stack.Timers().Len(),
	}).Debugf("status")
}
