// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package runner wraps runnerimpl backends with the common lifecycle:
// one probe at a time, a watchdog on every execution, reset of the backend
// resource after any failure and per-runner statistics.
package runner

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/log"
	"github.com/probefuzz/probefuzz/pkg/probe"
	"github.com/probefuzz/probefuzz/pkg/stat"
	"github.com/probefuzz/probefuzz/runner/runnerimpl"
	"golang.org/x/exp/maps"

	// Import all backends, so that users only need to import runner.
	_ "github.com/probefuzz/probefuzz/runner/agent"
	_ "github.com/probefuzz/probefuzz/runner/emulator"
	_ "github.com/probefuzz/probefuzz/runner/serialport"
	_ "github.com/probefuzz/probefuzz/runner/vmrun"
)

// DefaultGrace is added to the execution timeout before the watchdog abandons a backend call.
const DefaultGrace = 5 * time.Second

type Runner struct {
	typ   string
	ctor  func(*runnerimpl.Env) (runnerimpl.Runner, error)
	env   *runnerimpl.Env
	grace time.Duration
	stats *Stats

	mu   sync.Mutex
	impl runnerimpl.Runner
	// abandoned is closed when the call abandoned by the watchdog returns.
	abandoned chan struct{}
}

type Stats struct {
	Execs    *stat.Val
	Errors   *stat.Val
	Timeouts *stat.Val
	Resets   *stat.Val
	Traps    *stat.Val
	Latency  *stat.Val
	avg      stat.AverageValue[time.Duration]
}

// AvgLatency is the running average of successful executions.
func (s *Stats) AvgLatency() time.Duration {
	return s.avg.Value()
}

var metricName = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func newStats(name string) *Stats {
	prom := func(what string) stat.Prometheus {
		return stat.Prometheus(fmt.Sprintf("probefuzz_%v_%v", metricName.ReplaceAllString(name, "_"), what))
	}
	return &Stats{
		Execs: stat.New(name+" execs", fmt.Sprintf("Probe executions on %v", name),
			stat.Simple, stat.Rate{}, prom("execs")),
		Errors: stat.New(name+" errors", fmt.Sprintf("Failed executions on %v", name),
			stat.Simple, prom("errors")),
		Timeouts: stat.New(name+" timeouts", fmt.Sprintf("Executions on %v that hit the timeout", name),
			prom("timeouts")),
		Resets: stat.New(name+" resets", fmt.Sprintf("Backend resources of %v torn down after a failure", name),
			prom("resets")),
		Traps: stat.New(name+" traps", fmt.Sprintf("Probes that trapped on %v", name),
			prom("traps")),
		Latency: stat.New(name+" latency", fmt.Sprintf("Execution latency on %v", name),
			stat.Distribution{}, stat.FormatLatency),
	}
}

// Types returns the registered backend types.
func Types() []string {
	res := maps.Keys(runnerimpl.Types)
	sort.Strings(res)
	return res
}

// Create creates a runner of the given backend type. The backend resource is
// created eagerly so that configuration errors surface immediately.
func Create(typ string, env *runnerimpl.Env) (*Runner, error) {
	t, ok := runnerimpl.Types[typ]
	if !ok {
		return nil, fmt.Errorf("unknown runner type '%v'", typ)
	}
	r := &Runner{
		typ:   typ,
		ctor:  t.Ctor,
		env:   env,
		grace: DefaultGrace,
		stats: newStats(env.Name),
	}
	impl, err := r.ctor(env)
	if err != nil {
		return nil, fmt.Errorf("failed to create %v runner %v: %w", typ, env.Name, err)
	}
	r.impl = impl
	return r, nil
}

func (r *Runner) Name() string {
	return r.env.Name
}

func (r *Runner) Type() string {
	return r.typ
}

func (r *Runner) Stats() *Stats {
	return r.stats
}

// SetGrace overrides the watchdog grace period.
func (r *Runner) SetGrace(grace time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grace = grace
}

type result struct {
	snapshot *cpustate.Snapshot
	err      error
}

// Execute runs the probe on the backend. Errors are *runnerimpl.Error.
// After any error the backend resource is closed and recreated on the next call.
// The watchdog fires after the backend's Budget plus the grace period; the
// abandoned call must return before the resource is recreated.
func (r *Runner) Execute(p *probe.Program, timeout time.Duration) (*cpustate.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abandoned != nil {
		// The closed backend must return before a new one touches the same resource.
		select {
		case <-r.abandoned:
			r.abandoned = nil
		case <-time.After(r.grace):
			r.stats.Errors.Add(1)
			return nil, r.wrap(runnerimpl.BackendFatal,
				fmt.Errorf("abandoned execution has not returned %v after close", r.grace))
		}
	}
	if r.impl == nil {
		impl, err := r.ctor(r.env)
		if err != nil {
			r.stats.Errors.Add(1)
			return nil, r.wrap(runnerimpl.ConnectionFailed, err)
		}
		r.impl = impl
	}
	r.stats.Execs.Add(1)
	start := time.Now()
	impl := r.impl
	done := make(chan result, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		s, err := impl.Execute(p, timeout)
		done <- result{s, err}
	}()
	budget := timeout
	if b, ok := impl.(runnerimpl.Budgeter); ok {
		budget = b.Budget(timeout)
	}
	watchdog := time.NewTimer(budget + r.grace)
	defer watchdog.Stop()
	var res result
	select {
	case res = <-done:
	case <-watchdog.C:
		// The backend did not honor the timeout, abandon the call.
		r.abandoned = finished
		res.err = r.wrap(runnerimpl.ExecutionTimeout,
			fmt.Errorf("no response after %v", budget+r.grace))
	}
	if res.err != nil {
		r.stats.Errors.Add(1)
		if runnerimpl.Kind(res.err) == runnerimpl.ExecutionTimeout {
			r.stats.Timeouts.Add(1)
		}
		r.reset()
		return nil, r.wrap(runnerimpl.BackendFatal, res.err)
	}
	latency := time.Since(start)
	r.stats.Latency.Add(int(latency / time.Microsecond))
	r.stats.avg.Save(latency)
	if res.snapshot.Trapped() {
		r.stats.Traps.Add(1)
	}
	return res.snapshot, nil
}

// wrap makes err a *runnerimpl.Error, keeping the kind of errors that already are.
func (r *Runner) wrap(kind runnerimpl.ErrorKind, err error) error {
	var rerr *runnerimpl.Error
	if errors.As(err, &rerr) {
		if rerr.Backend == "" {
			rerr.Backend = r.env.Name
		}
		return rerr
	}
	return runnerimpl.MakeError(kind, r.env.Name, err, nil)
}

func (r *Runner) reset() {
	r.stats.Resets.Add(1)
	if r.env.Debug {
		log.Logf(0, "%v: resetting backend", r.env.Name)
	}
	if err := r.impl.Close(); err != nil {
		log.Logf(1, "%v: close failed: %v", r.env.Name, err)
	}
	r.impl = nil
}

func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.impl == nil {
		return nil
	}
	err := r.impl.Close()
	r.impl = nil
	return err
}
