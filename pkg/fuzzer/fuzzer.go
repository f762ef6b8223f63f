// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer drives the differential loop: generate a case, build the probe,
// run it on the target and the reference, compare the snapshots and persist
// mismatches.
package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/probefuzz/probefuzz/pkg/compare"
	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/log"
	"github.com/probefuzz/probefuzz/pkg/probe"
	"github.com/probefuzz/probefuzz/pkg/x86"
	"github.com/probefuzz/probefuzz/runner/runnerimpl"
	"golang.org/x/sync/errgroup"
)

// Executor runs probes on one implementation. *runner.Runner implements it.
type Executor interface {
	Name() string
	Execute(p *probe.Program, timeout time.Duration) (*cpustate.Snapshot, error)
}

// Source produces the cases to run, e.g. *ifuzz.Generator.
type Source interface {
	Next() (*x86.Case, bool)
}

// Store persists mismatches, e.g. *corpus.Corpus.
type Store interface {
	Add(rep *compare.Report) (bool, error)
	SaveRepro(title string, rep *compare.Report) error
}

type Config struct {
	Iterations int           // 0: no limit
	Duration   time.Duration // 0: no limit
	Timeout    time.Duration // per execution
	Concurrent bool
	Minimize   bool
	Mask       x86.Flags
	Ignore     []string
	MaxFatal   int // more consecutive BackendFatal errors stop the loop
}

type Fuzzer struct {
	cfg       Config
	source    Source
	builder   *probe.Builder
	target    Executor
	reference Executor
	store     Store
	stats     *Stats
}

func New(cfg Config, source Source, builder *probe.Builder, target, reference Executor, store Store) *Fuzzer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFatal <= 0 {
		cfg.MaxFatal = 3
	}
	return &Fuzzer{
		cfg:       cfg,
		source:    source,
		builder:   builder,
		target:    target,
		reference: reference,
		store:     store,
		stats:     newStats(),
	}
}

func (f *Fuzzer) Stats() *Stats {
	return f.stats
}

// ErrTooManyFatal is returned by Loop when a backend keeps failing.
var ErrTooManyFatal = errors.New("too many consecutive fatal backend errors")

// Loop runs iterations until a budget is exhausted, the source is drained
// or ctx is cancelled, all of which return nil.
func (f *Fuzzer) Loop(ctx context.Context) error {
	start := time.Now()
	fatal := 0
	for i := 0; f.cfg.Iterations == 0 || i < f.cfg.Iterations; i++ {
		if ctx.Err() != nil {
			log.Logf(0, "interrupted after %v iterations", i)
			return nil
		}
		if f.cfg.Duration != 0 && time.Since(start) >= f.cfg.Duration {
			log.Logf(0, "time budget of %v exhausted after %v iterations", f.cfg.Duration, i)
			return nil
		}
		c, ok := f.source.Next()
		if !ok {
			return nil
		}
		f.stats.Iterations.Add(1)
		rep, err := f.Run(c)
		if err != nil {
			if f.failed(c, err) {
				fatal++
				if fatal > f.cfg.MaxFatal {
					return fmt.Errorf("%w (%v): %w", ErrTooManyFatal, fatal, err)
				}
			}
			continue
		}
		fatal = 0
		if rep != nil {
			f.mismatch(rep)
		}
	}
	log.Logf(0, "iteration budget of %v exhausted", f.cfg.Iterations)
	return nil
}

// failed records an iteration error and reports whether it was BackendFatal.
func (f *Fuzzer) failed(c *x86.Case, err error) bool {
	var buildErr *probe.BuildError
	if errors.As(err, &buildErr) {
		f.stats.BuildErrors.Add(1)
		log.Logf(1, "skipping case: %v\n%v", err, c)
		return false
	}
	f.stats.ExecErrors.Add(1)
	kind := runnerimpl.Kind(err)
	if kind == runnerimpl.ExecutionTimeout {
		f.stats.Timeouts.Add(1)
	}
	log.Logf(0, "execution failed: %v\n%v", err, c)
	return kind == runnerimpl.BackendFatal
}

func (f *Fuzzer) mismatch(rep *compare.Report) {
	f.stats.Mismatches.Add(1)
	title := rep.Title()
	first, err := f.store.Add(rep)
	if err != nil {
		log.Errorf("failed to save mismatch %q: %v", title, err)
		return
	}
	if !first {
		log.Logf(1, "mismatch: %v\n%v", title, rep.Case)
		return
	}
	f.stats.Titles.Add(1)
	log.Logf(0, "new mismatch: %v (target %v, reference %v)\n%v",
		title, f.target.Name(), f.reference.Name(), rep.Case)
	if !f.cfg.Minimize {
		return
	}
	repro, err := f.Minimize(rep)
	if err != nil {
		log.Logf(0, "failed to minimize %q: %v", title, err)
		return
	}
	log.Logf(0, "minimized %q to %q\n%v", title, repro.Title(), repro.Case)
}

// Run builds c, executes it on both backends and compares the results.
// It returns a nil report if the backends agree.
func (f *Fuzzer) Run(c *x86.Case) (*compare.Report, error) {
	target, reference, err := f.execute(c)
	if err != nil {
		return nil, err
	}
	if target.Trapped() || reference.Trapped() {
		f.stats.Traps.Add(1)
	}
	// Bits left undefined by any instruction of the case are never compared.
	mask := f.cfg.Mask &^ x86.UndefinedFlagsAll(c.Insns)
	rep := compare.Compare(target, reference, mask, f.cfg.Ignore)
	if rep != nil {
		rep.Case = c
	}
	return rep, nil
}

func (f *Fuzzer) execute(c *x86.Case) (*cpustate.Snapshot, *cpustate.Snapshot, error) {
	p, err := f.builder.BuildCase(c)
	if err != nil {
		return nil, nil, err
	}
	var target, reference *cpustate.Snapshot
	var targetErr, referenceErr error
	runTarget := func() error {
		target, targetErr = f.timed(f.target, p)
		return targetErr
	}
	runReference := func() error {
		reference, referenceErr = f.timed(f.reference, p)
		return referenceErr
	}
	if f.cfg.Concurrent {
		// Every runner is owned by one goroutine, both are joined before comparing.
		var g errgroup.Group
		g.Go(runTarget)
		g.Go(runReference)
		g.Wait()
	} else if runTarget() == nil {
		runReference()
	}
	if targetErr != nil && referenceErr != nil {
		log.Logf(1, "%v also failed: %v", f.reference.Name(), referenceErr)
	}
	if targetErr != nil {
		return nil, nil, targetErr
	}
	if referenceErr != nil {
		return nil, nil, referenceErr
	}
	return target, reference, nil
}

func (f *Fuzzer) timed(e Executor, p *probe.Program) (*cpustate.Snapshot, error) {
	start := time.Now()
	s, err := e.Execute(p, f.cfg.Timeout)
	if err == nil {
		f.stats.Latency.Add(int(time.Since(start) / time.Microsecond))
	}
	return s, err
}
