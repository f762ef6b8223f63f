// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// probe-fuzz runs random 16-bit instruction sequences on two x86 implementations
// and records the cases where their final CPU states differ.
//
// Usage:
//
//	probe-fuzz -config fuzz.cfg                  # fuzz until a budget is exhausted
//	probe-fuzz -config fuzz.cfg -replay entry.json
//	probe-fuzz -build case.json -o probe.com
//	probe-fuzz -disasm probe.com
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/probefuzz/probefuzz/pkg/compare"
	"github.com/probefuzz/probefuzz/pkg/corpus"
	"github.com/probefuzz/probefuzz/pkg/fuzzer"
	"github.com/probefuzz/probefuzz/pkg/ifuzz"
	"github.com/probefuzz/probefuzz/pkg/log"
	"github.com/probefuzz/probefuzz/pkg/mgrconfig"
	"github.com/probefuzz/probefuzz/pkg/osutil"
	"github.com/probefuzz/probefuzz/pkg/probe"
	"github.com/probefuzz/probefuzz/pkg/stat"
	"github.com/probefuzz/probefuzz/pkg/x86"
	"github.com/probefuzz/probefuzz/runner"
	"github.com/probefuzz/probefuzz/runner/runnerimpl"
	"github.com/schollz/progressbar/v3"
)

var (
	flagConfig = flag.String("config", "", "configuration file")
	flagDebug  = flag.Bool("debug", false, "dump backend output and transport state changes")
	flagReplay = flag.String("replay", "", "replay a corpus entry and exit")
	flagBuild  = flag.String("build", "", "build the probe for a case in JSON form and exit")
	flagOutput = flag.String("o", "probe.com", "output file for -build")
	flagCPU    = flag.Int("cpu", x86.CPU386, "lowest CPU level of the backends for -build")
	flagDisasm = flag.String("disasm", "", "disassemble a probe image and exit")
)

func main() {
	flag.Parse()
	var err error
	switch {
	case *flagDisasm != "":
		err = disasm(*flagDisasm)
	case *flagBuild != "":
		err = build(*flagBuild, *flagOutput, *flagCPU)
	default:
		var cfg *mgrconfig.Config
		cfg, err = mgrconfig.LoadFile(*flagConfig)
		if err != nil {
			log.Fatalf("%v", err)
		}
		if *flagReplay != "" {
			err = replay(cfg, *flagReplay)
		} else {
			err = fuzz(cfg)
		}
	}
	if err != nil {
		log.Fatal(err)
	}
}

type Manager struct {
	cfg       *mgrconfig.Config
	runID     string
	startTime time.Time
	corpus    *corpus.Corpus
	target    *runner.Runner
	reference *runner.Runner
	fuzzer    *fuzzer.Fuzzer
}

func newManager(cfg *mgrconfig.Config) (*Manager, error) {
	mgr := &Manager{
		cfg:       cfg,
		runID:     uuid.NewString(),
		startTime: time.Now(),
	}
	var err error
	mgr.corpus, err = corpus.Open(cfg.CorpusDir(), corpus.Options{
		MaxPerTitle:      cfg.MaxPerTitle,
		RunID:            mgr.runID,
		TargetBackend:    cfg.Target.Name,
		ReferenceBackend: cfg.Reference.Name,
	})
	if err != nil {
		return nil, err
	}
	stat.New("corpus", "Stored mismatch reports", stat.Console,
		func() int { return mgr.corpus.Len() }, stat.Prometheus("probefuzz_corpus"))
	if mgr.target, err = createRunner(cfg, &cfg.Target); err != nil {
		return nil, err
	}
	if mgr.reference, err = createRunner(cfg, &cfg.Reference); err != nil {
		mgr.target.Close()
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	log.Logf(0, "run %v: seed %v, %v vs %v", mgr.runID, cfg.Seed, cfg.Target.Name, cfg.Reference.Name)
	gen, err := ifuzz.NewGenerator(cfg.Generator, rand.New(rand.NewSource(cfg.Seed)), mgr.corpus)
	if err != nil {
		mgr.close()
		return nil, err
	}
	mgr.fuzzer = fuzzer.New(fuzzer.Config{
		Iterations: cfg.Iterations,
		Duration:   cfg.ParsedDuration,
		Timeout:    cfg.ParsedTimeout,
		Concurrent: cfg.Concurrent,
		Minimize:   cfg.Minimize,
		Mask:       cfg.Mask,
		Ignore:     cfg.Ignore,
		MaxFatal:   cfg.MaxFatal,
	}, gen, probe.NewBuilder(cfg.MaxProbeSize, cfg.CPU), mgr.target, mgr.reference, mgr.corpus)
	return mgr, nil
}

func createRunner(cfg *mgrconfig.Config, b *mgrconfig.Backend) (*runner.Runner, error) {
	workdir := cfg.RunnerDir(b)
	if err := osutil.MkdirAll(workdir); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", workdir, err)
	}
	r, err := runner.Create(b.Type, &runnerimpl.Env{
		Name:    b.Name,
		Workdir: workdir,
		Debug:   *flagDebug,
		Config:  b.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %v runner %v: %w", b.Type, b.Name, err)
	}
	return r, nil
}

func (mgr *Manager) close() {
	for _, r := range []*runner.Runner{mgr.target, mgr.reference} {
		if err := r.Close(); err != nil {
			log.Logf(0, "failed to close %v: %v", r.Name(), err)
		}
	}
}

func fuzz(cfg *mgrconfig.Config) error {
	log.EnableLogCaching(1000, 1<<20)
	mgr, err := newManager(cfg)
	if err != nil {
		return err
	}
	defer mgr.close()
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if cfg.HTTP != "" {
		mgr.initHTTP()
	}
	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()
	stop := mgr.progress()
	err = mgr.fuzzer.Loop(ctx)
	stop()
	stats := mgr.fuzzer.Stats()
	log.Logf(0, "done: %v iterations, %v mismatches in %v titles, %v exec errors, corpus %v",
		stats.Iterations.Val(), stats.Mismatches.Val(), stats.Titles.Val(),
		stats.ExecErrors.Val(), cfg.CorpusDir())
	return err
}

// progress draws a progress bar for runs with an iteration budget.
// The returned function stops it.
func (mgr *Manager) progress() func() {
	if mgr.cfg.Iterations == 0 || log.V(1) {
		return func() {}
	}
	iterations := mgr.fuzzer.Stats().Iterations
	bar := progressbar.Default(int64(mgr.cfg.Iterations), mgr.cfg.Name)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				bar.Set(iterations.Val())
			case <-done:
				bar.Set(iterations.Val())
				bar.Finish()
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func replay(cfg *mgrconfig.Config, file string) error {
	entry, err := corpus.LoadEntry(file)
	if err != nil {
		return err
	}
	mgr, err := newManager(cfg)
	if err != nil {
		return err
	}
	defer mgr.close()
	rep, err := mgr.fuzzer.Replay(entry)
	if err != nil {
		return err
	}
	if rep == nil {
		fmt.Printf("%v: backends agree now\n%v", entry.Title, entry.Case)
		return nil
	}
	if compare.Equal(entry.Report, rep) {
		fmt.Printf("%v: reproduced\n", entry.Title)
	} else {
		fmt.Printf("%v: reproduced as %v\n", entry.Title, rep.Title())
	}
	os.Stdout.Write(compare.Render(rep))
	return nil
}

func build(file, output string, cpu int) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	c := new(x86.Case)
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %v: %w", file, err)
	}
	p, err := probe.NewBuilder(0, cpu).BuildCase(c)
	if err != nil {
		return err
	}
	if err := osutil.WriteFile(output, p.Image); err != nil {
		return err
	}
	fmt.Printf("wrote %v: %v bytes, test code at 0x%04x (%v bytes), output block at 0x%04x\n",
		output, len(p.Image), p.Origin+p.TestOffset, p.TestSize, p.Origin+p.BlockOffset)
	return nil
}

func disasm(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	for _, line := range x86.Disassemble(data, probe.Origin) {
		fmt.Println(line)
	}
	return nil
}
