// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"

	"github.com/probefuzz/probefuzz/pkg/compare"
	"github.com/probefuzz/probefuzz/pkg/corpus"
	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/x86"
)

// Registers and flags carried from the reference state into a reproducer seed.
// Segments keep their harness defaults since generated code never loads them.
var (
	reproRegs  = []x86.Reg{x86.AX, x86.CX, x86.DX, x86.BX, x86.BP, x86.SI, x86.DI}
	reproFlags = x86.StatusFlags | x86.DF
)

// Minimize isolates the first instruction of rep.Case whose result diverges.
// The reproducer runs that instruction alone, seeded with the reference state
// right before it. The reproducer is persisted if it still mismatches.
func (f *Fuzzer) Minimize(rep *compare.Report) (*compare.Report, error) {
	c := rep.Case
	idx, err := f.firstDivergence(c)
	if err != nil {
		return nil, err
	}
	repro := &x86.Case{
		Insns: []x86.Insn{c.Insns[idx].Clone()},
		Seed:  c.Seed.Clone(),
	}
	if idx != 0 {
		prefix := &x86.Case{Insns: c.Insns[:idx], Seed: c.Seed}
		before, err := f.runReference(prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to capture state before %v: %w", c.Insns[idx], err)
		}
		repro.Seed = seedFrom(before)
	}
	res, err := f.Run(repro)
	if err != nil {
		return nil, fmt.Errorf("reproducer failed: %w", err)
	}
	if res == nil {
		return nil, fmt.Errorf("%v does not mismatch in isolation", c.Insns[idx])
	}
	if err := f.store.SaveRepro(rep.Title(), res); err != nil {
		return nil, err
	}
	f.stats.Repros.Add(1)
	return res, nil
}

// firstDivergence runs growing prefixes of c and returns the index of the
// instruction after which the backends first disagree.
func (f *Fuzzer) firstDivergence(c *x86.Case) (int, error) {
	for n := 1; n < len(c.Insns); n++ {
		rep, err := f.Run(&x86.Case{Insns: c.Insns[:n], Seed: c.Seed})
		if err != nil {
			return 0, fmt.Errorf("prefix of %v instructions: %w", n, err)
		}
		if rep != nil {
			return n - 1, nil
		}
	}
	return len(c.Insns) - 1, nil
}

func (f *Fuzzer) runReference(c *x86.Case) (*cpustate.Snapshot, error) {
	p, err := f.builder.BuildCase(c)
	if err != nil {
		return nil, err
	}
	s, err := f.reference.Execute(p, f.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if s.Trapped() {
		return nil, fmt.Errorf("%v trapped with vector %v", f.reference.Name(), s.Trap)
	}
	return s, nil
}

func seedFrom(s *cpustate.Snapshot) x86.Seed {
	var seed x86.Seed
	for _, r := range reproRegs {
		seed.Set(r, s.Get(r))
	}
	seed.SetFlags(s.Flags & reproFlags)
	return seed
}

// Replay runs a persisted case with the loop's flag mask and ignore list.
// It returns nil if the backends agree now.
func (f *Fuzzer) Replay(entry *corpus.Entry) (*compare.Report, error) {
	if entry.Report == nil || entry.Case == nil {
		return nil, fmt.Errorf("entry %v has no case", entry.Path)
	}
	return f.Run(entry.Case)
}
