// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package ifuzz generates and mutates 16-bit real-mode x86 test cases.
package ifuzz

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/probefuzz/probefuzz/pkg/x86"
)

type Config struct {
	Allow     []string  `json:"allow,omitempty"` // mnemonics to generate, all supported if empty
	Width     x86.Width `json:"width"`           // operand width: 0 (any), 8 or 16
	MaxInsns  int       `json:"max_insns"`       // max instructions per case
	MaxCPU    int       `json:"max_cpu"`         // one of x86.CPU8086, x86.CPU186, x86.CPU386
	MutatePct int       `json:"mutate_pct"`      // percent of cases mutated from the corpus
	Retries   int       `json:"retries"`         // attempts to produce a valid candidate
	Count     int       `json:"count"`           // number of cases to produce, 0 for unbounded
}

func DefaultConfig() Config {
	return Config{
		MaxInsns:  4,
		MaxCPU:    x86.CPU386,
		MutatePct: 50,
		Retries:   10,
	}
}

func (cfg *Config) Validate() error {
	if cfg.Width != 0 && cfg.Width != x86.W8 && cfg.Width != x86.W16 {
		return fmt.Errorf("bad width %v, want 0, 8 or 16", cfg.Width)
	}
	if cfg.MaxInsns < 1 {
		return fmt.Errorf("max_insns must be positive")
	}
	switch cfg.MaxCPU {
	case x86.CPU8086, x86.CPU186, x86.CPU386:
	default:
		return fmt.Errorf("bad max_cpu %v, want %v, %v or %v", cfg.MaxCPU, x86.CPU8086, x86.CPU186, x86.CPU386)
	}
	if cfg.MutatePct < 0 || cfg.MutatePct > 100 {
		return fmt.Errorf("mutate_pct must be in [0, 100]")
	}
	if cfg.Retries < 0 || cfg.Count < 0 {
		return fmt.Errorf("retries and count can't be negative")
	}
	for _, name := range cfg.Allow {
		name = strings.ToLower(name)
		if len(x86.Forms(name)) == 0 {
			return fmt.Errorf("unsupported mnemonic %q", name)
		}
		if deniedMnemonics[name] {
			return fmt.Errorf("mnemonic %q breaks the probe harness and can't be generated", name)
		}
	}
	return nil
}

// Source provides cases that serve as mutation seeds.
type Source interface {
	Cases() []*x86.Case
}

type Generator struct {
	cfg     Config
	r       *randGen
	corpus  Source
	choices []*choice
	byName  map[string]*choice
	count   int
}

type choice struct {
	mnemonic string
	forms    []x86.Form
	arities  []int
}

// NewGenerator creates a generator drawing randomness only from rnd.
// corpus may be nil.
func NewGenerator(cfg Config, rnd *rand.Rand, corpus Source) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Generator{
		cfg:    cfg,
		r:      &randGen{rnd},
		corpus: corpus,
		byName: make(map[string]*choice),
	}
	names := cfg.Allow
	if len(names) == 0 {
		for _, name := range x86.Mnemonics() {
			if !deniedMnemonics[name] && !optInMnemonics[name] {
				names = append(names, name)
			}
		}
	}
	for _, name := range names {
		name = strings.ToLower(name)
		if g.byName[name] != nil {
			continue
		}
		c := &choice{mnemonic: name}
		seen := make(map[int]bool)
		for _, form := range x86.Forms(name) {
			if !g.usable(form) {
				continue
			}
			c.forms = append(c.forms, form)
			if !seen[len(form.Args)] {
				seen[len(form.Args)] = true
				c.arities = append(c.arities, len(form.Args))
			}
		}
		if len(c.forms) == 0 {
			continue
		}
		g.choices = append(g.choices, c)
		g.byName[name] = c
	}
	if len(g.choices) == 0 {
		return nil, fmt.Errorf("no instruction forms left for width %v and cpu %v", cfg.Width, cfg.MaxCPU)
	}
	return g, nil
}

func (g *Generator) usable(form x86.Form) bool {
	if form.CPU > g.cfg.MaxCPU {
		return false
	}
	if g.cfg.Width == 0 {
		return true
	}
	for _, arg := range form.Args {
		if (arg.Reg || arg.Mem) && !arg.Seg {
			return arg.Width == g.cfg.Width
		}
	}
	return true
}

// Next returns the next case, or false when Count cases were produced.
func (g *Generator) Next() (*x86.Case, bool) {
	if g.cfg.Count != 0 && g.count >= g.cfg.Count {
		return nil, false
	}
	g.count++
	if g.corpus != nil && g.r.Intn(100) < g.cfg.MutatePct {
		if cases := g.corpus.Cases(); len(cases) != 0 {
			return g.Mutate(cases[g.r.Intn(len(cases))]), true
		}
	}
	return g.Generate(), true
}

// Generate returns a fresh random case.
func (g *Generator) Generate() *x86.Case {
	c := new(x86.Case)
	n := 1 + g.r.Intn(g.cfg.MaxInsns)
	for len(c.Insns) < n {
		c.Insns = append(c.Insns, g.generateInsn())
	}
	for _, r := range seedRegs {
		if g.r.bin() {
			c.Seed.Set(r, g.r.value(x86.W16))
		}
	}
	if g.r.bin() {
		c.Seed.SetFlags(g.r.flags())
	}
	return c
}

// Valid reports whether c is a case the generator could have produced.
func (g *Generator) Valid(c *x86.Case) bool {
	if len(c.Insns) == 0 || len(c.Insns) > g.cfg.MaxInsns {
		return false
	}
	for _, insn := range c.Insns {
		if !g.allowed(insn) {
			return false
		}
	}
	for r := range c.Seed.Regs {
		if !isSeedReg(r) {
			return false
		}
	}
	return c.Seed.Flags == nil || *c.Seed.Flags&^seedFlags == 0
}

func (g *Generator) allowed(insn x86.Insn) bool {
	if g.byName[strings.ToLower(insn.Mnemonic)] == nil || denied(insn) {
		return false
	}
	if g.cfg.Width != 0 {
		if w := dataWidth(insn); w != 0 && w != g.cfg.Width {
			return false
		}
	}
	for _, op := range insn.Operands {
		if op.Kind == x86.KindMem && op.Seg != x86.RegNone {
			return false
		}
	}
	if _, err := x86.Encode(insn); err != nil {
		return false
	}
	cpu, err := x86.MinCPU(insn)
	return err == nil && cpu <= g.cfg.MaxCPU
}

func dataWidth(insn x86.Insn) x86.Width {
	for _, op := range insn.Operands {
		switch {
		case op.Kind == x86.KindReg && !op.Reg.IsSeg():
			return op.Reg.Width()
		case op.Kind == x86.KindMem:
			return op.Width
		}
	}
	return 0
}

var (
	// deniedMnemonics break the probe harness: popf can set TF,
	// lds/les move later memory operands outside the scratch segment.
	deniedMnemonics = map[string]bool{
		"popf": true,
		"lds":  true,
		"les":  true,
	}
	// optInMnemonics are generated only when named in Config.Allow.
	optInMnemonics = map[string]bool{
		"int": true,
	}
	seedRegs  = []x86.Reg{x86.AX, x86.CX, x86.DX, x86.BX, x86.BP, x86.SI, x86.DI}
	seedFlags = x86.StatusFlags | x86.DF
)

func isSeedReg(r x86.Reg) bool {
	for _, sr := range seedRegs {
		if r == sr {
			return true
		}
	}
	return false
}

// denied reports instructions that would corrupt the harness state:
// explicit writes to SP or segment registers, and any INT but 3.
func denied(insn x86.Insn) bool {
	name := strings.ToLower(insn.Mnemonic)
	if deniedMnemonics[name] {
		return true
	}
	if name == "int" {
		return len(insn.Operands) != 1 || insn.Operands[0].Imm != 3
	}
	for _, op := range written(name, insn.Operands) {
		if op.Kind == x86.KindReg && (op.Reg == x86.SP || op.Reg.IsSeg()) {
			return true
		}
	}
	return false
}

func written(name string, ops []x86.Operand) []x86.Operand {
	switch {
	case len(ops) == 0:
		return nil
	case name == "xchg":
		return ops
	case name == "cmp" || name == "test" || name == "push":
		return nil
	case len(ops) == 1 && (name == "mul" || name == "imul" || name == "div" || name == "idiv"):
		return nil
	}
	return ops[:1]
}
