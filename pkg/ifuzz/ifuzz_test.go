// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ifuzz

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/probefuzz/probefuzz/pkg/x86"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const iters = 2000

func newGen(t *testing.T, cfg Config, seed int64, corpus Source) *Generator {
	g, err := NewGenerator(cfg, rand.New(rand.NewSource(seed)), corpus)
	require.NoError(t, err)
	return g
}

func checkCase(t *testing.T, cfg Config, c *x86.Case) {
	t.Helper()
	if len(c.Insns) == 0 || len(c.Insns) > cfg.MaxInsns {
		t.Fatalf("bad case length %v:\n%v", len(c.Insns), c)
	}
	for _, insn := range c.Insns {
		if _, err := x86.Encode(insn); err != nil {
			t.Fatalf("generated invalid insn %v: %v", insn, err)
		}
		cpu, err := x86.MinCPU(insn)
		require.NoError(t, err)
		if cpu > cfg.MaxCPU {
			t.Fatalf("insn %v needs cpu %v, max %v", insn, cpu, cfg.MaxCPU)
		}
		if denied(insn) {
			t.Fatalf("generated denied insn %v", insn)
		}
		for _, op := range insn.Operands {
			if op.Kind == x86.KindMem && op.Seg != x86.RegNone {
				t.Fatalf("generated segment override in %v", insn)
			}
		}
	}
	for r := range c.Seed.Regs {
		if r == x86.SP || r.IsSeg() {
			t.Fatalf("seeded %v", r)
		}
	}
	if c.Seed.Flags != nil && *c.Seed.Flags&x86.TF != 0 {
		t.Fatalf("seeded tf")
	}
}

func TestGenerate(t *testing.T) {
	for _, cpu := range []int{x86.CPU8086, x86.CPU186, x86.CPU386} {
		cfg := DefaultConfig()
		cfg.MaxCPU = cpu
		g := newGen(t, cfg, int64(cpu), nil)
		for i := 0; i < iters; i++ {
			c := g.Generate()
			checkCase(t, cfg, c)
			assert.True(t, g.Valid(c), "case:\n%v", c)
		}
	}
}

func TestDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 100
	var runs [2][]*x86.Case
	for i := range runs {
		g := newGen(t, cfg, 42, nil)
		for c, ok := g.Next(); ok; c, ok = g.Next() {
			runs[i] = append(runs[i], c)
		}
	}
	assert.Len(t, runs[0], 100)
	if diff := cmp.Diff(runs[0], runs[1]); diff != "" {
		t.Fatalf("same seed, different cases (-first +second):\n%s", diff)
	}
}

func TestWidth(t *testing.T) {
	for _, w := range []x86.Width{x86.W8, x86.W16} {
		cfg := DefaultConfig()
		cfg.Width = w
		g := newGen(t, cfg, 1, nil)
		for i := 0; i < iters; i++ {
			c := g.Generate()
			for _, insn := range c.Insns {
				if dw := dataWidth(insn); dw != 0 && dw != w {
					t.Fatalf("width %v: generated %v", w, insn)
				}
			}
		}
	}
}

func TestDenyList(t *testing.T) {
	tests := []struct {
		insn   x86.Insn
		denied bool
	}{
		{x86.MakeInsn("popf"), true},
		{x86.MakeInsn("pushf"), false},
		{x86.MakeInsn("int", x86.Immediate(0x21, x86.W8)), true},
		{x86.MakeInsn("int", x86.Immediate(3, x86.W8)), false},
		{x86.MakeInsn("mov", x86.Register(x86.SP), x86.Register(x86.AX)), true},
		{x86.MakeInsn("mov", x86.Register(x86.AX), x86.Register(x86.SP)), false},
		{x86.MakeInsn("mov", x86.Register(x86.SS), x86.Register(x86.AX)), true},
		{x86.MakeInsn("mov", x86.Register(x86.AX), x86.Register(x86.SS)), false},
		{x86.MakeInsn("pop", x86.Register(x86.SS)), true},
		{x86.MakeInsn("push", x86.Register(x86.SS)), false},
		{x86.MakeInsn("xchg", x86.Register(x86.AX), x86.Register(x86.SP)), true},
		{x86.MakeInsn("inc", x86.Register(x86.SP)), true},
		{x86.MakeInsn("cmp", x86.Register(x86.SP), x86.Immediate(1, x86.W16)), false},
		{x86.MakeInsn("idiv", x86.Register(x86.BL)), false},
		{x86.MakeInsn("lds", x86.Register(x86.SI), x86.Memory(x86.BaseBX, 0, x86.W32)), true},
	}
	for _, test := range tests {
		assert.Equal(t, test.denied, denied(test.insn), "%v", test.insn)
	}
}

func TestIntOptIn(t *testing.T) {
	cfg := DefaultConfig()
	g := newGen(t, cfg, 3, nil)
	for i := 0; i < iters; i++ {
		for _, insn := range g.Generate().Insns {
			if insn.Mnemonic == "int" {
				t.Fatalf("int generated by default")
			}
		}
	}
	cfg.Allow = []string{"int", "nop"}
	g = newGen(t, cfg, 3, nil)
	ints := 0
	for i := 0; i < iters; i++ {
		for _, insn := range g.Generate().Insns {
			if insn.Mnemonic == "int" {
				ints++
				assert.Equal(t, int64(3), insn.Operands[0].Imm)
			}
		}
	}
	assert.NotZero(t, ints)
}

func TestSpecialValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Allow = []string{"mov"}
	g := newGen(t, cfg, 5, nil)
	special, total := 0, 0
	isSpecial := make(map[uint16]bool)
	for _, v := range SpecialValues {
		isSpecial[v] = true
	}
	for i := 0; i < iters; i++ {
		for _, v := range g.Generate().Seed.Regs {
			total++
			if isSpecial[v] {
				special++
			}
		}
	}
	// Uniform values would hit the 8 specials about 0.01% of the time.
	assert.Greater(t, special*4, total, "%v special out of %v", special, total)
}

func TestMutate(t *testing.T) {
	cfg := DefaultConfig()
	g := newGen(t, cfg, 7, nil)
	changed := 0
	for i := 0; i < iters; i++ {
		c := g.Generate()
		orig := c.Clone()
		m := g.Mutate(c)
		if diff := cmp.Diff(orig, c); diff != "" {
			t.Fatalf("mutation modified the input (-orig +now):\n%s", diff)
		}
		checkCase(t, cfg, m)
		if !cmp.Equal(orig, m) {
			changed++
		}
	}
	assert.Greater(t, changed, iters/2)
}

func TestMutateArity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Allow = []string{"imul"}
	cfg.MaxInsns = 1
	g := newGen(t, cfg, 9, nil)
	c := &x86.Case{Insns: []x86.Insn{x86.MakeInsn("imul", x86.Register(x86.BX))}}
	seen := make(map[int]bool)
	for i := 0; i < iters; i++ {
		m := c.Clone()
		if g.changeArity(m) && g.Valid(m) {
			seen[len(m.Insns[0].Operands)] = true
			c = m
		}
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, seen)
}

func TestMutateInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Allow = []string{"nop"}
	g := newGen(t, cfg, 11, nil)
	// Nothing the allow list can produce makes this case valid.
	c := &x86.Case{Insns: []x86.Insn{x86.MakeInsn("popf")}}
	m := g.Mutate(c)
	if diff := cmp.Diff(c, m); diff != "" {
		t.Fatalf("invalid case was mutated (-want +got):\n%s", diff)
	}
}

type fixedSource []*x86.Case

func (s fixedSource) Cases() []*x86.Case { return s }

func TestCorpusMutation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MutatePct = 100
	cfg.Count = iters
	base := &x86.Case{Insns: []x86.Insn{x86.MakeInsn("nop")}}
	base.Seed.Set(x86.DI, 0x1234)
	g := newGen(t, cfg, 13, fixedSource{base})
	derived := 0
	for c, ok := g.Next(); ok; c, ok = g.Next() {
		checkCase(t, cfg, c)
		if c.Seed.Regs[x86.DI] == 0x1234 {
			derived++
		}
	}
	assert.Greater(t, derived, iters/2)
	// An empty corpus falls back to generation.
	g = newGen(t, cfg, 13, fixedSource{})
	c, ok := g.Next()
	require.True(t, ok)
	checkCase(t, cfg, c)
}

func TestConfigValidate(t *testing.T) {
	tests := []func(*Config){
		func(cfg *Config) { cfg.Width = 32 },
		func(cfg *Config) { cfg.MaxInsns = 0 },
		func(cfg *Config) { cfg.MaxCPU = 286 },
		func(cfg *Config) { cfg.MutatePct = 101 },
		func(cfg *Config) { cfg.Retries = -1 },
		func(cfg *Config) { cfg.Allow = []string{"cpuid"} },
		func(cfg *Config) { cfg.Allow = []string{"popf"} },
	}
	for i, test := range tests {
		cfg := DefaultConfig()
		test(&cfg)
		_, err := NewGenerator(cfg, rand.New(rand.NewSource(0)), nil)
		assert.Error(t, err, "#%v", i)
	}
	cfg := DefaultConfig()
	cfg.Allow = []string{"imul"}
	cfg.MaxCPU = x86.CPU8086
	cfg.Width = x86.W16
	// Only the one-operand imul is left.
	g, err := NewGenerator(cfg, rand.New(rand.NewSource(0)), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, g.byName["imul"].arities)
}
