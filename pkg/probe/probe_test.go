// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package probe

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/x86"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idivCase(ax uint16, bl byte) *x86.Case {
	c := &x86.Case{
		Insns: []x86.Insn{
			x86.MakeInsn("mov", x86.Register(x86.BL), x86.Immediate(int64(bl), x86.W8)),
			x86.MakeInsn("idiv", x86.Register(x86.BL)),
		},
	}
	c.Seed.Set(x86.AX, ax)
	return c
}

func TestBuild(t *testing.T) {
	b := NewBuilder(0, 0)
	c := idivCase(0x30, 2)
	p, err := b.BuildCase(c)
	require.NoError(t, err)

	test, err := x86.EncodeAll(c.Insns)
	require.NoError(t, err)
	assert.Equal(t, test, p.TestCode())
	assert.Equal(t, Origin, p.Origin)
	assert.Equal(t, 0, p.Entry)

	block := p.Image[p.BlockOffset:]
	require.Len(t, block, cpustate.BlockSize)
	assert.True(t, bytes.HasPrefix(block, cpustate.Magic))
	assert.Equal(t, byte(cpustate.StatusCompleted), block[cpustate.StatusOffset])
	assert.Equal(t, Origin+p.BlockOffset+4, p.FieldAddr("ax"))

	p1, err := b.BuildCase(c.Clone())
	require.NoError(t, err)
	assert.Equal(t, p.Image, p1.Image, "build is not deterministic")
}

func TestBuildDisassembles(t *testing.T) {
	c := idivCase(0x30, 2)
	c.Seed.Set(x86.DS, 0x2000)
	c.Seed.SetFlags(x86.CF | x86.DF)
	for _, cpu := range []int{x86.CPU8086, x86.CPU386} {
		p, err := NewBuilder(0, cpu).BuildCase(c)
		require.NoError(t, err)
		lines := x86.Disassemble(p.Image[:p.BlockOffset], p.Origin)
		listing := strings.Join(lines, "\n")
		assert.NotContains(t, listing, "(bad)")
		assert.Contains(t, lines[0], "mov ax, 0x3500")
		prologue := strings.Join(x86.Disassemble(p.Image[:p.TestOffset], p.Origin), "\n")
		assert.Contains(t, prologue, "mov ax, 0x30\n")
		assert.Contains(t, prologue, "mov ax, 0x401\n")
		assert.Contains(t, prologue, "mov ax, 0x2000\n")
		if cpu < x86.CPU386 {
			assert.NotContains(t, listing, "fs")
		} else {
			assert.Contains(t, listing, "mov fs, ax")
		}
	}
}

func TestBuildSizeLimit(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	b := NewBuilder(600, 0)
	nop := x86.MakeInsn("nop")
	for i := 0; i < 100; i++ {
		c := &x86.Case{}
		for n := r.Intn(300); n > 0; n-- {
			c.Insns = append(c.Insns, nop)
		}
		p, err := b.BuildCase(c)
		if err == nil {
			assert.LessOrEqual(t, len(p.Image), b.MaxSize)
			assert.Equal(t, len(c.Insns), p.TestSize)
			continue
		}
		var buildErr *BuildError
		require.True(t, errors.As(err, &buildErr), "%v", err)
		assert.Equal(t, ImageTooLarge, buildErr.Kind)
		assert.Greater(t, buildErr.Size, buildErr.Limit)
	}
}

func TestBuildErrors(t *testing.T) {
	bad := &x86.Case{Insns: []x86.Insn{x86.MakeInsn("mov", x86.Register(x86.CS), x86.Register(x86.AX))}}
	_, err := NewBuilder(0, 0).BuildCase(bad)
	var buildErr *BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.Equal(t, EncodingFailed, buildErr.Kind)
	var encErr *x86.EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, x86.InvalidOperandForm, encErr.Kind)

	seeds := []struct {
		cpu  int
		seed func(*x86.Seed)
	}{
		{0, func(s *x86.Seed) { s.Set(x86.CS, 1) }},
		{0, func(s *x86.Seed) { s.Set(x86.AL, 1) }},
		{0, func(s *x86.Seed) { s.SetFlags(x86.TF) }},
		{x86.CPU186, func(s *x86.Seed) { s.Set(x86.FS, 1) }},
	}
	for i, test := range seeds {
		c := idivCase(0x30, 2)
		test.seed(&c.Seed)
		_, err := NewBuilder(0, test.cpu).BuildCase(c)
		if !errors.As(err, &buildErr) || buildErr.Kind != InvalidSeed {
			t.Errorf("#%v: want InvalidSeed, got %v", i, err)
		}
	}
}
