// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ifuzz

import (
	"github.com/probefuzz/probefuzz/pkg/x86"
)

// Mutate returns a mutated copy of c. If no valid mutant is found
// within Retries attempts, an unmodified copy is returned.
func (g *Generator) Mutate(c *x86.Case) *x86.Case {
	for i := 0; i <= g.cfg.Retries; i++ {
		m := c.Clone()
		if g.mutate(m) && g.Valid(m) {
			return m
		}
	}
	return c.Clone()
}

func (g *Generator) mutate(c *x86.Case) bool {
	r := g.r
	switch {
	case r.nOutOf(1, 5):
		return g.swapOperandKind(c)
	case r.nOutOf(1, 4):
		return g.perturbValue(c)
	case r.nOutOf(1, 3):
		return g.changeArity(c)
	case r.bin():
		return g.mutateSeed(c)
	default:
		return g.insertOrRemove(c)
	}
}

// swapOperandKind turns one operand into a register, an immediate or
// a memory reference, whichever some form of the mnemonic accepts there.
func (g *Generator) swapOperandKind(c *x86.Case) bool {
	if len(c.Insns) == 0 {
		return false
	}
	insn := &c.Insns[g.r.Intn(len(c.Insns))]
	ch := g.byName[insn.Mnemonic]
	if ch == nil || len(insn.Operands) == 0 {
		return false
	}
	idx := g.r.Intn(len(insn.Operands))
	cur := insn.Operands[idx].Kind
	type candidate struct {
		arg  x86.ArgClass
		kind x86.Kind
	}
	var candidates []candidate
	for _, form := range ch.forms {
		if len(form.Args) != len(insn.Operands) {
			continue
		}
		for _, kind := range argKinds(form.Args[idx]) {
			if kind != cur {
				candidates = append(candidates, candidate{form.Args[idx], kind})
			}
		}
	}
	if len(candidates) == 0 {
		return false
	}
	cand := candidates[g.r.Intn(len(candidates))]
	insn.Operands[idx] = g.operand(cand.arg, cand.kind)
	return true
}

// perturbValue moves an immediate, a displacement or a seed value by a small
// delta, or replaces it with a boundary value.
func (g *Generator) perturbValue(c *x86.Case) bool {
	var slots []func()
	for i := range c.Insns {
		for j := range c.Insns[i].Operands {
			op := &c.Insns[i].Operands[j]
			switch op.Kind {
			case x86.KindImm:
				slots = append(slots, func() {
					mask := int64(1)<<uint(op.Width) - 1
					if g.r.oneOf(3) {
						op.Imm = int64(g.r.special(op.Width))
					} else {
						op.Imm = (op.Imm + int64(g.r.delta())) & mask
					}
				})
			case x86.KindMem:
				slots = append(slots, func() {
					v := uint16(op.Disp) + uint16(g.r.delta())
					if g.r.oneOf(3) {
						v = g.r.special(x86.W16)
					}
					if op.Base == x86.Direct {
						op.Disp = int32(v)
					} else {
						op.Disp = int32(int16(v))
					}
				})
			}
		}
	}
	for _, reg := range c.Seed.SortedRegs() {
		slots = append(slots, func() {
			v := c.Seed.Regs[reg] + uint16(g.r.delta())
			if g.r.oneOf(3) {
				v = g.r.special(x86.W16)
			}
			c.Seed.Regs[reg] = v
		})
	}
	if len(slots) == 0 {
		return false
	}
	slots[g.r.Intn(len(slots))]()
	return true
}

// changeArity replaces an instruction with one of the same mnemonic
// but a different operand count, e.g. imul with 1, 2 or 3 operands.
func (g *Generator) changeArity(c *x86.Case) bool {
	var idxs []int
	for i, insn := range c.Insns {
		if ch := g.byName[insn.Mnemonic]; ch != nil && len(ch.arities) > 1 {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) == 0 {
		return false
	}
	idx := idxs[g.r.Intn(len(idxs))]
	insn := c.Insns[idx]
	ch := g.byName[insn.Mnemonic]
	var forms []x86.Form
	for _, form := range ch.forms {
		if len(form.Args) != len(insn.Operands) {
			forms = append(forms, form)
		}
	}
	form := forms[g.r.Intn(len(forms))]
	res := g.insnFromForm(insn.Mnemonic, form)
	// Keep the destination when the new form still accepts it.
	if len(insn.Operands) != 0 && len(res.Operands) != 0 {
		keep := res.Clone()
		keep.Operands[0] = insn.Operands[0]
		if g.allowed(keep) {
			res = keep
		}
	}
	c.Insns[idx] = res
	return true
}

func (g *Generator) mutateSeed(c *x86.Case) bool {
	switch {
	case g.r.nOutOf(1, 4):
		if c.Seed.Flags != nil && g.r.bin() {
			c.Seed.Flags = nil
		} else {
			c.Seed.SetFlags(g.r.flags())
		}
	case g.r.nOutOf(1, 3) && len(c.Seed.Regs) != 0:
		regs := c.Seed.SortedRegs()
		delete(c.Seed.Regs, regs[g.r.Intn(len(regs))])
	default:
		c.Seed.Set(seedRegs[g.r.Intn(len(seedRegs))], g.r.value(x86.W16))
	}
	return true
}

func (g *Generator) insertOrRemove(c *x86.Case) bool {
	n := len(c.Insns)
	if n < g.cfg.MaxInsns && (n <= 1 || g.r.bin()) {
		idx := g.r.Intn(n + 1)
		c.Insns = append(c.Insns[:idx], append([]x86.Insn{g.generateInsn()}, c.Insns[idx:]...)...)
		return true
	}
	if n <= 1 {
		return false
	}
	idx := g.r.Intn(n)
	c.Insns = append(c.Insns[:idx], c.Insns[idx+1:]...)
	return true
}
