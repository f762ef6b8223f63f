// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ifuzz

import (
	"github.com/probefuzz/probefuzz/pkg/x86"
)

func (g *Generator) generateInsn() x86.Insn {
	for i := 0; i <= g.cfg.Retries; i++ {
		c := g.choices[g.r.Intn(len(g.choices))]
		if insn := g.insnFromForm(c.mnemonic, c.forms[g.r.Intn(len(c.forms))]); g.allowed(insn) {
			return insn
		}
	}
	return g.fallback()
}

// fallback scans the forms in order for any allowed instruction.
func (g *Generator) fallback() x86.Insn {
	for _, c := range g.choices {
		for _, form := range c.forms {
			for i := 0; i < 10; i++ {
				if insn := g.insnFromForm(c.mnemonic, form); g.allowed(insn) {
					return insn
				}
			}
		}
	}
	return x86.MakeInsn("nop")
}

func (g *Generator) insnFromForm(mnemonic string, form x86.Form) x86.Insn {
	insn := x86.Insn{Mnemonic: mnemonic}
	for _, arg := range form.Args {
		kinds := argKinds(arg)
		insn.Operands = append(insn.Operands, g.operand(arg, kinds[g.r.Intn(len(kinds))]))
	}
	if mnemonic == "int" {
		insn.Operands = []x86.Operand{x86.Immediate(3, x86.W8)}
	}
	return insn
}

func argKinds(arg x86.ArgClass) []x86.Kind {
	var kinds []x86.Kind
	if arg.Reg {
		kinds = append(kinds, x86.KindReg)
	}
	if arg.Mem {
		kinds = append(kinds, x86.KindMem)
	}
	if arg.Imm {
		kinds = append(kinds, x86.KindImm)
	}
	return kinds
}

func (g *Generator) operand(arg x86.ArgClass, kind x86.Kind) x86.Operand {
	switch kind {
	case x86.KindReg:
		return x86.Register(g.register(arg))
	case x86.KindMem:
		return g.memory(arg.Width)
	default:
		if arg.One {
			return x86.Immediate(1, x86.W8)
		}
		return x86.Immediate(int64(g.r.value(arg.Width)), arg.Width)
	}
}

func (g *Generator) register(arg x86.ArgClass) x86.Reg {
	switch {
	case arg.Fixed != x86.RegNone:
		return arg.Fixed
	case arg.Seg:
		segs := x86.Segments
		if g.cfg.MaxCPU < x86.CPU386 {
			segs = segs[:4]
		}
		return segs[g.r.Intn(len(segs))]
	case arg.Width == x86.W8:
		return x86.GPR8[g.r.Intn(len(x86.GPR8))]
	default:
		return x86.GPR16[g.r.Intn(len(x86.GPR16))]
	}
}

// memory returns a reference into the scratch segment without a segment override.
func (g *Generator) memory(w x86.Width) x86.Operand {
	base := x86.AddrMode(g.r.Intn(int(x86.Direct) + 1))
	var disp int32
	switch {
	case base == x86.Direct:
		disp = int32(g.r.value(x86.W16))
	case g.r.oneOf(3):
	case g.r.bin():
		disp = int32(int8(g.r.value(x86.W8)))
	default:
		disp = int32(int16(g.r.value(x86.W16)))
	}
	return x86.Memory(base, disp, w)
}
