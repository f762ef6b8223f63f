// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package probe

import (
	"fmt"

	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/x86"
)

// asm is a two-pass assembler for the probe harness. Every emitted form has
// a size that does not depend on operand values, so label addresses from the
// first pass stay valid in the second.
type asm struct {
	origin int
	code   []byte
	labels map[string]int
	final  bool
	err    error
}

func newAsm(origin int) *asm {
	return &asm{origin: origin, labels: make(map[string]int)}
}

func (a *asm) reset() {
	a.code = a.code[:0]
	a.final = true
}

func (a *asm) pc() int {
	return a.origin + len(a.code)
}

func (a *asm) label(name string) {
	if a.final {
		if a.labels[name] != a.pc() {
			a.fail(fmt.Errorf("label %v moved between passes", name))
		}
		return
	}
	if _, ok := a.labels[name]; ok {
		a.fail(fmt.Errorf("duplicate label %v", name))
	}
	a.labels[name] = a.pc()
}

// addr returns the address of a label, or 0 during the first pass.
func (a *asm) addr(name string) int32 {
	if !a.final {
		return 0
	}
	addr, ok := a.labels[name]
	if !ok {
		a.fail(fmt.Errorf("undefined label %v", name))
	}
	return int32(addr)
}

func (a *asm) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *asm) raw(data ...byte) {
	a.code = append(a.code, data...)
}

func (a *asm) word(v uint16) {
	a.raw(byte(v), byte(v>>8))
}

func (a *asm) insn(mnemonic string, ops ...x86.Operand) {
	code, err := x86.Encode(x86.MakeInsn(mnemonic, ops...))
	if err != nil {
		a.fail(err)
		return
	}
	a.raw(code...)
}

// jmp emits a near jump (E9 rel16) to a label.
func (a *asm) jmp(label string) {
	target := a.addr(label)
	next := a.pc() + 3
	rel := uint16(0)
	if a.final {
		rel = uint16(int(target) - next)
	}
	a.raw(0xE9)
	a.word(rel)
}

// loop emits LOOP rel8 to a label.
func (a *asm) loop(label string) {
	target := a.addr(label)
	next := a.pc() + 2
	rel := 0
	if a.final {
		rel = int(target) - next
		if rel < -128 || rel > 127 {
			a.fail(fmt.Errorf("loop target %v out of range", label))
		}
	}
	a.raw(0xE2, byte(rel))
}

// Operand shorthands.
func reg(r x86.Reg) x86.Operand { return x86.Register(r) }

func imm8(v int64) x86.Operand { return x86.Immediate(v, x86.W8) }

func imm16(v int64) x86.Operand { return x86.Immediate(v, x86.W16) }

func csWord(addr int32) x86.Operand {
	return x86.Memory(x86.Direct, addr, x86.W16).Override(x86.CS)
}

func csByte(addr int32) x86.Operand {
	return x86.Memory(x86.Direct, addr, x86.W8).Override(x86.CS)
}

func csFar(addr int32) x86.Operand {
	return x86.Memory(x86.Direct, addr, x86.W32).Override(x86.CS)
}

// field addresses a word of the output block.
func (a *asm) field(name string) x86.Operand {
	return csWord(a.addr("block") + int32(cpustate.FieldOffset(name)))
}
