// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package x86

import (
	"sort"

	"golang.org/x/exp/maps"
)

type argKind uint8

const (
	argR8      argKind = iota + 1 // ModRM.reg, 8-bit register
	argR16                        // ModRM.reg, 16-bit register
	argRM8                        // ModRM.rm, 8-bit register or byte memory
	argRM16                       // ModRM.rm, 16-bit register or word memory
	argM16                        // ModRM.rm, word memory only
	argM32                        // ModRM.rm, m16:16 far pointer
	argSreg                       // ModRM.reg, any segment register
	argSregW                      // ModRM.reg, writable segment register (not CS)
	argImm8                       // 8-bit immediate
	argImm8S                      // 8-bit immediate sign-extended to 16 bits
	argImm16                      // 16-bit immediate
	argOne                        // implicit count of 1
	argCL                         // implicit CL
	argAL                         // implicit AL
	argAX                         // implicit AX
	argMoffs8                     // direct byte address without ModRM
	argMoffs16                    // direct word address without ModRM
	argFixed                      // the register named in form.fixed
	argPlusR8                     // 8-bit register in the low opcode bits
	argPlusR16                    // 16-bit register in the low opcode bits
)

// CPU levels.
const (
	CPU8086 = 86
	CPU186  = 186
	CPU386  = 386
)

type form struct {
	opcode []byte
	ext    int8 // ModRM.reg opcode extension, -1 if unused
	args   []argKind
	fixed  Reg
	cpu    int
}

func (f *form) hasModRM() bool {
	if f.ext >= 0 {
		return true
	}
	for _, arg := range f.args {
		switch arg {
		case argR8, argR16, argRM8, argRM16, argM16, argM32, argSreg, argSregW:
			return true
		}
	}
	return false
}

func (f *form) plusReg() bool {
	for _, arg := range f.args {
		if arg == argPlusR8 || arg == argPlusR16 {
			return true
		}
	}
	return false
}

// Form describes one encoding of a mnemonic for table users outside the package.
type Form struct {
	Args []ArgClass
	CPU  int
}

// ArgClass is the coarse operand shape a form accepts.
type ArgClass struct {
	Reg   bool
	Mem   bool
	Imm   bool
	Width Width
	// Fixed is set when the operand is one specific register.
	Fixed Reg
	// Seg is set for segment register operands.
	Seg bool
	// One is set for the implicit shift count of 1.
	One bool
}

func (k argKind) class(fixed Reg) ArgClass {
	switch k {
	case argR8, argPlusR8:
		return ArgClass{Reg: true, Width: W8}
	case argR16, argPlusR16:
		return ArgClass{Reg: true, Width: W16}
	case argRM8:
		return ArgClass{Reg: true, Mem: true, Width: W8}
	case argRM16:
		return ArgClass{Reg: true, Mem: true, Width: W16}
	case argM16:
		return ArgClass{Mem: true, Width: W16}
	case argM32:
		return ArgClass{Mem: true, Width: W32}
	case argMoffs8:
		return ArgClass{Mem: true, Width: W8}
	case argMoffs16:
		return ArgClass{Mem: true, Width: W16}
	case argSreg, argSregW:
		return ArgClass{Reg: true, Seg: true, Width: W16}
	case argImm8, argImm8S:
		return ArgClass{Imm: true, Width: W8}
	case argImm16:
		return ArgClass{Imm: true, Width: W16}
	case argOne:
		return ArgClass{Imm: true, One: true, Width: W8}
	case argCL:
		return ArgClass{Reg: true, Fixed: CL, Width: W8}
	case argAL:
		return ArgClass{Reg: true, Fixed: AL, Width: W8}
	case argAX:
		return ArgClass{Reg: true, Fixed: AX, Width: W16}
	case argFixed:
		return ArgClass{Reg: true, Fixed: fixed, Seg: fixed.IsSeg(), Width: fixed.Width()}
	}
	panic("unknown arg kind")
}

var table = make(map[string][]form)

func add(name string, f form) {
	if f.cpu == 0 {
		f.cpu = CPU8086
	}
	table[name] = append(table[name], f)
}

func op(b ...byte) []byte { return b }

func args(a ...argKind) []argKind { return a }

func init() {
	for i, name := range []string{"add", "or", "adc", "sbb", "and", "sub", "xor", "cmp"} {
		base := byte(i * 8)
		ext := int8(i)
		add(name, form{opcode: op(base + 4), ext: -1, args: args(argAL, argImm8)})
		add(name, form{opcode: op(base + 5), ext: -1, args: args(argAX, argImm16)})
		add(name, form{opcode: op(0x80), ext: ext, args: args(argRM8, argImm8)})
		add(name, form{opcode: op(0x83), ext: ext, args: args(argRM16, argImm8S)})
		add(name, form{opcode: op(0x81), ext: ext, args: args(argRM16, argImm16)})
		add(name, form{opcode: op(base + 0), ext: -1, args: args(argRM8, argR8)})
		add(name, form{opcode: op(base + 1), ext: -1, args: args(argRM16, argR16)})
		add(name, form{opcode: op(base + 2), ext: -1, args: args(argR8, argRM8)})
		add(name, form{opcode: op(base + 3), ext: -1, args: args(argR16, argRM16)})
	}

	add("mov", form{opcode: op(0xA0), ext: -1, args: args(argAL, argMoffs8)})
	add("mov", form{opcode: op(0xA1), ext: -1, args: args(argAX, argMoffs16)})
	add("mov", form{opcode: op(0xA2), ext: -1, args: args(argMoffs8, argAL)})
	add("mov", form{opcode: op(0xA3), ext: -1, args: args(argMoffs16, argAX)})
	add("mov", form{opcode: op(0x88), ext: -1, args: args(argRM8, argR8)})
	add("mov", form{opcode: op(0x89), ext: -1, args: args(argRM16, argR16)})
	add("mov", form{opcode: op(0x8A), ext: -1, args: args(argR8, argRM8)})
	add("mov", form{opcode: op(0x8B), ext: -1, args: args(argR16, argRM16)})
	add("mov", form{opcode: op(0x8C), ext: -1, args: args(argRM16, argSreg)})
	add("mov", form{opcode: op(0x8E), ext: -1, args: args(argSregW, argRM16)})
	add("mov", form{opcode: op(0xB0), ext: -1, args: args(argPlusR8, argImm8)})
	add("mov", form{opcode: op(0xB8), ext: -1, args: args(argPlusR16, argImm16)})
	add("mov", form{opcode: op(0xC6), ext: 0, args: args(argRM8, argImm8)})
	add("mov", form{opcode: op(0xC7), ext: 0, args: args(argRM16, argImm16)})

	add("test", form{opcode: op(0xA8), ext: -1, args: args(argAL, argImm8)})
	add("test", form{opcode: op(0xA9), ext: -1, args: args(argAX, argImm16)})
	add("test", form{opcode: op(0xF6), ext: 0, args: args(argRM8, argImm8)})
	add("test", form{opcode: op(0xF7), ext: 0, args: args(argRM16, argImm16)})
	add("test", form{opcode: op(0x84), ext: -1, args: args(argRM8, argR8)})
	add("test", form{opcode: op(0x85), ext: -1, args: args(argRM16, argR16)})

	add("xchg", form{opcode: op(0x86), ext: -1, args: args(argRM8, argR8)})
	add("xchg", form{opcode: op(0x87), ext: -1, args: args(argRM16, argR16)})

	for i, name := range []string{"not", "neg", "mul", "imul", "div", "idiv"} {
		ext := int8(i + 2)
		add(name, form{opcode: op(0xF6), ext: ext, args: args(argRM8)})
		add(name, form{opcode: op(0xF7), ext: ext, args: args(argRM16)})
	}
	add("imul", form{opcode: op(0x0F, 0xAF), ext: -1, args: args(argR16, argRM16), cpu: CPU386})
	add("imul", form{opcode: op(0x6B), ext: -1, args: args(argR16, argRM16, argImm8S), cpu: CPU186})
	add("imul", form{opcode: op(0x69), ext: -1, args: args(argR16, argRM16, argImm16), cpu: CPU186})

	add("inc", form{opcode: op(0x40), ext: -1, args: args(argPlusR16)})
	add("inc", form{opcode: op(0xFE), ext: 0, args: args(argRM8)})
	add("inc", form{opcode: op(0xFF), ext: 0, args: args(argRM16)})
	add("dec", form{opcode: op(0x48), ext: -1, args: args(argPlusR16)})
	add("dec", form{opcode: op(0xFE), ext: 1, args: args(argRM8)})
	add("dec", form{opcode: op(0xFF), ext: 1, args: args(argRM16)})

	for i, name := range []string{"rol", "ror", "rcl", "rcr", "shl", "shr", "", "sar"} {
		if name == "" {
			continue
		}
		ext := int8(i)
		add(name, form{opcode: op(0xD0), ext: ext, args: args(argRM8, argOne)})
		add(name, form{opcode: op(0xD1), ext: ext, args: args(argRM16, argOne)})
		add(name, form{opcode: op(0xD2), ext: ext, args: args(argRM8, argCL)})
		add(name, form{opcode: op(0xD3), ext: ext, args: args(argRM16, argCL)})
		add(name, form{opcode: op(0xC0), ext: ext, args: args(argRM8, argImm8), cpu: CPU186})
		add(name, form{opcode: op(0xC1), ext: ext, args: args(argRM16, argImm8), cpu: CPU186})
	}

	for name, code := range map[string]byte{
		"cbw": 0x98, "cwd": 0x99, "clc": 0xF8, "stc": 0xF9, "cmc": 0xF5,
		"cld": 0xFC, "std": 0xFD, "sahf": 0x9E, "lahf": 0x9F,
		"aaa": 0x37, "aas": 0x3F, "daa": 0x27, "das": 0x2F,
		"nop": 0x90, "pushf": 0x9C, "popf": 0x9D,
	} {
		add(name, form{opcode: op(code), ext: -1})
	}
	add("aam", form{opcode: op(0xD4), ext: -1, args: args(argImm8)})
	add("aad", form{opcode: op(0xD5), ext: -1, args: args(argImm8)})
	add("int", form{opcode: op(0xCD), ext: -1, args: args(argImm8)})

	add("push", form{opcode: op(0x50), ext: -1, args: args(argPlusR16)})
	add("push", form{opcode: op(0xFF), ext: 6, args: args(argM16)})
	add("pop", form{opcode: op(0x58), ext: -1, args: args(argPlusR16)})
	add("pop", form{opcode: op(0x8F), ext: 0, args: args(argM16)})
	for _, seg := range []struct {
		reg      Reg
		push     []byte
		pop      []byte
		cpuLevel int
	}{
		{ES, op(0x06), op(0x07), CPU8086},
		{CS, op(0x0E), nil, CPU8086},
		{SS, op(0x16), op(0x17), CPU8086},
		{DS, op(0x1E), op(0x1F), CPU8086},
		{FS, op(0x0F, 0xA0), op(0x0F, 0xA1), CPU386},
		{GS, op(0x0F, 0xA8), op(0x0F, 0xA9), CPU386},
	} {
		add("push", form{opcode: seg.push, ext: -1, args: args(argFixed), fixed: seg.reg, cpu: seg.cpuLevel})
		if seg.pop != nil {
			add("pop", form{opcode: seg.pop, ext: -1, args: args(argFixed), fixed: seg.reg, cpu: seg.cpuLevel})
		}
	}

	add("lds", form{opcode: op(0xC5), ext: -1, args: args(argR16, argM32)})
	add("les", form{opcode: op(0xC4), ext: -1, args: args(argR16, argM32)})
}

// Mnemonics returns all supported mnemonics in sorted order.
func Mnemonics() []string {
	res := maps.Keys(table)
	sort.Strings(res)
	return res
}

// Forms returns the operand shapes accepted by mnemonic, in encoder preference order.
func Forms(mnemonic string) []Form {
	var res []Form
	for i := range table[mnemonic] {
		f := &table[mnemonic][i]
		form := Form{CPU: f.cpu}
		for _, arg := range f.args {
			form.Args = append(form.Args, arg.class(f.fixed))
		}
		res = append(res, form)
	}
	return res
}

// Arities returns the distinct operand counts mnemonic supports.
func Arities(mnemonic string) []int {
	seen := make(map[int]bool)
	var res []int
	for _, f := range table[mnemonic] {
		if n := len(f.args); !seen[n] {
			seen[n] = true
			res = append(res, n)
		}
	}
	sort.Ints(res)
	return res
}
