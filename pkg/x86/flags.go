// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package x86

import (
	"strings"
)

// Flags is the 16-bit FLAGS register.
type Flags uint16

const (
	CF Flags = 1 << 0
	PF Flags = 1 << 2
	AF Flags = 1 << 4
	ZF Flags = 1 << 6
	SF Flags = 1 << 7
	TF Flags = 1 << 8
	IF Flags = 1 << 9
	DF Flags = 1 << 10
	OF Flags = 1 << 11

	StatusFlags = CF | PF | AF | ZF | SF | OF
	// DefinedFlags are the bits with the same meaning on 8086 through 386.
	// Reserved bits 1, 3, 5 and 12-15 read differently per CPU generation.
	DefinedFlags = StatusFlags | TF | IF | DF
)

type FlagBit struct {
	Name string
	Bit  Flags
}

// FlagBits lists the named flags in bit order.
var FlagBits = []FlagBit{
	{"cf", CF},
	{"pf", PF},
	{"af", AF},
	{"zf", ZF},
	{"sf", SF},
	{"tf", TF},
	{"if", IF},
	{"df", DF},
	{"of", OF},
}

func (f Flags) String() string {
	var set []string
	for _, fb := range FlagBits {
		if f&fb.Bit != 0 {
			set = append(set, fb.Name)
		}
	}
	return "[" + strings.Join(set, " ") + "]"
}

// ParseFlags parses a space- or comma-separated list of flag names.
func ParseFlags(s string) (Flags, bool) {
	var res Flags
	for _, name := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == ' ' || r == ',' || r == '|'
	}) {
		found := false
		for _, fb := range FlagBits {
			if fb.Name == name {
				res |= fb.Bit
				found = true
			}
		}
		if !found {
			return 0, false
		}
	}
	return res, true
}

// UndefinedFlags returns the flag bits that the architecture leaves
// undefined after insn executes.
func UndefinedFlags(insn Insn) Flags {
	switch strings.ToLower(insn.Mnemonic) {
	case "and", "or", "xor", "test":
		return AF
	case "mul", "imul":
		return SF | ZF | AF | PF
	case "div", "idiv":
		return StatusFlags
	case "shl", "shr", "sar":
		if shiftByOne(insn) {
			return AF
		}
		return AF | OF
	case "rol", "ror", "rcl", "rcr":
		if shiftByOne(insn) {
			return 0
		}
		return OF
	case "aaa", "aas":
		return OF | SF | ZF | PF
	case "aam", "aad":
		return OF | AF | CF
	case "daa", "das":
		return OF
	}
	return 0
}

// UndefinedFlagsAll is the union of UndefinedFlags over a sequence.
func UndefinedFlagsAll(insns []Insn) Flags {
	var res Flags
	for _, insn := range insns {
		res |= UndefinedFlags(insn)
	}
	return res
}

func shiftByOne(insn Insn) bool {
	if len(insn.Operands) != 2 {
		return false
	}
	count := insn.Operands[1]
	return count.Kind == KindImm && count.Imm == 1
}
