// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package x86

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

var fromAsmReg = map[x86asm.Reg]Reg{
	x86asm.AL: AL, x86asm.CL: CL, x86asm.DL: DL, x86asm.BL: BL,
	x86asm.AH: AH, x86asm.CH: CH, x86asm.DH: DH, x86asm.BH: BH,
	x86asm.AX: AX, x86asm.CX: CX, x86asm.DX: DX, x86asm.BX: BX,
	x86asm.SP: SP, x86asm.BP: BP, x86asm.SI: SI, x86asm.DI: DI,
	x86asm.ES: ES, x86asm.CS: CS, x86asm.SS: SS,
	x86asm.DS: DS, x86asm.FS: FS, x86asm.GS: GS,
}

type asmBase struct {
	base, index x86asm.Reg
}

var fromAsmBase = map[asmBase]AddrMode{
	{x86asm.BX, x86asm.SI}: BaseBXSI,
	{x86asm.BX, x86asm.DI}: BaseBXDI,
	{x86asm.BP, x86asm.SI}: BaseBPSI,
	{x86asm.BP, x86asm.DI}: BaseBPDI,
	{x86asm.SI, 0}:         BaseSI,
	{x86asm.DI, 0}:         BaseDI,
	{x86asm.BP, 0}:         BaseBP,
	{x86asm.BX, 0}:         BaseBX,
	{0, 0}:                 Direct,
}

// Decode decodes the first instruction in code with the x86asm reference
// decoder and converts it back into the model. It returns the instruction
// length. Immediates come back in canonical (unsigned) form.
func Decode(code []byte) (Insn, int, error) {
	inst, err := x86asm.Decode(code, 16)
	if err != nil {
		return Insn{}, 0, fmt.Errorf("x86asm: %w", err)
	}
	mnemonic := strings.ToLower(inst.Op.String())
	start := 0
	for start < inst.Len && isSegPrefix(code[start]) {
		start++
	}
	f := lookupForm(mnemonic, code[start:inst.Len])
	if f == nil {
		return Insn{}, 0, fmt.Errorf("no encoding form for %v (% x)", inst, code[:inst.Len])
	}
	insn := Insn{Mnemonic: mnemonic}
	for i, arg := range inst.Args {
		if arg == nil {
			break
		}
		if i >= len(f.args) {
			return Insn{}, 0, fmt.Errorf("%v: unexpected operand %v", inst, arg)
		}
		op, err := fromAsmArg(arg, f.args[i])
		if err != nil {
			return Insn{}, 0, fmt.Errorf("%v: %w", inst, err)
		}
		insn.Operands = append(insn.Operands, op)
	}
	if len(insn.Operands) != len(f.args) {
		return Insn{}, 0, fmt.Errorf("%v: decoded %v operands, form has %v",
			inst, len(insn.Operands), len(f.args))
	}
	return insn, inst.Len, nil
}

// DecodeAll decodes a whole code buffer.
func DecodeAll(code []byte) ([]Insn, error) {
	var res []Insn
	for len(code) != 0 {
		insn, n, err := Decode(code)
		if err != nil {
			return nil, err
		}
		res = append(res, insn)
		code = code[n:]
	}
	return res, nil
}

// Disassemble returns an Intel-syntax listing of code, one instruction per line,
// prefixed with the offset and raw bytes.
func Disassemble(code []byte, origin int) []string {
	var lines []string
	for offset := 0; offset < len(code); {
		inst, err := x86asm.Decode(code[offset:], 16)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%04x: %02x                (bad)", origin+offset, code[offset]))
			offset++
			continue
		}
		raw := fmt.Sprintf("% x", code[offset:offset+inst.Len])
		text := x86asm.IntelSyntax(inst, uint64(origin+offset), nil)
		lines = append(lines, fmt.Sprintf("%04x: %-17v %v", origin+offset, raw, text))
		offset += inst.Len
	}
	return lines
}

func isSegPrefix(b byte) bool {
	for _, p := range segPrefix {
		if p == b {
			return true
		}
	}
	return false
}

func lookupForm(mnemonic string, code []byte) *form {
	forms := table[mnemonic]
	for i := range forms {
		f := &forms[i]
		if len(code) < len(f.opcode) {
			continue
		}
		opcode := code[:len(f.opcode)]
		if f.plusReg() {
			last := len(opcode) - 1
			if !bytes.Equal(opcode[:last], f.opcode[:last]) || opcode[last]&^7 != f.opcode[last] {
				continue
			}
		} else if !bytes.Equal(opcode, f.opcode) {
			continue
		}
		if f.ext >= 0 {
			if len(code) <= len(f.opcode) || int8(code[len(f.opcode)]>>3&7) != f.ext {
				continue
			}
		}
		return f
	}
	return nil
}

func fromAsmArg(arg x86asm.Arg, kind argKind) (Operand, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, ok := fromAsmReg[a]
		if !ok {
			return Operand{}, fmt.Errorf("unsupported register %v", a)
		}
		return Register(r), nil
	case x86asm.Imm:
		cls := kind.class(RegNone)
		return Immediate(int64(uint64(a)&cls.Width.mask()), cls.Width), nil
	case x86asm.Mem:
		base, ok := fromAsmBase[asmBase{a.Base, a.Index}]
		if !ok {
			return Operand{}, fmt.Errorf("unsupported memory operand %v", a)
		}
		disp := int32(int16(uint16(a.Disp)))
		if base == Direct {
			disp = int32(uint16(a.Disp))
		}
		op := Memory(base, disp, kind.class(RegNone).Width)
		if a.Segment != 0 {
			seg, ok := fromAsmReg[a.Segment]
			if !ok {
				return Operand{}, fmt.Errorf("unsupported segment %v", a.Segment)
			}
			op.Seg = seg
		}
		return op, nil
	}
	return Operand{}, fmt.Errorf("unsupported operand %v", arg)
}
