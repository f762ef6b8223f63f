// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package x86

import (
	"fmt"
	"strings"
)

type ErrorKind int

const (
	UnsupportedMnemonic ErrorKind = iota
	InvalidOperandForm
	OperandOutOfRange
)

func (k ErrorKind) String() string {
	switch k {
	case UnsupportedMnemonic:
		return "unsupported mnemonic"
	case InvalidOperandForm:
		return "invalid operand form"
	case OperandOutOfRange:
		return "operand out of range"
	}
	return fmt.Sprintf("kind%d", int(k))
}

// EncodingError is returned when an instruction has no valid encoding.
type EncodingError struct {
	Kind   ErrorKind
	Insn   Insn
	Detail string
}

func (err *EncodingError) Error() string {
	if err.Detail == "" {
		return fmt.Sprintf("%v: %v", err.Insn, err.Kind)
	}
	return fmt.Sprintf("%v: %v: %v", err.Insn, err.Kind, err.Detail)
}

var segPrefix = map[Reg]byte{ES: 0x26, CS: 0x2E, SS: 0x36, DS: 0x3E, FS: 0x64, GS: 0x65}

// Encode returns the 16-bit real-mode machine code for insn.
// The first form in table order whose operand shapes match is used.
func Encode(insn Insn) ([]byte, error) {
	forms, ok := table[strings.ToLower(insn.Mnemonic)]
	if !ok {
		return nil, &EncodingError{Kind: UnsupportedMnemonic, Insn: insn}
	}
	var rangeErr error
	for i := range forms {
		f := &forms[i]
		if !f.matches(insn.Operands) {
			continue
		}
		if err := f.checkRange(insn); err != nil {
			if rangeErr == nil {
				rangeErr = err
			}
			continue
		}
		return f.encode(insn), nil
	}
	if rangeErr != nil {
		return nil, rangeErr
	}
	return nil, &EncodingError{Kind: InvalidOperandForm, Insn: insn}
}

// EncodeAll encodes a sequence and concatenates the results.
func EncodeAll(insns []Insn) ([]byte, error) {
	var code []byte
	for _, insn := range insns {
		data, err := Encode(insn)
		if err != nil {
			return nil, err
		}
		code = append(code, data...)
	}
	return code, nil
}

// MinCPU returns the lowest CPU level that can execute the encoding Encode picks.
func MinCPU(insn Insn) (int, error) {
	forms, ok := table[strings.ToLower(insn.Mnemonic)]
	if !ok {
		return 0, &EncodingError{Kind: UnsupportedMnemonic, Insn: insn}
	}
	for i := range forms {
		f := &forms[i]
		if f.matches(insn.Operands) && f.checkRange(insn) == nil {
			cpu := f.cpu
			for _, op := range insn.Operands {
				if op.Seg == FS || op.Seg == GS || op.Reg == FS || op.Reg == GS {
					cpu = max(cpu, CPU386)
				}
			}
			return cpu, nil
		}
	}
	return 0, &EncodingError{Kind: InvalidOperandForm, Insn: insn}
}

func (f *form) matches(ops []Operand) bool {
	if len(ops) != len(f.args) {
		return false
	}
	memOps := 0
	for i, arg := range f.args {
		if !arg.accepts(ops[i], f.fixed) {
			return false
		}
		if ops[i].Kind == KindMem {
			memOps++
		}
	}
	return memOps <= 1
}

func (k argKind) accepts(op Operand, fixed Reg) bool {
	switch k {
	case argR8, argPlusR8:
		return op.Kind == KindReg && op.Reg.Is8()
	case argR16, argPlusR16:
		return op.Kind == KindReg && op.Reg.Is16()
	case argRM8:
		return op.Kind == KindReg && op.Reg.Is8() || isMem(op, W8)
	case argRM16:
		return op.Kind == KindReg && op.Reg.Is16() || isMem(op, W16)
	case argM16:
		return isMem(op, W16)
	case argM32:
		return isMem(op, W32)
	case argMoffs8:
		return isMem(op, W8) && op.Base == Direct
	case argMoffs16:
		return isMem(op, W16) && op.Base == Direct
	case argSreg:
		return op.Kind == KindReg && op.Reg.IsSeg()
	case argSregW:
		return op.Kind == KindReg && op.Reg.IsSeg() && op.Reg != CS
	case argImm8, argImm8S:
		return op.Kind == KindImm && op.Width == W8
	case argImm16:
		return op.Kind == KindImm && op.Width == W16
	case argOne:
		return op.Kind == KindImm && op.Width == W8 && op.Imm == 1
	case argCL:
		return op.Kind == KindReg && op.Reg == CL
	case argAL:
		return op.Kind == KindReg && op.Reg == AL
	case argAX:
		return op.Kind == KindReg && op.Reg == AX
	case argFixed:
		return op.Kind == KindReg && op.Reg == fixed
	}
	return false
}

func isMem(op Operand, w Width) bool {
	if op.Kind != KindMem || op.Width != w || op.Base > Direct {
		return false
	}
	return op.Seg == RegNone || op.Seg.IsSeg()
}

func (f *form) checkRange(insn Insn) error {
	for i, op := range insn.Operands {
		switch op.Kind {
		case KindImm:
			lo, hi := -int64(1)<<(op.Width-1), int64(1)<<op.Width-1
			if op.Imm < lo || op.Imm > hi {
				return &EncodingError{Kind: OperandOutOfRange, Insn: insn,
					Detail: fmt.Sprintf("operand %v: immediate %v does not fit %v bits", i, op.Imm, op.Width)}
			}
		case KindMem:
			lo, hi := int32(-0x8000), int32(0x7fff)
			if op.Base == Direct {
				lo, hi = 0, 0xffff
			}
			if op.Disp < lo || op.Disp > hi {
				return &EncodingError{Kind: OperandOutOfRange, Insn: insn,
					Detail: fmt.Sprintf("operand %v: displacement %v out of [%v, %v]", i, op.Disp, lo, hi)}
			}
		}
	}
	return nil
}

func (f *form) encode(insn Insn) []byte {
	var code []byte
	var rm, reg *Operand
	for i, arg := range f.args {
		op := &insn.Operands[i]
		switch arg {
		case argRM8, argRM16, argM16, argM32:
			rm = op
		case argR8, argR16, argSreg, argSregW:
			reg = op
		}
		if op.Kind == KindMem && op.Seg != RegNone {
			code = append(code, segPrefix[op.Seg])
		}
	}
	code = append(code, f.opcode...)
	if f.plusReg() {
		for i, arg := range f.args {
			if arg == argPlusR8 || arg == argPlusR16 {
				code[len(code)-1] += insn.Operands[i].Reg.code()
			}
		}
	}
	if f.hasModRM() {
		regField := byte(f.ext)
		if reg != nil {
			regField = reg.Reg.code()
		}
		code = append(code, encodeModRM(regField, rm)...)
	}
	for i, arg := range f.args {
		op := insn.Operands[i]
		switch arg {
		case argImm8, argImm8S:
			code = append(code, byte(op.Imm))
		case argImm16:
			code = append(code, byte(op.Imm), byte(op.Imm>>8))
		case argMoffs8, argMoffs16:
			code = append(code, byte(op.Disp), byte(op.Disp>>8))
		}
	}
	return code
}

// encodeModRM returns the ModRM byte and the displacement for rm.
func encodeModRM(reg byte, rm *Operand) []byte {
	modrm := func(mod, rmField byte) byte {
		return mod<<6 | reg<<3 | rmField
	}
	if rm.Kind == KindReg {
		return []byte{modrm(3, rm.Reg.code())}
	}
	disp := rm.Disp
	switch {
	case rm.Base == Direct:
		return []byte{modrm(0, 6), byte(disp), byte(disp >> 8)}
	case disp == 0 && rm.Base != BaseBP:
		return []byte{modrm(0, byte(rm.Base))}
	case disp >= -0x80 && disp <= 0x7f:
		return []byte{modrm(1, byte(rm.Base)), byte(disp)}
	default:
		return []byte{modrm(2, byte(rm.Base)), byte(disp), byte(disp >> 8)}
	}
}
