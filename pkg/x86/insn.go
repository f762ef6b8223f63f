// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package x86 models 16-bit real-mode x86 instructions, encodes them into
// machine code and decodes machine code back into the model.
package x86

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
)

type Width int

const (
	W8  Width = 8
	W16 Width = 16
	W32 Width = 32 // m16:16 far pointers only
)

func (w Width) mask() uint64 {
	return 1<<uint(w) - 1
}

type Reg uint8

const (
	RegNone Reg = iota
	AL
	CL
	DL
	BL
	AH
	CH
	DH
	BH
	AX
	CX
	DX
	BX
	SP
	BP
	SI
	DI
	ES
	CS
	SS
	DS
	FS
	GS
	regLast
)

var regNames = [regLast]string{
	"", "al", "cl", "dl", "bl", "ah", "ch", "dh", "bh",
	"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"es", "cs", "ss", "ds", "fs", "gs",
}

var (
	GPR8     = []Reg{AL, CL, DL, BL, AH, CH, DH, BH}
	GPR16    = []Reg{AX, CX, DX, BX, SP, BP, SI, DI}
	Segments = []Reg{ES, CS, SS, DS, FS, GS}
)

func (r Reg) String() string {
	if r >= regLast {
		return fmt.Sprintf("reg%d", int(r))
	}
	return regNames[r]
}

func ParseReg(name string) (Reg, bool) {
	name = strings.ToLower(name)
	for i := AL; i < regLast; i++ {
		if regNames[i] == name {
			return i, true
		}
	}
	return RegNone, false
}

func (r Reg) Is8() bool   { return r >= AL && r <= BH }
func (r Reg) Is16() bool  { return r >= AX && r <= DI }
func (r Reg) IsSeg() bool { return r >= ES && r <= GS }

func (r Reg) Width() Width {
	if r.Is8() {
		return W8
	}
	return W16
}

// code is the 3-bit register number used in ModRM and +r opcodes.
func (r Reg) code() byte {
	switch {
	case r.Is8():
		return byte(r - AL)
	case r.Is16():
		return byte(r - AX)
	case r.IsSeg():
		return byte(r - ES)
	}
	panic(fmt.Sprintf("no encoding for register %v", r))
}

func (r Reg) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Reg) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*r = RegNone
		return nil
	}
	reg, ok := ParseReg(string(data))
	if !ok {
		return fmt.Errorf("unknown register %q", data)
	}
	*r = reg
	return nil
}

// AddrMode is one of the eight 16-bit ModRM addressing forms, or a direct address.
type AddrMode uint8

const (
	BaseBXSI AddrMode = iota
	BaseBXDI
	BaseBPSI
	BaseBPDI
	BaseSI
	BaseDI
	BaseBP
	BaseBX
	Direct
)

var addrModeNames = [...]string{"bx+si", "bx+di", "bp+si", "bp+di", "si", "di", "bp", "bx", "direct"}

func (m AddrMode) String() string {
	if int(m) < len(addrModeNames) {
		return addrModeNames[m]
	}
	return fmt.Sprintf("mode%d", int(m))
}

func (m AddrMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *AddrMode) UnmarshalText(data []byte) error {
	for i, name := range addrModeNames {
		if name == string(data) {
			*m = AddrMode(i)
			return nil
		}
	}
	return fmt.Errorf("unknown addressing mode %q", data)
}

type Kind uint8

const (
	KindReg Kind = iota + 1
	KindImm
	KindMem
)

var kindNames = map[Kind]string{KindReg: "reg", KindImm: "imm", KindMem: "mem"}

func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("bad operand kind %d", int(k))
	}
	return []byte(name), nil
}

func (k *Kind) UnmarshalText(data []byte) error {
	for kind, name := range kindNames {
		if name == string(data) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown operand kind %q", data)
}

// Operand is a register, an immediate or a memory reference, selected by Kind.
// Width applies to immediates and memory references.
type Operand struct {
	Kind  Kind     `json:"kind"`
	Reg   Reg      `json:"reg,omitempty"`
	Imm   int64    `json:"imm,omitempty"`
	Width Width    `json:"width,omitempty"`
	Base  AddrMode `json:"base,omitempty"`
	Disp  int32    `json:"disp,omitempty"`
	Seg   Reg      `json:"seg,omitempty"` // segment override, RegNone for the default segment
}

func Register(r Reg) Operand {
	return Operand{Kind: KindReg, Reg: r}
}

func Immediate(v int64, w Width) Operand {
	return Operand{Kind: KindImm, Imm: v, Width: w}
}

func Memory(base AddrMode, disp int32, w Width) Operand {
	return Operand{Kind: KindMem, Base: base, Disp: disp, Width: w}
}

// Override returns the memory operand with an explicit segment prefix.
func (op Operand) Override(seg Reg) Operand {
	op.Seg = seg
	return op
}

// OpWidth returns the data width the operand carries.
func (op Operand) OpWidth() Width {
	if op.Kind == KindReg {
		return op.Reg.Width()
	}
	return op.Width
}

// Canonical returns the operand with the immediate reduced to its unsigned
// form, which is what the decoder produces.
func (op Operand) Canonical() Operand {
	if op.Kind == KindImm && op.Width != 0 {
		op.Imm = int64(uint64(op.Imm) & op.Width.mask())
	}
	return op
}

func (op Operand) String() string {
	switch op.Kind {
	case KindReg:
		return op.Reg.String()
	case KindImm:
		return fmt.Sprintf("0x%x", uint64(op.Canonical().Imm))
	case KindMem:
		buf := new(strings.Builder)
		switch op.Width {
		case W8:
			buf.WriteString("byte ")
		case W16:
			buf.WriteString("word ")
		case W32:
			buf.WriteString("far ")
		}
		buf.WriteByte('[')
		if op.Seg != RegNone {
			fmt.Fprintf(buf, "%v:", op.Seg)
		}
		switch {
		case op.Base == Direct:
			fmt.Fprintf(buf, "0x%x", uint16(op.Disp))
		case op.Disp > 0:
			fmt.Fprintf(buf, "%v+0x%x", op.Base, op.Disp)
		case op.Disp < 0:
			fmt.Fprintf(buf, "%v-0x%x", op.Base, -op.Disp)
		default:
			buf.WriteString(op.Base.String())
		}
		buf.WriteByte(']')
		return buf.String()
	}
	return "?"
}

type Insn struct {
	Mnemonic string    `json:"mnemonic"`
	Operands []Operand `json:"operands,omitempty"`
}

func MakeInsn(mnemonic string, ops ...Operand) Insn {
	return Insn{Mnemonic: mnemonic, Operands: ops}
}

func (insn Insn) String() string {
	if len(insn.Operands) == 0 {
		return insn.Mnemonic
	}
	ops := make([]string, len(insn.Operands))
	for i, op := range insn.Operands {
		ops[i] = op.String()
	}
	return insn.Mnemonic + " " + strings.Join(ops, ", ")
}

func (insn Insn) Canonical() Insn {
	res := Insn{Mnemonic: strings.ToLower(insn.Mnemonic)}
	for _, op := range insn.Operands {
		res.Operands = append(res.Operands, op.Canonical())
	}
	return res
}

func (insn Insn) Clone() Insn {
	return Insn{
		Mnemonic: insn.Mnemonic,
		Operands: append([]Operand(nil), insn.Operands...),
	}
}

// Seed is the state preloaded before the test instructions run.
// Segment values are relative to the probe load segment.
type Seed struct {
	Regs  map[Reg]uint16 `json:"regs,omitempty"`
	Flags *Flags         `json:"flags,omitempty"`
}

func (s *Seed) Set(r Reg, v uint16) {
	if s.Regs == nil {
		s.Regs = make(map[Reg]uint16)
	}
	s.Regs[r] = v
}

func (s *Seed) SetFlags(f Flags) {
	s.Flags = &f
}

func (s Seed) Clone() Seed {
	var res Seed
	for r, v := range s.Regs {
		res.Set(r, v)
	}
	if s.Flags != nil {
		res.SetFlags(*s.Flags)
	}
	return res
}

func (s Seed) String() string {
	var parts []string
	for _, r := range s.sortedRegs() {
		parts = append(parts, fmt.Sprintf("%v=0x%04x", r, s.Regs[r]))
	}
	if s.Flags != nil {
		parts = append(parts, fmt.Sprintf("flags=0x%04x", uint16(*s.Flags)))
	}
	return strings.Join(parts, " ")
}

func (s Seed) sortedRegs() []Reg {
	regs := maps.Keys(s.Regs)
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	return regs
}

// SortedRegs returns the seeded registers in register-number order.
func (s Seed) SortedRegs() []Reg {
	return s.sortedRegs()
}

// Case is one fuzzing test case: an instruction sequence and its preloaded state.
type Case struct {
	Insns []Insn `json:"insns"`
	Seed  Seed   `json:"seed"`
}

func (c *Case) Clone() *Case {
	res := &Case{Seed: c.Seed.Clone()}
	for _, insn := range c.Insns {
		res.Insns = append(res.Insns, insn.Clone())
	}
	return res
}

func (c *Case) String() string {
	buf := new(strings.Builder)
	if seed := c.Seed.String(); seed != "" {
		fmt.Fprintf(buf, "; %v\n", seed)
	}
	for _, insn := range c.Insns {
		fmt.Fprintf(buf, "%v\n", insn)
	}
	return buf.String()
}

// Mnemonics returns the mnemonics of all instructions, joined with commas.
func (c *Case) Mnemonics() string {
	var names []string
	for _, insn := range c.Insns {
		names = append(names, insn.Mnemonic)
	}
	return strings.Join(names, ",")
}
