// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package probe builds the DOS .COM program that runs a test case and
// reports the resulting CPU state.
//
// Layout of the image (ORG 0x100):
//
//	prologue  hook trap vectors, zero a scratch segment, point DS/ES/SS at it,
//	          clear registers and flags
//	seed      preload segment registers, flags and GPRs from the case seed
//	test      the encoded instructions under test
//	epilogue  store registers into the output block, checksum it, restore
//	          vectors, write the block to stdout and exit
//	handlers  per-vector trap handlers that record the vector and jump to the epilogue
//	data      load segment, saved vectors, output block
package probe

import (
	"fmt"

	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/x86"
)

const (
	// Origin is the load offset of a .COM image.
	Origin = 0x100
	// DefaultMaxSize leaves room for the stack at the top of the load segment.
	DefaultMaxSize = 0xff00 - Origin
	// ScratchParas is the distance in paragraphs from the load segment to the
	// zeroed data segment the test instructions see as DS, ES and SS.
	ScratchParas = 0x1000
	initialSP    = 0xfffe
)

// DefaultVectors are the exceptions a test sequence may raise:
// divide error and invalid opcode.
var DefaultVectors = []int{0, 6}

type ErrorKind int

const (
	EncodingFailed ErrorKind = iota
	ImageTooLarge
	InvalidSeed
)

func (k ErrorKind) String() string {
	switch k {
	case EncodingFailed:
		return "encoding failed"
	case ImageTooLarge:
		return "image too large"
	case InvalidSeed:
		return "invalid seed"
	}
	return fmt.Sprintf("kind%d", int(k))
}

type BuildError struct {
	Kind  ErrorKind
	Err   error
	Size  int
	Limit int
}

func (err *BuildError) Error() string {
	switch err.Kind {
	case ImageTooLarge:
		return fmt.Sprintf("probe image is %v bytes, limit is %v", err.Size, err.Limit)
	default:
		return fmt.Sprintf("%v: %v", err.Kind, err.Err)
	}
}

func (err *BuildError) Unwrap() error {
	return err.Err
}

// Program is an immutable probe image.
type Program struct {
	Image []byte
	// Origin is the address the image is loaded at.
	Origin int
	// Entry is the file offset execution starts at.
	Entry int
	// TestOffset and TestSize locate the instructions under test.
	TestOffset int
	TestSize   int
	// BlockOffset is the file offset of the output block.
	BlockOffset int
	CPU         int
}

// FieldAddr returns the load address of a field of the output block.
func (p *Program) FieldAddr(name string) int {
	return p.Origin + p.BlockOffset + cpustate.FieldOffset(name)
}

// TestCode returns the bytes of the instructions under test.
func (p *Program) TestCode() []byte {
	return p.Image[p.TestOffset : p.TestOffset+p.TestSize]
}

type Builder struct {
	MaxSize int
	// CPU is the lowest CPU level of the execution backends.
	// Below 386 the probe does not touch FS and GS.
	CPU     int
	Vectors []int
}

func NewBuilder(maxSize, cpu int) *Builder {
	if maxSize <= 0 || maxSize > DefaultMaxSize {
		maxSize = DefaultMaxSize
	}
	if cpu == 0 {
		cpu = x86.CPU386
	}
	return &Builder{
		MaxSize: maxSize,
		CPU:     cpu,
		Vectors: DefaultVectors,
	}
}

// BuildCase is Build for a test case.
func (b *Builder) BuildCase(c *x86.Case) (*Program, error) {
	return b.Build(c.Insns, c.Seed)
}

// Build lays out the probe for insns with the optional seed.
// The result is a function of the arguments only.
func (b *Builder) Build(insns []x86.Insn, seed x86.Seed) (*Program, error) {
	test, err := x86.EncodeAll(insns)
	if err != nil {
		return nil, &BuildError{Kind: EncodingFailed, Err: err}
	}
	if err := b.checkSeed(seed); err != nil {
		return nil, err
	}
	a := newAsm(Origin)
	b.emit(a, test, seed)
	a.reset()
	b.emit(a, test, seed)
	if a.err != nil {
		return nil, &BuildError{Kind: EncodingFailed, Err: a.err}
	}
	if len(a.code) > b.MaxSize {
		return nil, &BuildError{Kind: ImageTooLarge, Size: len(a.code), Limit: b.MaxSize}
	}
	return &Program{
		Image:       append([]byte(nil), a.code...),
		Origin:      Origin,
		Entry:       0,
		TestOffset:  int(a.labels["test"]) - Origin,
		TestSize:    len(test),
		BlockOffset: int(a.labels["block"]) - Origin,
		CPU:         b.CPU,
	}, nil
}

func (b *Builder) checkSeed(seed x86.Seed) error {
	if seed.Flags != nil && *seed.Flags&x86.TF != 0 {
		return &BuildError{Kind: InvalidSeed, Err: fmt.Errorf("tf can't be seeded")}
	}
	for r := range seed.Regs {
		switch {
		case r == x86.CS:
			return &BuildError{Kind: InvalidSeed, Err: fmt.Errorf("cs can't be seeded")}
		case (r == x86.FS || r == x86.GS) && b.CPU < x86.CPU386:
			return &BuildError{Kind: InvalidSeed, Err: fmt.Errorf("%v needs a 386", r)}
		case !r.Is16() && !r.IsSeg():
			return &BuildError{Kind: InvalidSeed, Err: fmt.Errorf("%v is not a 16-bit register", r)}
		}
	}
	return nil
}

func (b *Builder) segments() []x86.Reg {
	if b.CPU >= x86.CPU386 {
		return x86.Segments
	}
	return []x86.Reg{x86.ES, x86.CS, x86.SS, x86.DS}
}

func (b *Builder) emit(a *asm, test []byte, seed x86.Seed) {
	loadseg := csWord(a.addr("loadseg"))
	a.label("start")
	for _, vec := range b.Vectors {
		old := a.addr(fmt.Sprintf("oldvec%v", vec))
		// INT 21h AH=35h: get vector into ES:BX.
		a.insn("mov", reg(x86.AX), imm16(int64(0x3500|vec)))
		a.insn("int", imm8(0x21))
		a.insn("mov", csWord(old), reg(x86.BX))
		a.insn("mov", csWord(old+2), reg(x86.ES))
		// INT 21h AH=25h: set vector from DS:DX, DS is the load segment at entry.
		a.insn("mov", reg(x86.AX), imm16(int64(0x2500|vec)))
		a.insn("mov", reg(x86.DX), imm16(int64(a.addr(fmt.Sprintf("trap%v", vec)))))
		a.insn("int", imm8(0x21))
	}
	a.insn("mov", loadseg, reg(x86.CS))

	a.insn("mov", reg(x86.AX), reg(x86.CS))
	a.insn("add", reg(x86.AX), imm16(ScratchParas))
	a.insn("mov", reg(x86.DS), reg(x86.AX))
	a.insn("mov", reg(x86.ES), reg(x86.AX))
	a.insn("mov", reg(x86.SS), reg(x86.AX))
	a.insn("mov", reg(x86.SP), imm16(initialSP))
	a.insn("xor", reg(x86.DI), reg(x86.DI))
	a.insn("mov", reg(x86.CX), imm16(0x8000))
	a.insn("xor", reg(x86.AX), reg(x86.AX))
	a.insn("cld")
	a.raw(0xf3, 0xab) // rep stosw
	if b.CPU >= x86.CPU386 {
		a.insn("mov", reg(x86.AX), loadseg)
		a.insn("mov", reg(x86.FS), reg(x86.AX))
		a.insn("mov", reg(x86.GS), reg(x86.AX))
	}

	// Segment seeds go first, the relocation clobbers flags.
	for _, seg := range []x86.Reg{x86.ES, x86.SS, x86.DS, x86.FS, x86.GS} {
		v, ok := seed.Regs[seg]
		if !ok {
			continue
		}
		a.insn("mov", reg(x86.AX), imm16(int64(v)))
		a.insn("add", reg(x86.AX), loadseg)
		a.insn("mov", reg(seg), reg(x86.AX))
	}
	var flags x86.Flags
	if seed.Flags != nil {
		flags = *seed.Flags
	}
	a.insn("mov", reg(x86.AX), imm16(int64(flags)))
	a.insn("push", reg(x86.AX))
	a.insn("popf")
	for _, r := range x86.GPR16 {
		v, ok := seed.Regs[r]
		if !ok {
			v = 0
			if r == x86.SP {
				v = initialSP
			}
		}
		a.insn("mov", reg(r), imm16(int64(v)))
	}

	a.label("test")
	a.raw(test...)

	a.label("capture")
	for _, r := range x86.GPR16 {
		a.insn("mov", a.field(r.String()), reg(r))
	}
	segs := b.segments()
	for _, seg := range segs {
		a.insn("mov", a.field(seg.String()), reg(seg))
	}
	a.insn("mov", reg(x86.AX), reg(x86.CS))
	a.insn("mov", reg(x86.SS), reg(x86.AX))
	a.insn("mov", reg(x86.SP), imm16(initialSP))
	a.insn("pushf")
	a.insn("pop", reg(x86.AX))
	a.insn("mov", a.field("flags"), reg(x86.AX))
	a.raw(0xfb) // sti
	for _, seg := range segs {
		a.insn("mov", reg(x86.AX), a.field(seg.String()))
		a.insn("sub", reg(x86.AX), loadseg)
		a.insn("mov", a.field(seg.String()), reg(x86.AX))
	}

	block := a.addr("block")
	a.insn("mov", reg(x86.SI), imm16(int64(block)))
	a.insn("mov", reg(x86.CX), imm16(cpustate.ChecksumOffset))
	a.insn("xor", reg(x86.AX), reg(x86.AX))
	a.label("sum")
	a.insn("add", reg(x86.AL), x86.Memory(x86.BaseSI, 0, x86.W8).Override(x86.CS))
	a.insn("inc", reg(x86.SI))
	a.loop("sum")
	a.insn("neg", reg(x86.AL))
	a.insn("mov", csByte(block+cpustate.ChecksumOffset), reg(x86.AL))

	for _, vec := range b.Vectors {
		a.insn("lds", reg(x86.DX), csFar(a.addr(fmt.Sprintf("oldvec%v", vec))))
		a.insn("mov", reg(x86.AX), imm16(int64(0x2500|vec)))
		a.insn("int", imm8(0x21))
	}
	// INT 21h AH=40h: write CX bytes from DS:DX to handle BX (stdout).
	a.insn("push", reg(x86.CS))
	a.insn("pop", reg(x86.DS))
	a.insn("mov", reg(x86.AH), imm8(0x40))
	a.insn("mov", reg(x86.BX), imm16(1))
	a.insn("mov", reg(x86.CX), imm16(cpustate.BlockSize))
	a.insn("mov", reg(x86.DX), imm16(int64(block)))
	a.insn("int", imm8(0x21))
	a.insn("mov", reg(x86.AX), imm16(0x4c00))
	a.insn("int", imm8(0x21))

	for _, vec := range b.Vectors {
		a.label(fmt.Sprintf("trap%v", vec))
		a.insn("mov", csByte(block+cpustate.StatusOffset), imm8(int64(vec)))
		a.jmp("capture")
	}

	a.label("loadseg")
	a.word(0)
	for _, vec := range b.Vectors {
		a.label(fmt.Sprintf("oldvec%v", vec))
		a.word(0)
		a.word(0)
	}
	a.label("block")
	a.raw(cpustate.Magic...)
	a.raw(make([]byte, cpustate.StatusOffset-len(cpustate.Magic))...)
	a.raw(cpustate.StatusCompleted, 0)
}
