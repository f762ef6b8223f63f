// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cpustate defines the register snapshot a probe reports and the
// fixed binary block the probe epilogue writes it as. Every runner parses
// probe output with Decode.
package cpustate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/probefuzz/probefuzz/pkg/x86"
)

// NoTrap is the Trap value of a probe that ran to completion.
const NoTrap = -1

type Snapshot struct {
	AX    uint16    `json:"ax"`
	BX    uint16    `json:"bx"`
	CX    uint16    `json:"cx"`
	DX    uint16    `json:"dx"`
	SP    uint16    `json:"sp"`
	BP    uint16    `json:"bp"`
	SI    uint16    `json:"si"`
	DI    uint16    `json:"di"`
	ES    uint16    `json:"es"`
	CS    uint16    `json:"cs"`
	SS    uint16    `json:"ss"`
	DS    uint16    `json:"ds"`
	FS    uint16    `json:"fs"`
	GS    uint16    `json:"gs"`
	Flags x86.Flags `json:"flags"`
	// Trap is the exception vector that interrupted the test instructions, or NoTrap.
	Trap int `json:"trap"`
}

func (s *Snapshot) Trapped() bool {
	return s.Trap != NoTrap
}

type Field struct {
	Name string
	Reg  x86.Reg
	Get  func(*Snapshot) uint16
	ptr  func(*Snapshot) *uint16
}

// Fields lists the block fields in wire order.
var Fields = []Field{
	field("ax", x86.AX, func(s *Snapshot) *uint16 { return &s.AX }),
	field("bx", x86.BX, func(s *Snapshot) *uint16 { return &s.BX }),
	field("cx", x86.CX, func(s *Snapshot) *uint16 { return &s.CX }),
	field("dx", x86.DX, func(s *Snapshot) *uint16 { return &s.DX }),
	field("sp", x86.SP, func(s *Snapshot) *uint16 { return &s.SP }),
	field("bp", x86.BP, func(s *Snapshot) *uint16 { return &s.BP }),
	field("si", x86.SI, func(s *Snapshot) *uint16 { return &s.SI }),
	field("di", x86.DI, func(s *Snapshot) *uint16 { return &s.DI }),
	field("es", x86.ES, func(s *Snapshot) *uint16 { return &s.ES }),
	field("cs", x86.CS, func(s *Snapshot) *uint16 { return &s.CS }),
	field("ss", x86.SS, func(s *Snapshot) *uint16 { return &s.SS }),
	field("ds", x86.DS, func(s *Snapshot) *uint16 { return &s.DS }),
	field("fs", x86.FS, func(s *Snapshot) *uint16 { return &s.FS }),
	field("gs", x86.GS, func(s *Snapshot) *uint16 { return &s.GS }),
	field("flags", x86.RegNone, func(s *Snapshot) *uint16 { return (*uint16)(&s.Flags) }),
}

func field(name string, reg x86.Reg, ptr func(*Snapshot) *uint16) Field {
	return Field{
		Name: name,
		Reg:  reg,
		Get:  func(s *Snapshot) uint16 { return *ptr(s) },
		ptr:  ptr,
	}
}

// Get returns the value of register r.
func (s *Snapshot) Get(r x86.Reg) uint16 {
	for _, f := range Fields {
		if f.Reg == r {
			return f.Get(s)
		}
	}
	switch {
	case r.Is8() && r < x86.AH:
		return s.Get(x86.AX+(r-x86.AL)) & 0xff
	case r.Is8():
		return s.Get(x86.AX+(r-x86.AH)) >> 8
	}
	panic(fmt.Sprintf("no snapshot field for %v", r))
}

func (s *Snapshot) String() string {
	buf := new(strings.Builder)
	for i, f := range Fields {
		if i != 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(buf, "%v=%04x", f.Name, f.Get(s))
	}
	if s.Trapped() {
		fmt.Fprintf(buf, " trap=%v", s.Trap)
	}
	return buf.String()
}

// Block layout.
const (
	BlockSize      = 36
	FieldsOffset   = 4
	StatusOffset   = FieldsOffset + 2*15
	ChecksumOffset = StatusOffset + 1
	// StatusCompleted is the status byte of a probe that reached the epilogue normally.
	StatusCompleted = 0xff
)

var Magic = []byte("PRB1")

// FieldOffset returns the block offset of the named field.
func FieldOffset(name string) int {
	for i, f := range Fields {
		if f.Name == name {
			return FieldsOffset + 2*i
		}
	}
	panic(fmt.Sprintf("unknown field %q", name))
}

var (
	ErrNoBlock   = errors.New("output block is missing")
	ErrTruncated = errors.New("output block is truncated")
	ErrChecksum  = errors.New("output block checksum mismatch")
)

// Decode finds the output block in a captured output stream and parses it.
// Emulators and serial consoles surround the block with arbitrary noise,
// so the stream is scanned for the magic. The first occurrence that parses
// wins; if none does, the error is that of the first occurrence.
func Decode(stream []byte) (*Snapshot, error) {
	var firstErr error
	for off := 0; ; {
		pos := bytes.Index(stream[off:], Magic)
		if pos < 0 {
			break
		}
		s, err := decodeBlock(stream[off+pos:])
		if err == nil {
			return s, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		off += pos + 1
	}
	if firstErr == nil {
		return nil, ErrNoBlock
	}
	return nil, firstErr
}

func decodeBlock(block []byte) (*Snapshot, error) {
	if len(block) < BlockSize {
		return nil, fmt.Errorf("%w: %v bytes out of %v", ErrTruncated, len(block), BlockSize)
	}
	block = block[:BlockSize]
	if sum := checksum(block); sum != 0 {
		return nil, fmt.Errorf("%w: sum 0x%02x", ErrChecksum, sum)
	}
	s := new(Snapshot)
	for i, f := range Fields {
		*f.ptr(s) = binary.LittleEndian.Uint16(block[FieldsOffset+2*i:])
	}
	s.Trap = NoTrap
	if status := block[StatusOffset]; status != StatusCompleted {
		s.Trap = int(status)
	}
	return s, nil
}

// Encode serializes s the way the probe epilogue does.
func Encode(s *Snapshot) []byte {
	block := make([]byte, BlockSize)
	copy(block, Magic)
	for i, f := range Fields {
		binary.LittleEndian.PutUint16(block[FieldsOffset+2*i:], f.Get(s))
	}
	block[StatusOffset] = StatusCompleted
	if s.Trapped() {
		block[StatusOffset] = byte(s.Trap)
	}
	block[ChecksumOffset] = -checksum(block)
	return block
}

func checksum(data []byte) byte {
	var sum byte
	for _, v := range data {
		sum += v
	}
	return sum
}
