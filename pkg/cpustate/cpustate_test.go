// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cpustate

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/probefuzz/probefuzz/pkg/x86"
)

func testSnapshot() *Snapshot {
	return &Snapshot{
		AX: 0x0018, BX: 0x0002, CX: 0x1234, DX: 0xffff,
		SP: 0xfffe, BP: 0x0100, SI: 0x8000, DI: 0x7fff,
		ES: 0x1000, CS: 0, SS: 0x1000, DS: 0x1000,
		Flags: x86.CF | x86.ZF | x86.IF,
		Trap:  NoTrap,
	}
}

func TestEncodeDecode(t *testing.T) {
	for _, trap := range []int{NoTrap, 0, 6} {
		want := testSnapshot()
		want.Trap = trap
		block := Encode(want)
		if len(block) != BlockSize {
			t.Fatalf("block size %v", len(block))
		}
		stream := append([]byte("C:\\>PROBE.COM\r\nnoise"), block...)
		stream = append(stream, "\r\nC:\\>"...)
		got, err := Decode(stream)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	block := Encode(testSnapshot())
	corrupted := append([]byte{}, block...)
	corrupted[FieldOffset("dx")] ^= 0x40
	tests := []struct {
		name   string
		stream []byte
		err    error
	}{
		{"empty", nil, ErrNoBlock},
		{"noise", []byte("Bad command or file name\r\n"), ErrNoBlock},
		{"truncated", block[:BlockSize-1], ErrTruncated},
		{"corrupted", corrupted, ErrChecksum},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode(test.stream)
			if !errors.Is(err, test.err) {
				t.Fatalf("got %v, want %v", err, test.err)
			}
		})
	}
}

// A stray or partial block before the real one is skipped.
func TestDecodeSkipsBrokenBlocks(t *testing.T) {
	want := testSnapshot()
	block := Encode(want)
	corrupted := append([]byte{}, block...)
	corrupted[FieldOffset("ax")] ^= 0x01
	tests := []struct {
		name   string
		stream []byte
	}{
		{"partial", append(append([]byte("boot PRB1\r\n"), block[:10]...), block...)},
		{"corrupted", append(append([]byte{}, corrupted...), block...)},
		{"magic only", append([]byte("PRB1PRB1"), block...)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Decode(test.stream)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
			}
		})
	}
	// Without a good block the first failure is reported.
	_, err := Decode(append(append([]byte{}, corrupted...), block[:BlockSize-1]...))
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("got %v, want %v", err, ErrChecksum)
	}
}

func TestLayout(t *testing.T) {
	// The probe epilogue writes fields at these offsets.
	want := map[string]int{"ax": 4, "di": 18, "es": 20, "gs": 30, "flags": 32}
	for name, off := range want {
		if got := FieldOffset(name); got != off {
			t.Errorf("%v: offset %v, want %v", name, got, off)
		}
	}
	if StatusOffset != 34 || ChecksumOffset != 35 {
		t.Errorf("status at %v, checksum at %v", StatusOffset, ChecksumOffset)
	}
}

func TestGet(t *testing.T) {
	s := testSnapshot()
	s.AX = 0xabcd
	if got := s.Get(x86.AL); got != 0xcd {
		t.Errorf("al = %x", got)
	}
	if got := s.Get(x86.AH); got != 0xab {
		t.Errorf("ah = %x", got)
	}
	if got := s.Get(x86.DS); got != 0x1000 {
		t.Errorf("ds = %x", got)
	}
}
