// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ifuzz

import (
	"math/rand"

	"github.com/probefuzz/probefuzz/pkg/x86"
)

// SpecialValues are boundary values that fresh cases are biased towards.
var SpecialValues = []uint16{0, 1, 0x7f, 0x80, 0xff, 0x7fff, 0x8000, 0xffff}

type randGen struct {
	*rand.Rand
}

func (r *randGen) bin() bool {
	return r.Intn(2) == 0
}

func (r *randGen) oneOf(n int) bool {
	return r.Intn(n) == 0
}

func (r *randGen) nOutOf(n, outOf int) bool {
	if n <= 0 || n >= outOf {
		panic("bad probability")
	}
	return r.Intn(outOf) < n
}

func (r *randGen) special(w x86.Width) uint16 {
	for {
		v := SpecialValues[r.Intn(len(SpecialValues))]
		if uint64(v)>>uint(w) == 0 {
			return v
		}
	}
}

func (r *randGen) value(w x86.Width) uint16 {
	if w > x86.W16 {
		w = x86.W16
	}
	switch {
	case r.nOutOf(1, 2):
		return r.special(w)
	case r.nOutOf(1, 3):
		return uint16(r.Intn(16))
	default:
		return uint16(r.Intn(1 << uint(w)))
	}
}

func (r *randGen) flags() x86.Flags {
	return x86.Flags(r.Intn(1<<16)) & seedFlags
}

func (r *randGen) delta() int {
	d := 1 + r.Intn(16)
	if r.bin() {
		d = -d
	}
	return d
}
