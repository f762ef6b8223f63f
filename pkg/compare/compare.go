// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package compare reduces a target and a reference snapshot of the same probe
// to the list of fields they disagree on.
package compare

import (
	"fmt"
	"strings"

	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/x86"
)

// DefaultMask selects the flag bits that have the same meaning on every CPU generation.
const DefaultMask = x86.DefinedFlags

// TrapField is the name of the pseudo-field holding the trap outcome.
const TrapField = "trap"

type FieldDiff struct {
	// Field is a register name, "trap" or "flags.<bit>".
	Field     string `json:"field"`
	Target    uint16 `json:"target"`
	Reference uint16 `json:"reference"`
}

func (d FieldDiff) String() string {
	return fmt.Sprintf("%v: target 0x%04x, reference 0x%04x", d.Field, d.Target, d.Reference)
}

type Report struct {
	Case      *x86.Case          `json:"case"`
	Target    *cpustate.Snapshot `json:"target"`
	Reference *cpustate.Snapshot `json:"reference"`
	Diffs     []FieldDiff        `json:"diffs"`
}

// Compare returns nil if target and reference agree on all compared fields.
// Flag bits outside mask and fields named in ignore are not compared.
func Compare(target, reference *cpustate.Snapshot, mask x86.Flags, ignore []string) *Report {
	diffs := Diff(target, reference, mask, ignore)
	if len(diffs) == 0 {
		return nil
	}
	return &Report{
		Target:    target,
		Reference: reference,
		Diffs:     diffs,
	}
}

// Diff lists the differing fields: the trap outcome first, then registers
// in block order, then flag bits.
func Diff(target, reference *cpustate.Snapshot, mask x86.Flags, ignore []string) []FieldDiff {
	skip := make(map[string]bool)
	for _, name := range ignore {
		skip[name] = true
	}
	var diffs []FieldDiff
	if !skip[TrapField] && target.Trap != reference.Trap {
		diffs = append(diffs, FieldDiff{
			Field:     TrapField,
			Target:    trapStatus(target),
			Reference: trapStatus(reference),
		})
	}
	for _, f := range cpustate.Fields {
		if f.Name == "flags" || skip[f.Name] {
			continue
		}
		if t, r := f.Get(target), f.Get(reference); t != r {
			diffs = append(diffs, FieldDiff{Field: f.Name, Target: t, Reference: r})
		}
	}
	if skip["flags"] {
		return diffs
	}
	differ := (target.Flags ^ reference.Flags) & mask
	for _, fb := range x86.FlagBits {
		name := "flags." + fb.Name
		if differ&fb.Bit == 0 || skip[name] {
			continue
		}
		diffs = append(diffs, FieldDiff{
			Field:     name,
			Target:    bit(target.Flags, fb.Bit),
			Reference: bit(reference.Flags, fb.Bit),
		})
	}
	return diffs
}

func trapStatus(s *cpustate.Snapshot) uint16 {
	if s.Trapped() {
		return uint16(s.Trap)
	}
	return cpustate.StatusCompleted
}

func bit(f, b x86.Flags) uint16 {
	if f&b != 0 {
		return 1
	}
	return 0
}

// Fields returns the names of the differing fields.
func (rep *Report) Fields() []string {
	var names []string
	for _, d := range rep.Diffs {
		names = append(names, d.Field)
	}
	return names
}

// Title is a stable one-line summary used to group reports, e.g. "idiv: ax, flags.af".
func (rep *Report) Title() string {
	mnemonics := "?"
	if rep.Case != nil && len(rep.Case.Insns) != 0 {
		mnemonics = dedupMnemonics(rep.Case)
	}
	return fmt.Sprintf("%v: %v", mnemonics, strings.Join(rep.Fields(), ", "))
}

func dedupMnemonics(c *x86.Case) string {
	seen := make(map[string]bool)
	var names []string
	for _, insn := range c.Insns {
		name := strings.ToLower(insn.Mnemonic)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

// Mismatch returns the diff for one field, if present.
func (rep *Report) Mismatch(field string) (FieldDiff, bool) {
	for _, d := range rep.Diffs {
		if d.Field == field {
			return d, true
		}
	}
	return FieldDiff{}, false
}

// Equal reports whether two reports list the same diffs.
func Equal(a, b *Report) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Diffs) != len(b.Diffs) {
		return false
	}
	for i := range a.Diffs {
		if a.Diffs[i] != b.Diffs[i] {
			return false
		}
	}
	return true
}
