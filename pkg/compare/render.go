// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package compare

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/probe"
	"github.com/probefuzz/probefuzz/pkg/x86"
	dmp "github.com/sergi/go-diff/diffmatchpatch"
)

// Render formats the report for humans: the case, its disassembly,
// a per-field table and a line diff of the two register dumps.
func Render(rep *Report) []byte {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "TITLE: %v\n\n", rep.Title())
	if rep.Case != nil {
		fmt.Fprintf(buf, "case:\n%v\n", rep.Case)
		if code, err := x86.EncodeAll(rep.Case.Insns); err == nil {
			buf.WriteString("disassembly:\n")
			for _, line := range x86.Disassemble(code, probe.Origin) {
				fmt.Fprintf(buf, "\t%v\n", line)
			}
			buf.WriteString("\n")
		}
	}

	differ := make(map[string]bool)
	for _, d := range rep.Diffs {
		differ[d.Field] = true
		if strings.HasPrefix(d.Field, "flags.") {
			differ["flags"] = true
		}
	}
	buf.WriteString("fields (target / reference):\n")
	tick := func(name string) string {
		if differ[name] {
			return "[!]"
		}
		return "[=]"
	}
	fmt.Fprintf(buf, "%v %-6v %-6v %v\n", tick(TrapField), TrapField,
		trapString(rep.Target), trapString(rep.Reference))
	for _, f := range cpustate.Fields {
		fmt.Fprintf(buf, "%v %-6v 0x%04x 0x%04x\n", tick(f.Name), f.Name,
			f.Get(rep.Target), f.Get(rep.Reference))
	}
	for _, d := range rep.Diffs {
		if strings.HasPrefix(d.Field, "flags.") {
			fmt.Fprintf(buf, "\t↳ %v: %v / %v\n", d.Field, d.Target, d.Reference)
		}
	}
	buf.WriteString("\ndump diff (-reference +target):\n")
	buf.WriteString(lineDiff(dump(rep.Reference), dump(rep.Target)))
	return buf.Bytes()
}

func trapString(s *cpustate.Snapshot) string {
	if s.Trapped() {
		return fmt.Sprintf("int%v", s.Trap)
	}
	return "none"
}

func dump(s *cpustate.Snapshot) string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, "trap  %v\n", trapString(s))
	for _, f := range cpustate.Fields {
		fmt.Fprintf(buf, "%-5v %04x\n", f.Name, f.Get(s))
	}
	fmt.Fprintf(buf, "bits  %v\n", s.Flags)
	return buf.String()
}

func lineDiff(from, to string) string {
	d := dmp.New()
	a, b, lines := d.DiffLinesToChars(from, to)
	diffs := d.DiffCharsToLines(d.DiffMain(a, b, false), lines)
	buf := new(strings.Builder)
	for _, diff := range diffs {
		prefix := " "
		switch diff.Type {
		case dmp.DiffDelete:
			prefix = "-"
		case dmp.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.SplitAfter(diff.Text, "\n") {
			if line == "" {
				continue
			}
			buf.WriteString(prefix + line)
		}
	}
	return buf.String()
}
