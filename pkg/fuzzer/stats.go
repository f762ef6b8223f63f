// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"github.com/probefuzz/probefuzz/pkg/stat"
)

type Stats struct {
	Iterations  *stat.Val
	Mismatches  *stat.Val
	Titles      *stat.Val
	Repros      *stat.Val
	ExecErrors  *stat.Val
	BuildErrors *stat.Val
	Traps       *stat.Val
	Timeouts    *stat.Val
	Latency     *stat.Val
}

func newStats() *Stats {
	return &Stats{
		Iterations: stat.New("iterations", "Cases run on both backends",
			stat.Console, stat.Rate{}, stat.Prometheus("probefuzz_iterations")),
		Mismatches: stat.New("mismatches", "Iterations where the backends disagreed",
			stat.Console, stat.Prometheus("probefuzz_mismatches")),
		Titles: stat.New("titles", "Distinct mismatch titles",
			stat.Console, stat.Prometheus("probefuzz_titles")),
		Repros: stat.New("repros", "Mismatches minimized to one instruction",
			stat.Simple, stat.Prometheus("probefuzz_repros")),
		ExecErrors: stat.New("exec errors", "Iterations aborted by a backend failure",
			stat.Simple, stat.Prometheus("probefuzz_exec_errors")),
		BuildErrors: stat.New("build errors", "Cases that could not be assembled into a probe",
			stat.Prometheus("probefuzz_build_errors")),
		Traps: stat.New("traps", "Iterations where a backend trapped",
			stat.Simple, stat.Prometheus("probefuzz_traps")),
		Timeouts: stat.New("timeouts", "Executions that hit the timeout",
			stat.Prometheus("probefuzz_timeouts")),
		Latency: stat.New("exec latency", "Latency of one probe execution",
			stat.Distribution{}, stat.FormatLatency),
	}
}
