// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mgrconfig

import (
	"encoding/json"
	"time"

	"github.com/probefuzz/probefuzz/pkg/ifuzz"
	"github.com/probefuzz/probefuzz/pkg/x86"
)

type Config struct {
	// Instance name (used in logs, metrics and corpus entries).
	Name string `json:"name"`
	// URL that will display information about the running probe-fuzz process
	// (e.g. "localhost:56741"). Optional.
	HTTP string `json:"http,omitempty"`
	// Location of a working directory. Outputs here include:
	// - <workdir>/corpus/*: mismatch reports grouped by title
	// - <workdir>/runners/*: per backend scratch files
	Workdir string `json:"workdir"`

	// Random seed. 0 picks one from the current time; the chosen seed is logged
	// so that the run can be repeated.
	Seed int64 `json:"seed,omitempty"`
	// Stop after this many iterations (0: no limit).
	Iterations int `json:"iterations,omitempty"`
	// Stop after this much time, e.g. "2h" (empty: no limit).
	Duration string `json:"duration,omitempty"`
	// Per-execution timeout ("10s" by default).
	Timeout string `json:"timeout"`
	// Execute on the target and the reference concurrently.
	Concurrent bool `json:"concurrent"`
	// Minimize mismatches into single-instruction reproducers (default: true).
	Minimize bool `json:"minimize"`
	// Flag bits to compare, e.g. "cf pf zf sf of" (default: all defined flags).
	FlagMask string `json:"flag_mask,omitempty"`
	// Fields never compared, e.g. "bp", "trap" or "flags.af".
	Ignore []string `json:"ignore,omitempty"`
	// Stop after more than this many consecutive fatal backend errors.
	MaxFatal int `json:"max_fatal"`
	// Number of reports kept per title.
	MaxPerTitle int `json:"max_per_title"`

	// CPU level the probe harness is assembled for: 86, 186 or 386.
	CPU int `json:"cpu"`
	// Max probe image size in bytes (optional).
	MaxProbeSize int `json:"max_probe_size,omitempty"`

	// Case generator parameters.
	Generator ifuzz.Config `json:"generator"`

	// The implementation under test and the one it is compared to.
	Target    Backend `json:"target"`
	Reference Backend `json:"reference"`

	// Implementation details beyond this point.
	ParsedDuration time.Duration `json:"-"`
	ParsedTimeout  time.Duration `json:"-"`
	Mask           x86.Flags     `json:"-"`
}

type Backend struct {
	// Name used in logs and reports (defaults to type).
	Name string `json:"name,omitempty"`
	// Type of runner: "agent", "vmrun", "emulator" or "serialport".
	Type string `json:"type"`
	// Runner-type-specific parameters.
	// Parameters for concrete types are in Config type in runner/TYPE/TYPE.go.
	Config json.RawMessage `json:"config"`
}
