// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package emulator runs probes in an emulator launched as a subprocess per
// execution, e.g. DOSBox with the probe directory mounted as drive C.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/probefuzz/probefuzz/pkg/config"
	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/log"
	"github.com/probefuzz/probefuzz/pkg/osutil"
	"github.com/probefuzz/probefuzz/pkg/probe"
	"github.com/probefuzz/probefuzz/runner/runnerimpl"
)

func init() {
	runnerimpl.Register("emulator", ctor)
}

type Config struct {
	Bin string `json:"bin"` // emulator binary
	// Args are the emulator arguments. {{DIR}} is replaced with the per-execution
	// directory, {{PROBE}} with the probe path and {{OUTPUT}} with the output path.
	Args []string `json:"args"`
	// Capture is "stdout" to parse the emulator console output,
	// or "file" to parse the output file after the emulator exits.
	Capture string `json:"capture"`
	// Output is the output file name inside the execution directory.
	Output string `json:"output"`
	// ProbeName is the probe file name inside the execution directory.
	ProbeName string `json:"probe_name"`
}

const (
	CaptureStdout = "stdout"
	CaptureFile   = "file"
)

type emulator struct {
	cfg   *Config
	name  string
	debug bool
	dir   string
	seq   int
	// Canceled by Close to kill the emulator process.
	ctx    context.Context
	cancel context.CancelFunc
}

func ctor(env *runnerimpl.Env) (runnerimpl.Runner, error) {
	cfg := &Config{
		Capture:   CaptureStdout,
		Output:    "PROBE.OUT",
		ProbeName: "PROBE.COM",
	}
	if err := config.LoadData(env.Config, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse emulator config: %w", err)
	}
	if cfg.Bin == "" {
		return nil, fmt.Errorf("config param bin is empty")
	}
	if cfg.Capture != CaptureStdout && cfg.Capture != CaptureFile {
		return nil, fmt.Errorf("config param capture must be %q or %q, got %q",
			CaptureStdout, CaptureFile, cfg.Capture)
	}
	if _, err := exec.LookPath(cfg.Bin); err != nil {
		return nil, fmt.Errorf("cannot find %v", cfg.Bin)
	}
	dir, err := os.MkdirTemp(env.Workdir, "emulator-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workdir: %w", err)
	}
	emu := &emulator{
		cfg:   cfg,
		name:  env.Name,
		debug: env.Debug,
		dir:   dir,
	}
	emu.ctx, emu.cancel = context.WithCancel(context.Background())
	return emu, nil
}

func (emu *emulator) Execute(p *probe.Program, timeout time.Duration) (*cpustate.Snapshot, error) {
	emu.seq++
	dir := filepath.Join(emu.dir, fmt.Sprint(emu.seq))
	if err := osutil.MkdirAll(dir); err != nil {
		return nil, runnerimpl.MakeError(runnerimpl.BackendFatal, emu.name, err, nil)
	}
	defer os.RemoveAll(dir)
	probeFile := filepath.Join(dir, emu.cfg.ProbeName)
	outputFile := filepath.Join(dir, emu.cfg.Output)
	if err := osutil.WriteFile(probeFile, p.Image); err != nil {
		return nil, runnerimpl.MakeError(runnerimpl.BackendFatal, emu.name, err, nil)
	}
	repl := strings.NewReplacer("{{DIR}}", dir, "{{PROBE}}", probeFile, "{{OUTPUT}}", outputFile)
	var args []string
	for _, arg := range emu.cfg.Args {
		args = append(args, repl.Replace(arg))
	}
	cmd := osutil.Command(emu.cfg.Bin, args...)
	cmd.Dir = dir
	if emu.debug {
		log.Logf(0, "%v: running %v %q", emu.name, emu.cfg.Bin, args)
	}
	stdout, runErr := osutil.RunContext(emu.ctx, timeout, cmd)
	var verr *osutil.VerboseError
	if runErr != nil && !errors.As(runErr, &verr) {
		// The emulator did not start.
		return nil, runnerimpl.MakeError(runnerimpl.BackendFatal, emu.name, runErr, nil)
	}
	if verr != nil && verr.Timeout {
		return nil, runnerimpl.MakeError(runnerimpl.ExecutionTimeout, emu.name, runErr, nil)
	}
	output := stdout
	if emu.cfg.Capture == CaptureFile {
		var err error
		if output, err = os.ReadFile(outputFile); err != nil && runErr == nil {
			return nil, runnerimpl.MakeError(runnerimpl.MalformedOutput, emu.name,
				fmt.Errorf("no output file: %w", err), stdout)
		}
	}
	snapshot, err := runnerimpl.ParseOutput(emu.name, output)
	if err != nil && runErr != nil {
		// Some emulators exit with a non-zero status after running the program,
		// only a missing block makes the exit status fatal.
		return nil, runnerimpl.MakeError(runnerimpl.BackendFatal, emu.name,
			fmt.Errorf("exit code %v: %w", verr.ExitCode, runErr), stdout)
	}
	return snapshot, err
}

func (emu *emulator) Close() error {
	emu.cancel()
	return os.RemoveAll(emu.dir)
}
