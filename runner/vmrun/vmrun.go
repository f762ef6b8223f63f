// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package vmrun runs probes in a VMware guest driven by the vmrun CLI.
// The probe is copied into the guest, run through the guest shell with
// output redirected to a file, and the file is copied back.
package vmrun

import (
	"context"
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
	runnerimpl.Register("vmrun", ctor)
}

type Config struct {
	Vmrun         string `json:"vmrun"`          // vmrun binary, looked up in PATH by default
	HostType      string `json:"host_type"`      // -T argument: ws, fusion, player
	VMX           string `json:"vmx"`            // location of the guest vmx
	Snapshot      string `json:"snapshot"`       // if set, reverted to and started on creation
	GuestUser     string `json:"guest_user"`     // guest login
	GuestPassword string `json:"guest_password"` // guest password
	GuestDir      string `json:"guest_dir"`      // guest directory for probe files
	GuestShell    string `json:"guest_shell"`    // guest command interpreter
	CLITimeout    string `json:"cli_timeout"`    // timeout of vmrun invocations other than the run
}

type instance struct {
	cfg        *Config
	name       string
	debug      bool
	dir        string
	cliTimeout time.Duration
	// ctx is canceled by Close and kills the vmrun invocation in flight.
	ctx    context.Context
	cancel context.CancelFunc
}

// Messages vmrun prints when it cannot reach the guest.
var connectionErrors = []string{
	"VMware Tools are not running",
	"Unable to connect",
	"The virtual machine is not powered on",
}

func ctor(env *runnerimpl.Env) (runnerimpl.Runner, error) {
	cfg := &Config{
		Vmrun:      "vmrun",
		HostType:   "ws",
		GuestDir:   `C:\probe`,
		GuestShell: `C:\Windows\System32\cmd.exe`,
		CLITimeout: "2m",
	}
	if err := config.LoadData(env.Config, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse vmrun config: %w", err)
	}
	if cfg.VMX == "" {
		return nil, fmt.Errorf("config param vmx is empty")
	}
	if cfg.GuestUser == "" {
		return nil, fmt.Errorf("config param guest_user is empty")
	}
	cliTimeout, err := time.ParseDuration(cfg.CLITimeout)
	if err != nil || cliTimeout <= 0 {
		return nil, fmt.Errorf("bad cli_timeout %q", cfg.CLITimeout)
	}
	if _, err := exec.LookPath(cfg.Vmrun); err != nil {
		return nil, fmt.Errorf("cannot find %v", cfg.Vmrun)
	}
	dir, err := os.MkdirTemp(env.Workdir, "vmrun-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workdir: %w", err)
	}
	inst := &instance{
		cfg:        cfg,
		name:       env.Name,
		debug:      env.Debug,
		dir:        dir,
		cliTimeout: cliTimeout,
	}
	inst.ctx, inst.cancel = context.WithCancel(context.Background())
	if cfg.Snapshot != "" {
		if err := inst.boot(); err != nil {
			inst.cancel()
			os.RemoveAll(dir)
			return nil, err
		}
	}
	return inst, nil
}

func (inst *instance) boot() error {
	if inst.debug {
		log.Logf(0, "%v: reverting %v to %v", inst.name, inst.cfg.VMX, inst.cfg.Snapshot)
	}
	if _, err := inst.vmrun(inst.ctx, inst.cliTimeout, "revertToSnapshot",
		inst.cfg.VMX, inst.cfg.Snapshot); err != nil {
		return err
	}
	if _, err := inst.vmrun(inst.ctx, inst.cliTimeout, "start", inst.cfg.VMX, "nogui"); err != nil {
		return err
	}
	return nil
}

func (inst *instance) guestPath(name string) string {
	return strings.TrimRight(inst.cfg.GuestDir, `\`) + `\` + name
}

// Budget covers the two copies around the run.
func (inst *instance) Budget(timeout time.Duration) time.Duration {
	return timeout + 2*inst.cliTimeout
}

func (inst *instance) Execute(p *probe.Program, timeout time.Duration) (*cpustate.Snapshot, error) {
	hostProbe := filepath.Join(inst.dir, "probe.com")
	hostOutput := filepath.Join(inst.dir, "probe.out")
	os.Remove(hostOutput)
	if err := osutil.WriteFile(hostProbe, p.Image); err != nil {
		return nil, runnerimpl.MakeError(runnerimpl.BackendFatal, inst.name, err, nil)
	}
	guestProbe, guestOutput := inst.guestPath("probe.com"), inst.guestPath("probe.out")
	if _, err := inst.vmrun(inst.ctx, inst.cliTimeout, "copyFileFromHostToGuest",
		inst.cfg.VMX, hostProbe, guestProbe); err != nil {
		return nil, err
	}
	command := fmt.Sprintf("%v > %v", guestProbe, guestOutput)
	if _, err := inst.vmrun(inst.ctx, timeout, "runProgramInGuest", inst.cfg.VMX,
		inst.cfg.GuestShell, "/c", command); err != nil {
		return nil, err
	}
	if _, err := inst.vmrun(inst.ctx, inst.cliTimeout, "copyFileFromGuestToHost",
		inst.cfg.VMX, guestOutput, hostOutput); err != nil {
		return nil, err
	}
	output, err := os.ReadFile(hostOutput)
	if err != nil {
		return nil, runnerimpl.MakeError(runnerimpl.MalformedOutput, inst.name, err, nil)
	}
	return runnerimpl.ParseOutput(inst.name, output)
}

// vmrun invokes the CLI with the host type and guest credentials.
func (inst *instance) vmrun(ctx context.Context, timeout time.Duration, command string,
	args ...string) ([]byte, error) {
	full := []string{"-T", inst.cfg.HostType, "-gu", inst.cfg.GuestUser, "-gp", inst.cfg.GuestPassword, command}
	full = append(full, args...)
	if inst.debug {
		log.Logf(0, "%v: running vmrun %v", inst.name, command)
	}
	cmd := osutil.Command(inst.cfg.Vmrun, full...)
	cmd.Dir = inst.dir
	output, err := osutil.RunContext(ctx, timeout, cmd)
	if err != nil {
		return output, inst.classify(command, err)
	}
	return output, nil
}

func (inst *instance) classify(command string, err error) error {
	err = osutil.PrependContext("vmrun "+command, err)
	verr, ok := err.(*osutil.VerboseError)
	if !ok {
		return runnerimpl.MakeError(runnerimpl.BackendFatal, inst.name, err, nil)
	}
	if verr.Timeout {
		return runnerimpl.MakeError(runnerimpl.ExecutionTimeout, inst.name, err, nil)
	}
	for _, msg := range connectionErrors {
		if strings.Contains(string(verr.Output), msg) {
			return runnerimpl.MakeError(runnerimpl.ConnectionFailed, inst.name, err, nil)
		}
	}
	return runnerimpl.MakeError(runnerimpl.BackendFatal, inst.name,
		fmt.Errorf("exit code %v: %w", verr.ExitCode, err), nil)
}

func (inst *instance) Close() error {
	inst.cancel()
	if inst.cfg.Snapshot != "" {
		if inst.debug {
			log.Logf(0, "%v: stopping %v", inst.name, inst.cfg.VMX)
		}
		inst.vmrun(context.Background(), inst.cliTimeout, "stop", inst.cfg.VMX, "hard")
	}
	return os.RemoveAll(inst.dir)
}
