// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package emulator

import (
	"fmt"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/probe"
	"github.com/probefuzz/probefuzz/runner/runnerimpl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The test binary doubles as a fake emulator when PROBEFUZZ_FAKE_EMULATOR is set.
// It is invoked as "-run <probe> -out <output>" and reports AX = probe size.
func TestMain(m *testing.M) {
	if mode := os.Getenv("PROBEFUZZ_FAKE_EMULATOR"); mode != "" {
		os.Exit(fakeEmulator(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

func fakeEmulator(mode string, args []string) int {
	if len(args) != 4 || args[0] != "-run" || args[2] != "-out" {
		fmt.Fprintf(os.Stderr, "usage: -run probe -out output, got %q\n", args)
		return 2
	}
	image, err := os.ReadFile(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	block := cpustate.Encode(&cpustate.Snapshot{AX: uint16(len(image)), Trap: cpustate.NoTrap})
	fmt.Printf("Emulator 1.0 starting\n")
	switch mode {
	case "stdout":
		os.Stdout.Write(block)
	case "file":
		os.WriteFile(args[3], block, 0644)
	case "exit1":
		os.Stdout.Write(block)
		return 1
	case "crash":
		fmt.Printf("Exit 139: unhandled opcode\n")
		return 139
	case "hang":
		time.Sleep(time.Minute)
	case "silent":
	}
	return 0
}

func newEmulator(t *testing.T, mode, capture string) runnerimpl.Runner {
	if runtime.GOOS == "windows" {
		t.Skip("fake emulator needs a unix process model")
	}
	t.Setenv("PROBEFUZZ_FAKE_EMULATOR", mode)
	cfg := fmt.Sprintf(`{
		# The test binary plays the emulator.
		"bin": %q,
		"args": ["-run", "{{PROBE}}", "-out", "{{OUTPUT}}"],
		"capture": %q
	}`, os.Args[0], capture)
	r, err := ctor(&runnerimpl.Env{Name: "emulator", Workdir: t.TempDir(), Config: []byte(cfg)})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestExecute(t *testing.T) {
	tests := []struct {
		mode    string
		capture string
	}{
		{"stdout", CaptureStdout},
		{"file", CaptureFile},
		{"exit1", CaptureStdout},
	}
	for _, test := range tests {
		t.Run(test.mode, func(t *testing.T) {
			r := newEmulator(t, test.mode, test.capture)
			for i := 1; i <= 3; i++ {
				snap, err := r.Execute(&probe.Program{Image: make([]byte, i)}, 20*time.Second)
				require.NoError(t, err)
				assert.Equal(t, uint16(i), snap.AX)
			}
		})
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		mode    string
		capture string
		timeout time.Duration
		kind    runnerimpl.ErrorKind
	}{
		{"crash", CaptureStdout, 20 * time.Second, runnerimpl.BackendFatal},
		{"crash", CaptureFile, 20 * time.Second, runnerimpl.BackendFatal},
		{"silent", CaptureStdout, 20 * time.Second, runnerimpl.MalformedOutput},
		{"silent", CaptureFile, 20 * time.Second, runnerimpl.MalformedOutput},
		{"hang", CaptureStdout, 300 * time.Millisecond, runnerimpl.ExecutionTimeout},
	}
	for _, test := range tests {
		t.Run(test.mode+"-"+test.capture, func(t *testing.T) {
			r := newEmulator(t, test.mode, test.capture)
			start := time.Now()
			_, err := r.Execute(&probe.Program{Image: []byte{0x90}}, test.timeout)
			require.Error(t, err)
			assert.Equal(t, test.kind, runnerimpl.Kind(err), "%v", err)
			assert.Less(t, time.Since(start), 20*time.Second)
		})
	}
}

func TestConfig(t *testing.T) {
	bad := []string{
		`{}`,
		`{"bin": "/nonexistent/dosbox"}`,
		fmt.Sprintf(`{"bin": %q, "capture": "serial"}`, os.Args[0]),
		fmt.Sprintf(`{"bin": %q, "unknown": 1}`, os.Args[0]),
	}
	for _, cfg := range bad {
		_, err := ctor(&runnerimpl.Env{Name: "emulator", Workdir: t.TempDir(), Config: []byte(cfg)})
		assert.Error(t, err, "config %q", cfg)
	}
}

func TestCloseKillsEmulator(t *testing.T) {
	r := newEmulator(t, "hang", CaptureStdout)
	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(&probe.Program{Image: []byte{0x90}}, time.Minute)
		done <- err
	}()
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, r.Close())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("Execute did not return after Close")
	}
}
