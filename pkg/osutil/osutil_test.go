// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestIsExist(t *testing.T) {
	if f := os.Args[0]; !IsExist(f) {
		t.Fatalf("executable %v does not exist", f)
	}
	if f := os.Args[0] + "-foo-bar-buz"; IsExist(f) {
		t.Fatalf("file %v exists", f)
	}
}

func TestRunTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a posix shell")
	}
	start := time.Now()
	_, err := RunContext(context.Background(), 100*time.Millisecond, Command("sh", "-c", "sleep 10"))
	var verr *VerboseError
	if !errors.As(err, &verr) {
		t.Fatalf("want *VerboseError, got %v", err)
	}
	if !verr.Timeout {
		t.Fatalf("want timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("process was not killed on timeout")
	}
}

func TestRunExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a posix shell")
	}
	out, err := RunContext(context.Background(), time.Minute, Command("sh", "-c", "echo boom; exit 3"))
	var verr *VerboseError
	if !errors.As(err, &verr) {
		t.Fatalf("want *VerboseError, got %v", err)
	}
	if verr.ExitCode != 3 || verr.Timeout {
		t.Fatalf("bad error: %+v", verr)
	}
	if !strings.Contains(string(out), "boom") {
		t.Fatalf("output is lost: %q", out)
	}
	err = PrependContext("emulator", err)
	if !strings.HasPrefix(err.Error(), "emulator: ") {
		t.Fatalf("context not prepended: %v", err)
	}
}

func TestRunContextCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a posix shell")
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	start := time.Now()
	_, err := RunContext(ctx, time.Minute, Command("sh", "-c", "sleep 10"))
	var verr *VerboseError
	if !errors.As(err, &verr) {
		t.Fatalf("want *VerboseError, got %v", err)
	}
	if verr.Timeout || !strings.HasPrefix(verr.Title, "canceled") {
		t.Fatalf("bad error: %+v", verr)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("process was not killed on cancel")
	}
	if _, err := RunContext(ctx, time.Minute, Command("true")); err == nil {
		t.Fatalf("command started with a canceled context")
	}
}
