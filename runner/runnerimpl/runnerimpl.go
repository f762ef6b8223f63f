// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package runnerimpl defines the interface execution backends implement
// and helpers shared by the implementations.
// A backend loads a probe program, runs it and returns the snapshot the
// probe reported.
package runnerimpl

import (
	"errors"
	"fmt"
	"time"

	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/osutil"
	"github.com/probefuzz/probefuzz/pkg/probe"
)

// Runner is one backend resource: a connection, a VM or an emulator setup.
type Runner interface {
	// Execute runs the probe and returns the reported snapshot.
	// A probe that trapped is a successful execution with Trap >= 0.
	// Failures are *Error.
	Execute(p *probe.Program, timeout time.Duration) (*cpustate.Snapshot, error)

	// Close releases the resource. It may be called while Execute is in progress
	// and must make it return.
	Close() error
}

// Budgeter is implemented by backends whose Execute legitimately takes
// longer than the probe timeout, e.g. because of file transfers around the run.
type Budgeter interface {
	// Budget returns the longest time Execute may take for the given probe timeout.
	Budget(timeout time.Duration) time.Duration
}

// Env contains the parameters of a backend.
type Env struct {
	// Name identifies the backend in logs and errors, e.g. "target".
	Name    string
	Workdir string
	Debug   bool
	Config  []byte // json-serialized backend-specific config
}

type ErrorKind int

const (
	ConnectionFailed ErrorKind = iota
	ExecutionTimeout
	MalformedOutput
	BackendFatal
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectionFailed:
		return "connection failed"
	case ExecutionTimeout:
		return "execution timeout"
	case MalformedOutput:
		return "malformed output"
	case BackendFatal:
		return "backend fatal"
	}
	return fmt.Sprintf("kind%d", int(k))
}

type Error struct {
	Kind    ErrorKind
	Backend string
	Err     error
	// Output is the raw output captured from the backend, if any.
	Output []byte
}

func (err *Error) Error() string {
	return fmt.Sprintf("%v: %v: %v", err.Backend, err.Kind, err.Err)
}

func (err *Error) Unwrap() error {
	return err.Err
}

func MakeError(kind ErrorKind, backend string, err error, output []byte) *Error {
	var verr *osutil.VerboseError
	if output == nil && errors.As(err, &verr) {
		output = verr.Output
	}
	return &Error{Kind: kind, Backend: backend, Err: err, Output: output}
}

// Kind returns the kind of a runner error, or BackendFatal for other errors.
func Kind(err error) ErrorKind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return BackendFatal
}

// ParseOutput decodes the probe output block from a captured stream.
func ParseOutput(backend string, output []byte) (*cpustate.Snapshot, error) {
	s, err := cpustate.Decode(output)
	if err != nil {
		return nil, MakeError(MalformedOutput, backend, err, output)
	}
	return s, nil
}

// Register registers a new backend type within the package.
func Register(typ string, ctor ctorFunc) {
	Types[typ] = Type{Ctor: ctor}
}

type Type struct {
	Ctor ctorFunc
}

type ctorFunc func(env *Env) (Runner, error)

var Types = make(map[string]Type)
