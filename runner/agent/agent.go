// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package agent runs probes through an HTTP agent living inside a VM.
//
// The agent protocol:
//
//	PUT  /probe                 upload the probe image
//	POST /run?timeout=<ms>      run it; replies {"status": "ok"|"timeout"|"error", "message": ...}
//	GET  /output                fetch the captured output stream
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/probefuzz/probefuzz/pkg/config"
	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/log"
	"github.com/probefuzz/probefuzz/pkg/probe"
	"github.com/probefuzz/probefuzz/runner/runnerimpl"
)

func init() {
	runnerimpl.Register("agent", ctor)
}

type Config struct {
	URL           string `json:"url"`            // agent base URL, e.g. http://10.0.0.2:8000
	UploadTimeout string `json:"upload_timeout"` // timeout of the upload and download requests
}

type agent struct {
	name          string
	base          *url.URL
	uploadTimeout time.Duration
	debug         bool
	client        *http.Client
	ctx           context.Context
	cancel        context.CancelFunc
}

// RunResponse is the reply to /run.
type RunResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

const (
	StatusOK      = "ok"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

func ctor(env *runnerimpl.Env) (runnerimpl.Runner, error) {
	cfg := &Config{
		UploadTimeout: "30s",
	}
	if err := config.LoadData(env.Config, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("config param url is empty")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("bad agent url %q", cfg.URL)
	}
	uploadTimeout, err := time.ParseDuration(cfg.UploadTimeout)
	if err != nil || uploadTimeout <= 0 {
		return nil, fmt.Errorf("bad upload_timeout %q", cfg.UploadTimeout)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &agent{
		name:          env.Name,
		base:          base,
		uploadTimeout: uploadTimeout,
		debug:         env.Debug,
		client:        &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Budget covers the upload, the run request and the download.
func (a *agent) Budget(timeout time.Duration) time.Duration {
	return timeout + 3*a.uploadTimeout
}

func (a *agent) Execute(p *probe.Program, timeout time.Duration) (*cpustate.Snapshot, error) {
	if _, err := a.do(http.MethodPut, "/probe", nil, p.Image, a.uploadTimeout); err != nil {
		return nil, err
	}
	query := url.Values{"timeout": {fmt.Sprint(timeout.Milliseconds())}}
	body, err := a.do(http.MethodPost, "/run", query, nil, timeout+a.uploadTimeout)
	if err != nil {
		return nil, err
	}
	resp := new(RunResponse)
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, runnerimpl.MakeError(runnerimpl.BackendFatal, a.name,
			fmt.Errorf("bad /run reply: %w", err), body)
	}
	switch resp.Status {
	case StatusOK:
	case StatusTimeout:
		return nil, runnerimpl.MakeError(runnerimpl.ExecutionTimeout, a.name,
			fmt.Errorf("agent: probe did not finish in %v", timeout), []byte(resp.Message))
	case StatusError:
		return nil, runnerimpl.MakeError(runnerimpl.BackendFatal, a.name,
			fmt.Errorf("agent: %v", resp.Message), nil)
	default:
		return nil, runnerimpl.MakeError(runnerimpl.BackendFatal, a.name,
			fmt.Errorf("agent: unknown run status %q", resp.Status), body)
	}
	output, err := a.do(http.MethodGet, "/output", nil, nil, a.uploadTimeout)
	if err != nil {
		return nil, err
	}
	if a.debug {
		log.Logf(0, "%v: output %q", a.name, output)
	}
	return runnerimpl.ParseOutput(a.name, output)
}

func (a *agent) do(method, path string, query url.Values, data []byte, timeout time.Duration) ([]byte, error) {
	u := a.base.JoinPath(path)
	u.RawQuery = query.Encode()
	ctx, cancel := context.WithTimeout(a.ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, runnerimpl.MakeError(runnerimpl.BackendFatal, a.name, err, nil)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		kind := runnerimpl.ConnectionFailed
		if errors.Is(err, context.DeadlineExceeded) && method == http.MethodPost {
			kind = runnerimpl.ExecutionTimeout
		}
		return nil, runnerimpl.MakeError(kind, a.name, fmt.Errorf("%v %v: %w", method, path, err), nil)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, runnerimpl.MakeError(runnerimpl.ConnectionFailed, a.name,
			fmt.Errorf("%v %v: %w", method, path, err), nil)
	}
	if resp.StatusCode != http.StatusOK {
		kind := runnerimpl.ConnectionFailed
		if resp.StatusCode >= 500 {
			kind = runnerimpl.BackendFatal
		}
		return nil, runnerimpl.MakeError(kind, a.name,
			fmt.Errorf("%v %v: %v: %v", method, path, resp.Status, strings.TrimSpace(string(body))), body)
	}
	return body, nil
}

func (a *agent) Close() error {
	a.cancel()
	a.client.CloseIdleConnections()
	return nil
}
