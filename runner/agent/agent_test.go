// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/probe"
	"github.com/probefuzz/probefuzz/runner/runnerimpl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent mimics the in-VM agent. run decides the reply to /run for the uploaded image.
type fakeAgent struct {
	mu     sync.Mutex
	image  []byte
	output []byte
	run    func(image []byte, timeout string) (int, RunResponse, []byte)
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPut && r.URL.Path == "/probe":
		f.image, _ = io.ReadAll(r.Body)
	case r.Method == http.MethodPost && r.URL.Path == "/run":
		code, resp, output := f.run(f.image, r.URL.Query().Get("timeout"))
		f.output = output
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	case r.Method == http.MethodGet && r.URL.Path == "/output":
		w.Write(f.output)
	default:
		http.NotFound(w, r)
	}
}

func newAgent(t *testing.T, url string) runnerimpl.Runner {
	cfg := fmt.Sprintf(`{"url": %q, "upload_timeout": "5s"}`, url)
	r, err := ctor(&runnerimpl.Env{Name: "agent", Config: []byte(cfg)})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestExecute(t *testing.T) {
	want := &cpustate.Snapshot{AX: 0x18, BX: 2, SP: 0xfffe, Trap: cpustate.NoTrap}
	trapped := &cpustate.Snapshot{AX: 0xffff, BX: 1, Trap: 0}
	image := []byte{0xf6, 0xfb}
	tests := []struct {
		name     string
		code     int
		resp     RunResponse
		output   []byte
		snapshot *cpustate.Snapshot
		kind     runnerimpl.ErrorKind
	}{
		{
			name:     "ok",
			code:     http.StatusOK,
			resp:     RunResponse{Status: StatusOK},
			output:   append([]byte("C:\\>PROBE.COM\r\n"), cpustate.Encode(want)...),
			snapshot: want,
		},
		{
			name:     "trap",
			code:     http.StatusOK,
			resp:     RunResponse{Status: StatusOK},
			output:   cpustate.Encode(trapped),
			snapshot: trapped,
		},
		{
			name: "timeout",
			code: http.StatusOK,
			resp: RunResponse{Status: StatusTimeout},
			kind: runnerimpl.ExecutionTimeout,
		},
		{
			name: "error",
			code: http.StatusOK,
			resp: RunResponse{Status: StatusError, Message: "guest crashed"},
			kind: runnerimpl.BackendFatal,
		},
		{
			name: "unknown status",
			code: http.StatusOK,
			resp: RunResponse{Status: "maybe"},
			kind: runnerimpl.BackendFatal,
		},
		{
			name: "server error",
			code: http.StatusInternalServerError,
			resp: RunResponse{Status: StatusError},
			kind: runnerimpl.BackendFatal,
		},
		{
			name:   "malformed",
			code:   http.StatusOK,
			resp:   RunResponse{Status: StatusOK},
			output: []byte("Bad command or file name\r\n"),
			kind:   runnerimpl.MalformedOutput,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fake := &fakeAgent{
				run: func(got []byte, timeout string) (int, RunResponse, []byte) {
					assert.Equal(t, image, got)
					assert.Equal(t, "1500", timeout)
					return test.code, test.resp, test.output
				},
			}
			srv := httptest.NewServer(fake)
			defer srv.Close()
			r := newAgent(t, srv.URL)
			snap, err := r.Execute(&probe.Program{Image: image}, 1500*time.Millisecond)
			if test.snapshot != nil {
				require.NoError(t, err)
				assert.Equal(t, test.snapshot, snap)
				return
			}
			require.Error(t, err)
			assert.Equal(t, test.kind, runnerimpl.Kind(err), "%v", err)
		})
	}
}

func TestConnectionFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	r := newAgent(t, url)
	_, err := r.Execute(&probe.Program{Image: []byte{0x90}}, time.Second)
	assert.Equal(t, runnerimpl.ConnectionFailed, runnerimpl.Kind(err), "%v", err)
}

func TestRunDeadline(t *testing.T) {
	release := make(chan bool)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/run" {
			<-release
		}
	}))
	defer srv.Close()
	defer close(release)
	cfg := fmt.Sprintf(`{"url": %q, "upload_timeout": "50ms"}`, srv.URL)
	r, err := ctor(&runnerimpl.Env{Name: "agent", Config: []byte(cfg)})
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Execute(&probe.Program{Image: []byte{0x90}}, 50*time.Millisecond)
	assert.Equal(t, runnerimpl.ExecutionTimeout, runnerimpl.Kind(err), "%v", err)
}

func TestConfig(t *testing.T) {
	bad := []string{
		``,
		`{}`,
		`{"url": "not a url"}`,
		`{"url": "http://host", "upload_timeout": "soon"}`,
		`{"url": "http://host", "port": 1}`,
	}
	for _, cfg := range bad {
		_, err := ctor(&runnerimpl.Env{Name: "agent", Config: []byte(cfg)})
		assert.Error(t, err, "config %q", cfg)
	}
}

func TestBudget(t *testing.T) {
	r := newAgent(t, "http://127.0.0.1:1")
	assert.Equal(t, 16*time.Second, r.(runnerimpl.Budgeter).Budget(time.Second))
}
