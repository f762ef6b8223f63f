// Copyright 2016 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log is the logger shared by all probefuzz packages:
//   - verbosity levels selected with -vv
//   - an in-memory ring of recent output for the status page
//   - error helpers that always reach the output regardless of verbosity
package log

import (
	"bytes"
	"flag"
	"fmt"
	golog "log"
	"sync"
	"time"
)

var (
	flagV        = flag.Int("vv", 0, "verbosity")
	mu           sync.Mutex
	cacheMem     int
	cacheMaxMem  int
	cachePos     int
	cacheEntries []string
	prependTime  = true // for testing
)

// EnableLogCaching keeps up to maxLines recent messages of verbosity <= 1,
// but no more than maxMem bytes in total.
func EnableLogCaching(maxLines, maxMem int) {
	mu.Lock()
	defer mu.Unlock()
	if cacheEntries != nil {
		Fatalf("log caching is already enabled")
	}
	if maxLines < 1 || maxMem < 1 {
		panic("invalid maxLines/maxMem")
	}
	cacheMaxMem = maxMem
	cacheEntries = make([]string, maxLines)
}

func CachedLogOutput() string {
	mu.Lock()
	defer mu.Unlock()
	buf := new(bytes.Buffer)
	for i := range cacheEntries {
		pos := (cachePos + i) % len(cacheEntries)
		if cacheEntries[pos] == "" {
			continue
		}
		buf.WriteString(cacheEntries[pos])
		buf.WriteByte('\n')
	}
	return buf.String()
}

// V reports whether messages of verbosity v are printed.
func V(v int) bool {
	return v <= *flagV
}

func Logf(v int, msg string, args ...any) {
	mu.Lock()
	doLog := v <= *flagV
	if cacheEntries != nil && v <= 1 {
		cache(fmt.Sprintf(msg, args...))
	}
	mu.Unlock()

	if doLog {
		golog.Printf(msg, args...)
	}
}

// Errorf logs at verbosity 0 with an ERROR prefix.
func Errorf(msg string, args ...any) {
	Logf(0, "ERROR: "+msg, args...)
}

func cache(line string) {
	cacheMem -= len(cacheEntries[cachePos])
	if cacheMem < 0 {
		panic("log cache size underflow")
	}
	if prependTime {
		line = time.Now().Format("2006/01/02 15:04:05 ") + line
	}
	cacheEntries[cachePos] = line
	cacheMem += len(line)
	cachePos++
	if cachePos == len(cacheEntries) {
		cachePos = 0
	}
	for i := 0; i < len(cacheEntries)-1 && cacheMem > cacheMaxMem; i++ {
		pos := (cachePos + i) % len(cacheEntries)
		cacheMem -= len(cacheEntries[pos])
		cacheEntries[pos] = ""
	}
	if cacheMem < 0 {
		panic("log cache size underflow")
	}
}

func Fatal(err error) {
	golog.Fatal(err)
}

func Fatalf(msg string, args ...any) {
	golog.Fatalf(msg, args...)
}

// VerboseWriter forwards subprocess output into the log at the given verbosity.
type VerboseWriter int

func (w VerboseWriter) Write(data []byte) (int, error) {
	Logf(int(w), "%s", data)
	return len(data), nil
}
