// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package serial

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const dialTimeout = 10 * time.Second

// Open opens a serial device. "tcp:host:port" dials a TCP socket, which is how
// emulators and terminal servers export virtual serial ports; anything else is a TTY.
func Open(device string, baud int) (io.ReadWriteCloser, error) {
	if addr, ok := strings.CutPrefix(device, "tcp:"); ok {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %v: %w", addr, err)
		}
		return conn, nil
	}
	return openTTY(device, baud)
}
