// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !linux

package serial

import (
	"fmt"
	"io"
)

func openTTY(device string, baud int) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("serial ttys are supported only on linux, use tcp:host:port for %v", device)
}
