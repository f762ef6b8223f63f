// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package serial

import (
	"encoding/binary"
	"hash/crc32"
)

// Frame bytes.
const (
	SOH = 0x01
	ACK = 0x06
	NAK = 0x15
)

// FlagLast marks the final frame of a message.
const FlagLast = 0x01

const (
	headerSize  = 5 // SOH seq flags len16
	trailerSize = 4 // crc32
	// MaxFrame bounds the payload length a receiver accepts,
	// so that a corrupted length field cannot stall it for long.
	MaxFrame = 4096
)

// frame is a received data or control frame.
type frame struct {
	kind    byte // SOH, ACK or NAK
	seq     byte
	flags   byte
	payload []byte
	// valid is false for data frames that failed the CRC or were cut short.
	valid bool
}

func (f *frame) last() bool {
	return f.flags&FlagLast != 0
}

// encodeData serializes a data frame: SOH seq flags len(u16 LE) payload crc32(u32 LE).
// The CRC covers seq through the end of the payload.
func encodeData(seq, flags byte, payload []byte) []byte {
	buf := make([]byte, 0, headerSize+len(payload)+trailerSize)
	buf = append(buf, SOH, seq, flags)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[1:]))
	return buf
}

func encodeControl(kind, seq byte) []byte {
	return []byte{kind, seq, ^seq}
}

// fragment splits msg into payloads of at most size bytes.
// An empty message is still sent as one empty frame.
func fragment(msg []byte, size int) [][]byte {
	var res [][]byte
	for len(msg) > size {
		res = append(res, msg[:size])
		msg = msg[size:]
	}
	return append(res, msg)
}
