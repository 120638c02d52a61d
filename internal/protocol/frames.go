// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package protocol implements the binary framing used on the daemon's
// Unix-domain IPC socket: an 8-byte header (length, code) followed by a
// JSON payload. It has no notion of requests or handlers — it only knows
// how to read and write one frame at a time.
package protocol

import "github.com/cockroachdb/errors"

// HeaderSize is the number of bytes in a frame header: a big-endian
// uint32 length followed by a big-endian uint32 code.
const HeaderSize = 8

// Code is the status/intent carried by every frame.
type Code uint32

// Frame codes, per the wire protocol.
const (
	// OK indicates success. In a stream, more frames may follow.
	OK Code = 0
	// ErrorCode indicates the payload is a JSON {exception,msg,traceback} object.
	ErrorCode Code = 1
	// Undefined is reserved.
	Undefined Code = 2
	// Stopped indicates the server is shutting down; payload is advisory text.
	Stopped Code = 3
	// Yield indicates the reply is a stream; subsequent frames are stream items.
	Yield Code = 4
	// EOFCode terminates a stream; payload is the literal string "EOF".
	EOFCode Code = 5
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case ErrorCode:
		return "ERROR"
	case Undefined:
		return "UNDEFINED"
	case Stopped:
		return "STOPPED"
	case Yield:
		return "YIELD"
	case EOFCode:
		return "EOF"
	default:
		return "UNKNOWN"
	}
}

// MaxFrameLength bounds a single frame's payload to guard a corrupt or
// hostile length prefix from forcing an unbounded allocation.
const MaxFrameLength = 64 << 20 // 64 MiB

// Errors returned while reading or writing frames.
var (
	ErrFrameTooLarge  = errors.New("protocol: frame length exceeds maximum")
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
)

// Frame is one message on the wire: a code and a raw payload.
type Frame struct {
	Code    Code
	Payload []byte
}

// ErrorPayload is the JSON shape carried by an ErrorCode frame, per spec §6.1.
type ErrorPayload struct {
	Exception string `json:"exception"`
	Msg       string `json:"msg"`
	Traceback string `json:"traceback"`
}

// EOFPayload is the literal payload of an EOFCode frame.
const EOFPayload = "EOF"
