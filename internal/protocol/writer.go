// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/tapearc/tapearcd/internal/jsonutil"
)

// WriteFrame writes one frame: an 8-byte header followed by payload.
func WriteFrame(w io.Writer, code Code, payload []byte) error {
	if len(payload) > MaxFrameLength {
		return errors.Wrapf(ErrFrameTooLarge, "payload length %d", len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(code))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "protocol: writing frame")
	}
	return nil
}

// WriteEOF writes the stream terminator frame.
func WriteEOF(w io.Writer) error {
	return WriteFrame(w, EOFCode, []byte(EOFPayload))
}

// WriteError writes an ErrorCode frame carrying a JSON ErrorPayload.
func WriteError(w io.Writer, exception, msg, traceback string) error {
	body, err := jsonutil.Marshal(ErrorPayload{Exception: exception, Msg: msg, Traceback: traceback})
	if err != nil {
		return errors.Wrap(err, "protocol: marshaling error payload")
	}
	return WriteFrame(w, ErrorCode, body)
}
