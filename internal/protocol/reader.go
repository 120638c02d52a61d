// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// ReadFrame blocks until a full frame has arrived, or the peer closes the
// connection. Both header fields must arrive in full before the payload is
// read; a short read at any point is a transport error, never a silent
// partial frame.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, errors.Wrap(err, "protocol: reading frame header")
	}

	length := binary.BigEndian.Uint32(header[0:4])
	code := Code(binary.BigEndian.Uint32(header[4:8]))

	if length > MaxFrameLength {
		return nil, errors.Wrapf(ErrFrameTooLarge, "declared length %d", length)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, errors.Wrap(ErrTruncatedFrame, err.Error())
		}
	}

	return &Frame{Code: code, Payload: payload}, nil
}
