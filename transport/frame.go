// Copyright 2026 The Driftsync Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire framing for the LAN exchange: uvarint length followed by the
// payload bytes.

func writeFrame(w io.Writer, payload []byte) error {
	var header [binary.MaxVarintLen64]byte
	headerLen := binary.PutUvarint(header[:], uint64(len(payload)))
	if _, err := w.Write(header[:headerLen]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, maxSize uint64) ([]byte, error) {
	length, err := binary.ReadUvarint(singleByteReader{r})
	if err != nil {
		return nil, err
	}
	if length > maxSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", length, maxSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// singleByteReader adapts an io.Reader for binary.ReadUvarint without
// buffering past the varint.
type singleByteReader struct {
	r io.Reader
}

func (s singleByteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(s.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
