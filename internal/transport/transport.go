// Package transport implements the daemon's wire framing: each message
// is a 4-byte big-endian length prefix followed by that many bytes of
// UTF-8 JSON. A zero length, or a length beyond the maximum message
// size, is treated as a protocol error and the connection is closed.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame's payload at 16 MiB.
const MaxMessageSize = 16 * 1024 * 1024

// ErrInvalidLength is returned when a frame's declared length is zero or
// exceeds MaxMessageSize.
var ErrInvalidLength = fmt.Errorf("transport: invalid frame length")

// WriteFrame writes payload as a single length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxMessageSize {
		return ErrInvalidLength
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("transport: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads a single length-prefixed frame and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > MaxMessageSize {
		return nil, ErrInvalidLength
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("transport: read payload: %w", err)
	}
	return payload, nil
}
