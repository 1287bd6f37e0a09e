package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// writeFrame serializes msg and writes it with a 4-byte big-endian length
// prefix in a single Write call.
func writeFrame(w io.Writer, msg tcpMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed body, rejecting frames whose
// declared length exceeds limit. Decoding is left to the caller so a
// malformed body can be skipped without killing the connection.
func readFrame(r io.Reader, limit uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > limit {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, limit)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
