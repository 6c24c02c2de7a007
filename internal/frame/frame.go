// Package frame implements the wire codec: a 4-byte big-endian length
// prefix followed by exactly that many bytes of UTF-8 JSON.
package frame

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single decoded payload to guard against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64MiB

// Error is returned for any framing violation: zero-length frame, a
// top-level JSON array, or a non-object top-level value. The enclosing
// channel must treat it as fatal and close.
type Error struct {
	msg string
}

func (e *Error) Error() string { return "frame: " + e.msg }

func framingError(format string, args ...interface{}) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// WriteMessage encodes v as one frame and writes it to w. Callers are
// responsible for serializing concurrent writes to w; WriteMessage
// itself performs exactly one Write of the length prefix and one Write
// of the payload per call and does not buffer across calls.
func WriteMessage(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame payload: %w", err)
	}
	if len(payload) == 0 {
		return framingError("refusing to write zero-length frame")
	}
	if len(payload) > MaxFrameSize {
		return framingError("payload too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// Reader decodes a stream of frames, tolerating arbitrary fragmentation
// of the underlying reads. It is not safe for concurrent use.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for frame-at-a-time decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 32*1024)}
}

// ReadMessage blocks until one full frame has been read, decodes its
// payload into raw JSON bytes, and validates it is a single top-level
// JSON object. Returns io.EOF only when the stream ends exactly on a
// frame boundary (no bytes of a new frame have been read yet).
func (r *Reader) ReadMessage() (json.RawMessage, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, framingError("zero-length frame")
	}
	if n > MaxFrameSize {
		return nil, framingError("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	if err := validateTopLevelObject(payload); err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// validateTopLevelObject rejects batch arrays and non-object top-level
// values without being fooled by leading whitespace.
func validateTopLevelObject(payload []byte) error {
	dec := json.NewDecoder(bytesReaderNoCopy(payload))
	tok, err := dec.Token()
	if err != nil {
		return framingError("invalid JSON: %v", err)
	}
	switch tok.(type) {
	case json.Delim:
		if tok.(json.Delim) == '{' {
			return nil
		}
		if tok.(json.Delim) == '[' {
			return framingError("batch arrays are not permitted")
		}
		return framingError("top-level value must be a JSON object")
	default:
		return framingError("top-level value must be a JSON object")
	}
}

type byteReader struct {
	b []byte
	i int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

func bytesReaderNoCopy(b []byte) io.Reader {
	return &byteReader{b: b}
}
