// internal/message/framing.go
// Newline framing for byte-stream transports. JSON never contains a raw
// newline, so a single '\n' after each encoded message is an unambiguous
// boundary.
package message

import (
	"bufio"
	"io"
)

// DefaultMaxFrameSize bounds a single inbound frame.
const DefaultMaxFrameSize = 64 * 1024

// FrameReader splits a byte stream into newline-delimited frames.
type FrameReader struct {
	scanner *bufio.Scanner
}

// NewFrameReader wraps r. Frames longer than maxSize make ReadFrame fail with
// bufio.ErrTooLong.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	scanner := bufio.NewScanner(r)
	initial := 4096
	if initial > maxSize {
		initial = maxSize
	}
	scanner.Buffer(make([]byte, initial), maxSize)
	return &FrameReader{scanner: scanner}
}

// ReadFrame returns the next non-blank frame without its delimiter. It returns
// io.EOF once the stream is exhausted.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for fr.scanner.Scan() {
		line := fr.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}
	if err := fr.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Frame appends the delimiter to an encoded payload.
func Frame(payload []byte) []byte {
	framed := make([]byte, len(payload)+1)
	copy(framed, payload)
	framed[len(payload)] = '\n'
	return framed
}

// WriteFrame writes payload and its delimiter in one call.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(Frame(payload))
	return err
}

// EncodeFrame encodes m and appends the delimiter.
func EncodeFrame(m Message) ([]byte, error) {
	data, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return Frame(data), nil
}
