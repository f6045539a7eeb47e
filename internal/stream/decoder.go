// Package stream decodes and encodes the framed text protocol used by the
// execute endpoint: `data: {"text": "<chunk>"}` lines terminated by `data: [DONE]`.
package stream

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// DoneMarker is the payload of the terminal frame.
const DoneMarker = "[DONE]"

const (
	initialLineBuffer = 64 * 1024
	maxLineBuffer     = 1024 * 1024
)

// Frame is the payload of one `data:` line.
type Frame struct {
	Data string
}

// IsTerminal reports whether f ends the stream.
func IsTerminal(f Frame) bool {
	return f.Data == DoneMarker
}

// Decoder yields frames from a line-oriented event stream. It knows nothing
// about the transport that produced the bytes.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineBuffer)
	return &Decoder{scanner: scanner}
}

// Next returns the next data frame. Event names, comments and blank separator
// lines are skipped. At the end of the body it returns io.EOF.
func (d *Decoder) Next() (Frame, error) {
	for d.scanner.Scan() {
		line := strings.TrimRight(d.scanner.Text(), "\r")
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		return Frame{Data: strings.TrimSpace(data)}, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("read stream: %w", err)
	}
	return Frame{}, io.EOF
}
