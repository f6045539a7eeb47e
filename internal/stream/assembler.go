package stream

import (
	"encoding/json"
	"strings"
)

type textPayload struct {
	Text string `json:"text"`
}

// Assembler reduces text frames into the accumulated result. It has no
// knowledge of quota or payment.
type Assembler struct {
	text    strings.Builder
	dropped int
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Append decodes f and returns the accumulated text. Frames that fail to
// decode are dropped without failing the stream.
func (a *Assembler) Append(f Frame) string {
	if IsTerminal(f) || f.Data == "" {
		return a.text.String()
	}
	var payload textPayload
	if err := json.Unmarshal([]byte(f.Data), &payload); err != nil {
		a.dropped++
		return a.text.String()
	}
	a.text.WriteString(payload.Text)
	return a.text.String()
}

func (a *Assembler) Text() string {
	return a.text.String()
}

// Dropped is the number of frames that could not be decoded.
func (a *Assembler) Dropped() int {
	return a.dropped
}
