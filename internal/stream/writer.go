package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Writer emits frames in the same format the Decoder reads.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

func NewWriter(w io.Writer) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

func (w *Writer) WriteText(text string) error {
	payload, err := json.Marshal(textPayload{Text: text})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return w.writeFrame(string(payload))
}

func (w *Writer) WriteDone() error {
	return w.writeFrame(DoneMarker)
}

func (w *Writer) writeFrame(data string) error {
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
