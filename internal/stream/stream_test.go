package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assemble(t *testing.T, body string) (string, int) {
	t.Helper()
	dec := NewDecoder(strings.NewReader(body))
	asm := NewAssembler()
	terminals := 0
	for {
		frame, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if IsTerminal(frame) {
			terminals++
			continue
		}
		asm.Append(frame)
	}
	return asm.Text(), terminals
}

func TestAssembleHelloWorld(t *testing.T) {
	body := "data: {\"text\": \"Hello\"}\n\n" +
		"data: {\"text\": \" \"}\n\n" +
		"data: {\"text\": \"world\"}\n\n" +
		"data: [DONE]\n\n"

	text, terminals := assemble(t, body)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, 1, terminals)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	body := "data: {\"text\": \"A\"}\n\n" +
		"data: {\"text\": <garbage>\n\n" +
		"data: {\"text\": \"B\"}\n\n" +
		"data: [DONE]\n\n"

	dec := NewDecoder(strings.NewReader(body))
	asm := NewAssembler()
	for {
		frame, err := dec.Next()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		asm.Append(frame)
	}
	assert.Equal(t, "AB", asm.Text())
	assert.Equal(t, 1, asm.Dropped())
}

func TestDecoderSkipsNonDataLines(t *testing.T) {
	body := ": keep-alive\r\n" +
		"event: content\r\n" +
		"data: {\"text\":\"x\"}\r\n\r\n" +
		"id: 7\n" +
		"data:{\"text\":\"y\"}"

	text, terminals := assemble(t, body)
	assert.Equal(t, "xy", text)
	assert.Zero(t, terminals)
}

func TestAppendReturnsAccumulatedText(t *testing.T) {
	asm := NewAssembler()
	assert.Equal(t, "a", asm.Append(Frame{Data: `{"text":"a"}`}))
	assert.Equal(t, "ab", asm.Append(Frame{Data: `{"text":"b"}`}))
	assert.Equal(t, "ab", asm.Append(Frame{Data: DoneMarker}))
	assert.Equal(t, "ab", asm.Append(Frame{Data: `{"other":1}`}))
}

func TestWriterRoundTripsThroughDecoder(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteText("line one\n"))
	require.NoError(t, w.WriteText(`quoted "text"`))
	require.NoError(t, w.WriteDone())

	text, terminals := assemble(t, buf.String())
	assert.Equal(t, "line one\nquoted \"text\"", text)
	assert.Equal(t, 1, terminals)
}
