package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// Tag identifies the kind of one outbound stream frame. The wire protocol is
// line oriented: each line is `<tag>:<json>\n`.
type Tag byte

const (
	// TagText carries an assistant text delta as a JSON string.
	TagText Tag = '0'
	// TagData carries a progress/data value as JSON.
	TagData Tag = '2'
	// TagError carries a terminal error description as a JSON string.
	TagError Tag = '3'
	// TagAnnotation carries a message annotation (usage, context) as JSON.
	TagAnnotation Tag = '8'
	// TagReasoning carries a reasoning text delta. It never reaches the
	// client as-is; the thought rewriter folds it into text frames.
	TagReasoning Tag = 'g'
)

// Frame is one protocol line, minus the trailing newline.
type Frame struct {
	Tag     Tag
	Payload json.RawMessage
}

// Text builds a text-delta frame.
func Text(s string) Frame {
	b, _ := json.Marshal(s)
	return Frame{Tag: TagText, Payload: b}
}

// Data builds a data frame from any JSON-encodable value.
func Data(v any) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Tag: TagData, Payload: b}, nil
}

// Annotation builds a message-annotation frame.
func Annotation(v any) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Tag: TagAnnotation, Payload: b}, nil
}

// Error builds an error frame.
func Error(msg string) Frame {
	b, _ := json.Marshal(msg)
	return Frame{Tag: TagError, Payload: b}
}

// Reasoning builds a reasoning-delta frame.
func Reasoning(s string) Frame {
	b, _ := json.Marshal(s)
	return Frame{Tag: TagReasoning, Payload: b}
}

// Encode renders the frame as one protocol line including the newline.
func (f Frame) Encode() []byte {
	out := make([]byte, 0, len(f.Payload)+3)
	out = append(out, byte(f.Tag), ':')
	out = append(out, f.Payload...)
	out = append(out, '\n')
	return out
}

// DecodeFrame parses one protocol line (with or without the trailing
// newline). Used by tests and by stream-consuming clients.
func DecodeFrame(line []byte) (Frame, error) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	idx := bytes.IndexByte(line, ':')
	if idx != 1 {
		return Frame{}, fmt.Errorf("wire: malformed frame %q", line)
	}
	payload := make([]byte, len(line)-2)
	copy(payload, line[2:])
	return Frame{Tag: Tag(line[0]), Payload: payload}, nil
}

// TextPayload decodes the frame payload as a JSON string.
func (f Frame) TextPayload() (string, error) {
	var s string
	if err := json.Unmarshal(f.Payload, &s); err != nil {
		return "", fmt.Errorf("wire: frame %c payload is not a string: %w", f.Tag, err)
	}
	return s, nil
}

// SetStreamingHeaders applies the response headers for chunked frame
// delivery: no caching, no proxy buffering.
func SetStreamingHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
