package llm

import (
	"context"
	"io"
)

// Role of a chat message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage counts tokens consumed by one or more generations.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add accumulates another generation's usage into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// FinishReason says why a generation stopped.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length" // token limit hit mid-response
	FinishOther  FinishReason = "other"
)

// PartKind discriminates stream parts.
type PartKind int

const (
	PartText PartKind = iota
	PartReasoning
	PartFinish
)

// StreamPart is one increment of a streamed generation: a text delta, a
// reasoning delta, or the terminal finish part carrying reason and usage.
type StreamPart struct {
	Kind   PartKind
	Text   string
	Reason FinishReason
	Usage  Usage
}

// Stream is a pull-based part sequence. Recv returns io.EOF after the finish
// part has been delivered.
type Stream interface {
	Recv() (StreamPart, error)
	Close() error
}

// StreamOptions tune one generation.
type StreamOptions struct {
	Model     string
	System    string
	MaxTokens int
}

// StreamClient is a streaming text-generation provider.
type StreamClient interface {
	Name() string
	StreamText(ctx context.Context, messages []Message, opts StreamOptions) (Stream, error)
	Close() error
}

type streamItem struct {
	part StreamPart
	err  error
}

// chanStream adapts a producer goroutine to the Stream interface. The
// producer sends items and closes the channel when done; Close cancels the
// producer's context.
type chanStream struct {
	items  chan streamItem
	cancel context.CancelFunc
}

func newChanStream(cancel context.CancelFunc) *chanStream {
	return &chanStream{items: make(chan streamItem, 16), cancel: cancel}
}

func (s *chanStream) Recv() (StreamPart, error) {
	it, ok := <-s.items
	if !ok {
		return StreamPart{}, io.EOF
	}
	return it.part, it.err
}

func (s *chanStream) Close() error {
	s.cancel()
	return nil
}

func (s *chanStream) send(part StreamPart) { s.items <- streamItem{part: part} }
func (s *chanStream) fail(err error)       { s.items <- streamItem{err: err} }
func (s *chanStream) done()                { close(s.items) }
