package llm

import (
	"context"
	"fmt"
	"sync"
)

// FakeSegment scripts one StreamText invocation of a FakeClient.
type FakeSegment struct {
	Text      string
	Reasoning string
	Reason    FinishReason
	Usage     Usage
	Err       error
}

// FakeClient replays scripted segments for offline use and tests, recording
// every request it receives.
type FakeClient struct {
	mu       sync.Mutex
	segments []FakeSegment
	calls    [][]Message
}

func NewFakeClient(segments ...FakeSegment) *FakeClient {
	return &FakeClient{segments: segments}
}

func (f *FakeClient) Name() string { return "FakeLLM" }
func (f *FakeClient) Close() error { return nil }

// Calls returns the message lists of every StreamText invocation so far.
func (f *FakeClient) Calls() [][]Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]Message, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeClient) StreamText(ctx context.Context, messages []Message, opts StreamOptions) (Stream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]Message(nil), messages...))
	if len(f.segments) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("fake llm: no scripted segments left")
	}
	seg := f.segments[0]
	f.segments = f.segments[1:]
	f.mu.Unlock()

	if seg.Err != nil {
		return nil, seg.Err
	}

	ctx, cancel := context.WithCancel(ctx)
	stream := newChanStream(cancel)
	go func() {
		defer stream.done()
		if seg.Reasoning != "" {
			stream.send(StreamPart{Kind: PartReasoning, Text: seg.Reasoning})
		}
		// Emit the text in small deltas so consumers see real streaming.
		for i := 0; i < len(seg.Text); i += 8 {
			end := i + 8
			if end > len(seg.Text) {
				end = len(seg.Text)
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			stream.send(StreamPart{Kind: PartText, Text: seg.Text[i:end]})
		}
		reason := seg.Reason
		if reason == "" {
			reason = FinishStop
		}
		stream.send(StreamPart{Kind: PartFinish, Reason: reason, Usage: seg.Usage})
	}()
	return stream, nil
}
