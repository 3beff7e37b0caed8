package wire

// ThoughtWrapOpen and ThoughtWrapClose are the synthetic markers injected
// around reasoning sub-segments so the client can render them distinctly.
const (
	ThoughtWrapOpen  = `<div class="__thought__">`
	ThoughtWrapClose = "</div>\n"
)

// ThoughtRewriter folds reasoning frames into the text channel. On entering a
// run of reasoning frames it injects an opening wrapper text frame; on the
// first subsequent non-reasoning frame (or at stream close) it injects the
// closing wrapper. Reasoning frames themselves are rewritten to text frames.
//
// The rewrite is cosmetic: it runs on the outbound wire only, after the
// action parser has already consumed the raw assistant text.
type ThoughtRewriter struct {
	inThought bool
}

func NewThoughtRewriter() *ThoughtRewriter { return &ThoughtRewriter{} }

func (t *ThoughtRewriter) Transform(f Frame) []Frame {
	if f.Tag == TagReasoning {
		out := make([]Frame, 0, 2)
		if !t.inThought {
			t.inThought = true
			out = append(out, Text(ThoughtWrapOpen))
		}
		return append(out, Frame{Tag: TagText, Payload: f.Payload})
	}
	if t.inThought {
		t.inThought = false
		return []Frame{Text(ThoughtWrapClose), f}
	}
	return []Frame{f}
}

func (t *ThoughtRewriter) Flush() []Frame {
	if !t.inThought {
		return nil
	}
	t.inThought = false
	return []Frame{Text(ThoughtWrapClose)}
}
