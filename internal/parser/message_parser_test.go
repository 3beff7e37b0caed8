package parser

import (
	"fmt"
	"strings"
	"testing"

	"ancode/internal/tester"

	"github.com/stretchr/testify/require"
)

type event struct {
	kind    string
	payload string
}

type recorder struct {
	events []event
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		ArtifactOpen: func(d ArtifactData) {
			r.events = append(r.events, event{"artifact-open", d.ID + "|" + d.Title + "|" + d.Type})
		},
		ArtifactClose: func(d ArtifactData) {
			r.events = append(r.events, event{"artifact-close", d.ID})
		},
		ActionOpen: func(d ActionData) {
			r.events = append(r.events, event{"action-open", string(d.Action.Type) + "|" + d.Action.FilePath})
		},
		ActionStream: func(d ActionData) {
			r.events = append(r.events, event{"action-stream", d.Action.Content})
		},
		ActionClose: func(d ActionData) {
			r.events = append(r.events, event{"action-close", string(d.Action.Type) + "|" + d.Action.Content})
		},
	}
}

// keyEvents drops action-stream events, whose count legitimately varies with
// chunking.
func (r *recorder) keyEvents() []event {
	out := make([]event, 0, len(r.events))
	for _, e := range r.events {
		if e.kind == "action-stream" {
			continue
		}
		out = append(out, e)
	}
	return out
}

func feed(p *StreamingMessageParser, messageID, input string, chunkSizes []int) string {
	var visible strings.Builder
	pos := 0
	for _, n := range chunkSizes {
		pos += n
		if pos > len(input) {
			pos = len(input)
		}
		visible.WriteString(p.Parse(messageID, input[:pos]))
	}
	if pos < len(input) {
		visible.WriteString(p.Parse(messageID, input))
	}
	return visible.String()
}

const simpleInput = `<artifact id="a1" title="t" type="web"><action type="file" filePath="x.txt">hello</action></artifact>`

func TestParseSingleFileAction(t *testing.T) {
	rec := &recorder{}
	p := NewStreamingMessageParser(rec.callbacks())
	p.Parse("m1", simpleInput)

	tester.Eq(t, rec.keyEvents(), []event{
		{"artifact-open", "a1|t|web"},
		{"action-open", "file|x.txt"},
		{"action-close", "file|hello"},
		{"artifact-close", "a1"},
	})
}

func TestChunkBoundaryInvariance(t *testing.T) {
	input := "Intro prose. " + simpleInput + " Outro."

	whole := &recorder{}
	p := NewStreamingMessageParser(whole.callbacks())
	wholeVisible := p.Parse("m", input)

	for size := 1; size <= len(input); size++ {
		rec := &recorder{}
		chunked := NewStreamingMessageParser(rec.callbacks())
		var sizes []int
		for n := 0; n < len(input); n += size {
			sizes = append(sizes, size)
		}
		visible := feed(chunked, "m", input, sizes)

		require.Equal(t, wholeVisible, visible, "chunk size %d", size)
		require.Equal(t, whole.keyEvents(), rec.keyEvents(), "chunk size %d", size)
	}
}

func TestChunkBoundaryInvarianceThreeWaySplits(t *testing.T) {
	input := simpleInput
	for a := 1; a < len(input)-1; a += 7 {
		for b := a + 1; b < len(input); b += 11 {
			rec := &recorder{}
			p := NewStreamingMessageParser(rec.callbacks())
			p.Parse("m", input[:a])
			p.Parse("m", input[:b])
			p.Parse("m", input)

			got := rec.keyEvents()
			require.Len(t, got, 4, "split %d/%d", a, b)
			require.Equal(t, event{"action-close", "file|hello"}, got[2], "split %d/%d", a, b)
		}
	}
}

func TestActionContentRoundTrip(t *testing.T) {
	content := "line one\n  indented\n\ttabbed\nno trailing newline"
	input := fmt.Sprintf(`<artifact id="a" title="t"><action type="file" filePath="a/b.txt">%s</action></artifact>`, content)

	var got string
	p := NewStreamingMessageParser(Callbacks{
		ActionClose: func(d ActionData) { got = d.Action.Content },
	})
	p.Parse("m", input)
	tester.Eq(t, got, content)
}

func TestShellAndStartActions(t *testing.T) {
	rec := &recorder{}
	p := NewStreamingMessageParser(rec.callbacks())
	p.Parse("m", `<artifact id="a" title="t"><action type="shell">npm install</action><action type="start">npm run dev</action></artifact>`)

	tester.Eq(t, rec.keyEvents(), []event{
		{"artifact-open", "a|t|"},
		{"action-open", "shell|"},
		{"action-close", "shell|npm install"},
		{"action-open", "start|"},
		{"action-close", "start|npm run dev"},
		{"artifact-close", "a"},
	})
}

func TestActionOrderPreserved(t *testing.T) {
	var order []string
	p := NewStreamingMessageParser(Callbacks{
		ActionClose: func(d ActionData) { order = append(order, d.ActionID) },
	})
	var sb strings.Builder
	sb.WriteString(`<artifact id="a" title="t">`)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&sb, `<action type="file" filePath="f%d.txt">c%d</action>`, i, i)
	}
	sb.WriteString(`</artifact>`)
	p.Parse("m", sb.String())

	tester.Eq(t, order, []string{"0", "1", "2", "3", "4"})
}

func TestUnknownActionTypeIgnored(t *testing.T) {
	rec := &recorder{}
	p := NewStreamingMessageParser(rec.callbacks())
	p.Parse("m", `<artifact id="a" title="t"><action type="mystery">zap</action><action type="shell">ls</action></artifact>`)

	tester.Eq(t, rec.keyEvents(), []event{
		{"artifact-open", "a|t|"},
		{"action-open", "shell|"},
		{"action-close", "shell|ls"},
		{"artifact-close", "a"},
	})
}

func TestMalformedTagsPassThroughAsProse(t *testing.T) {
	p := NewStreamingMessageParser(Callbacks{})
	out := p.Parse("m", "a < b and <artifacts> is not a tag")
	tester.Eq(t, out, "a < b and <artifacts> is not a tag")
}

func TestProseAroundArtifactIsVisible(t *testing.T) {
	p := NewStreamingMessageParser(Callbacks{})
	out := p.Parse("m", "before "+simpleInput+" after")
	tester.Eq(t, out, "before  after")
}

func TestStreamingEmitsPartialFileContent(t *testing.T) {
	rec := &recorder{}
	p := NewStreamingMessageParser(rec.callbacks())
	p.Parse("m", `<artifact id="a" title="t"><action type="file" filePath="x.txt">hel`)

	var streamed []string
	for _, e := range rec.events {
		if e.kind == "action-stream" {
			streamed = append(streamed, e.payload)
		}
	}
	require.NotEmpty(t, streamed)
	require.Equal(t, "hel", streamed[len(streamed)-1])

	p.Parse("m", `<artifact id="a" title="t"><action type="file" filePath="x.txt">hello</action></artifact>`)
	last := rec.keyEvents()
	tester.Eq(t, last[len(last)-2], event{"action-close", "file|hello"})
}

func TestInterleavedMessages(t *testing.T) {
	recA := 0
	recB := 0
	p := NewStreamingMessageParser(Callbacks{
		ActionClose: func(d ActionData) {
			switch d.MessageID {
			case "a":
				recA++
			case "b":
				recB++
			}
		},
	})

	inputA := `<artifact id="a1" title="t"><action type="shell">one</action></artifact>`
	inputB := `<artifact id="b1" title="t"><action type="shell">two</action></artifact>`
	p.Parse("a", inputA[:30])
	p.Parse("b", inputB[:42])
	p.Parse("a", inputA)
	p.Parse("b", inputB)

	tester.Eq(t, recA, 1)
	tester.Eq(t, recB, 1)
}

func TestResetDiscardsState(t *testing.T) {
	rec := &recorder{}
	p := NewStreamingMessageParser(rec.callbacks())
	p.Parse("m", simpleInput[:40])
	tester.Eq(t, p.Tracked(), 1)
	p.Reset()
	tester.Eq(t, p.Tracked(), 0)

	rec.events = nil
	p.Parse("m", simpleInput)
	tester.Eq(t, len(rec.keyEvents()), 4)
}

func TestTagPrefixOverlap(t *testing.T) {
	tester.Eq(t, tagPrefixOverlap("hello</act", "</action>"), 5)
	tester.Eq(t, tagPrefixOverlap("hello", "</action>"), 0)
	tester.Eq(t, tagPrefixOverlap("x<", "</action>"), 1)
}
