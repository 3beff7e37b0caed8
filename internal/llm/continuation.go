package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"ancode/internal/wire"

	"github.com/google/uuid"
)

const (
	// MaxResponseSegments bounds how many times a truncated response may be
	// auto-continued.
	MaxResponseSegments = 2

	// MaxTokens is the per-segment completion budget.
	MaxTokens = 8000
)

// ContinuePrompt is the synthetic user turn injected when a response is cut
// off at the token limit.
const ContinuePrompt = "Continue your prior response. IMPORTANT: Immediately begin from where you left off without any interruptions.\n" +
	"Do not repeat any content, including artifact and action tags."

// ErrMaxSegments is returned when a response keeps hitting the token limit
// past the segment budget.
var ErrMaxSegments = errors.New("Cannot continue message: Maximum segments reached")

// Controller drives one chat generation end to end: it resolves the model
// from the tagged user message, streams segments into the output stream, and
// transparently continues when a segment finishes because of the token limit.
type Controller struct {
	Registry *Registry

	// MaxSegments and MaxTokens override the package defaults when positive.
	MaxSegments int
	MaxTokens   int
}

// StreamRequest is one generation request.
type StreamRequest struct {
	Messages []Message
	System   string

	// OnText observes assistant text deltas as they stream, before framing.
	OnText func(delta string)
}

// Stream runs the generation, writing text and reasoning deltas to out.
// The summed usage across all segments is returned.
func (c *Controller) Stream(ctx context.Context, req StreamRequest, out *wire.SwitchableStream) (Usage, error) {
	maxSegments := c.MaxSegments
	if maxSegments <= 0 {
		maxSegments = MaxResponseSegments
	}
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = MaxTokens
	}

	model, provider := requestedModel(req.Messages)
	info, client, err := c.Registry.Resolve(model)
	if err != nil {
		return Usage{}, err
	}
	if provider == "" {
		provider = client.Name()
	}

	messages := append([]Message(nil), req.Messages...)
	var total Usage
	for {
		stream, err := client.StreamText(ctx, messages, StreamOptions{
			Model:     info.Name,
			System:    req.System,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return total, err
		}
		content, reason, usage, err := c.pump(stream, req.OnText, out)
		total.Add(usage)
		if err != nil {
			return total, err
		}
		if reason != FinishLength {
			return total, nil
		}

		if out.Switches() >= maxSegments {
			return total, ErrMaxSegments
		}
		log.Printf("llm: reached max token limit (%d): continuing message (%d switches left)",
			maxTokens, maxSegments-out.Switches())
		out.Switch()

		messages = append(messages,
			Message{ID: uuid.NewString(), Role: RoleAssistant, Content: content},
			Message{
				ID:      uuid.NewString(),
				Role:    RoleUser,
				Content: fmt.Sprintf("[Model: %s]\n\n[Provider: %s]\n\n%s", info.Name, provider, ContinuePrompt),
			},
		)
	}
}

func (c *Controller) pump(stream Stream, onText func(string), out *wire.SwitchableStream) (string, FinishReason, Usage, error) {
	defer stream.Close()
	var content strings.Builder
	reason := FinishStop
	var usage Usage
	for {
		part, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return content.String(), reason, usage, nil
		}
		if err != nil {
			return content.String(), reason, usage, err
		}
		switch part.Kind {
		case PartText:
			content.WriteString(part.Text)
			if onText != nil {
				onText(part.Text)
			}
			if err := out.WriteText(part.Text); err != nil {
				return content.String(), reason, usage, err
			}
		case PartReasoning:
			if err := out.WriteReasoning(part.Text); err != nil {
				return content.String(), reason, usage, err
			}
		case PartFinish:
			reason = part.Reason
			usage = part.Usage
		}
	}
}

// requestedModel reads the model/provider tags off the newest user message.
func requestedModel(messages []Message) (model, provider string) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			model, provider, _ = ExtractProperties(messages[i].Content)
			return model, provider
		}
	}
	return "", ""
}
