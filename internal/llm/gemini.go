package llm

import (
	"context"
	"fmt"

	genai "google.golang.org/genai"
)

// GeminiClient streams generations through the official genai client.
type GeminiClient struct {
	cli *genai.Client
}

func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiClient{cli: cli}, nil
}

func (g *GeminiClient) Name() string { return "Google" }
func (g *GeminiClient) Close() error { return nil }

func (g *GeminiClient) StreamText(ctx context.Context, messages []Message, opts StreamOptions) (Stream, error) {
	contents := make([]*genai.Content, 0, len(messages))
	system := opts.System
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system == "" {
				system = m.Content
			}
		case RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}

	ctx, cancel := context.WithCancel(ctx)
	stream := newChanStream(cancel)
	go func() {
		defer stream.done()
		finish := StreamPart{Kind: PartFinish, Reason: FinishStop}
		for resp, err := range g.cli.Models.GenerateContentStream(ctx, opts.Model, contents, config) {
			if err != nil {
				stream.fail(fmt.Errorf("gemini stream: %w", err))
				return
			}
			if resp.UsageMetadata != nil {
				finish.Usage = Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			cand := resp.Candidates[0]
			if cand.Content != nil {
				for _, part := range cand.Content.Parts {
					if part.Text == "" {
						continue
					}
					kind := PartText
					if part.Thought {
						kind = PartReasoning
					}
					stream.send(StreamPart{Kind: kind, Text: part.Text})
				}
			}
			switch cand.FinishReason {
			case genai.FinishReasonMaxTokens:
				finish.Reason = FinishLength
			case genai.FinishReasonStop, "":
			default:
				finish.Reason = FinishOther
			}
		}
		stream.send(finish)
	}()
	return stream, nil
}
