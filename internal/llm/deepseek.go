package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

const deepseekBaseURL = "https://api.deepseek.com/v1"

// DeepSeekClient streams generations through the OpenAI-compatible DeepSeek
// endpoint. Reasoning models surface their thinking as reasoning deltas.
type DeepSeekClient struct {
	cli *openai.Client
}

func NewDeepSeekClient(apiKey string) *DeepSeekClient {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = deepseekBaseURL
	return &DeepSeekClient{cli: openai.NewClientWithConfig(cfg)}
}

func (d *DeepSeekClient) Name() string { return "Deepseek" }
func (d *DeepSeekClient) Close() error { return nil }

func (d *DeepSeekClient) StreamText(ctx context.Context, messages []Message, opts StreamOptions) (Stream, error) {
	req := openai.ChatCompletionRequest{
		Model:  opts.Model,
		Stream: true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.System != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.System,
		})
	}
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	ctx, cancel := context.WithCancel(ctx)
	upstream, err := d.cli.CreateChatCompletionStream(ctx, req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("deepseek stream: %w", err)
	}

	stream := newChanStream(cancel)
	go func() {
		defer stream.done()
		defer upstream.Close()
		finish := StreamPart{Kind: PartFinish, Reason: FinishStop}
		for {
			resp, err := upstream.Recv()
			if errors.Is(err, io.EOF) {
				stream.send(finish)
				return
			}
			if err != nil {
				stream.fail(fmt.Errorf("deepseek stream: %w", err))
				return
			}
			if resp.Usage != nil {
				finish.Usage = Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.ReasoningContent != "" {
				stream.send(StreamPart{Kind: PartReasoning, Text: choice.Delta.ReasoningContent})
			}
			if choice.Delta.Content != "" {
				stream.send(StreamPart{Kind: PartText, Text: choice.Delta.Content})
			}
			switch choice.FinishReason {
			case openai.FinishReasonLength:
				finish.Reason = FinishLength
			case openai.FinishReasonStop, "":
			default:
				finish.Reason = FinishOther
			}
		}
	}()
	return stream, nil
}
