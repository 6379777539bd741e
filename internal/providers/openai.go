package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/ChamsBouzaiene/kiwi/internal/task"
)

const (
	defaultMaxTokens   = 4096
	defaultTemperature = float32(0.1)
)

// ServiceOptions carries the request parameters shared by every provider
// implementation.
type ServiceOptions struct {
	SystemPrompt string
	Tools        []task.Tool
	MaxTokens    int
	Temperature  float32
}

// OpenAIService implements task.CompletionService against the OpenAI chat
// completions API or any compatible endpoint. Tool-call argument fragments
// are forwarded incrementally and assembled downstream.
type OpenAIService struct {
	client *openai.Client
	model  string
	opts   ServiceOptions
}

// NewOpenAIService creates a service bound to one model. baseURL overrides
// the endpoint for OpenAI-compatible providers.
func NewOpenAIService(apiKey, model, baseURL string, opts ServiceOptions) *OpenAIService {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(config),
		model:  model,
		opts:   opts,
	}
}

// CreateStream implements task.CompletionService.
func (s *OpenAIService) CreateStream(ctx context.Context, messages []task.Message) (<-chan task.StreamChunk, <-chan error) {
	chunkCh := make(chan task.StreamChunk, 10)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		openaiMsgs, err := toOpenAIMessages(messages)
		if err != nil {
			errCh <- err
			return
		}

		req := openai.ChatCompletionRequest{
			Model:    s.model,
			Messages: openaiMsgs,
			Stream:   true,
		}
		if s.opts.SystemPrompt != "" {
			req.Messages = append([]openai.ChatCompletionMessage{{
				Role:    openai.ChatMessageRoleSystem,
				Content: s.opts.SystemPrompt,
			}}, req.Messages...)
		}
		if len(s.opts.Tools) > 0 {
			tools, err := toOpenAITools(s.opts.Tools)
			if err != nil {
				errCh <- err
				return
			}
			req.Tools = tools
			req.ToolChoice = "auto"
		}
		if s.opts.MaxTokens > 0 {
			req.MaxTokens = s.opts.MaxTokens
		} else {
			req.MaxTokens = defaultMaxTokens
		}
		temperature := s.opts.Temperature
		if temperature <= 0 {
			temperature = defaultTemperature
		}
		req.Temperature = &temperature

		stream, err := s.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			errCh <- fmt.Errorf("openai request: %w", err)
			return
		}
		defer stream.Close()

		send := func(chunk task.StreamChunk) bool {
			select {
			case chunkCh <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Remember each tool call's ID by stream index so fragments that
		// arrive without an ID still route to the right invocation.
		idByIndex := map[int]string{}
		lastIndex := -1

		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					send(task.StreamChunk{Last: true})
					return
				}
				errCh <- fmt.Errorf("openai stream: %w", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta

			if delta.Content != "" {
				if !send(task.StreamChunk{
					Deltas:  []task.ContentDelta{{Type: "text", Text: delta.Content}},
					Partial: true,
				}) {
					return
				}
			}

			for _, tc := range delta.ToolCalls {
				index := lastIndex
				if tc.Index != nil {
					index = *tc.Index
				}
				if tc.ID != "" {
					idByIndex[index] = tc.ID
				}
				lastIndex = index

				if !send(task.StreamChunk{
					ToolUse: &task.ToolUseDelta{
						ID:        idByIndex[index],
						Name:      tc.Function.Name,
						InputJSON: tc.Function.Arguments,
					},
					Partial: true,
				}) {
					return
				}
			}
		}
	}()

	return chunkCh, errCh
}

// toOpenAIMessages lowers provider-agnostic messages into the chat
// completions shape. Tool results become role=tool messages; a user message
// holding only tool results therefore produces no user entry of its own.
func toOpenAIMessages(messages []task.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == task.RoleAssistant {
			entry, err := assistantToOpenAI(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, entry)
			continue
		}

		var text string
		var parts []openai.ChatMessagePart
		for _, b := range msg.Blocks {
			switch v := b.(type) {
			case task.TextBlock:
				text += v.Text
			case task.FileBlock:
				text += "\n" + renderFileBlock(v)
			case task.ImageBlock:
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", v.MediaType, v.Data),
					},
				})
			case task.ToolResultBlock:
				body := v.Content
				if body == "" {
					body = "{}"
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: v.ToolUseID,
					Content:    body,
				})
			default:
				return nil, fmt.Errorf("unsupported content block kind: %s", b.Kind())
			}
		}

		if text == "" && len(parts) == 0 {
			continue
		}
		entry := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
		if len(parts) > 0 {
			if text != "" {
				parts = append([]openai.ChatMessagePart{{
					Type: openai.ChatMessagePartTypeText,
					Text: text,
				}}, parts...)
			}
			entry.MultiContent = parts
		} else {
			entry.Content = text
		}
		out = append(out, entry)
	}
	return out, nil
}

func assistantToOpenAI(msg task.Message) (openai.ChatCompletionMessage, error) {
	var text string
	var toolCalls []openai.ToolCall
	for _, b := range msg.Blocks {
		switch v := b.(type) {
		case task.TextBlock:
			text += v.Text
		case task.ToolUseBlock:
			raw := v.RawInput
			if raw == "" {
				data, err := json.Marshal(v.Input)
				if err != nil {
					return openai.ChatCompletionMessage{}, fmt.Errorf("marshal tool input for %s: %w", v.Name, err)
				}
				raw = string(data)
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   v.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      v.Name,
					Arguments: raw,
				},
			})
		default:
			return openai.ChatCompletionMessage{}, fmt.Errorf("unsupported assistant block kind: %s", b.Kind())
		}
	}
	// The SDK serializes an empty assistant content as null, which some
	// endpoints reject alongside tool calls.
	if text == "" {
		text = " "
	}
	return openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   text,
		ToolCalls: toolCalls,
	}, nil
}

func toOpenAITools(tools []task.Tool) ([]openai.Tool, error) {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		schema := map[string]any{"type": "object"}
		if t.SchemaJSON != "" {
			if err := json.Unmarshal([]byte(t.SchemaJSON), &schema); err != nil {
				return nil, fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out, nil
}
