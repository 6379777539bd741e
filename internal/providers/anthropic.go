package providers

import (
	"context"
	"encoding/json"
	"fmt"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/ChamsBouzaiene/kiwi/internal/task"
)

// AnthropicService implements task.CompletionService against the Anthropic
// Messages API. Text deltas are forwarded as they arrive; tool invocations
// are emitted once their content block stops, with the full argument
// document attached.
type AnthropicService struct {
	client *anthropic.Client
	model  string
	opts   ServiceOptions
}

// NewAnthropicService creates a service bound to one model.
func NewAnthropicService(apiKey, model string, opts ServiceOptions) *AnthropicService {
	return &AnthropicService{
		client: anthropic.NewClient(apiKey),
		model:  model,
		opts:   opts,
	}
}

// CreateStream implements task.CompletionService.
func (s *AnthropicService) CreateStream(ctx context.Context, messages []task.Message) (<-chan task.StreamChunk, <-chan error) {
	chunkCh := make(chan task.StreamChunk, 10)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		anthropicMsgs, err := toAnthropicMessages(messages)
		if err != nil {
			errCh <- err
			return
		}

		maxTokens := s.opts.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMaxTokens
		}
		temperature := s.opts.Temperature
		if temperature <= 0 {
			temperature = defaultTemperature
		}

		req := anthropic.MessagesStreamRequest{
			MessagesRequest: anthropic.MessagesRequest{
				Model:       anthropic.Model(s.model),
				Messages:    anthropicMsgs,
				MaxTokens:   maxTokens,
				Temperature: &temperature,
			},
		}
		if s.opts.SystemPrompt != "" {
			req.MultiSystem = []anthropic.MessageSystemPart{{
				Type: "text",
				Text: s.opts.SystemPrompt,
			}}
		}
		if len(s.opts.Tools) > 0 {
			defs, err := toAnthropicTools(s.opts.Tools)
			if err != nil {
				errCh <- err
				return
			}
			req.Tools = defs
		}

		send := func(chunk task.StreamChunk) bool {
			select {
			case chunkCh <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		req.OnError = func(resp anthropic.ErrorResponse) {
			select {
			case errCh <- fmt.Errorf("anthropic stream: %s", resp.Error.Message):
			default:
			}
		}

		req.OnContentBlockDelta = func(data anthropic.MessagesEventContentBlockDeltaData) {
			if data.Delta.Type == "text_delta" && data.Delta.Text != nil {
				send(task.StreamChunk{
					Deltas:  []task.ContentDelta{{Type: "text", Text: *data.Delta.Text}},
					Partial: true,
				})
			}
		}

		req.OnContentBlockStop = func(_ anthropic.MessagesEventContentBlockStopData, content anthropic.MessageContent) {
			if content.Type != "tool_use" || content.MessageContentToolUse == nil {
				return
			}
			use := content.MessageContentToolUse
			send(task.StreamChunk{
				ToolUse: &task.ToolUseDelta{
					ID:        use.ID,
					Name:      use.Name,
					InputJSON: string(use.Input),
					Complete:  true,
				},
				Partial: true,
			})
		}

		if _, err := s.client.CreateMessagesStream(ctx, req); err != nil {
			errCh <- fmt.Errorf("anthropic request: %w", err)
			return
		}
		send(task.StreamChunk{Last: true})
	}()

	return chunkCh, errCh
}

// toAnthropicMessages lowers provider-agnostic messages into the Anthropic
// wire shape. File attachments become fenced text, tool results become
// tool_result content on a user message.
func toAnthropicMessages(messages []task.Message) ([]anthropic.Message, error) {
	out := make([]anthropic.Message, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.MessageContent
		for _, b := range msg.Blocks {
			switch v := b.(type) {
			case task.TextBlock:
				if v.Text != "" {
					content = append(content, anthropic.NewTextMessageContent(v.Text))
				}
			case task.ToolUseBlock:
				raw := v.RawInput
				if raw == "" {
					data, err := json.Marshal(v.Input)
					if err != nil {
						return nil, fmt.Errorf("marshal tool input for %s: %w", v.Name, err)
					}
					raw = string(data)
				}
				content = append(content, anthropic.NewToolUseMessageContent(v.ID, v.Name, json.RawMessage(raw)))
			case task.ToolResultBlock:
				body := v.Content
				if body == "" {
					body = "{}"
				}
				content = append(content, anthropic.NewToolResultMessageContent(v.ToolUseID, body, v.IsError))
			case task.ImageBlock:
				content = append(content, anthropic.NewImageMessageContent(
					anthropic.NewMessageContentSource(anthropic.MessagesContentSourceTypeBase64, v.MediaType, v.Data),
				))
			case task.FileBlock:
				content = append(content, anthropic.NewTextMessageContent(renderFileBlock(v)))
			default:
				return nil, fmt.Errorf("unsupported content block kind: %s", b.Kind())
			}
		}
		if len(content) == 0 {
			continue
		}
		role := anthropic.RoleUser
		if msg.Role == task.RoleAssistant {
			role = anthropic.RoleAssistant
		}
		out = append(out, anthropic.Message{Role: role, Content: content})
	}
	return out, nil
}

func toAnthropicTools(tools []task.Tool) ([]anthropic.ToolDefinition, error) {
	defs := make([]anthropic.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		schema := map[string]any{"type": "object"}
		if t.SchemaJSON != "" {
			if err := json.Unmarshal([]byte(t.SchemaJSON), &schema); err != nil {
				return nil, fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
			}
		}
		defs = append(defs, anthropic.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return defs, nil
}

func renderFileBlock(f task.FileBlock) string {
	return fmt.Sprintf("<file path=%q>\n%s\n</file>", f.Path, f.Content)
}
