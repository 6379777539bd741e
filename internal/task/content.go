package task

import "fmt"

// MessageRole represents the role of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ContentBlock is one structured unit of conversation content. Exactly one
// concrete type exists per kind: text, tool use, tool result, image, file.
type ContentBlock interface {
	Kind() string
}

// TextBlock holds plain assistant or user text.
type TextBlock struct {
	Text    string
	Partial bool // still being streamed
}

func (TextBlock) Kind() string { return "text" }

// ToolUseBlock is a tool invocation requested by the model.
type ToolUseBlock struct {
	ID       string
	Name     string
	Input    map[string]any
	RawInput string // accumulated JSON fragments while streaming
	Partial  bool
}

func (ToolUseBlock) Kind() string { return "tool_use" }

// ToolResultBlock carries the outcome of one tool execution back to the model.
type ToolResultBlock struct {
	ToolUseID string
	ToolName  string
	Content   string
	IsError   bool
}

func (ToolResultBlock) Kind() string { return "tool_result" }

// ImageBlock is a user-supplied image attachment (base64 payload).
type ImageBlock struct {
	MediaType string
	Data      string
}

func (ImageBlock) Kind() string { return "image" }

// FileBlock is a user-supplied file attachment.
type FileBlock struct {
	Path    string
	Content string
}

func (FileBlock) Kind() string { return "file" }

// Message is one provider-agnostic conversation entry in the durable API
// history.
type Message struct {
	Role   MessageRole
	Blocks []ContentBlock
}

// Validate checks that the message has a known role and at least one block.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("invalid message role: %s", m.Role)
	}
	if len(m.Blocks) == 0 {
		return fmt.Errorf("message has no content blocks")
	}
	return nil
}

// TextOf flattens the message's text blocks into one string. Non-text blocks
// are skipped. Streamed blocks arrive as pointers, restored ones as values;
// both count.
func (m Message) TextOf() string {
	var out string
	for _, b := range m.Blocks {
		switch t := b.(type) {
		case TextBlock:
			out += t.Text
		case *TextBlock:
			out += t.Text
		}
	}
	return out
}

// cloneBlocks returns a shallow copy of a block slice so callers cannot
// mutate state-owned buffers through a returned snapshot.
func cloneBlocks(blocks []ContentBlock) []ContentBlock {
	if blocks == nil {
		return nil
	}
	out := make([]ContentBlock, len(blocks))
	copy(out, blocks)
	return out
}
