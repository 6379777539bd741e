// Package history persists finished and in-flight task conversations so they
// can be listed, searched and resumed later. Storage is a single sqlite
// database; full-text search runs over a bleve index kept beside it.
package history

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/kiwi/internal/task"
)

// Record is one persisted task. Conversation is the durable API history
// exactly as the task state held it, so a resume restores it verbatim.
type Record struct {
	TaskID       string
	Seq          string // ULID, time-ordered
	Title        string
	WorkDir      string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Conversation []task.Message
}

// Item converts the record into the resume payload the engine accepts.
func (r Record) Item() task.HistoryItem {
	return task.HistoryItem{
		TaskID:       r.TaskID,
		Title:        r.Title,
		Conversation: r.Conversation,
	}
}

// TitleFor derives a display title from the first user text in a
// conversation, truncated to a single short line.
func TitleFor(conversation []task.Message) string {
	const maxTitle = 80
	for _, m := range conversation {
		if m.Role != task.RoleUser {
			continue
		}
		text := strings.TrimSpace(m.TextOf())
		text = strings.TrimPrefix(text, "<task>")
		text = strings.TrimSuffix(text, "</task>")
		text = strings.Join(strings.Fields(text), " ")
		if text == "" {
			continue
		}
		if len(text) > maxTitle {
			text = text[:maxTitle-3] + "..."
		}
		return text
	}
	return "(untitled task)"
}

// encodedBlock is the kind-tagged wire form of a content block. One flat
// struct covers every kind; unused fields are omitted.
type encodedBlock struct {
	Kind      string          `json:"kind"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	MediaType string          `json:"media_type,omitempty"`
	Data      string          `json:"data,omitempty"`
	Path      string          `json:"path,omitempty"`
}

type encodedMessage struct {
	Role   string         `json:"role"`
	Blocks []encodedBlock `json:"blocks"`
}

func encodeConversation(msgs []task.Message) ([]byte, error) {
	out := make([]encodedMessage, 0, len(msgs))
	for _, m := range msgs {
		em := encodedMessage{Role: string(m.Role)}
		for _, b := range m.Blocks {
			eb, err := encodeBlock(b)
			if err != nil {
				return nil, err
			}
			em.Blocks = append(em.Blocks, eb)
		}
		out = append(out, em)
	}
	return json.Marshal(out)
}

func encodeBlock(b task.ContentBlock) (encodedBlock, error) {
	switch v := b.(type) {
	case task.TextBlock:
		return encodedBlock{Kind: "text", Text: v.Text}, nil
	case *task.TextBlock:
		return encodedBlock{Kind: "text", Text: v.Text}, nil
	case task.ToolUseBlock:
		return encodeToolUse(v)
	case *task.ToolUseBlock:
		return encodeToolUse(*v)
	case task.ToolResultBlock:
		return encodedBlock{
			Kind:      "tool_result",
			ToolUseID: v.ToolUseID,
			ToolName:  v.ToolName,
			Content:   v.Content,
			IsError:   v.IsError,
		}, nil
	case task.ImageBlock:
		return encodedBlock{Kind: "image", MediaType: v.MediaType, Data: v.Data}, nil
	case task.FileBlock:
		return encodedBlock{Kind: "file", Path: v.Path, Content: v.Content}, nil
	default:
		return encodedBlock{}, fmt.Errorf("unknown content block kind %q", b.Kind())
	}
}

func encodeToolUse(v task.ToolUseBlock) (encodedBlock, error) {
	input := json.RawMessage(v.RawInput)
	if len(input) == 0 {
		data, err := json.Marshal(v.Input)
		if err != nil {
			return encodedBlock{}, fmt.Errorf("encode tool input for %s: %w", v.Name, err)
		}
		input = data
	}
	return encodedBlock{Kind: "tool_use", ID: v.ID, Name: v.Name, Input: input}, nil
}

func decodeConversation(data []byte) ([]task.Message, error) {
	var raw []encodedMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	msgs := make([]task.Message, 0, len(raw))
	for _, em := range raw {
		m := task.Message{Role: task.MessageRole(em.Role)}
		for _, eb := range em.Blocks {
			b, err := decodeBlock(eb)
			if err != nil {
				return nil, err
			}
			m.Blocks = append(m.Blocks, b)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func decodeBlock(eb encodedBlock) (task.ContentBlock, error) {
	switch eb.Kind {
	case "text":
		return task.TextBlock{Text: eb.Text}, nil
	case "tool_use":
		var input map[string]any
		if len(eb.Input) > 0 {
			if err := json.Unmarshal(eb.Input, &input); err != nil {
				return nil, fmt.Errorf("decode tool input for %s: %w", eb.Name, err)
			}
		}
		return task.ToolUseBlock{
			ID:       eb.ID,
			Name:     eb.Name,
			Input:    input,
			RawInput: string(eb.Input),
		}, nil
	case "tool_result":
		return task.ToolResultBlock{
			ToolUseID: eb.ToolUseID,
			ToolName:  eb.ToolName,
			Content:   eb.Content,
			IsError:   eb.IsError,
		}, nil
	case "image":
		return task.ImageBlock{MediaType: eb.MediaType, Data: eb.Data}, nil
	case "file":
		return task.FileBlock{Path: eb.Path, Content: eb.Content}, nil
	default:
		return nil, fmt.Errorf("unknown content block kind %q", eb.Kind)
	}
}
