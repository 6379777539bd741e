package task

import (
	"context"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ToolFunc executes one tool invocation.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is one callable tool exposed to the model.
type Tool struct {
	Name        string
	Description string
	SchemaJSON  string
	Fn          ToolFunc
}

// ValidateArgs validates the provided arguments against the tool's JSON
// schema.
func (t Tool) ValidateArgs(args map[string]any) error {
	if t.SchemaJSON == "" {
		return nil
	}
	schemaLoader := gojsonschema.NewStringLoader(t.SchemaJSON)
	documentLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ToolValidationError{ToolName: t.Name, Errors: msgs}
	}
	return nil
}

// ToolResult reports the outcome of one tool execution.
type ToolResult struct {
	Success bool
	Output  string
	Error   string
}

// ToolRegistry maps tool names to their handlers.
type ToolRegistry map[string]Tool

// Names returns the registered tool names, for error messages.
func (r ToolRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}

// Execute runs the named tool. A missing handler or a validation failure is
// reported as a failed result, never a panic or a thrown error: the model
// sees the failure text and can correct itself.
func (r ToolRegistry) Execute(ctx context.Context, use ToolUseBlock) ToolResult {
	t, ok := r[use.Name]
	if !ok {
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s (available tools: %v)", use.Name, r.Names()),
		}
	}

	if err := t.ValidateArgs(use.Input); err != nil {
		return ToolResult{Success: false, Error: err.Error()}
	}

	out, err := t.Fn(ctx, use.Input)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error()}
	}
	return ToolResult{Success: true, Output: out}
}
