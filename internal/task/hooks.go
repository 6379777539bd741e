package task

import "context"

// Hook receives lifecycle notifications from a task. Every method is a
// best-effort observer: the engine does not depend on hooks succeeding, but
// it does await them, so a slow hook throttles the loop.
type Hook interface {
	// OnMessageUpdate fires when a complete outgoing message is recorded.
	OnMessageUpdate(ctx context.Context, taskID string, msg Message)
	// OnStreamContent fires for each newly materialized content block while
	// a response streams in.
	OnStreamContent(ctx context.Context, taskID string, block ContentBlock)
	// OnToolExecute fires after each tool execution with its result.
	OnToolExecute(ctx context.Context, taskID string, use ToolUseBlock, result ToolResult)
	// OnStateChange fires after every status/phase transition.
	OnStateChange(ctx context.Context, taskID string, status Status, phase Phase)
	// OnError fires for errors absorbed at the round boundary.
	OnError(ctx context.Context, taskID string, err error)
}

// NopHook lets you implement only the hooks you need.
type NopHook struct{}

func (NopHook) OnMessageUpdate(context.Context, string, Message)                {}
func (NopHook) OnStreamContent(context.Context, string, ContentBlock)           {}
func (NopHook) OnToolExecute(context.Context, string, ToolUseBlock, ToolResult) {}
func (NopHook) OnStateChange(context.Context, string, Status, Phase)            {}
func (NopHook) OnError(context.Context, string, error)                          {}

// Hooks fans notifications out to every registered hook, in order.
type Hooks []Hook

func (hs Hooks) OnMessageUpdate(ctx context.Context, taskID string, msg Message) {
	for _, h := range hs {
		h.OnMessageUpdate(ctx, taskID, msg)
	}
}
func (hs Hooks) OnStreamContent(ctx context.Context, taskID string, block ContentBlock) {
	for _, h := range hs {
		h.OnStreamContent(ctx, taskID, block)
	}
}
func (hs Hooks) OnToolExecute(ctx context.Context, taskID string, use ToolUseBlock, result ToolResult) {
	for _, h := range hs {
		h.OnToolExecute(ctx, taskID, use, result)
	}
}
func (hs Hooks) OnStateChange(ctx context.Context, taskID string, status Status, phase Phase) {
	for _, h := range hs {
		h.OnStateChange(ctx, taskID, status, phase)
	}
}
func (hs Hooks) OnError(ctx context.Context, taskID string, err error) {
	for _, h := range hs {
		h.OnError(ctx, taskID, err)
	}
}
