package task

import "context"

// ContentDelta is one incremental piece of model output inside a chunk.
type ContentDelta struct {
	Type string // "text"
	Text string
}

// ToolUseDelta is an incremental piece of a tool invocation. InputJSON
// fragments concatenate into the tool's argument document; Complete marks
// the final fragment for this invocation.
type ToolUseDelta struct {
	ID        string
	Name      string
	InputJSON string
	Complete  bool
}

// StreamChunk is one fragment of a streamed completion.
type StreamChunk struct {
	Deltas  []ContentDelta
	ToolUse *ToolUseDelta
	Partial bool // the block under the cursor is still open
	Last    bool // final chunk of the response
}

// CompletionService abstracts the language-model completion transport.
// Given the ordered message history it returns a lazily-produced chunk
// stream plus an error channel, both closed when the response ends. The
// engine never retries errors surfaced here; retry policy belongs to the
// service itself.
type CompletionService interface {
	CreateStream(ctx context.Context, messages []Message) (<-chan StreamChunk, <-chan error)
}
