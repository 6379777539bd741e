package task

import (
	"encoding/json"
	"fmt"
)

// StreamAccumulator assembles structured content blocks out of the ordered
// fragments of one streamed completion. It is a per-attempt object: Reset
// must be called before every new request attempt. There is no retry logic
// here; malformed fragments surface as errors to the caller.
type StreamAccumulator struct {
	blocks []ContentBlock
	cursor int // index of the block currently being extended, -1 when none
}

// NewStreamAccumulator returns an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{cursor: -1}
}

// Reset clears accumulated content and the streaming cursor. Idempotent.
func (a *StreamAccumulator) Reset() {
	a.blocks = nil
	a.cursor = -1
}

// HandleChunk consumes one fragment and returns the blocks newly started by
// this chunk plus any tool invocations completed by it.
func (a *StreamAccumulator) HandleChunk(chunk StreamChunk) ([]ContentBlock, []ToolUseBlock, error) {
	var started []ContentBlock
	var completed []ToolUseBlock

	for _, d := range chunk.Deltas {
		if d.Type != "text" {
			return nil, nil, fmt.Errorf("unknown content delta type: %q", d.Type)
		}
		if a.extendText(d.Text) {
			continue
		}
		closed, err := a.closeCurrent()
		if err != nil {
			return nil, nil, err
		}
		if closed != nil {
			completed = append(completed, *closed)
		}
		a.blocks = append(a.blocks, &TextBlock{Text: d.Text, Partial: true})
		a.cursor = len(a.blocks) - 1
		started = append(started, a.blocks[a.cursor])
	}

	if chunk.ToolUse != nil {
		block, isNew, closed, err := a.applyToolDelta(chunk.ToolUse)
		if err != nil {
			return nil, nil, err
		}
		if closed != nil {
			completed = append(completed, *closed)
		}
		if isNew {
			started = append(started, block)
		}
		if !block.Partial {
			completed = append(completed, *block)
		}
	}

	if !chunk.Partial || chunk.Last {
		// The block under the cursor is finished.
		closed, err := a.closeCurrent()
		if err != nil {
			return nil, nil, err
		}
		if closed != nil {
			completed = append(completed, *closed)
		}
	}
	if chunk.Last {
		a.cursor = -1
	}

	return started, completed, nil
}

// AccumulatedContent returns a snapshot of the assembled content so far,
// filtered to the caller-visible kinds (text and tool invocations).
func (a *StreamAccumulator) AccumulatedContent() []ContentBlock {
	out := make([]ContentBlock, 0, len(a.blocks))
	for _, b := range a.blocks {
		switch v := b.(type) {
		case *TextBlock:
			cp := *v
			out = append(out, cp)
		case *ToolUseBlock:
			cp := *v
			out = append(out, cp)
		}
	}
	return out
}

// ToolUses returns the completed tool invocations in arrival order.
func (a *StreamAccumulator) ToolUses() []ToolUseBlock {
	var out []ToolUseBlock
	for _, b := range a.blocks {
		if tb, ok := b.(*ToolUseBlock); ok && !tb.Partial {
			out = append(out, *tb)
		}
	}
	return out
}

func (a *StreamAccumulator) current() ContentBlock {
	if a.cursor < 0 || a.cursor >= len(a.blocks) {
		return nil
	}
	return a.blocks[a.cursor]
}

// extendText appends text to the open text block under the cursor, if any.
func (a *StreamAccumulator) extendText(text string) bool {
	tb, ok := a.current().(*TextBlock)
	if !ok || !tb.Partial {
		return false
	}
	tb.Text += text
	return true
}

// closeCurrent closes the block under the cursor. An open tool block is
// finalized (its input parsed) and returned as completed.
func (a *StreamAccumulator) closeCurrent() (*ToolUseBlock, error) {
	switch b := a.current().(type) {
	case *TextBlock:
		b.Partial = false
	case *ToolUseBlock:
		if b.Partial {
			if err := finalizeToolUse(b); err != nil {
				return nil, err
			}
			return b, nil
		}
	}
	return nil, nil
}

// applyToolDelta extends the open tool block or starts a new one. A delta
// with a fresh ID (or any delta while a text block is open) advances the
// cursor to a new tool block; the block it displaces is returned as closed
// if it was a still-open tool invocation.
func (a *StreamAccumulator) applyToolDelta(d *ToolUseDelta) (*ToolUseBlock, bool, *ToolUseBlock, error) {
	tb, ok := a.current().(*ToolUseBlock)
	sameBlock := ok && tb.Partial && (d.ID == "" || d.ID == tb.ID)

	isNew := false
	var closed *ToolUseBlock
	if !sameBlock {
		var err error
		closed, err = a.closeCurrent()
		if err != nil {
			return nil, false, nil, err
		}
		tb = &ToolUseBlock{ID: d.ID, Name: d.Name, Partial: true}
		a.blocks = append(a.blocks, tb)
		a.cursor = len(a.blocks) - 1
		isNew = true
	}
	if d.Name != "" {
		tb.Name = d.Name
	}
	tb.RawInput += d.InputJSON

	if d.Complete {
		if err := finalizeToolUse(tb); err != nil {
			return nil, false, nil, err
		}
	}
	return tb, isNew, closed, nil
}

// finalizeToolUse parses the accumulated argument document and closes the
// block. An empty document yields empty arguments.
func finalizeToolUse(tb *ToolUseBlock) error {
	args := map[string]any{}
	if tb.RawInput != "" {
		if err := json.Unmarshal([]byte(tb.RawInput), &args); err != nil {
			return fmt.Errorf("malformed tool input for %s: %w", tb.Name, err)
		}
	}
	tb.Input = args
	tb.Partial = false
	return nil
}
