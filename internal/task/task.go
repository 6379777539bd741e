// Package task implements the execution engine that drives one autonomous
// coding-agent task: a guarded state container, a streaming-response
// accumulator and the request/stream/tool-execute loop tying them together.
package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/ChamsBouzaiene/kiwi/internal/log"
)

// ToolExecutor is an optional execution override. When it reports handled
// it takes precedence over the registry lookup.
type ToolExecutor func(ctx context.Context, use ToolUseBlock) (ToolResult, bool)

// ChangeTracker surfaces files modified outside the agent while the task
// runs. DrainChanges returns and clears the pending set.
type ChangeTracker interface {
	DrainChanges() []string
}

// HistoryItem is the persisted payload a task can be resumed from. The
// conversation is restored verbatim into the task state.
type HistoryItem struct {
	TaskID       string
	Title        string
	Conversation []Message
}

// Options wires a task's collaborators together.
type Options struct {
	// ID is the caller-supplied primary identifier; generated when empty.
	ID       string
	Config   Config
	Service  CompletionService
	Registry ToolRegistry
	Hooks    Hooks
	// Override, when set, is consulted before the registry for every tool.
	Override ToolExecutor
	// Tracker, when set, feeds externally-modified-file notices into each
	// round's input.
	Tracker ChangeTracker
	Logger  log.Logger
}

// Task owns exactly one State and one StreamAccumulator for its lifetime
// and runs the control loop between the completion service and the tool
// registry. Ownership is exclusive; only Abort may be called concurrently
// with the running loop.
type Task struct {
	id  string
	seq string // time-ordered, for diagnostics and sorting

	cfg      Config
	svc      CompletionService
	registry ToolRegistry
	override ToolExecutor
	hooks    Hooks
	tracker  ChangeTracker
	logger   log.Logger

	state *State
	acc   *StreamAccumulator

	mu        sync.Mutex
	started   bool
	completed bool
}

// New creates a task in the created status.
func New(opts Options) (*Task, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("completion service is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Noop
	}
	opts.Config.defaults()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	t := &Task{
		id:       id,
		seq:      ulid.Make().String(),
		cfg:      opts.Config,
		svc:      opts.Service,
		registry: opts.Registry,
		override: opts.Override,
		hooks:    opts.Hooks,
		tracker:  opts.Tracker,
		logger:   opts.Logger.WithValues(log.Kv{"task": id}),
		state:    NewState(),
		acc:      NewStreamAccumulator(),
	}
	return t, nil
}

// ID returns the primary identifier.
func (t *Task) ID() string { return t.id }

// Seq returns the time-ordered secondary identifier.
func (t *Task) Seq() string { return t.seq }

// State exposes the guarded state for observation. Mutation happens only
// through the state's own methods.
func (t *Task) State() *State { return t.state }

// markStarted enforces the started-once invariant.
func (t *Task) markStarted() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("task %s already started", t.id)
	}
	t.started = true
	return nil
}

func (t *Task) markCompleted() {
	t.mu.Lock()
	t.completed = true
	t.mu.Unlock()
}

func (t *Task) isCompleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Start begins a fresh task from user input and runs the loop until a
// terminal condition. It returns nil on completion; cancellation and fatal
// errors are returned after the state has reached its terminal status.
func (t *Task) Start(ctx context.Context, text string, images []ImageBlock, files []FileBlock) error {
	if err := t.markStarted(); err != nil {
		return err
	}

	if err := t.state.SetState(StatusRunning, PhaseInitializing); err != nil {
		return t.finish(ctx, err)
	}
	t.hooks.OnStateChange(ctx, t.id, StatusRunning, PhaseInitializing)

	initial := buildInitialContent(text, images, files)
	t.hooks.OnMessageUpdate(ctx, t.id, Message{Role: RoleUser, Blocks: initial})

	return t.finish(ctx, t.runLoop(ctx, initial))
}

// ResumeFromHistory restarts a previously persisted task. The item's
// conversation is restored verbatim and the loop begins with a synthetic
// resumption message instead of new user input.
func (t *Task) ResumeFromHistory(ctx context.Context, item HistoryItem) error {
	if err := t.markStarted(); err != nil {
		return err
	}

	if err := t.state.SetState(StatusRunning, PhaseInitializing); err != nil {
		return t.finish(ctx, err)
	}
	t.hooks.OnStateChange(ctx, t.id, StatusRunning, PhaseInitializing)

	t.state.RestoreConversation(item.Conversation)

	resume := []ContentBlock{TextBlock{
		Text: "[TASK RESUMPTION] This task was interrupted and has been resumed. Re-assess the conversation above and continue from where it left off.",
	}}
	return t.finish(ctx, t.runLoop(ctx, resume))
}

// Abort requests cooperative cancellation. It never preempts in-flight
// work: it flips flags the loop checks at defined points and, if a stream
// is active, waits (bounded) for the streaming side to acknowledge.
// A task that was never started or already finished is a no-op.
func (t *Task) Abort(ctx context.Context) {
	t.mu.Lock()
	if !t.started || t.completed {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.state.RequestAbort()

	if t.state.IsStreaming() {
		deadline := time.Now().Add(t.cfg.AbortStreamTimeout)
		for !t.state.DidFinishAbortingStream() {
			if time.Now().After(deadline) {
				t.logger.Warningf("stream did not acknowledge abort within %s, proceeding", t.cfg.AbortStreamTimeout)
				t.state.MarkAbandoned()
				break
			}
			time.Sleep(t.cfg.AbortPollInterval)
		}
	}

	if !t.state.IsTerminal() {
		if err := t.state.SetState(StatusCancelled, PhaseCleanup); err != nil {
			t.logger.Errorf("cancel transition failed: %v", err)
		}
		t.hooks.OnStateChange(ctx, t.id, StatusCancelled, PhaseCleanup)
	}
	t.markCompleted()
	if err := t.cleanup(); err != nil {
		t.logger.Warningf("cleanup after abort failed: %v", err)
	}
}

// finish routes the loop outcome to its terminal status and cleanup.
func (t *Task) finish(ctx context.Context, err error) error {
	defer func() {
		t.markCompleted()
		if cerr := t.cleanup(); cerr != nil {
			t.logger.Warningf("cleanup failed: %v", cerr)
		}
	}()

	switch {
	case err == nil:
		if !t.state.IsTerminal() {
			if terr := t.state.SetState(StatusCompleted, PhaseCleanup); terr != nil {
				return t.fail(ctx, terr)
			}
			t.hooks.OnStateChange(ctx, t.id, StatusCompleted, PhaseCleanup)
		}
		return nil

	case IsCancelled(err):
		if !t.state.IsTerminal() {
			if terr := t.state.SetState(StatusCancelled, PhaseCleanup); terr != nil {
				t.logger.Errorf("cancel transition failed: %v", terr)
			}
			t.hooks.OnStateChange(ctx, t.id, StatusCancelled, PhaseCleanup)
		}
		return err

	default:
		return t.fail(ctx, err)
	}
}

// fail moves the task to failed (unless already terminal) and reports the
// error through the hook.
func (t *Task) fail(ctx context.Context, err error) error {
	t.hooks.OnError(ctx, t.id, err)
	if !t.state.IsTerminal() {
		if terr := t.state.SetState(StatusFailed, PhaseCleanup); terr != nil {
			t.logger.Errorf("fail transition rejected: %v", terr)
		}
		t.hooks.OnStateChange(ctx, t.id, StatusFailed, PhaseCleanup)
	}
	return err
}

func (t *Task) cleanup() error {
	t.state.ClearStreamingFlags()
	t.state.ClearTurnBuffers()
	return nil
}

// forcedContinuation is the synthetic input for a round after the model
// produced no usable tool call.
const forcedContinuation = "You responded without using a tool. Please continue with the next step of the task, or use attempt_completion if the task is complete."

// runLoop repeats rounds until completion, cancellation or a fatal error.
func (t *Task) runLoop(ctx context.Context, initial []ContentBlock) error {
	next := initial

	for {
		if t.state.Aborted() {
			return &CancelledError{TaskID: t.id}
		}

		ended, usedTool, err := t.runRound(ctx, next)
		if err != nil {
			return err
		}
		if ended {
			return nil
		}
		if t.state.IsTerminal() {
			// An absorbed round error already moved the task to failed.
			return nil
		}

		if usedTool {
			// Tool results are already in the conversation; the next round
			// continues from them.
			next = nil
			continue
		}

		count := t.state.IncrementMistakeCount()
		if t.state.HasReachedMaxMistakes() {
			return &MistakeLimitError{Count: count, Limit: MaxConsecutiveMistakes}
		}
		next = []ContentBlock{TextBlock{Text: forcedContinuation}}
	}
}

// runRound runs one round and absorbs every error except the fatal kinds
// (cancellation, mistake budget, transition validation), which unwind to the
// loop's caller. Absorbed errors route to error handling and the round
// reports "not ended" so the caller cannot mistake an error for completion.
func (t *Task) runRound(ctx context.Context, content []ContentBlock) (bool, bool, error) {
	ended, usedTool, err := t.round(ctx, content)
	if err == nil {
		return ended, usedTool, nil
	}
	if IsCancelled(err) || IsMistakeLimit(err) || IsTransition(err) {
		return false, usedTool, err
	}

	t.state.ClearStreamingFlags()
	t.fail(ctx, wrapRound(err, t.id, t.state.Phase(), "round", ""))
	return false, usedTool, nil
}

// round performs one request→stream→tool-execute cycle.
func (t *Task) round(ctx context.Context, content []ContentBlock) (bool, bool, error) {
	if t.state.Aborted() {
		return false, false, &CancelledError{TaskID: t.id}
	}

	t.state.ClearTurnBuffers()
	t.state.ResetToolUse()

	if len(content) > 0 {
		if t.tracker != nil {
			if changed := t.tracker.DrainChanges(); len(changed) > 0 {
				content = append(content, TextBlock{Text: workspaceNotice(changed)})
			}
		}
		t.state.AddUserContent(content...)
		t.state.AppendConversation(Message{Role: RoleUser, Blocks: content})
	}

	if err := t.streamResponse(ctx); err != nil {
		return false, false, err
	}

	assistant := t.acc.AccumulatedContent()
	if len(assistant) > 0 {
		t.state.AddAssistantContent(assistant...)
		msg := Message{Role: RoleAssistant, Blocks: assistant}
		t.state.AppendConversation(msg)
		t.hooks.OnMessageUpdate(ctx, t.id, msg)
	}

	toolUses := t.acc.ToolUses()
	if len(toolUses) == 0 {
		return false, false, nil
	}

	// From here the round counts as tool-bearing regardless of outcome:
	// failed executions are charged to the mistake budget exactly once, in
	// processToolResult, never again through the loop's no-tool-use branch.
	ended := false
	for _, use := range toolUses {
		if t.state.Aborted() {
			return false, true, &CancelledError{TaskID: t.id}
		}
		t.state.SetPhase(PhaseToolExecuting)

		result := t.executeTool(ctx, use)
		t.hooks.OnToolExecute(ctx, t.id, use, result)

		if err := t.processToolResult(use, result); err != nil {
			return false, true, err
		}
		if use.Name == t.cfg.CompletionTool && result.Success {
			ended = true
		}
	}

	// Tool results always lead to another round; completion is only ever
	// signaled by the dedicated completion tool handled above.
	return ended, true, nil
}

// streamResponse drives one request attempt through the accumulator.
func (t *Task) streamResponse(ctx context.Context) error {
	t.state.MarkStreamStart()
	t.state.SetPhase(PhaseExecuting)
	t.acc.Reset()

	chunks, errs := t.svc.CreateStream(ctx, t.state.Conversation())

	first := true
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if first {
				t.state.MarkFirstChunk()
				first = false
			}
			if t.state.Aborted() {
				t.state.FinishAbortingStream()
				return &CancelledError{TaskID: t.id}
			}
			started, _, err := t.acc.HandleChunk(chunk)
			if err != nil {
				t.state.ClearStreamingFlags()
				return wrapRound(err, t.id, PhaseExecuting, "stream", "")
			}
			for _, b := range started {
				t.hooks.OnStreamContent(ctx, t.id, b)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				t.state.ClearStreamingFlags()
				return wrapRound(err, t.id, PhaseExecuting, "stream", "")
			}
		}
	}

	if t.state.Aborted() {
		t.state.FinishAbortingStream()
		return &CancelledError{TaskID: t.id}
	}
	t.state.MarkStreamComplete()
	return nil
}

// executeTool dispatches one invocation: the injected override is consulted
// first, the registry second, and a missing handler is a failed result.
func (t *Task) executeTool(ctx context.Context, use ToolUseBlock) ToolResult {
	if t.override != nil {
		if result, handled := t.override(ctx, use); handled {
			return result
		}
	}
	if t.registry == nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("tool not found: %s (no registry configured)", use.Name)}
	}
	return t.registry.Execute(ctx, use)
}

// processToolResult records the result into the conversation and applies the
// mistake-budget bookkeeping: failures count against the budget (fatal once
// the cap is hit), success forgives everything.
func (t *Task) processToolResult(use ToolUseBlock, result ToolResult) error {
	block := ToolResultBlock{
		ToolUseID: use.ID,
		ToolName:  use.Name,
		Content:   result.Output,
		IsError:   !result.Success,
	}
	if !result.Success {
		block.Content = "ERROR: " + result.Error
	}
	t.state.AddUserContent(block)
	t.state.AppendConversation(Message{Role: RoleUser, Blocks: []ContentBlock{block}})

	if !result.Success {
		count := t.state.IncrementMistakeCount()
		if t.state.HasReachedMaxMistakes() {
			return &MistakeLimitError{Count: count, Limit: MaxConsecutiveMistakes}
		}
		return nil
	}
	t.state.RecordToolUse(use.Name)
	return nil
}

// buildInitialContent wraps the task text in a task marker and appends any
// attachments. File details only ever appear here, in the first round.
func buildInitialContent(text string, images []ImageBlock, files []FileBlock) []ContentBlock {
	blocks := []ContentBlock{TextBlock{Text: "<task>\n" + text + "\n</task>"}}
	for _, img := range images {
		blocks = append(blocks, img)
	}
	for _, f := range files {
		blocks = append(blocks, f)
	}
	return blocks
}

func workspaceNotice(paths []string) string {
	return "[WORKSPACE NOTICE] The following files were modified outside this session:\n" +
		strings.Join(paths, "\n")
}
