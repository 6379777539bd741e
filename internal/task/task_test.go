package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedService replays canned chunk streams, one script per CreateStream
// call. With repeat set, the final script replays forever.
type scriptedService struct {
	mu      sync.Mutex
	scripts [][]StreamChunk
	repeat  bool
	calls   [][]Message
}

func (s *scriptedService) CreateStream(ctx context.Context, messages []Message) (<-chan StreamChunk, <-chan error) {
	s.mu.Lock()
	s.calls = append(s.calls, messages)
	var script []StreamChunk
	if len(s.scripts) > 0 {
		script = s.scripts[0]
		if !s.repeat || len(s.scripts) > 1 {
			s.scripts = s.scripts[1:]
		}
	}
	s.mu.Unlock()

	chunks := make(chan StreamChunk)
	errs := make(chan error)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range script {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, errs
}

func (s *scriptedService) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// erroringService fails the stream after emitting its chunks.
type erroringService struct {
	chunks []StreamChunk
	err    error
}

func (s *erroringService) CreateStream(ctx context.Context, _ []Message) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range s.chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
		errs <- s.err
	}()
	return chunks, errs
}

// tickingService streams text chunks on an interval until the context ends,
// for exercising mid-stream cancellation.
type tickingService struct {
	interval time.Duration
}

func (s *tickingService) CreateStream(ctx context.Context, _ []Message) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk)
	errs := make(chan error)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i := 0; i < 10000; i++ {
			select {
			case chunks <- StreamChunk{Deltas: []ContentDelta{{Type: "text", Text: "tick "}}, Partial: true}:
			case <-ctx.Done():
				return
			}
			time.Sleep(s.interval)
		}
	}()
	return chunks, errs
}

// recordingHook captures every notification for assertions.
type recordingHook struct {
	NopHook
	mu       sync.Mutex
	states   []Status
	errs     []error
	tools    []string
	messages int
}

func (h *recordingHook) OnStateChange(_ context.Context, _ string, status Status, _ Phase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, status)
}

func (h *recordingHook) OnError(_ context.Context, _ string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHook) OnToolExecute(_ context.Context, _ string, use ToolUseBlock, _ ToolResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools = append(h.tools, use.Name)
}

func (h *recordingHook) OnMessageUpdate(_ context.Context, _ string, _ Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages++
}

func (h *recordingHook) errCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs)
}

func testRegistry() ToolRegistry {
	reg := make(ToolRegistry)
	reg["attempt_completion"] = Tool{
		Name: "attempt_completion",
		Fn: func(_ context.Context, _ map[string]any) (string, error) {
			return "task complete", nil
		},
	}
	reg["read_file"] = Tool{
		Name: "read_file",
		Fn: func(_ context.Context, _ map[string]any) (string, error) {
			return "file contents", nil
		},
	}
	reg["fail_tool"] = Tool{
		Name: "fail_tool",
		Fn: func(_ context.Context, _ map[string]any) (string, error) {
			return "", errors.New("boom")
		},
	}
	return reg
}

func toolChunk(id, name, inputJSON string) StreamChunk {
	return StreamChunk{
		ToolUse: &ToolUseDelta{ID: id, Name: name, InputJSON: inputJSON, Complete: true},
		Partial: true,
	}
}

func completionScript() []StreamChunk {
	return []StreamChunk{
		textChunk("All done.", true),
		toolChunk("tc", "attempt_completion", `{}`),
		{Last: true},
	}
}

func TestNewRequiresService(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestTaskHappyPathCompletes(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamChunk{completionScript()}}
	hook := &recordingHook{}

	tk, err := New(Options{Service: svc, Registry: testRegistry(), Hooks: Hooks{hook}})
	require.NoError(t, err)
	require.NotEmpty(t, tk.ID())
	require.NotEmpty(t, tk.Seq())

	err = tk.Start(context.Background(), "write a hello world program", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tk.State().Status())
	assert.Equal(t, []Status{StatusRunning, StatusCompleted}, hook.states)
	assert.Equal(t, []string{"attempt_completion"}, hook.tools)
}

func TestTaskToolUseThenCompletion(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamChunk{
		{
			textChunk("Reading first.", true),
			toolChunk("t1", "read_file", `{"path":"main.go"}`),
			{Last: true},
		},
		completionScript(),
	}}
	hook := &recordingHook{}

	tk, err := New(Options{Service: svc, Registry: testRegistry(), Hooks: Hooks{hook}})
	require.NoError(t, err)

	require.NoError(t, tk.Start(context.Background(), "inspect main.go", nil, nil))
	assert.Equal(t, StatusCompleted, tk.State().Status())
	assert.Equal(t, 2, svc.callCount())
	assert.Equal(t, []string{"read_file", "attempt_completion"}, hook.tools)

	// Round two's request must carry the tool result from round one.
	conv := tk.State().Conversation()
	var sawResult bool
	for _, msg := range conv {
		for _, b := range msg.Blocks {
			if tr, ok := b.(ToolResultBlock); ok && tr.ToolName == "read_file" {
				sawResult = true
				assert.False(t, tr.IsError)
				assert.Equal(t, "file contents", tr.Content)
			}
		}
	}
	assert.True(t, sawResult)
}

func TestTaskStartTwiceRejected(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamChunk{completionScript()}}
	tk, err := New(Options{Service: svc, Registry: testRegistry()})
	require.NoError(t, err)

	require.NoError(t, tk.Start(context.Background(), "do it", nil, nil))
	err = tk.Start(context.Background(), "do it again", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestTaskNoToolRoundsHitMistakeLimit(t *testing.T) {
	// The model keeps talking without ever calling a tool.
	svc := &scriptedService{
		scripts: [][]StreamChunk{{textChunk("hmm, let me think", false)}},
		repeat:  true,
	}
	hook := &recordingHook{}

	tk, err := New(Options{Service: svc, Registry: testRegistry(), Hooks: Hooks{hook}})
	require.NoError(t, err)

	err = tk.Start(context.Background(), "impossible task", nil, nil)
	require.Error(t, err)
	assert.True(t, IsMistakeLimit(err))
	assert.Equal(t, StatusFailed, tk.State().Status())
	assert.Equal(t, MaxConsecutiveMistakes, svc.callCount())
}

func TestTaskRepeatedToolFailuresHitMistakeLimit(t *testing.T) {
	svc := &scriptedService{
		scripts: [][]StreamChunk{{
			toolChunk("tf", "fail_tool", `{}`),
			{Last: true},
		}},
		repeat: true,
	}
	tk, err := New(Options{Service: svc, Registry: testRegistry()})
	require.NoError(t, err)

	err = tk.Start(context.Background(), "use the broken tool", nil, nil)
	require.Error(t, err)
	assert.True(t, IsMistakeLimit(err))
	assert.Equal(t, StatusFailed, tk.State().Status())

	// Every failure is reported back to the model as an error result, and
	// each one is charged against the budget exactly once: the limit trips
	// on the fifth round, not earlier.
	var errorResults int
	for _, msg := range tk.State().Conversation() {
		for _, b := range msg.Blocks {
			if tr, ok := b.(ToolResultBlock); ok && tr.IsError {
				errorResults++
			}
		}
	}
	assert.Equal(t, MaxConsecutiveMistakes, errorResults)
	assert.Equal(t, MaxConsecutiveMistakes, svc.callCount())

	// A round that executed a tool, even unsuccessfully, must never be
	// answered with the no-tool-use nudge.
	for _, msg := range tk.State().Conversation() {
		assert.NotContains(t, msg.TextOf(), forcedContinuation)
	}
}

func TestTaskSuccessfulToolUseForgivesMistakes(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamChunk{
		{textChunk("no tool here", false)},                 // mistake 1
		{textChunk("still no tool", false)},                // mistake 2
		{toolChunk("t1", "read_file", `{}`), {Last: true}}, // counter resets
		completionScript(),
	}}
	tk, err := New(Options{Service: svc, Registry: testRegistry()})
	require.NoError(t, err)

	require.NoError(t, tk.Start(context.Background(), "eventually cooperate", nil, nil))
	assert.Equal(t, StatusCompleted, tk.State().Status())
	assert.Equal(t, 0, tk.State().MistakeCount())
}

func TestTaskStreamErrorAbsorbedAsFailure(t *testing.T) {
	svc := &erroringService{
		chunks: []StreamChunk{textChunk("partial resp", true)},
		err:    errors.New("connection reset"),
	}
	hook := &recordingHook{}

	tk, err := New(Options{Service: svc, Registry: testRegistry(), Hooks: Hooks{hook}})
	require.NoError(t, err)

	// The round error is absorbed at the boundary; the task fails but the
	// call itself returns cleanly.
	require.NoError(t, tk.Start(context.Background(), "flaky network", nil, nil))
	assert.Equal(t, StatusFailed, tk.State().Status())
	require.Equal(t, 1, hook.errCount())

	var re *RoundError
	require.ErrorAs(t, hook.errs[0], &re)
	assert.Equal(t, "stream", re.Operation)
	assert.False(t, tk.State().IsStreaming(), "streaming flags cleared after error")
}

func TestTaskUnknownToolCountsAsMistake(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamChunk{
		{toolChunk("t1", "no_such_tool", `{}`), {Last: true}},
		completionScript(),
	}}
	hook := &recordingHook{}
	tk, err := New(Options{Service: svc, Registry: testRegistry(), Hooks: Hooks{hook}})
	require.NoError(t, err)

	require.NoError(t, tk.Start(context.Background(), "call a ghost", nil, nil))
	assert.Equal(t, StatusCompleted, tk.State().Status())

	var sawNotFound bool
	for _, msg := range tk.State().Conversation() {
		for _, b := range msg.Blocks {
			if tr, ok := b.(ToolResultBlock); ok && tr.ToolName == "no_such_tool" {
				sawNotFound = true
				assert.True(t, tr.IsError)
				assert.Contains(t, tr.Content, "tool not found")
			}
		}
	}
	assert.True(t, sawNotFound)
}

func TestTaskOverrideTakesPrecedence(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamChunk{
		{toolChunk("t1", "read_file", `{}`), {Last: true}},
		completionScript(),
	}}
	var overridden bool
	override := func(_ context.Context, use ToolUseBlock) (ToolResult, bool) {
		if use.Name == "read_file" {
			overridden = true
			return ToolResult{Success: true, Output: "override output"}, true
		}
		return ToolResult{}, false
	}
	tk, err := New(Options{Service: svc, Registry: testRegistry(), Override: override})
	require.NoError(t, err)

	require.NoError(t, tk.Start(context.Background(), "read with override", nil, nil))
	assert.True(t, overridden)
	assert.Equal(t, StatusCompleted, tk.State().Status())
}

func TestTaskMidStreamAbort(t *testing.T) {
	svc := &tickingService{interval: 5 * time.Millisecond}
	tk, err := New(Options{
		Service:  svc,
		Registry: testRegistry(),
		Config: Config{
			AbortStreamTimeout: time.Second,
			AbortPollInterval:  5 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- tk.Start(context.Background(), "never-ending stream", nil, nil)
	}()

	// Wait for the stream to be in flight before aborting.
	require.Eventually(t, tk.State().IsStreaming, time.Second, time.Millisecond)

	start := time.Now()
	tk.Abort(context.Background())
	assert.Less(t, time.Since(start), time.Second, "abort must honor its bounded wait")

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsCancelled(err))
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop after abort")
	}
	assert.Equal(t, StatusCancelled, tk.State().Status())
}

// silentService opens a stream that never emits and never reacts to the
// abort flag, so the abort wait can only end by expiring.
type silentService struct{}

func (silentService) CreateStream(context.Context, []Message) (<-chan StreamChunk, <-chan error) {
	return make(chan StreamChunk), make(chan error)
}

func TestTaskAbortTimeoutAbandonsStream(t *testing.T) {
	tk, err := New(Options{
		Service:  silentService{},
		Registry: testRegistry(),
		Config: Config{
			AbortStreamTimeout: 150 * time.Millisecond,
			AbortPollInterval:  10 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	go func() { _ = tk.Start(context.Background(), "stream that never answers", nil, nil) }()
	require.Eventually(t, tk.State().IsStreaming, time.Second, time.Millisecond)

	start := time.Now()
	tk.Abort(context.Background())
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "abort waits out the stream timeout")
	assert.Less(t, elapsed, time.Second, "abort returns once the wait expires")
	assert.True(t, tk.State().Abandoned())
	assert.Equal(t, StatusCancelled, tk.State().Status())
}

func TestTaskAbortBeforeStartIsNoop(t *testing.T) {
	svc := &scriptedService{}
	tk, err := New(Options{Service: svc, Registry: testRegistry()})
	require.NoError(t, err)

	tk.Abort(context.Background())
	assert.Equal(t, StatusCreated, tk.State().Status())
	assert.False(t, tk.State().Aborted())
}

func TestTaskAbortAfterCompletionIsNoop(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamChunk{completionScript()}}
	tk, err := New(Options{Service: svc, Registry: testRegistry()})
	require.NoError(t, err)

	require.NoError(t, tk.Start(context.Background(), "finish fast", nil, nil))
	require.Equal(t, StatusCompleted, tk.State().Status())

	tk.Abort(context.Background())
	assert.Equal(t, StatusCompleted, tk.State().Status(), "terminal status is final")
}

func TestTaskResumeFromHistory(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamChunk{completionScript()}}
	tk, err := New(Options{Service: svc, Registry: testRegistry()})
	require.NoError(t, err)

	restored := []Message{
		{Role: RoleUser, Blocks: []ContentBlock{TextBlock{Text: "<task>\noriginal task\n</task>"}}},
		{Role: RoleAssistant, Blocks: []ContentBlock{TextBlock{Text: "working on it"}}},
	}
	err = tk.ResumeFromHistory(context.Background(), HistoryItem{
		TaskID:       tk.ID(),
		Conversation: restored,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tk.State().Status())

	// The request carried the restored history plus the resumption notice.
	require.Equal(t, 1, svc.callCount())
	sent := svc.calls[0]
	require.Len(t, sent, 3)
	assert.Equal(t, "<task>\noriginal task\n</task>", sent[0].TextOf())
	assert.Equal(t, "working on it", sent[1].TextOf())
	assert.Contains(t, sent[2].TextOf(), "TASK RESUMPTION")
}

func TestTaskInitialContentCarriesAttachments(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamChunk{completionScript()}}
	tk, err := New(Options{Service: svc, Registry: testRegistry()})
	require.NoError(t, err)

	images := []ImageBlock{{MediaType: "image/png", Data: "aGk="}}
	files := []FileBlock{{Path: "notes.txt", Content: "remember this"}}
	require.NoError(t, tk.Start(context.Background(), "describe the image", images, files))

	sent := svc.calls[0]
	require.NotEmpty(t, sent)
	first := sent[0]
	require.Len(t, first.Blocks, 3)
	assert.Equal(t, "text", first.Blocks[0].Kind())
	assert.Equal(t, "image", first.Blocks[1].Kind())
	assert.Equal(t, "file", first.Blocks[2].Kind())
	assert.Contains(t, first.TextOf(), "<task>")
}

// staticTracker reports one batch of externally changed files.
type staticTracker struct {
	mu    sync.Mutex
	paths []string
}

func (tr *staticTracker) DrainChanges() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := tr.paths
	tr.paths = nil
	return out
}

func TestTaskWorkspaceNoticeInjected(t *testing.T) {
	svc := &scriptedService{scripts: [][]StreamChunk{completionScript()}}
	tracker := &staticTracker{paths: []string{"src/app.go", "go.mod"}}
	tk, err := New(Options{Service: svc, Registry: testRegistry(), Tracker: tracker})
	require.NoError(t, err)

	require.NoError(t, tk.Start(context.Background(), "carry on", nil, nil))

	sent := svc.calls[0]
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[0].TextOf(), "WORKSPACE NOTICE")
	assert.Contains(t, sent[0].TextOf(), "src/app.go")
}
