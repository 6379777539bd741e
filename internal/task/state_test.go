package task

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusCreated, StatusRunning, true},
		{StatusCreated, StatusCancelled, true},
		{StatusCreated, StatusPaused, false},
		{StatusCreated, StatusCompleted, false},
		{StatusCreated, StatusFailed, false},

		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusCreated, false},

		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusCancelled, true},
		{StatusPaused, StatusCompleted, false},
		{StatusPaused, StatusFailed, false},

		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
		{StatusCompleted, StatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, canTransition(tt.from, tt.to))
		})
	}
}

func TestSetStatusMutatesBeforeValidating(t *testing.T) {
	s := NewState()

	// created -> completed is illegal, but the state must have moved anyway.
	err := s.SetStatus(StatusCompleted)
	require.Error(t, err)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusCreated, te.From)
	assert.Equal(t, StatusCompleted, te.To)
	assert.Equal(t, StatusCompleted, s.Status())
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, next := range []Status{StatusCreated, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled} {
			assert.False(t, canTransition(terminal, next), "%s -> %s must be rejected", terminal, next)
		}
	}
}

func TestIsActiveAndTerminal(t *testing.T) {
	s := NewState()
	assert.False(t, s.IsActive())
	assert.False(t, s.IsTerminal())

	require.NoError(t, s.SetStatus(StatusRunning))
	assert.True(t, s.IsActive())

	require.NoError(t, s.SetStatus(StatusPaused))
	assert.True(t, s.IsActive())

	require.NoError(t, s.SetStatus(StatusCancelled))
	assert.False(t, s.IsActive())
	assert.True(t, s.IsTerminal())
}

func TestCanExecute(t *testing.T) {
	s := NewState()
	assert.False(t, s.CanExecute(), "created task must not execute")

	require.NoError(t, s.SetStatus(StatusRunning))
	assert.True(t, s.CanExecute())

	s.RequestAbort()
	assert.False(t, s.CanExecute(), "aborting task must not execute")

	s.ResetAbortState()
	assert.True(t, s.CanExecute())

	s.MarkStreamStart()
	s.MarkStreamComplete()
	assert.False(t, s.CanExecute(), "fully-read stream blocks execution until reset")
}

func TestMistakeCounter(t *testing.T) {
	s := NewState()

	assert.Equal(t, 1, s.IncrementMistakeCount())
	assert.Equal(t, 2, s.IncrementMistakeCount())
	assert.False(t, s.HasReachedMaxMistakes())

	for i := 3; i <= MaxConsecutiveMistakes; i++ {
		assert.Equal(t, i, s.IncrementMistakeCount())
	}
	assert.True(t, s.HasReachedMaxMistakes())

	// Successful tool use forgives everything.
	s.RecordToolUse("read_file")
	assert.Equal(t, 0, s.MistakeCount())
	assert.False(t, s.HasReachedMaxMistakes())
	assert.True(t, s.DidUseTool())
	assert.Equal(t, "read_file", s.LastToolName())

	s.ResetToolUse()
	assert.False(t, s.DidUseTool())
	assert.Equal(t, "read_file", s.LastToolName(), "reset only clears the per-turn marker")
}

func TestMistakeCounterMonotonicBetweenResets(t *testing.T) {
	s := NewState()
	prev := 0
	for i := 0; i < 20; i++ {
		n := s.IncrementMistakeCount()
		assert.Equal(t, prev+1, n)
		prev = n
	}
	s.ResetMistakeCount()
	assert.Equal(t, 0, s.MistakeCount())
}

func TestSnapshotRingBounded(t *testing.T) {
	s := NewState()
	for i := 0; i < 3*maxSnapshots; i++ {
		s.SetPhase(PhaseExecuting)
	}
	snaps := s.Snapshots()
	require.Len(t, snaps, maxSnapshots)

	// Oldest entries must have been dropped, not the newest.
	for _, snap := range snaps {
		assert.Equal(t, PhaseExecuting, snap.Phase)
	}
}

func TestStreamingFlagLifecycle(t *testing.T) {
	s := NewState()

	s.MarkStreamStart()
	assert.True(t, s.IsStreaming())
	assert.True(t, s.IsWaitingForFirstChunk())
	assert.False(t, s.DidCompleteReadingStream())

	s.MarkFirstChunk()
	assert.False(t, s.IsWaitingForFirstChunk())
	assert.True(t, s.IsStreaming())

	s.MarkStreamComplete()
	assert.False(t, s.IsStreaming())
	assert.True(t, s.DidCompleteReadingStream())

	// A fresh attempt resets the completion marker.
	s.MarkStreamStart()
	assert.False(t, s.DidCompleteReadingStream())

	s.ClearStreamingFlags()
	assert.False(t, s.IsStreaming())
	assert.False(t, s.IsWaitingForFirstChunk())
}

func TestAbortHandshake(t *testing.T) {
	s := NewState()
	s.MarkStreamStart()

	s.RequestAbort()
	assert.True(t, s.Aborted())
	assert.False(t, s.DidFinishAbortingStream(), "streaming side has not acknowledged yet")

	s.FinishAbortingStream()
	assert.True(t, s.DidFinishAbortingStream())
	assert.False(t, s.IsStreaming())

	s.ResetAbortState()
	assert.False(t, s.Aborted())
	assert.False(t, s.DidFinishAbortingStream())
}

func TestAbortWhileIdleNeedsNoAcknowledgement(t *testing.T) {
	s := NewState()
	s.RequestAbort()
	assert.True(t, s.Aborted())
	assert.False(t, s.IsStreaming())
}

func TestConversationBuffers(t *testing.T) {
	s := NewState()

	s.AddUserContent(TextBlock{Text: "hello"})
	s.AddAssistantContent(TextBlock{Text: "hi"}, ToolUseBlock{ID: "t1", Name: "read_file"})
	require.Len(t, s.UserContent(), 1)
	require.Len(t, s.AssistantContent(), 2)

	s.AppendConversation(Message{Role: RoleUser, Blocks: []ContentBlock{TextBlock{Text: "hello"}}})
	s.AppendConversation(Message{Role: RoleAssistant, Blocks: []ContentBlock{TextBlock{Text: "hi"}}})
	require.Len(t, s.Conversation(), 2)

	s.ClearTurnBuffers()
	assert.Empty(t, s.UserContent())
	assert.Empty(t, s.AssistantContent())
	assert.Len(t, s.Conversation(), 2, "durable history survives turn-buffer clears")

	s.ClearMessages()
	assert.Empty(t, s.Conversation())
}

func TestRestoreConversation(t *testing.T) {
	s := NewState()
	msgs := []Message{
		{Role: RoleUser, Blocks: []ContentBlock{TextBlock{Text: "a"}}},
		{Role: RoleAssistant, Blocks: []ContentBlock{TextBlock{Text: "b"}}},
	}
	s.RestoreConversation(msgs)
	got := s.Conversation()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].TextOf())
	assert.Equal(t, "b", got[1].TextOf())

	// Mutating the snapshot must not leak into state.
	got[0] = Message{Role: RoleUser, Blocks: []ContentBlock{TextBlock{Text: "x"}}}
	assert.Equal(t, "a", s.Conversation()[0].TextOf())
}

func TestDeletedRangeMarker(t *testing.T) {
	s := NewState()
	assert.Nil(t, s.DeletedRangeMarker())

	s.SetDeletedRange(&DeletedRange{Start: 1, End: 4})
	r := s.DeletedRangeMarker()
	require.NotNil(t, r)
	assert.Equal(t, 1, r.Start)
	assert.Equal(t, 4, r.End)

	// Returned marker is a copy.
	r.End = 99
	assert.Equal(t, 4, s.DeletedRangeMarker().End)
}

func TestStateConcurrentAccess(t *testing.T) {
	s := NewState()
	require.NoError(t, s.SetStatus(StatusRunning))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.IncrementMistakeCount()
				s.AppendConversation(Message{Role: RoleUser, Blocks: []ContentBlock{TextBlock{Text: "m"}}})
				s.SetPhase(PhaseExecuting)
				_ = s.Status()
				_ = s.Conversation()
				_ = s.Snapshots()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8*200, s.MistakeCount())
	assert.Len(t, s.Conversation(), 8*200)
}
