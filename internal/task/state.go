package task

import (
	"sync"
	"time"
)

// MaxConsecutiveMistakes is the budget of rounds without a usable tool call
// (or with a failed one) before the task gives up.
const MaxConsecutiveMistakes = 5

// maxSnapshots bounds the diagnostic snapshot ring.
const maxSnapshots = 100

// Snapshot is one point-in-time record of the state, kept for diagnostics.
// Never used for replay.
type Snapshot struct {
	Status       Status
	Phase        Phase
	MessageCount int
	Timestamp    time.Time
}

// DeletedRange marks a span of the API conversation history that has been
// elided by context compression. Compression itself happens elsewhere; the
// range is only stored here.
type DeletedRange struct {
	Start int
	End   int
}

// State is the mutable heart of a task. Every mutation goes through its
// guarded methods so that interleaved callers (the orchestrator, an external
// abort request) never observe a half-applied combination of fields. External
// code must never reach into the fields directly.
type State struct {
	mu sync.Mutex

	status Status
	phase  Phase

	isStreaming              bool
	isWaitingForFirstChunk   bool
	didCompleteReadingStream bool

	assistantMessageContent []ContentBlock
	userMessageContent      []ContentBlock

	didAlreadyUseTool       bool
	lastToolName            string
	consecutiveMistakeCount int

	abort                   bool
	didFinishAbortingStream bool
	abandoned               bool

	apiConversationHistory          []Message
	conversationHistoryDeletedRange *DeletedRange

	snapshots []Snapshot
}

// NewState returns a state in the created status.
func NewState() *State {
	return &State{
		status: StatusCreated,
		phase:  PhaseIdle,
	}
}

// recordSnapshot appends to the bounded ring. Caller must hold mu.
func (s *State) recordSnapshot() {
	s.snapshots = append(s.snapshots, Snapshot{
		Status:       s.status,
		Phase:        s.phase,
		MessageCount: len(s.apiConversationHistory),
		Timestamp:    time.Now(),
	})
	if len(s.snapshots) > maxSnapshots {
		s.snapshots = s.snapshots[len(s.snapshots)-maxSnapshots:]
	}
}

// SetStatus swaps the status, records a snapshot, then validates the
// transition. Note the order: the state has already moved when an invalid
// transition comes back as an error, so callers must treat it as fatal to
// the task rather than retrying.
func (s *State) SetStatus(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.status
	s.status = next
	s.recordSnapshot()
	if !canTransition(prev, next) {
		return &TransitionError{From: prev, To: next}
	}
	return nil
}

// SetPhase updates the phase only. Phases carry no transition rules.
func (s *State) SetPhase(next Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = next
	s.recordSnapshot()
}

// SetState updates status and phase in one atomic step.
func (s *State) SetState(status Status, phase Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.status
	s.status = status
	s.phase = phase
	s.recordSnapshot()
	if !canTransition(prev, status) {
		return &TransitionError{From: prev, To: status}
	}
	return nil
}

// Status returns the current status.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// IsActive reports status ∈ {running, paused}.
func (s *State) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusRunning || s.status == StatusPaused
}

// IsTerminal reports status ∈ {completed, failed, cancelled}.
func (s *State) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.IsTerminal()
}

// CanExecute reports whether a round may run: running, not aborting, and not
// already past the end of a stream.
func (s *State) CanExecute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusRunning && !s.abort && !s.didCompleteReadingStream
}

// AddAssistantContent appends blocks to the current turn's assistant buffer.
func (s *State) AddAssistantContent(blocks ...ContentBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistantMessageContent = append(s.assistantMessageContent, blocks...)
}

// AddUserContent appends blocks to the current turn's user buffer.
func (s *State) AddUserContent(blocks ...ContentBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userMessageContent = append(s.userMessageContent, blocks...)
}

// AssistantContent returns a snapshot of the assistant buffer.
func (s *State) AssistantContent() []ContentBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneBlocks(s.assistantMessageContent)
}

// UserContent returns a snapshot of the user buffer.
func (s *State) UserContent() []ContentBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneBlocks(s.userMessageContent)
}

// ClearTurnBuffers empties the per-turn assistant/user buffers, keeping the
// durable conversation history.
func (s *State) ClearTurnBuffers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistantMessageContent = nil
	s.userMessageContent = nil
}

// ClearMessages empties the turn buffers, the durable conversation history
// and any deleted-range marker.
func (s *State) ClearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistantMessageContent = nil
	s.userMessageContent = nil
	s.apiConversationHistory = nil
	s.conversationHistoryDeletedRange = nil
}

// AppendConversation appends a message to the durable API history.
func (s *State) AppendConversation(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiConversationHistory = append(s.apiConversationHistory, msg)
}

// Conversation returns a snapshot of the durable API history.
func (s *State) Conversation() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.apiConversationHistory))
	copy(out, s.apiConversationHistory)
	return out
}

// RestoreConversation replaces the durable API history wholesale. Used when
// resuming a task from a persisted history item.
func (s *State) RestoreConversation(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiConversationHistory = make([]Message, len(msgs))
	copy(s.apiConversationHistory, msgs)
}

// SetDeletedRange stores the span of history elided by compression.
func (s *State) SetDeletedRange(r *DeletedRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationHistoryDeletedRange = r
}

// DeletedRangeMarker returns the stored deleted range, or nil.
func (s *State) DeletedRangeMarker() *DeletedRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationHistoryDeletedRange == nil {
		return nil
	}
	r := *s.conversationHistoryDeletedRange
	return &r
}

// RecordToolUse marks that a tool was used this turn. Successful tool use is
// the only thing that forgives prior mistakes: the counter resets to zero.
func (s *State) RecordToolUse(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.didAlreadyUseTool = true
	s.lastToolName = name
	s.consecutiveMistakeCount = 0
}

// ResetToolUse clears the per-turn tool-use marker.
func (s *State) ResetToolUse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.didAlreadyUseTool = false
}

// DidUseTool reports whether the current turn produced a usable tool call.
func (s *State) DidUseTool() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.didAlreadyUseTool
}

// LastToolName returns the most recently used tool name.
func (s *State) LastToolName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastToolName
}

// IncrementMistakeCount bumps the counter and returns the new value.
func (s *State) IncrementMistakeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveMistakeCount++
	return s.consecutiveMistakeCount
}

// ResetMistakeCount zeroes the counter.
func (s *State) ResetMistakeCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveMistakeCount = 0
}

// MistakeCount returns the current counter value.
func (s *State) MistakeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveMistakeCount
}

// HasReachedMaxMistakes is a query only; the orchestrator decides what to do.
func (s *State) HasReachedMaxMistakes() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveMistakeCount >= MaxConsecutiveMistakes
}

// MarkStreamStart flips the streaming flags for a new request attempt.
func (s *State) MarkStreamStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isStreaming = true
	s.isWaitingForFirstChunk = true
	s.didCompleteReadingStream = false
}

// MarkFirstChunk clears the waiting-for-first-chunk flag.
func (s *State) MarkFirstChunk() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isWaitingForFirstChunk = false
}

// MarkStreamComplete records that the stream was read to the end.
func (s *State) MarkStreamComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isStreaming = false
	s.didCompleteReadingStream = true
}

// ClearStreamingFlags resets all in-flight stream markers, e.g. after an
// error aborts an attempt.
func (s *State) ClearStreamingFlags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isStreaming = false
	s.isWaitingForFirstChunk = false
}

// IsStreaming reports whether a request stream is in flight.
func (s *State) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isStreaming
}

// IsWaitingForFirstChunk reports whether the in-flight stream has produced
// anything yet.
func (s *State) IsWaitingForFirstChunk() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isWaitingForFirstChunk
}

// DidCompleteReadingStream reports whether the last stream was fully read.
func (s *State) DidCompleteReadingStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.didCompleteReadingStream
}

// RequestAbort flips the abort flag. If a stream is in flight the
// finished-aborting flag is cleared so the canceller knows to wait for the
// streaming side to acknowledge.
func (s *State) RequestAbort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abort = true
	if s.isStreaming {
		s.didFinishAbortingStream = false
	}
}

// Aborted reports whether an abort has been requested.
func (s *State) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

// FinishAbortingStream is the streaming side's acknowledgement of an abort.
func (s *State) FinishAbortingStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.didFinishAbortingStream = true
	s.isStreaming = false
}

// DidFinishAbortingStream reports whether the stream acknowledged the abort.
func (s *State) DidFinishAbortingStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.didFinishAbortingStream
}

// MarkAbandoned flags the task as abandoned by its owner (e.g. the canceller
// gave up waiting). Abandoned tasks drop late callbacks.
func (s *State) MarkAbandoned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = true
}

// Abandoned reports the abandoned flag.
func (s *State) Abandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandoned
}

// ResetAbortState clears both abort flags, used when starting fresh after a
// cancellation.
func (s *State) ResetAbortState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abort = false
	s.didFinishAbortingStream = false
}

// Snapshots returns a copy of the diagnostic ring, oldest first.
func (s *State) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}
