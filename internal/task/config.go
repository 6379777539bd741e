package task

import "time"

const (
	// DefaultAbortStreamTimeout bounds how long Abort waits for an in-flight
	// stream to acknowledge the abort before giving up.
	DefaultAbortStreamTimeout = 5 * time.Second

	// DefaultAbortPollInterval is the poll cadence while waiting for that
	// acknowledgement.
	DefaultAbortPollInterval = 50 * time.Millisecond

	// DefaultCompletionTool is the tool whose successful result signals that
	// the task is done.
	DefaultCompletionTool = "attempt_completion"
)

// Config holds a task's immutable configuration.
type Config struct {
	// WorkDir is the working-directory context the task operates in.
	WorkDir string

	// CompletionTool names the completion-signaling tool.
	CompletionTool string

	// AbortStreamTimeout and AbortPollInterval tune the bounded cancellation
	// wait. Zero values fall back to the defaults.
	AbortStreamTimeout time.Duration
	AbortPollInterval  time.Duration
}

func (c *Config) defaults() {
	if c.CompletionTool == "" {
		c.CompletionTool = DefaultCompletionTool
	}
	if c.AbortStreamTimeout <= 0 {
		c.AbortStreamTimeout = DefaultAbortStreamTimeout
	}
	if c.AbortPollInterval <= 0 {
		c.AbortPollInterval = DefaultAbortPollInterval
	}
}
