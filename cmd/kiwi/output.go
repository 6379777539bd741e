package main

import (
	"context"
	"fmt"

	"github.com/ChamsBouzaiene/kiwi/internal/log"
	"github.com/ChamsBouzaiene/kiwi/internal/task"
)

// consoleHook renders task progress for a terminal user: assistant text as
// it is recorded, tool activity as single status lines, errors to the log.
type consoleHook struct {
	task.NopHook
	logger log.Logger
}

func newConsoleHook(logger log.Logger) *consoleHook {
	return &consoleHook{logger: logger}
}

func (h *consoleHook) OnMessageUpdate(_ context.Context, _ string, msg task.Message) {
	if msg.Role != task.RoleAssistant {
		return
	}
	if text := msg.TextOf(); text != "" {
		fmt.Println(text)
	}
}

func (h *consoleHook) OnToolExecute(_ context.Context, _ string, use task.ToolUseBlock, result task.ToolResult) {
	if result.Success {
		fmt.Printf("  [%s] ok\n", use.Name)
		return
	}
	fmt.Printf("  [%s] failed: %s\n", use.Name, result.Error)
}

func (h *consoleHook) OnStateChange(_ context.Context, taskID string, status task.Status, phase task.Phase) {
	h.logger.Debugf("task %s: %s/%s", taskID, status, phase)
}

func (h *consoleHook) OnError(_ context.Context, taskID string, err error) {
	h.logger.Errorf("task %s: %v", taskID, err)
}
