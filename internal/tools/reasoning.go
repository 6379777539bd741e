package tools

import (
	"context"
	"fmt"

	"github.com/ChamsBouzaiene/kiwi/internal/task"
)

func thinkTool(opts Options) task.Tool {
	return task.Tool{
		Name: "think",
		Description: `Record your reasoning and thought process. Use this before making changes,
after discovering something important, or when choosing between options. The
reasoning is logged for the user; it has no other effect.`,
		SchemaJSON: `{"type":"object","properties":{"reasoning":{"type":"string","description":"Your reasoning or plan. Be specific; include file and function names when relevant."}},"required":["reasoning"]}`,
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			reasoning, err := stringArg(args, "reasoning")
			if err != nil {
				return "", err
			}
			if reasoning == "" {
				return "", fmt.Errorf("reasoning cannot be empty")
			}
			opts.Logger.Infof("agent reasoning: %s", reasoning)
			return jsonResult(map[string]any{"status": "noted"})
		},
	}
}

// attemptCompletionTool is the one tool whose success ends the task. The
// engine watches for it by name.
func attemptCompletionTool() task.Tool {
	return task.Tool{
		Name: "attempt_completion",
		Description: `Present the final result of the task to the user. Call this only when the
task is fully done; do not call it with unresolved errors or open questions.`,
		SchemaJSON: `{"type":"object","properties":{"result":{"type":"string","description":"Final summary of what was accomplished"}},"required":["result"]}`,
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			result, err := stringArg(args, "result")
			if err != nil {
				return "", err
			}
			if result == "" {
				return "", fmt.Errorf("result cannot be empty")
			}
			return result, nil
		},
	}
}
