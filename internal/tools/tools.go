// Package tools provides the builtin tool registry a task executes against:
// filesystem access jailed to the working directory, sandboxed command
// execution, text search and the reasoning/completion tools.
package tools

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ChamsBouzaiene/kiwi/internal/log"
	"github.com/ChamsBouzaiene/kiwi/internal/sandbox"
	"github.com/ChamsBouzaiene/kiwi/internal/task"
)

// SelfWriteMarker is notified before the registry writes a file, so a
// workspace tracker can tell the task's own writes from external ones.
type SelfWriteMarker interface {
	MarkSelfWrite(path string)
}

// Options configures the builtin registry.
type Options struct {
	WorkDir string
	Runner  sandbox.Runner
	Marker  SelfWriteMarker
	Logger  log.Logger
}

// NewRegistry builds the full builtin tool set for one working directory.
func NewRegistry(opts Options) (task.ToolRegistry, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("workdir is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Noop
	}

	reg := make(task.ToolRegistry)
	for _, t := range []task.Tool{
		readFileTool(opts),
		writeFileTool(opts),
		listFilesTool(opts),
		deleteFileTool(opts),
		applyPatchTool(opts),
		grepTool(opts),
		runCmdTool(opts),
		runBuildTool(opts),
		runTestsTool(opts),
		thinkTool(opts),
		attemptCompletionTool(),
	} {
		reg[t.Name] = t
	}
	return reg, nil
}

// resolve joins a model-supplied path onto the working directory and rejects
// escapes.
func resolve(workDir, path string) (string, error) {
	full := filepath.Clean(filepath.Join(workDir, path))
	root := filepath.Clean(workDir)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the working directory", path)
	}
	return full, nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return v, nil
}
