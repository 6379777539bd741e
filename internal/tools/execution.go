package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/kiwi/internal/task"
	"github.com/ChamsBouzaiene/kiwi/internal/workspace"
)

const grepTimeout = 10 * time.Second

func runCmdTool(opts Options) task.Tool {
	return task.Tool{
		Name:        "run_cmd",
		Description: "Runs a command in the working directory inside the sandbox. Use for compiling, formatting, or project-specific scripts.",
		SchemaJSON: `{"type":"object","properties":{
			"name":{"type":"string","description":"Executable name, e.g. 'go'"},
			"args":{"type":"array","items":{"type":"string"},"description":"Arguments, e.g. ['vet','./...']"},
			"timeout_seconds":{"type":"integer","description":"Optional timeout in seconds"}
		},"required":["name"]}`,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			name, err := stringArg(args, "name")
			if err != nil {
				return "", err
			}
			var cmdArgs []string
			if raw, ok := args["args"].([]any); ok {
				for _, a := range raw {
					if s, ok := a.(string); ok {
						cmdArgs = append(cmdArgs, s)
					}
				}
			}
			var timeout time.Duration
			if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
				timeout = time.Duration(secs) * time.Second
			}
			return runSandboxed(ctx, opts, name, cmdArgs, timeout)
		},
	}
}

func runBuildTool(opts Options) task.Tool {
	return task.Tool{
		Name:        "run_build",
		Description: "Builds the project using the toolchain detected from the working directory.",
		SchemaJSON:  `{"type":"object","properties":{},"required":[]}`,
		Fn: func(ctx context.Context, _ map[string]any) (string, error) {
			typ := workspace.DetectProjectType(opts.WorkDir)
			name, args := workspace.BuildCommand(typ)
			if name == "" {
				return "", fmt.Errorf("no build command known for project type %q", typ)
			}
			return runSandboxed(ctx, opts, name, args, 0)
		},
	}
}

func runTestsTool(opts Options) task.Tool {
	return task.Tool{
		Name:        "run_tests",
		Description: "Runs the project's test suite using the toolchain detected from the working directory.",
		SchemaJSON:  `{"type":"object","properties":{},"required":[]}`,
		Fn: func(ctx context.Context, _ map[string]any) (string, error) {
			typ := workspace.DetectProjectType(opts.WorkDir)
			name, args := workspace.TestCommand(typ)
			if name == "" {
				return "", fmt.Errorf("no test command known for project type %q", typ)
			}
			return runSandboxed(ctx, opts, name, args, 0)
		},
	}
}

func runSandboxed(ctx context.Context, opts Options, name string, args []string, timeout time.Duration) (string, error) {
	if opts.Runner == nil {
		return "", fmt.Errorf("command execution is not available: no sandbox runner configured")
	}
	res, err := opts.Runner.RunCmd(ctx, opts.WorkDir, name, args, timeout)
	if err != nil && res.Stdout == "" && res.Stderr == "" {
		return "", err
	}
	// A nonzero exit is a result the model should see, not a tool failure.
	return jsonResult(map[string]any{
		"command":   name + " " + strings.Join(args, " "),
		"exit_code": res.Code,
		"stdout":    truncateOutput(res.Stdout),
		"stderr":    truncateOutput(res.Stderr),
		"timed_out": res.TimedOut,
	})
}

// truncateOutput keeps command output within a context-friendly size.
func truncateOutput(s string) string {
	const max = 16 * 1024
	if len(s) <= max {
		return s
	}
	return s[:max/2] + "\n... output truncated ...\n" + s[len(s)-max/2:]
}

func grepTool(opts Options) task.Tool {
	return task.Tool{
		Name:        "grep",
		Description: "Searches file contents with ripgrep. Returns matching lines with file paths and line numbers.",
		SchemaJSON: `{"type":"object","properties":{
			"pattern":{"type":"string","description":"Regular expression to search for"},
			"path":{"type":"string","description":"Subdirectory to search (empty for the whole working directory)"},
			"case_insensitive":{"type":"boolean","description":"Case-insensitive search. Default: false"}
		},"required":["pattern"]}`,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			pattern, err := stringArg(args, "pattern")
			if err != nil {
				return "", err
			}
			if opts.Runner == nil {
				return "", fmt.Errorf("search is not available: no sandbox runner configured")
			}

			rgArgs := []string{"--line-number", "--with-filename", "--no-heading", "--max-count", "100"}
			if ci, ok := args["case_insensitive"].(bool); ok && ci {
				rgArgs = append(rgArgs, "-i")
			}
			rgArgs = append(rgArgs, "-e", pattern)
			if p, ok := args["path"].(string); ok && p != "" {
				if _, err := resolve(opts.WorkDir, p); err != nil {
					return "", err
				}
				rgArgs = append(rgArgs, p)
			} else {
				rgArgs = append(rgArgs, ".")
			}

			res, err := opts.Runner.RunCmd(ctx, opts.WorkDir, "rg", rgArgs, grepTimeout)
			if res.Code == 1 && res.Stdout == "" {
				// ripgrep exits 1 on no matches.
				return jsonResult(map[string]any{"pattern": pattern, "matches": "", "count": 0})
			}
			if err != nil && res.Stdout == "" {
				return "", fmt.Errorf("search failed: %v: %s", err, res.Stderr)
			}
			matches := truncateOutput(res.Stdout)
			return jsonResult(map[string]any{
				"pattern": pattern,
				"matches": matches,
				"count":   strings.Count(matches, "\n"),
			})
		},
	}
}
