package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ChamsBouzaiene/kiwi/internal/task"
)

// forbiddenPatchPaths are paths the agent must never touch through a diff.
// Dependency lockfiles and VCS metadata break the workspace when edited
// blindly.
var forbiddenPatchPaths = []string{
	".env",
	".env.*",
	".git",
	".github",
	".gitignore",
	".gitattributes",
	"go.sum",
	"package-lock.json",
	"yarn.lock",
	"node_modules",
	"dist",
	"build",
	".venv",
	"venv",
}

// maxPatchLines caps how large a single diff may be. Oversized diffs mean
// the model is rewriting files instead of editing them; write_file is the
// tool for that.
const maxPatchLines = 400

func applyPatchTool(opts Options) task.Tool {
	return task.Tool{
		Name: "apply_patch",
		Description: `Applies a unified diff to the working directory. Use for small, focused
edits to existing files; use write_file to create files or replace them
wholesale. Paths in the diff must be relative to the working directory root
and applicable with "patch -p0".`,
		SchemaJSON: `{"type":"object","properties":{"unified_diff":{"type":"string","description":"The unified diff text"}},"required":["unified_diff"]}`,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			diff, err := stringArg(args, "unified_diff")
			if err != nil {
				return "", err
			}
			files, changed, err := validatePatch(diff)
			if err != nil {
				return "", err
			}
			if err := applyPatch(ctx, opts.WorkDir, diff); err != nil {
				return "", err
			}
			if opts.Marker != nil {
				for _, f := range files {
					opts.Marker.MarkSelfWrite(filepath.Join(opts.WorkDir, f))
				}
			}
			return jsonResult(map[string]any{
				"files":         files,
				"lines_changed": changed,
			})
		},
	}
}

// validatePatch parses the diff, enforces the path policy and the size cap,
// and returns the touched files with the total changed line count.
func validatePatch(diff string) ([]string, int, error) {
	if strings.TrimSpace(diff) == "" {
		return nil, 0, fmt.Errorf("unified_diff is empty")
	}
	files, changed := parseUnifiedDiff(diff)
	if len(files) == 0 {
		return nil, 0, fmt.Errorf("no file headers found; the diff must contain --- and +++ lines")
	}
	if changed > maxPatchLines {
		return nil, 0, fmt.Errorf("diff changes %d lines, max is %d; use write_file for rewrites", changed, maxPatchLines)
	}
	for _, f := range files {
		if err := checkPatchPath(f); err != nil {
			return nil, 0, err
		}
	}
	return files, changed, nil
}

var (
	diffFileRegexp = regexp.MustCompile(`^(?:---|\+\+\+)\s+(?:a/|b/)?(\S+)`)
)

// parseUnifiedDiff extracts the touched file paths and counts added plus
// removed lines.
func parseUnifiedDiff(diff string) ([]string, int) {
	var files []string
	seen := make(map[string]bool)
	changed := 0

	for _, line := range strings.Split(diff, "\n") {
		if m := diffFileRegexp.FindStringSubmatch(line); m != nil {
			path := m[1]
			if path != "/dev/null" && !seen[path] {
				seen[path] = true
				files = append(files, path)
			}
			continue
		}
		if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
			changed++
		}
	}
	return files, changed
}

func checkPatchPath(path string) error {
	if filepath.IsAbs(path) {
		return fmt.Errorf("path %s is absolute, diffs must use paths relative to the working directory", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path %s escapes the working directory", path)
	}
	normalized := strings.ToLower(filepath.ToSlash(path))
	for _, forbidden := range forbiddenPatchPaths {
		if strings.HasSuffix(forbidden, "*") {
			if strings.HasPrefix(normalized, strings.TrimSuffix(forbidden, "*")) {
				return fmt.Errorf("path %s matches protected pattern %s", path, forbidden)
			}
			continue
		}
		for _, segment := range strings.Split(normalized, "/") {
			if segment == forbidden {
				return fmt.Errorf("path %s touches protected path %s", path, forbidden)
			}
		}
	}
	return nil
}

// applyPatch dry-runs the diff first, then applies it. The fuzz and
// whitespace tolerance absorb the small context drift model-written diffs
// tend to carry.
func applyPatch(ctx context.Context, workDir, diff string) error {
	tmp, err := os.CreateTemp("", "kiwi-diff-*.patch")
	if err != nil {
		return fmt.Errorf("failed to stage diff: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(diff); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to stage diff: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to stage diff: %w", err)
	}

	baseArgs := []string{"-p0", "--fuzz=2", "--ignore-whitespace", "-i", tmp.Name()}

	dryRun := exec.CommandContext(ctx, "patch", append([]string{"--dry-run"}, baseArgs...)...)
	dryRun.Dir = workDir
	if out, err := dryRun.CombinedOutput(); err != nil {
		return fmt.Errorf("diff does not apply cleanly: %s", strings.TrimSpace(string(out)))
	}

	apply := exec.CommandContext(ctx, "patch", baseArgs...)
	apply.Dir = workDir
	if out, err := apply.CombinedOutput(); err != nil {
		return fmt.Errorf("patch failed after clean dry-run: %s", strings.TrimSpace(string(out)))
	}
	return nil
}
