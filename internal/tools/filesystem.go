package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/ChamsBouzaiene/kiwi/internal/task"
)

// maxFullReadLines caps how large a file read_file returns in full; larger
// files come back as a head/tail outline so the model reaches for narrower
// reads instead.
const maxFullReadLines = 400

func readFileTool(opts Options) task.Tool {
	return task.Tool{
		Name:        "read_file",
		Description: "Reads a file from the working directory. Provide the path relative to the working directory root.",
		SchemaJSON:  `{"type":"object","properties":{"path":{"type":"string","description":"Path relative to the working directory"}},"required":["path"]}`,
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			full, err := resolve(opts.WorkDir, path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return "", err
			}
			content := string(data)
			lineCount := strings.Count(content, "\n") + 1

			contentType := "full"
			if lineCount > maxFullReadLines {
				content = headTailOutline(content, lineCount)
				contentType = "outline"
			}
			return jsonResult(map[string]any{
				"path":         path,
				"content":      content,
				"line_count":   lineCount,
				"content_type": contentType,
			})
		},
	}
}

// headTailOutline shows the first and last 50 lines of an oversized file.
func headTailOutline(content string, lineCount int) string {
	lines := strings.Split(content, "\n")
	const edge = 50

	var b strings.Builder
	fmt.Fprintf(&b, "FILE TOO LARGE FOR FULL READ (%d lines). Showing first and last %d lines.\n", lineCount, edge)
	b.WriteString("Use grep to locate the section you need, then read a smaller file or ask for a narrower span.\n\n")
	for i := 0; i < edge && i < len(lines); i++ {
		fmt.Fprintf(&b, "%5d: %s\n", i+1, lines[i])
	}
	if len(lines) > 2*edge {
		fmt.Fprintf(&b, "\n... %d lines omitted ...\n\n", len(lines)-2*edge)
	}
	start := len(lines) - edge
	if start < edge {
		start = edge
	}
	for i := start; i < len(lines); i++ {
		fmt.Fprintf(&b, "%5d: %s\n", i+1, lines[i])
	}
	return b.String()
}

func writeFileTool(opts Options) task.Tool {
	return task.Tool{
		Name:        "write_file",
		Description: "Writes content to a file in the working directory, creating parent directories as needed. Overwrites existing files.",
		SchemaJSON:  `{"type":"object","properties":{"path":{"type":"string","description":"Path relative to the working directory"},"content":{"type":"string","description":"Full new content of the file"}},"required":["path","content"]}`,
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			content, err := stringArg(args, "content")
			if err != nil {
				return "", err
			}
			full, err := resolve(opts.WorkDir, path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return "", err
			}
			if opts.Marker != nil {
				opts.Marker.MarkSelfWrite(full)
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return "", err
			}
			return jsonResult(map[string]any{
				"path":          path,
				"bytes_written": len(content),
			})
		},
	}
}

func deleteFileTool(opts Options) task.Tool {
	return task.Tool{
		Name:        "delete_file",
		Description: "Deletes a file from the working directory.",
		SchemaJSON:  `{"type":"object","properties":{"path":{"type":"string","description":"Path relative to the working directory"}},"required":["path"]}`,
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			full, err := resolve(opts.WorkDir, path)
			if err != nil {
				return "", err
			}
			info, err := os.Stat(full)
			if err != nil {
				return "", err
			}
			if info.IsDir() {
				return "", fmt.Errorf("%s is a directory, not a file", path)
			}
			if opts.Marker != nil {
				opts.Marker.MarkSelfWrite(full)
			}
			if err := os.Remove(full); err != nil {
				return "", err
			}
			return jsonResult(map[string]any{"path": path, "deleted": true})
		},
	}
}

func listFilesTool(opts Options) task.Tool {
	return task.Tool{
		Name:        "list_files",
		Description: "Lists files in the working directory. Use this to discover which files exist before reading them.",
		SchemaJSON: `{"type":"object","properties":{
			"path":{"type":"string","description":"Subdirectory relative to the working directory (empty for root)"},
			"recursive":{"type":"boolean","description":"List files recursively. Default: false"},
			"limit":{"type":"integer","description":"Maximum number of entries to return. Default: 1000"},
			"ignore_patterns":{"type":"array","items":{"type":"string"},"description":"gitignore-style patterns to skip. Default: ['.git','node_modules']"}
		},"required":[]}`,
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			recursive, _ := args["recursive"].(bool)
			limit := 1000
			if l, ok := args["limit"].(float64); ok && l > 0 {
				limit = int(l)
			}
			patterns := []string{".git", "node_modules"}
			if raw, ok := args["ignore_patterns"].([]any); ok && len(raw) > 0 {
				patterns = patterns[:0]
				for _, p := range raw {
					if s, ok := p.(string); ok {
						patterns = append(patterns, s)
					}
				}
			}
			return listFiles(opts.WorkDir, path, recursive, limit, patterns)
		},
	}
}

func listFiles(workDir, path string, recursive bool, limit int, patterns []string) (string, error) {
	dir, err := resolve(workDir, path)
	if err != nil {
		return "", err
	}
	matcher := ignore.CompileIgnoreLines(patterns...)

	var files []string
	truncated := false

	if recursive {
		err = filepath.WalkDir(dir, func(walkPath string, d fs.DirEntry, err error) error {
			if err != nil || walkPath == dir {
				return nil
			}
			rel, err := filepath.Rel(workDir, walkPath)
			if err != nil {
				return nil
			}
			if matcher.MatchesPath(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			files = append(files, rel)
			if len(files) >= limit {
				truncated = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return "", err
		}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return "", err
		}
		for _, entry := range entries {
			rel := entry.Name()
			if path != "" {
				rel = filepath.Join(path, entry.Name())
			}
			if matcher.MatchesPath(rel) {
				continue
			}
			files = append(files, rel)
			if len(files) >= limit {
				truncated = true
				break
			}
		}
	}

	return jsonResult(map[string]any{
		"path":      path,
		"files":     files,
		"recursive": recursive,
		"truncated": truncated,
	})
}

func jsonResult(v map[string]any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
