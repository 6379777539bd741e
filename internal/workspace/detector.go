// Package workspace knows about the directory a task operates in: what kind
// of project it is and which files change underneath the task.
package workspace

import (
	"os"
	"path/filepath"
	"strings"
)

// ProjectType classifies a workspace by its dominant toolchain.
type ProjectType string

const (
	ProjectTypeGo      ProjectType = "go"
	ProjectTypeNode    ProjectType = "node"
	ProjectTypePython  ProjectType = "python"
	ProjectTypeRust    ProjectType = "rust"
	ProjectTypeUnknown ProjectType = "unknown"
)

var manifests = []struct {
	file string
	typ  ProjectType
}{
	{"go.mod", ProjectTypeGo},
	{"package.json", ProjectTypeNode},
	{"pyproject.toml", ProjectTypePython},
	{"requirements.txt", ProjectTypePython},
	{"Cargo.toml", ProjectTypeRust},
}

// DetectProjectType classifies workDir, manifest files first, then by which
// source extension dominates the top-level directory.
func DetectProjectType(workDir string) ProjectType {
	for _, m := range manifests {
		if _, err := os.Stat(filepath.Join(workDir, m.file)); err == nil {
			return m.typ
		}
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return ProjectTypeUnknown
	}
	counts := map[ProjectType]int{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".go":
			counts[ProjectTypeGo]++
		case ".ts", ".tsx", ".js", ".jsx":
			counts[ProjectTypeNode]++
		case ".py":
			counts[ProjectTypePython]++
		case ".rs":
			counts[ProjectTypeRust]++
		}
	}

	best, bestCount := ProjectTypeUnknown, 0
	for typ, n := range counts {
		if n > bestCount {
			best, bestCount = typ, n
		}
	}
	// A couple of stray files is not enough signal.
	if bestCount < 3 {
		return ProjectTypeUnknown
	}
	return best
}

// BuildCommand returns the build invocation for a project type, or an empty
// name when the toolchain has no build step.
func BuildCommand(typ ProjectType) (string, []string) {
	switch typ {
	case ProjectTypeGo:
		return "go", []string{"build", "./..."}
	case ProjectTypeNode:
		return "npm", []string{"run", "build"}
	case ProjectTypeRust:
		return "cargo", []string{"build"}
	default:
		return "", nil
	}
}

// TestCommand returns the test invocation for a project type.
func TestCommand(typ ProjectType) (string, []string) {
	switch typ {
	case ProjectTypeGo:
		return "go", []string{"test", "./..."}
	case ProjectTypeNode:
		return "npm", []string{"test"}
	case ProjectTypePython:
		return "pytest", nil
	case ProjectTypeRust:
		return "cargo", []string{"test"}
	default:
		return "", nil
	}
}
