package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
}

func TestDetectProjectTypeManifestWins(t *testing.T) {
	dir := t.TempDir()
	// Manifest beats extension counting even with more python files around.
	writeFiles(t, dir, "go.mod", "a.py", "b.py", "c.py", "d.py")
	assert.Equal(t, ProjectTypeGo, DetectProjectType(dir))
}

func TestDetectProjectTypeByExtension(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.rs", "b.rs", "c.rs")
	assert.Equal(t, ProjectTypeRust, DetectProjectType(dir))
}

func TestDetectProjectTypeNeedsSignal(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "one.py", "two.py")
	assert.Equal(t, ProjectTypeUnknown, DetectProjectType(dir))

	assert.Equal(t, ProjectTypeUnknown, DetectProjectType(filepath.Join(dir, "missing")))
}

func TestBuildAndTestCommands(t *testing.T) {
	name, args := BuildCommand(ProjectTypeGo)
	assert.Equal(t, "go", name)
	assert.Equal(t, []string{"build", "./..."}, args)

	name, _ = BuildCommand(ProjectTypePython)
	assert.Empty(t, name, "python has no build step")

	name, args = TestCommand(ProjectTypePython)
	assert.Equal(t, "pytest", name)
	assert.Nil(t, args)

	name, _ = TestCommand(ProjectTypeUnknown)
	assert.Empty(t, name)
}
