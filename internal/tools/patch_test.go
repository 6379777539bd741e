package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDiff = `--- a/internal/server/handler.go
+++ b/internal/server/handler.go
@@ -10,7 +10,7 @@
 func handle(w http.ResponseWriter, r *http.Request) {
-	w.WriteHeader(200)
+	w.WriteHeader(http.StatusOK)
 }
`

func TestValidatePatch(t *testing.T) {
	files, changed, err := validatePatch(sampleDiff)
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/server/handler.go"}, files)
	assert.Equal(t, 2, changed)
}

func TestValidatePatchRejectsEmpty(t *testing.T) {
	_, _, err := validatePatch("  \n")
	assert.Error(t, err)
}

func TestValidatePatchRequiresFileHeaders(t *testing.T) {
	_, _, err := validatePatch("+just an addition\n-and a removal\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file headers")
}

func TestValidatePatchRejectsProtectedPaths(t *testing.T) {
	for _, path := range []string{
		".env",
		".git/config",
		"go.sum",
		"node_modules/dep/index.js",
		"../outside.go",
		"/abs/path.go",
	} {
		diff := "--- a/" + path + "\n+++ b/" + path + "\n@@ -1 +1 @@\n-x\n+y\n"
		_, _, err := validatePatch(diff)
		assert.Error(t, err, "path %s must be rejected", path)
	}
}

func TestValidatePatchSizeCap(t *testing.T) {
	var b []byte
	b = append(b, []byte("--- a/big.go\n+++ b/big.go\n@@ -1 +1 @@\n")...)
	for i := 0; i < maxPatchLines+1; i++ {
		b = append(b, []byte("+line\n")...)
	}
	_, _, err := validatePatch(string(b))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write_file")
}

func TestParseUnifiedDiffSkipsDevNull(t *testing.T) {
	diff := "--- /dev/null\n+++ b/new.go\n@@ -0,0 +1 @@\n+package new\n"
	files, changed := parseUnifiedDiff(diff)
	assert.Equal(t, []string{"new.go"}, files)
	assert.Equal(t, 1, changed)
}
