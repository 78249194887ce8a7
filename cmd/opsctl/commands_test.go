package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runOpsctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("MEILI_URL", "")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRenormalizeOnEmptyLane(t *testing.T) {
	out, err := runOpsctl(t, "renormalize", "--partition", "growth", "--lane", "todo")
	require.NoError(t, err)
	assert.Contains(t, out, "renormalized 0 item(s) in lane todo")
}

func TestRenormalizeRejectsUnknownKind(t *testing.T) {
	_, err := runOpsctl(t, "renormalize", "--kind", "widget", "--partition", "growth", "--lane", "todo")
	assert.Error(t, err)
}

func TestRenormalizeRequiresLane(t *testing.T) {
	_, err := runOpsctl(t, "renormalize", "--partition", "growth")
	assert.Error(t, err)
}

func TestMigrateNeedsPostgres(t *testing.T) {
	_, err := runOpsctl(t, "migrate", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")

	_, err = runOpsctl(t, "migrate", "down", "--steps", "0")
	assert.Error(t, err)
}

func TestReindexNeedsMeilisearch(t *testing.T) {
	_, err := runOpsctl(t, "reindex")
	assert.Error(t, err)
}

func TestImportWithoutModelKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("call the venue"), 0o600))

	_, err := runOpsctl(t, "import", "--partition", "growth", "--lane", "todo", "--file", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}
