package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/kiwi/internal/task"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleConversation() []task.Message {
	return []task.Message{
		{
			Role: task.RoleUser,
			Blocks: []task.ContentBlock{
				task.TextBlock{Text: "<task>\nfix the flaky websocket reconnect test\n</task>"},
				task.FileBlock{Path: "ws/client.go", Content: "package ws\n"},
			},
		},
		{
			Role: task.RoleAssistant,
			Blocks: []task.ContentBlock{
				task.TextBlock{Text: "Reading the client first."},
				task.ToolUseBlock{
					ID:    "tu_1",
					Name:  "read_file",
					Input: map[string]any{"path": "ws/client.go"},
				},
			},
		},
		{
			Role: task.RoleUser,
			Blocks: []task.ContentBlock{
				task.ToolResultBlock{
					ToolUseID: "tu_1",
					ToolName:  "read_file",
					Content:   `{"path":"ws/client.go"}`,
				},
			},
		},
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	conv := sampleConversation()
	rec := Record{
		TaskID:       "task-1",
		Seq:          "01J0000000000000000000TEST",
		Title:        TitleFor(conv),
		WorkDir:      "/repo/a",
		Status:       "completed",
		Conversation: conv,
	}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, rec.TaskID, got.TaskID)
	assert.Equal(t, "fix the flaky websocket reconnect test", got.Title)
	assert.Equal(t, "completed", got.Status)
	require.Len(t, got.Conversation, 3)

	// Block kinds survive the codec.
	first := got.Conversation[0]
	assert.Equal(t, task.RoleUser, first.Role)
	require.Len(t, first.Blocks, 2)
	assert.IsType(t, task.TextBlock{}, first.Blocks[0])
	assert.IsType(t, task.FileBlock{}, first.Blocks[1])

	use, ok := got.Conversation[1].Blocks[1].(task.ToolUseBlock)
	require.True(t, ok)
	assert.Equal(t, "read_file", use.Name)
	assert.Equal(t, "ws/client.go", use.Input["path"])

	result, ok := got.Conversation[2].Blocks[0].(task.ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "tu_1", result.ToolUseID)
	assert.False(t, result.IsError)
}

func TestSaveUpserts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := Record{
		TaskID:       "task-1",
		Title:        "first",
		Status:       "running",
		Conversation: sampleConversation(),
		CreatedAt:    time.Unix(1000, 0),
		UpdatedAt:    time.Unix(1000, 0),
	}
	require.NoError(t, s.Save(ctx, rec))

	rec.Status = "completed"
	rec.UpdatedAt = time.Unix(2000, 0)
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, int64(1000), got.CreatedAt.Unix(), "created timestamp survives updates")
	assert.Equal(t, int64(2000), got.UpdatedAt.Unix())

	list, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1, "upsert must not duplicate rows")
}

func TestLoadMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirstAndFiltered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, rec := range []Record{
		{TaskID: "old", WorkDir: "/repo/a", Title: "old", Status: "completed"},
		{TaskID: "new", WorkDir: "/repo/a", Title: "new", Status: "completed"},
		{TaskID: "other", WorkDir: "/repo/b", Title: "other", Status: "failed"},
	} {
		rec.UpdatedAt = time.Unix(int64(1000+i), 0)
		rec.Conversation = sampleConversation()
		require.NoError(t, s.Save(ctx, rec))
	}

	list, err := s.List(ctx, "/repo/a", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].TaskID)
	assert.Equal(t, "old", list[1].TaskID)
	assert.Nil(t, list[0].Conversation, "listing does not load conversations")

	list, err = s.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, list, 2, "limit applies")
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Record{TaskID: "task-1", Conversation: sampleConversation()}))
	require.NoError(t, s.Delete(ctx, "task-1"))
	_, err := s.Load(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "task-1"), "deleting an absent task is not an error")
}

func TestTitleFor(t *testing.T) {
	assert.Equal(t, "(untitled task)", TitleFor(nil))

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	title := TitleFor([]task.Message{{
		Role:   task.RoleUser,
		Blocks: []task.ContentBlock{task.TextBlock{Text: string(long)}},
	}})
	assert.Len(t, title, 80)
	assert.Contains(t, title, "...")
}

func TestSearchIndex(t *testing.T) {
	idx, err := OpenSearch(filepath.Join(t.TempDir(), "history.bleve"))
	require.NoError(t, err)
	defer idx.Close()

	conv := sampleConversation()
	require.NoError(t, idx.Index(Record{
		TaskID:       "task-ws",
		WorkDir:      "/repo/a",
		Title:        TitleFor(conv),
		Conversation: conv,
	}))
	require.NoError(t, idx.Index(Record{
		TaskID:  "task-db",
		WorkDir: "/repo/b",
		Title:   "add sqlite migration for user table",
	}))

	hits, err := idx.Search("websocket", "", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "task-ws", hits[0].TaskID)
	assert.Equal(t, "/repo/a", hits[0].WorkDir)

	// Conversation text is searchable, not just titles.
	hits, err = idx.Search("client.go", "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "task-ws", hits[0].TaskID)

	// The work_dir filter excludes other repositories.
	hits, err = idx.Search("sqlite", "/repo/a", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, idx.Remove("task-ws"))
	hits, err = idx.Search("websocket", "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
