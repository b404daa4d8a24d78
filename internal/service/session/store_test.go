package session_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/session"
)

func TestStoreEnsureSystemMessageOnce(t *testing.T) {
	store := session.NewStore(nil)

	require.True(t, store.EnsureSystemMessage("u1", "first persona"))
	require.False(t, store.EnsureSystemMessage("u1", "second persona"))

	messages, ok := store.Get("u1")
	require.True(t, ok)
	assert.Equal(t, []chat.Message{chat.SystemMessage("first persona")}, messages)
}

func TestStoreClear(t *testing.T) {
	store := session.NewStore(nil)
	store.EnsureSystemMessage("a", "P")
	store.Append("a", chat.UserMessage("hello"))
	store.Append("a", chat.AssistantMessage("hi"))
	store.EnsureSystemMessage("b", "P")

	assert.Equal(t, 0, store.Clear("missing"))
	assert.Equal(t, 2, store.Len())

	assert.Equal(t, 3, store.Clear("a"))
	_, ok := store.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, store.Len())

	store.EnsureSystemMessage("c", "P")
	assert.Equal(t, 2, store.ClearAll())
	assert.Equal(t, 0, store.Len())
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store := session.NewStore(nil)
	store.EnsureSystemMessage("a", "P")

	messages, _ := store.Get("a")
	messages[0].Content = "mutated"

	again, _ := store.Get("a")
	assert.Equal(t, "P", again[0].Content)
}

func TestStoreWithoutPersister(t *testing.T) {
	store := session.NewStore(nil)
	assert.ErrorIs(t, store.Load(context.Background()), session.ErrNoPersister)
	assert.ErrorIs(t, store.SaveAll(context.Background()), session.ErrNoPersister)
}

func TestJSONFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "zhipu_toolkit", session.DefaultDocumentName)

	store := session.NewStore(session.NewJSONFile(path))
	require.NoError(t, store.Load(ctx))
	assert.Equal(t, 0, store.Len())

	store.EnsureSystemMessage("g-100", "你是真寻")
	store.Append("g-100", chat.UserMessage("<b>你好</b>"))
	require.NoError(t, store.SaveAll(ctx))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "你是真寻")
	assert.Contains(t, string(raw), "<b>你好</b>")
	assert.Contains(t, string(raw), "\n    \"g-100\": [")

	reloaded := session.NewStore(session.NewJSONFile(path))
	require.NoError(t, reloaded.Load(ctx))
	messages, ok := reloaded.Get("g-100")
	require.True(t, ok)
	assert.Equal(t, []chat.Message{
		chat.SystemMessage("你是真寻"),
		chat.UserMessage("<b>你好</b>"),
	}, messages)
}

func TestJSONFileRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := session.NewJSONFile(path).Load(context.Background())
	assert.Error(t, err)
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := session.OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	doc := session.Document{
		"u1":       {chat.SystemMessage("P"), chat.UserMessage("hello")},
		"mix_mode": {chat.SystemMessage("P")},
	}
	require.NoError(t, db.Save(ctx, doc))
	require.NoError(t, db.Save(ctx, session.Document{"u1": doc["u1"]}))

	got, err := db.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.Document{"u1": doc["u1"]}, got)
}

func TestStoreAppendNeverRevivesClearedSession(t *testing.T) {
	store := session.NewStore(nil)

	assert.False(t, store.Append("gone", chat.AssistantMessage("late")))
	_, ok := store.Get("gone")
	assert.False(t, ok)

	store.EnsureSystemMessage("a", "P")
	assert.True(t, store.Append("a", chat.UserMessage("hello")))
	store.ClearAll()
	assert.False(t, store.Append("a", chat.AssistantMessage("hi")))
	assert.Equal(t, 0, store.Len())
}

func TestStoreStartTurn(t *testing.T) {
	store := session.NewStore(nil)

	history, created := store.StartTurn("a", "P", chat.UserMessage("one"))
	assert.True(t, created)
	assert.Equal(t, []chat.Message{chat.SystemMessage("P"), chat.UserMessage("one")}, history)

	history, created = store.StartTurn("a", "ignored", chat.UserMessage("two"))
	assert.False(t, created)
	assert.Equal(t, []chat.Message{
		chat.SystemMessage("P"),
		chat.UserMessage("one"),
		chat.UserMessage("two"),
	}, history)
}
