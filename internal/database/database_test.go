package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariel-x/duocall/internal/roomstore"
)

func newTestRepository(t *testing.T) *DocumentRepository {
	t.Helper()
	db, err := Initialize("sqlite", ":memory:")
	require.NoError(t, err)
	return NewDocumentRepository(db)
}

func TestSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	base := time.Unix(1_700_000_000, 0).UTC()

	first := roomstore.Document{
		Path:       "rooms/R1/users/Alice",
		Data:       json.RawMessage(`{"userName":"Alice"}`),
		CreateTime: base,
		UpdateTime: base,
	}
	second := roomstore.Document{
		Path:       "rooms/R1/users/Bob",
		Data:       json.RawMessage(`{"userName":"Bob"}`),
		CreateTime: base.Add(time.Second),
		UpdateTime: base.Add(time.Second),
	}
	require.NoError(t, repo.SaveDocument(ctx, second))
	require.NoError(t, repo.SaveDocument(ctx, first))

	first.Data = json.RawMessage(`{"userName":"Alice","sessionId":"s1"}`)
	first.UpdateTime = base.Add(2 * time.Second)
	require.NoError(t, repo.SaveDocument(ctx, first))

	docs, err := repo.LoadDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Alice", docs[0].ID)
	assert.JSONEq(t, `{"userName":"Alice","sessionId":"s1"}`, string(docs[0].Data))
	assert.True(t, docs[0].UpdateTime.Equal(base.Add(2*time.Second)))
	assert.Equal(t, "Bob", docs[1].ID)

	require.NoError(t, repo.DeleteDocument(ctx, "rooms/R1/users/Bob"))
	require.NoError(t, repo.DeleteDocument(ctx, "rooms/R1/users/Bob"))

	docs, err = repo.LoadDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestMemStoreSurvivesRestartThroughRepository(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	store := roomstore.NewMemStore(roomstore.WithPersister(repo))
	_, err := store.Add(ctx, "rooms/R1/messages", map[string]any{"text": "hello"})
	require.NoError(t, err)
	_, err = store.Add(ctx, "rooms/R1/messages", map[string]any{"text": "again"})
	require.NoError(t, err)

	restored := roomstore.NewMemStore(roomstore.WithPersister(repo))
	require.NoError(t, restored.Load(ctx))

	docs, version, err := restored.List(ctx, "rooms/R1/messages")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, uint64(2), version)

	var msg struct {
		Text string `json:"text"`
	}
	require.NoError(t, docs[0].Decode(&msg))
	assert.Equal(t, "hello", msg.Text)
}

func TestInitializeRejectsUnknownDriver(t *testing.T) {
	_, err := Initialize("mysql", "dsn")
	assert.Error(t, err)
}
