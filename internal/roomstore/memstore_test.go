package roomstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(base time.Time) func() time.Time {
	return func() time.Time { return base }
}

func nextSnapshot(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

type note struct {
	Text  string `json:"text"`
	Color string `json:"color,omitempty"`
}

func TestSetGetUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(WithClock(fixedClock(time.Unix(1_700_000_000, 0))))

	require.NoError(t, store.Set(ctx, "rooms/R1", map[string]any{"code": "R1"}))
	require.NoError(t, store.Set(ctx, "rooms/R1/notes/a", note{Text: "hi"}))

	doc, err := store.Get(ctx, "rooms/R1/notes/a")
	require.NoError(t, err)
	assert.Equal(t, "a", doc.ID)

	require.NoError(t, store.Update(ctx, "rooms/R1/notes/a", map[string]any{"color": "red"}))

	updated, err := store.Get(ctx, "rooms/R1/notes/a")
	require.NoError(t, err)
	var n note
	require.NoError(t, updated.Decode(&n))
	assert.Equal(t, note{Text: "hi", Color: "red"}, n)
	assert.True(t, updated.CreateTime.Equal(doc.CreateTime))
	assert.True(t, updated.UpdateTime.After(doc.UpdateTime))
}

func TestUpdateMissingDocument(t *testing.T) {
	store := NewMemStore()
	err := store.Update(context.Background(), "rooms/R1/notes/none", map[string]any{"x": 1})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.Set(ctx, "rooms/R1/notes/a", note{Text: "x"}))
	require.NoError(t, store.Delete(ctx, "rooms/R1/notes/a"))
	require.NoError(t, store.Delete(ctx, "rooms/R1/notes/a"))

	_, err := store.Get(ctx, "rooms/R1/notes/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidPaths(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	assert.ErrorIs(t, store.Set(ctx, "rooms", note{}), ErrInvalidPath)
	assert.ErrorIs(t, store.Set(ctx, "rooms//users/a", note{}), ErrInvalidPath)
	_, _, err := store.List(ctx, "rooms/R1")
	assert.ErrorIs(t, err, ErrInvalidPath)
	assert.ErrorIs(t, store.Set(ctx, "rooms/R1", "text"), ErrInvalidData)
}

func TestAddOrdersByCreateTimeWithFrozenClock(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(WithClock(fixedClock(time.Unix(1_700_000_000, 0))))

	for _, text := range []string{"one", "two", "three"} {
		_, err := store.Add(ctx, "rooms/R1/messages", note{Text: text})
		require.NoError(t, err)
	}

	docs, version, err := store.List(ctx, "rooms/R1/messages")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, uint64(3), version)

	var texts []string
	for i, doc := range docs {
		var n note
		require.NoError(t, doc.Decode(&n))
		texts = append(texts, n.Text)
		if i > 0 {
			assert.True(t, doc.CreateTime.After(docs[i-1].CreateTime))
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, texts)
}

func TestCommitGuardRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	_, version, err := store.List(ctx, "rooms/R1/users")
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "rooms/R1/users/Bob", note{Text: "bob"}))

	w, err := SetWrite("rooms/R1/users/Alice", note{Text: "alice"})
	require.NoError(t, err)
	err = store.Commit(ctx, Batch{
		Guards: []Guard{{Collection: "rooms/R1/users", Version: version}},
		Writes: []Write{w},
	})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.Get(ctx, "rooms/R1/users/Alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, version, err = store.List(ctx, "rooms/R1/users")
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, Batch{
		Guards: []Guard{{Collection: "rooms/R1/users", Version: version}},
		Writes: []Write{w, DeleteWrite("rooms/R1/users/Bob")},
	}))

	docs, _, err := store.List(ctx, "rooms/R1/users")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Alice", docs[0].ID)
}

func TestCollectionSubscription(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.Set(ctx, "rooms/R1/users/Alice", note{Text: "a"}))

	sub, err := store.Subscribe(ctx, CollectionQuery("rooms/R1/users"))
	require.NoError(t, err)
	defer sub.Cancel()

	first := nextSnapshot(t, sub)
	require.Len(t, first.Docs, 1)
	require.Len(t, first.Changes, 1)
	assert.Equal(t, ChangeAdded, first.Changes[0].Kind)

	require.NoError(t, store.Set(ctx, "rooms/R1/users/Bob", note{Text: "b"}))
	require.NoError(t, store.Set(ctx, "rooms/R1/users/Alice", note{Text: "a2"}))
	require.NoError(t, store.Delete(ctx, "rooms/R1/users/Bob"))
	require.NoError(t, store.Set(ctx, "rooms/R2/users/Carol", note{Text: "c"}))

	added := nextSnapshot(t, sub)
	assert.Len(t, added.Docs, 2)
	assert.Len(t, added.Added(), 1)

	modified := nextSnapshot(t, sub)
	require.Len(t, modified.Changes, 1)
	assert.Equal(t, ChangeModified, modified.Changes[0].Kind)

	removed := nextSnapshot(t, sub)
	require.Len(t, removed.Changes, 1)
	assert.Equal(t, ChangeRemoved, removed.Changes[0].Kind)
	assert.Equal(t, "Bob", removed.Changes[0].Doc.ID)
	assert.Len(t, removed.Docs, 1)

	select {
	case snap := <-sub.Events():
		t.Fatalf("unexpected snapshot for another room: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDocumentSubscriptionSeesAbsence(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	sub, err := store.Subscribe(ctx, DocumentQuery("rooms/R1/callState/currentCall"))
	require.NoError(t, err)
	defer sub.Cancel()

	assert.False(t, nextSnapshot(t, sub).Exists())

	require.NoError(t, store.Set(ctx, "rooms/R1/callState/currentCall", map[string]any{"status": "pending"}))
	assert.True(t, nextSnapshot(t, sub).Exists())

	require.NoError(t, store.Delete(ctx, "rooms/R1/callState/currentCall"))
	assert.False(t, nextSnapshot(t, sub).Exists())
}

func TestSubscriptionCancelClosesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemStore()

	sub, err := store.Subscribe(ctx, CollectionQuery("rooms/R1/users"))
	require.NoError(t, err)
	nextSnapshot(t, sub)

	cancel()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after context cancel")
	}

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.subs) == 0
	}, time.Second, 10*time.Millisecond)
}

type recordingPersister struct {
	saved   map[string]Document
	deleted []string
}

func (p *recordingPersister) SaveDocument(_ context.Context, doc Document) error {
	p.saved[doc.Path] = doc
	return nil
}

func (p *recordingPersister) DeleteDocument(_ context.Context, path string) error {
	delete(p.saved, path)
	p.deleted = append(p.deleted, path)
	return nil
}

func (p *recordingPersister) LoadDocuments(_ context.Context) ([]Document, error) {
	docs := make([]Document, 0, len(p.saved))
	for _, doc := range p.saved {
		docs = append(docs, doc)
	}
	return docs, nil
}

func TestPersisterWriteThroughAndLoad(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{saved: map[string]Document{}}
	store := NewMemStore(WithPersister(p))

	require.NoError(t, store.Set(ctx, "rooms/R1", map[string]any{"code": "R1"}))
	require.NoError(t, store.Set(ctx, "rooms/R1/users/Alice", note{Text: "a"}))
	require.NoError(t, store.Delete(ctx, "rooms/R1/users/Alice"))
	assert.Equal(t, []string{"rooms/R1/users/Alice"}, p.deleted)

	restored := NewMemStore(WithPersister(p))
	require.NoError(t, restored.Load(ctx))

	doc, err := restored.Get(ctx, "rooms/R1")
	require.NoError(t, err)
	assert.Equal(t, "R1", doc.ID)
}
