package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariel-x/duocall/internal/models"
	"github.com/tariel-x/duocall/internal/roomstore"
)

func TestSendAndReplayHistory(t *testing.T) {
	ctx := context.Background()
	relay := New(roomstore.NewMemStore())

	require.NoError(t, relay.Announce(ctx, "R1", "Alice Joined"))
	require.NoError(t, relay.Send(ctx, "R1", "s-a", "Alice", "hi"))
	assert.ErrorIs(t, relay.Send(ctx, "R1", "s-a", "Alice", "   "), ErrEmptyMessage)

	feed, err := relay.Subscribe(ctx, "R1")
	require.NoError(t, err)
	defer feed.Cancel()

	msgs := <-feed.C()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsSystem())
	assert.Equal(t, "Alice Joined", msgs[0].Text)
	assert.Equal(t, "hi", msgs[1].Text)
	assert.Equal(t, "Alice", msgs[1].SenderName)

	require.NoError(t, relay.Send(ctx, "R1", "s-b", "Bob", "hello"))
	select {
	case msgs = <-feed.C():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[2].Text)
}

func TestOrderingAcrossSenders(t *testing.T) {
	ctx := context.Background()
	store := roomstore.NewMemStore(roomstore.WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	relay := New(store)

	var wg sync.WaitGroup
	for _, sender := range []string{"Alice", "Bob"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				assert.NoError(t, relay.Send(ctx, "R1", "s-"+sender, sender, fmt.Sprintf("%s-%02d", sender, i)))
			}
		}(sender)
	}
	wg.Wait()

	docs, _, err := store.List(ctx, models.MessagesCollection("R1"))
	require.NoError(t, err)
	msgs := MessagesFromDocs(docs)
	require.Len(t, msgs, 40)

	next := map[string]int{}
	for i, msg := range msgs {
		if i > 0 {
			assert.False(t, msg.Timestamp.Before(msgs[i-1].Timestamp))
		}
		assert.Equal(t, fmt.Sprintf("%s-%02d", msg.SenderName, next[msg.SenderName]), msg.Text)
		next[msg.SenderName]++
	}
}
