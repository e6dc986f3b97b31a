package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariel-x/duocall/internal/config"
	"github.com/tariel-x/duocall/internal/handlers"
	"github.com/tariel-x/duocall/internal/identity"
	"github.com/tariel-x/duocall/internal/models"
	"github.com/tariel-x/duocall/internal/presence"
	"github.com/tariel-x/duocall/internal/roomstore"
)

func startServer(t *testing.T) (*httptest.Server, *handlers.WSHub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := roomstore.NewMemStore()
	cfg := &config.Config{StaleAfter: 45 * time.Second, HeartbeatInterval: 15 * time.Second}
	hub := handlers.NewWSHub()
	h := handlers.New(cfg, store, identity.NewIssuer("secret", time.Hour), nil, hub, websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	})
	router := gin.New()
	h.RegisterRoutes(router.Group("/api"))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, hub
}

func connect(t *testing.T, srv *httptest.Server) (*Client, identity.Identity) {
	t.Helper()
	provider := identity.NewProvider(srv.URL, t.TempDir()+"/session.json")
	id, err := provider.EnsureSessionIdentity(context.Background())
	require.NoError(t, err)

	c, err := Dial(context.Background(), srv.URL, id.Token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, id
}

func TestWebsocketURL(t *testing.T) {
	u, err := WebsocketURL("https://example.org/base/", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.org/base/api/ws?token=abc", u)

	_, err = WebsocketURL("ftp://example.org", "abc")
	assert.Error(t, err)
}

func TestDialRejectsBadToken(t *testing.T) {
	srv, _ := startServer(t)
	_, err := Dial(context.Background(), srv.URL, "nope")
	assert.Error(t, err)
}

func TestDocumentOperations(t *testing.T) {
	srv, _ := startServer(t)
	c, _ := connect(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "rooms/R1", models.Room{Code: "R1"}))
	doc, err := c.Get(ctx, "rooms/R1")
	require.NoError(t, err)
	var room models.Room
	require.NoError(t, doc.Decode(&room))
	assert.Equal(t, "R1", room.Code)

	_, err = c.Get(ctx, "rooms/missing")
	assert.ErrorIs(t, err, roomstore.ErrNotFound)

	require.NoError(t, c.Update(ctx, "rooms/R1", map[string]any{"extra": 1}))
	assert.ErrorIs(t, c.Update(ctx, "rooms/missing", map[string]any{"x": 1}), roomstore.ErrNotFound)

	id, err := c.Add(ctx, "rooms/R1/messages", models.ChatMessage{Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	docs, version, err := c.List(ctx, "rooms/R1/messages")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0].ID)

	err = c.Commit(ctx, roomstore.Batch{Guards: []roomstore.Guard{{Collection: "rooms/R1/messages", Version: version + 1}}})
	assert.ErrorIs(t, err, roomstore.ErrConflict)

	require.NoError(t, c.Delete(ctx, "rooms/R1"))
	require.NoError(t, c.Delete(ctx, "rooms/R1"))
}

func TestSubscriptionAcrossClients(t *testing.T) {
	srv, _ := startServer(t)
	a, _ := connect(t, srv)
	b, _ := connect(t, srv)
	ctx := context.Background()

	sub, err := a.Subscribe(ctx, roomstore.CollectionQuery("rooms/R1/users"))
	require.NoError(t, err)
	defer sub.Cancel()

	first := <-sub.Events()
	assert.Empty(t, first.Docs)

	require.NoError(t, b.Set(ctx, "rooms/R1/users/Bob", models.Member{UserName: "Bob", SessionID: "s-bob"}))

	select {
	case snap := <-sub.Events():
		require.Len(t, snap.Changes, 1)
		assert.Equal(t, roomstore.ChangeAdded, snap.Changes[0].Kind)
		assert.Equal(t, "Bob", snap.Changes[0].Doc.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
	}
}

func TestPresenceOverRemoteStore(t *testing.T) {
	srv, _ := startServer(t)
	a, ida := connect(t, srv)
	b, idb := connect(t, srv)
	c, idc := connect(t, srv)
	ctx := context.Background()

	require.NoError(t, presence.New(a, ida.SessionID).Join(ctx, "R1", "Alice"))
	require.NoError(t, presence.New(b, idb.SessionID).Join(ctx, "R1", "Bob"))
	assert.ErrorIs(t, presence.New(c, idc.SessionID).Join(ctx, "R1", "Carol"), presence.ErrRoomFull)
}

func TestServerGoneClosesSubscriptions(t *testing.T) {
	srv, hub := startServer(t)
	c, _ := connect(t, srv)

	sub, err := c.Subscribe(context.Background(), roomstore.DocumentQuery("rooms/R1"))
	require.NoError(t, err)
	<-sub.Events()

	hub.CloseAll()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the closed connection")
	}
	for range sub.Events() {
	}
	_, err = c.Get(context.Background(), "rooms/R1")
	assert.ErrorIs(t, err, roomstore.ErrClosed)
}
