package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariel-x/duocall/internal/call"
	"github.com/tariel-x/duocall/internal/chat"
	"github.com/tariel-x/duocall/internal/identity"
	"github.com/tariel-x/duocall/internal/models"
	"github.com/tariel-x/duocall/internal/presence"
	"github.com/tariel-x/duocall/internal/roomstore"
)

type staticIdentity struct {
	id identity.Identity
}

func (s staticIdentity) EnsureSessionIdentity(context.Context) (identity.Identity, error) {
	return s.id, nil
}

type failingIdentity struct{}

func (failingIdentity) EnsureSessionIdentity(context.Context) (identity.Identity, error) {
	return identity.Identity{}, errors.New("server unreachable")
}

type stubMedia struct{}

func (stubMedia) SetAudioEnabled(bool) {}
func (stubMedia) SetVideoEnabled(bool) {}
func (stubMedia) Stop()                {}

type stubTransport struct {
	sdp    string
	events call.TransportEvents
	closed bool
}

func (t *stubTransport) AddLocalMedia(call.MediaHandle) error { return nil }
func (t *stubTransport) CreateOffer(context.Context) (models.SessionDescription, error) {
	return models.SessionDescription{Type: "offer", SDP: t.sdp}, nil
}
func (t *stubTransport) CreateAnswer(context.Context) (models.SessionDescription, error) {
	return models.SessionDescription{Type: "answer", SDP: t.sdp}, nil
}
func (t *stubTransport) SetLocalDescription(models.SessionDescription) error  { return nil }
func (t *stubTransport) SetRemoteDescription(models.SessionDescription) error { return nil }
func (t *stubTransport) AddRemoteCandidate(models.ICECandidate) error         { return nil }
func (t *stubTransport) Close() error {
	t.closed = true
	return nil
}

type stubEngine struct {
	name string

	mu         sync.Mutex
	transports []*stubTransport
}

func (e *stubEngine) AcquireLocalMedia(context.Context, bool, bool) (call.MediaHandle, error) {
	return stubMedia{}, nil
}

func (e *stubEngine) CreateTransport(_ call.ICEConfig, events call.TransportEvents) (call.Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := &stubTransport{sdp: fmt.Sprintf("sdp-%s-%d", e.name, len(e.transports)+1), events: events}
	e.transports = append(e.transports, t)
	return t, nil
}

// connect reports the latest transport as connected.
func (e *stubEngine) connect(t *testing.T, state call.ConnectionState) {
	t.Helper()
	e.mu.Lock()
	require.NotEmpty(t, e.transports)
	tr := e.transports[len(e.transports)-1]
	e.mu.Unlock()
	tr.events.OnConnectionStateChange(state)
}

// gatherCandidate reports a local candidate from the latest transport.
func (e *stubEngine) gatherCandidate(t *testing.T, candidate string) {
	t.Helper()
	e.mu.Lock()
	require.NotEmpty(t, e.transports)
	tr := e.transports[len(e.transports)-1]
	e.mu.Unlock()
	tr.events.OnLocalCandidate(models.ICECandidate{Candidate: candidate})
}

func candidateCount(t *testing.T, store roomstore.Store, owner string) int {
	t.Helper()
	docs, _, err := store.List(context.Background(), models.CandidatesCollection("R1", owner))
	require.NoError(t, err)
	return len(docs)
}

type client struct {
	*Coordinator
	engine *stubEngine
}

func newClient(t *testing.T, store roomstore.Store, sessionID string) *client {
	t.Helper()
	engine := &stubEngine{name: sessionID}
	c := New(Options{
		Identity:        staticIdentity{id: identity.Identity{SessionID: sessionID, Token: "t-" + sessionID}},
		Store:           store,
		Engine:          engine,
		ICE:             call.DefaultICEConfig(),
		RefreshInterval: 50 * time.Millisecond,
		TickInterval:    20 * time.Millisecond,
	})
	t.Cleanup(c.Close)
	return &client{Coordinator: c, engine: engine}
}

func waitView(t *testing.T, c *client, cond func(View) bool) View {
	t.Helper()
	require.Eventually(t, func() bool { return cond(c.View()) }, 3*time.Second, 10*time.Millisecond)
	return c.View()
}

func waitNotice(t *testing.T, c *client, text string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-c.Notices():
			if n.Text == text {
				return
			}
		case <-deadline:
			t.Fatalf("notice %q not received", text)
		}
	}
}

func hasMessage(v View, text string) bool {
	for _, m := range v.Messages {
		if m.Text == text {
			return true
		}
	}
	return false
}

func pair(t *testing.T) (*client, *client, *roomstore.MemStore) {
	t.Helper()
	store := roomstore.NewMemStore()
	alice := newClient(t, store, "s-alice")
	bob := newClient(t, store, "s-bob")
	ctx := context.Background()

	require.NoError(t, alice.Join(ctx, "R1", "Alice"))
	require.NoError(t, bob.Join(ctx, "R1", "Bob"))
	waitView(t, alice, func(v View) bool { return len(v.Members) == 2 })
	waitView(t, bob, func(v View) bool { return len(v.Members) == 2 })
	return alice, bob, store
}

func TestJoinPopulatesView(t *testing.T) {
	alice, bob, _ := pair(t)

	v := waitView(t, alice, func(v View) bool { return hasMessage(v, "Bob Joined") })
	assert.Equal(t, "R1", v.Room)
	assert.Equal(t, "Alice", v.Name)
	assert.Equal(t, "s-alice", v.SessionID)
	assert.Equal(t, call.PhaseIdle, v.Phase)
	assert.Equal(t, "00:00", v.Elapsed)
	require.Len(t, v.Members, 2)
	assert.Equal(t, "Alice", v.Members[0].UserName)
	assert.Equal(t, "Bob", v.Members[1].UserName)

	bv := waitView(t, bob, func(v View) bool { return hasMessage(v, "Alice Joined") })
	assert.True(t, bv.Messages[0].IsSystem())
}

func TestJoinRejectsThirdOccupant(t *testing.T) {
	_, _, store := pair(t)
	carol := newClient(t, store, "s-carol")

	err := carol.Join(context.Background(), "R1", "Carol")
	assert.ErrorIs(t, err, presence.ErrRoomFull)
	waitNotice(t, carol, "This room is full. Please try another room code.")
	assert.False(t, carol.View().Joined())
}

func TestJoinRejectsTakenName(t *testing.T) {
	store := roomstore.NewMemStore()
	alice := newClient(t, store, "s-alice")
	other := newClient(t, store, "s-other")
	ctx := context.Background()

	require.NoError(t, alice.Join(ctx, "R1", "Alice"))
	assert.ErrorIs(t, other.Join(ctx, "R1", "Alice"), presence.ErrNameTaken)
	waitNotice(t, other, "The username 'Alice' is already taken.")
}

func TestJoinWithoutIdentity(t *testing.T) {
	c := New(Options{Identity: failingIdentity{}, Store: roomstore.NewMemStore(), Engine: &stubEngine{}})
	t.Cleanup(c.Close)

	assert.ErrorIs(t, c.Join(context.Background(), "R1", "Alice"), ErrNotReady)
}

func TestActionsRequireOpenRoom(t *testing.T) {
	c := newClient(t, roomstore.NewMemStore(), "s-alice")
	ctx := context.Background()

	assert.ErrorIs(t, c.StartCall(ctx), ErrNotReady)
	assert.ErrorIs(t, c.SendMessage(ctx, "hi"), ErrNotReady)
	assert.ErrorIs(t, c.Leave(ctx), ErrNotReady)
	_, err := c.ToggleAudio(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
	waitNotice(t, c, "Not connected to a room.")
}

func TestStartCallAlone(t *testing.T) {
	c := newClient(t, roomstore.NewMemStore(), "s-alice")
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, "R1", "Alice"))

	assert.ErrorIs(t, c.StartCall(ctx), call.ErrNoPartner)
	waitNotice(t, c, "No other user in the room to call.")
}

func TestChatReachesBothParticipants(t *testing.T) {
	alice, bob, _ := pair(t)

	require.NoError(t, alice.SendMessage(context.Background(), "hello bob"))

	v := waitView(t, bob, func(v View) bool { return hasMessage(v, "hello bob") })
	last := v.Messages[len(v.Messages)-1]
	assert.Equal(t, "s-alice", last.SenderID)
	assert.Equal(t, "Alice", last.SenderName)

	assert.ErrorIs(t, alice.SendMessage(context.Background(), "   "), chat.ErrEmptyMessage)
}

func TestCallLifecycle(t *testing.T) {
	alice, bob, store := pair(t)
	ctx := context.Background()

	require.NoError(t, alice.StartCall(ctx))
	waitNotice(t, alice, "Calling other user...")
	assert.Equal(t, call.PhaseDialing, alice.View().Phase)
	assert.ErrorIs(t, alice.StartCall(ctx), call.ErrAlreadyInCall)

	bv := waitView(t, bob, func(v View) bool { return v.Phase == call.PhaseRinging })
	assert.Equal(t, "Alice", bv.PartnerName)
	waitNotice(t, bob, "Incoming call from Alice.")

	require.NoError(t, bob.Accept(ctx))
	assert.Equal(t, call.PhaseConnecting, bob.View().Phase)
	waitView(t, alice, func(v View) bool { return v.Phase == call.PhaseConnecting })

	alice.engine.connect(t, call.ConnectionConnected)
	bob.engine.connect(t, call.ConnectionConnected)
	waitView(t, alice, func(v View) bool { return v.Phase == call.PhaseActive && v.Elapsed != "00:00" })
	waitView(t, bob, func(v View) bool { return v.Phase == call.PhaseActive })

	alice.engine.gatherCandidate(t, "candidate:alice")
	bob.engine.gatherCandidate(t, "candidate:bob")
	require.Eventually(t, func() bool {
		return candidateCount(t, store, "s-alice") == 1 && candidateCount(t, store, "s-bob") == 1
	}, 3*time.Second, 10*time.Millisecond)

	muted, err := bob.ToggleAudio(ctx)
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, bob.View().AudioMuted)

	require.NoError(t, bob.Hangup(ctx))
	v := bob.View()
	assert.Equal(t, call.PhaseIdle, v.Phase)
	assert.False(t, v.AudioMuted)
	assert.Equal(t, "00:00", v.Elapsed)

	waitView(t, alice, func(v View) bool { return v.Phase == call.PhaseIdle })
	waitNotice(t, alice, "Call ended by the other user.")

	_, err = store.Get(ctx, models.CallPath("R1"))
	assert.ErrorIs(t, err, roomstore.ErrNotFound)
	assert.Zero(t, candidateCount(t, store, "s-alice"))
	assert.Zero(t, candidateCount(t, store, "s-bob"))
}

func TestRejectedCallNotifiesCaller(t *testing.T) {
	alice, bob, store := pair(t)
	ctx := context.Background()

	require.NoError(t, alice.StartCall(ctx))
	waitView(t, bob, func(v View) bool { return v.Phase == call.PhaseRinging })
	require.NoError(t, bob.Reject(ctx))
	assert.Equal(t, call.PhaseIdle, bob.View().Phase)

	waitNotice(t, alice, "Call rejected by the other user.")
	waitView(t, alice, func(v View) bool { return v.Phase == call.PhaseIdle })

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, models.CallPath("R1"))
		return errors.Is(err, roomstore.ErrNotFound)
	}, 3*time.Second, 10*time.Millisecond)

	// Bob must not ring again for the rejected offer.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, call.PhaseIdle, bob.View().Phase)
}

func TestTransportFailureEndsCall(t *testing.T) {
	alice, bob, _ := pair(t)
	ctx := context.Background()

	require.NoError(t, alice.StartCall(ctx))
	waitView(t, bob, func(v View) bool { return v.Phase == call.PhaseRinging })
	require.NoError(t, bob.Accept(ctx))
	waitView(t, alice, func(v View) bool { return v.Phase == call.PhaseConnecting })

	alice.engine.connect(t, call.ConnectionFailed)
	waitNotice(t, alice, "Video call disconnected.")
	waitView(t, alice, func(v View) bool { return v.Phase == call.PhaseIdle })
	waitView(t, bob, func(v View) bool { return v.Phase == call.PhaseIdle })
}

func TestSimultaneousCallsSettleOnOneCall(t *testing.T) {
	alice, bob, _ := pair(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = alice.StartCall(ctx) }()
	go func() { defer wg.Done(); _ = bob.StartCall(ctx) }()
	wg.Wait()

	// Exactly one side ends up ringing for the other's offer.
	var caller, callee *client
	require.Eventually(t, func() bool {
		a, b := alice.View().Phase, bob.View().Phase
		switch {
		case a == call.PhaseDialing && b == call.PhaseRinging:
			caller, callee = alice, bob
		case b == call.PhaseDialing && a == call.PhaseRinging:
			caller, callee = bob, alice
		default:
			return false
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, callee.Accept(ctx))
	waitView(t, caller, func(v View) bool { return v.Phase == call.PhaseConnecting })
}

func TestLeaveAnnouncesAndFreesSeat(t *testing.T) {
	alice, bob, store := pair(t)
	ctx := context.Background()

	require.NoError(t, alice.Leave(ctx))
	assert.False(t, alice.View().Joined())

	v := waitView(t, bob, func(v View) bool { return len(v.Members) == 1 && hasMessage(v, "Alice Left") })
	assert.Equal(t, "Bob", v.Members[0].UserName)

	carol := newClient(t, store, "s-carol")
	require.NoError(t, carol.Join(ctx, "R1", "Carol"))
}

func TestNoticeTexts(t *testing.T) {
	assert.Equal(t, "Call ended by the other user.", noticeText(fmt.Errorf("wrapped: %w", call.ErrRemoteVanished), ""))
	assert.True(t, strings.HasPrefix(noticeText(errors.New("boom"), ""), "boom"))
}
