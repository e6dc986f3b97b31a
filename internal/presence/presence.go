// Package presence tracks who occupies a room and admits at most two
// occupants.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tariel-x/duocall/internal/models"
	"github.com/tariel-x/duocall/internal/roomstore"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultStaleAfter is three missed heartbeats.
	DefaultStaleAfter = 45 * time.Second

	// Capacity is the number of distinct live occupants a room admits.
	Capacity = 2

	maxJoinAttempts = 5
)

var (
	ErrRoomFull    = errors.New("room is full")
	ErrNameTaken   = errors.New("display name is already taken")
	ErrInvalidName = errors.New("room code and display name must be non-empty and must not contain '/'")
)

// Roster maps display names to membership records.
type Roster map[string]models.Member

// Live drops stale records.
func (r Roster) Live(now time.Time, staleAfter time.Duration) Roster {
	live := make(Roster, len(r))
	for name, m := range r {
		if !m.IsStale(now, staleAfter) {
			live[name] = m
		}
	}
	return live
}

// Others drops the record of the given display name.
func (r Roster) Others(self string) Roster {
	others := make(Roster, len(r))
	for name, m := range r {
		if name != self {
			others[name] = m
		}
	}
	return others
}

type Option func(*Manager)

func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) { m.nowFn = nowFn }
}

func WithTimings(heartbeat, staleAfter time.Duration) Option {
	return func(m *Manager) {
		if heartbeat > 0 {
			m.heartbeatInterval = heartbeat
		}
		if staleAfter > 0 {
			m.staleAfter = staleAfter
		}
	}
}

// Manager acts on behalf of one session.
type Manager struct {
	store     roomstore.Store
	sessionID string

	heartbeatInterval time.Duration
	staleAfter        time.Duration
	nowFn             func() time.Time
	logger            *slog.Logger
}

func New(store roomstore.Store, sessionID string, opts ...Option) *Manager {
	m := &Manager{
		store:             store,
		sessionID:         sessionID,
		heartbeatInterval: DefaultHeartbeatInterval,
		staleAfter:        DefaultStaleAfter,
		nowFn:             time.Now,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) StaleAfter() time.Duration {
	return m.staleAfter
}

func (m *Manager) HeartbeatInterval() time.Duration {
	return m.heartbeatInterval
}

// Join admits the session to the room under displayName. Reading the
// roster, reclaiming stale records and writing the own record commit
// atomically; a concurrent change to the roster restarts the attempt.
func (m *Manager) Join(ctx context.Context, room, displayName string) error {
	if !models.ValidName(room) || !models.ValidName(displayName) {
		return ErrInvalidName
	}

	var roomWrites []roomstore.Write
	if _, err := m.store.Get(ctx, models.RoomPath(room)); errors.Is(err, roomstore.ErrNotFound) {
		w, err := roomstore.SetWrite(models.RoomPath(room), models.Room{Code: room})
		if err != nil {
			return err
		}
		roomWrites = append(roomWrites, w)
	} else if err != nil {
		return fmt.Errorf("read room: %w", err)
	}

	for attempt := 1; attempt <= maxJoinAttempts; attempt++ {
		batch, err := m.admit(ctx, room, displayName)
		if err != nil {
			return err
		}
		batch.Writes = append(append([]roomstore.Write{}, roomWrites...), batch.Writes...)

		err = m.store.Commit(ctx, batch)
		if err == nil {
			m.logger.Debug("presence joined", "room", room, "name", displayName, "attempt", attempt)
			return nil
		}
		if !errors.Is(err, roomstore.ErrConflict) {
			return fmt.Errorf("join room: %w", err)
		}
		m.logger.Debug("presence join conflict, retrying", "room", room, "name", displayName, "attempt", attempt)
	}
	return fmt.Errorf("join room: %w after %d attempts", roomstore.ErrConflict, maxJoinAttempts)
}

// admit decides on one roster read and returns the batch to commit.
func (m *Manager) admit(ctx context.Context, room, displayName string) (roomstore.Batch, error) {
	collection := models.UsersCollection(room)
	docs, version, err := m.store.List(ctx, collection)
	if err != nil {
		return roomstore.Batch{}, fmt.Errorf("read members: %w", err)
	}

	now := m.nowFn()
	var writes []roomstore.Write
	liveOthers := 0
	for _, doc := range docs {
		member := decodeMember(doc)
		stale := member.IsStale(now, m.staleAfter)

		if doc.ID == displayName {
			switch {
			case member.SessionID == m.sessionID:
				// Same identity re-joining; its record is overwritten below.
			case stale:
				writes = append(writes, roomstore.DeleteWrite(doc.Path))
			default:
				return roomstore.Batch{}, ErrNameTaken
			}
			continue
		}

		if stale {
			m.logger.Debug("presence reclaiming stale member", "room", room, "name", doc.ID, "last_seen", member.LastSeen)
			writes = append(writes, roomstore.DeleteWrite(doc.Path))
			continue
		}
		liveOthers++
	}

	if liveOthers >= Capacity {
		return roomstore.Batch{}, ErrRoomFull
	}

	own, err := roomstore.SetWrite(models.MemberPath(room, displayName), m.record(displayName))
	if err != nil {
		return roomstore.Batch{}, err
	}
	return roomstore.Batch{
		Guards: []roomstore.Guard{{Collection: collection, Version: version}},
		Writes: append(writes, own),
	}, nil
}

// Heartbeat refreshes the own membership record.
func (m *Manager) Heartbeat(ctx context.Context, room, displayName string) error {
	return m.store.Set(ctx, models.MemberPath(room, displayName), m.record(displayName))
}

// RunHeartbeat refreshes the record every heartbeat interval until ctx is
// done. Failures are logged only.
func (m *Manager) RunHeartbeat(ctx context.Context, room, displayName string) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Heartbeat(ctx, room, displayName); err != nil && ctx.Err() == nil {
				m.logger.Warn("presence heartbeat failed", "room", room, "name", displayName, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) Leave(ctx context.Context, room, displayName string) error {
	return m.store.Delete(ctx, models.MemberPath(room, displayName))
}

// Subscribe delivers the full roster now and after every change.
func (m *Manager) Subscribe(ctx context.Context, room string) (*roomstore.Feed[Roster], error) {
	sub, err := m.store.Subscribe(ctx, roomstore.CollectionQuery(models.UsersCollection(room)))
	if err != nil {
		return nil, err
	}
	return roomstore.NewFeed(sub, func(snap roomstore.Snapshot) (Roster, bool) {
		return RosterFromDocs(snap.Docs), true
	}), nil
}

func RosterFromDocs(docs []roomstore.Document) Roster {
	roster := make(Roster, len(docs))
	for _, doc := range docs {
		roster[doc.ID] = decodeMember(doc)
	}
	return roster
}

func (m *Manager) record(displayName string) models.Member {
	return models.Member{UserName: displayName, SessionID: m.sessionID}
}

// decodeMember tolerates malformed records: they carry no session and
// are reclaimed once stale.
func decodeMember(doc roomstore.Document) models.Member {
	var member models.Member
	if err := doc.Decode(&member); err != nil {
		slog.Default().Debug("presence malformed member", "path", doc.Path, "error", err)
	}
	if member.UserName == "" {
		member.UserName = doc.ID
	}
	member.LastSeen = doc.UpdateTime
	return member
}
