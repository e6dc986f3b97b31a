// Package signaling exchanges offers, answers and ICE candidates for the
// single call of a room through the room store.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tariel-x/duocall/internal/models"
	"github.com/tariel-x/duocall/internal/roomstore"
)

var ErrNoCall = errors.New("no call in progress")

type Channel struct {
	store  roomstore.Store
	logger *slog.Logger
}

func New(store roomstore.Store) *Channel {
	return &Channel{store: store, logger: slog.Default()}
}

// PlaceOffer replaces any previous call record of the room. The record is
// recreated so its creation time belongs to this offer.
func (c *Channel) PlaceOffer(ctx context.Context, room, callerID string, offer models.SessionDescription) error {
	set, err := roomstore.SetWrite(models.CallPath(room), models.CallSession{
		Offer:    &offer,
		CallerID: callerID,
		Status:   models.CallStatusPending,
	})
	if err != nil {
		return fmt.Errorf("place offer: %w", err)
	}
	batch := roomstore.Batch{Writes: []roomstore.Write{roomstore.DeleteWrite(models.CallPath(room)), set}}
	if err := c.store.Commit(ctx, batch); err != nil {
		return fmt.Errorf("place offer: %w", err)
	}
	return nil
}

// SubscribeToCall delivers the call record after every change. A nil
// record means there is no call.
func (c *Channel) SubscribeToCall(ctx context.Context, room string) (*roomstore.Feed[*models.CallSession], error) {
	sub, err := c.store.Subscribe(ctx, roomstore.DocumentQuery(models.CallPath(room)))
	if err != nil {
		return nil, err
	}
	return roomstore.NewFeed(sub, func(snap roomstore.Snapshot) (*models.CallSession, bool) {
		if !snap.Exists() {
			return nil, true
		}
		call, err := decodeCall(snap.Docs[0])
		if err != nil {
			c.logger.Warn("signaling malformed call record", "room", room, "error", err)
			return nil, false
		}
		return call, true
	}), nil
}

// FetchCall reads the current call record.
func (c *Channel) FetchCall(ctx context.Context, room string) (*models.CallSession, error) {
	doc, err := c.store.Get(ctx, models.CallPath(room))
	if errors.Is(err, roomstore.ErrNotFound) {
		return nil, ErrNoCall
	}
	if err != nil {
		return nil, err
	}
	return decodeCall(doc)
}

func (c *Channel) PlaceAnswer(ctx context.Context, room, answererID string, answer models.SessionDescription) error {
	err := c.store.Update(ctx, models.CallPath(room), map[string]any{
		"answer":     answer,
		"answererId": answererID,
		"status":     models.CallStatusActive,
	})
	return c.updateErr("place answer", err)
}

func (c *Channel) Reject(ctx context.Context, room, answererID string) error {
	err := c.store.Update(ctx, models.CallPath(room), map[string]any{
		"answererId": answererID,
		"status":     models.CallStatusRejected,
	})
	return c.updateErr("reject call", err)
}

func (c *Channel) PublishIceCandidate(ctx context.Context, room, ownerID string, candidate models.ICECandidate) error {
	if _, err := c.store.Add(ctx, models.CandidatesCollection(room, ownerID), candidate); err != nil {
		return fmt.Errorf("publish candidate: %w", err)
	}
	return nil
}

// SubscribeToIceCandidates delivers the candidates contributed by
// remoteID, oldest first, including those added before the call.
// Removals are not delivered.
func (c *Channel) SubscribeToIceCandidates(ctx context.Context, room, remoteID string) (*roomstore.Feed[[]models.ICECandidate], error) {
	sub, err := c.store.Subscribe(ctx, roomstore.CollectionQuery(models.CandidatesCollection(room, remoteID)))
	if err != nil {
		return nil, err
	}
	return roomstore.NewFeed(sub, func(snap roomstore.Snapshot) ([]models.ICECandidate, bool) {
		var out []models.ICECandidate
		for _, doc := range snap.Added() {
			var cand models.ICECandidate
			if err := doc.Decode(&cand); err != nil {
				c.logger.Warn("signaling malformed candidate", "room", room, "path", doc.Path, "error", err)
				continue
			}
			out = append(out, cand)
		}
		return out, len(out) > 0
	}), nil
}

// ClearCandidates removes the candidates contributed by one session.
func (c *Channel) ClearCandidates(ctx context.Context, room, ownerID string) error {
	writes, err := c.candidateDeletes(ctx, room, ownerID)
	if err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}
	if err := c.store.Commit(ctx, roomstore.Batch{Writes: writes}); err != nil {
		return fmt.Errorf("clear candidates: %w", err)
	}
	return nil
}

// ClearCall removes both candidate collections and the call record. It is
// safe to call when nothing exists.
func (c *Channel) ClearCall(ctx context.Context, room, ownerID, counterpartID string) error {
	var writes []roomstore.Write
	for _, sessionID := range []string{ownerID, counterpartID} {
		if sessionID == "" {
			continue
		}
		deletes, err := c.candidateDeletes(ctx, room, sessionID)
		if err != nil {
			return err
		}
		writes = append(writes, deletes...)
	}
	writes = append(writes, roomstore.DeleteWrite(models.CallPath(room)))

	if err := c.store.Commit(ctx, roomstore.Batch{Writes: writes}); err != nil {
		return fmt.Errorf("clear call: %w", err)
	}
	return nil
}

func (c *Channel) candidateDeletes(ctx context.Context, room, sessionID string) ([]roomstore.Write, error) {
	docs, _, err := c.store.List(ctx, models.CandidatesCollection(room, sessionID))
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	writes := make([]roomstore.Write, 0, len(docs))
	for _, doc := range docs {
		writes = append(writes, roomstore.DeleteWrite(doc.Path))
	}
	return writes, nil
}

func (c *Channel) updateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, roomstore.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNoCall)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func decodeCall(doc roomstore.Document) (*models.CallSession, error) {
	var call models.CallSession
	if err := doc.Decode(&call); err != nil {
		return nil, err
	}
	call.CreatedAt = doc.CreateTime
	return &call, nil
}
