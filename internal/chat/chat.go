// Package chat relays text messages between the occupants of a room.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tariel-x/duocall/internal/models"
	"github.com/tariel-x/duocall/internal/roomstore"
)

const SystemSenderName = "System"

var ErrEmptyMessage = errors.New("message text is empty")

type Relay struct {
	store roomstore.Store
}

func New(store roomstore.Store) *Relay {
	return &Relay{store: store}
}

// Send appends a message. The store assigns its timestamp.
func (r *Relay) Send(ctx context.Context, room, senderID, senderName, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	msg := models.ChatMessage{SenderID: senderID, SenderName: senderName, Text: text}
	if _, err := r.store.Add(ctx, models.MessagesCollection(room), msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Announce posts a system line such as "Alice Joined".
func (r *Relay) Announce(ctx context.Context, room, text string) error {
	return r.Send(ctx, room, models.SystemSenderID, SystemSenderName, text)
}

// Subscribe delivers the whole history, oldest first, on every change.
func (r *Relay) Subscribe(ctx context.Context, room string) (*roomstore.Feed[[]models.ChatMessage], error) {
	sub, err := r.store.Subscribe(ctx, roomstore.CollectionQuery(models.MessagesCollection(room)))
	if err != nil {
		return nil, err
	}
	return roomstore.NewFeed(sub, func(snap roomstore.Snapshot) ([]models.ChatMessage, bool) {
		return MessagesFromDocs(snap.Docs), true
	}), nil
}

// MessagesFromDocs expects docs ordered by CreateTime.
func MessagesFromDocs(docs []roomstore.Document) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, len(docs))
	for _, doc := range docs {
		var msg models.ChatMessage
		if err := doc.Decode(&msg); err != nil {
			slog.Default().Warn("chat malformed message", "path", doc.Path, "error", err)
			continue
		}
		msg.ID = doc.ID
		msg.Timestamp = doc.CreateTime
		msgs = append(msgs, msg)
	}
	return msgs
}
