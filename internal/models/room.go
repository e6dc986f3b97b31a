package models

import "time"

// Room is the lazily created document at rooms/{code}.
type Room struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"-"`
}

// Member is one occupant of a room, keyed by display name.
type Member struct {
	UserName  string `json:"userName"`
	SessionID string `json:"sessionId"`

	// LastSeen is the store-assigned time of the last heartbeat write.
	LastSeen time.Time `json:"-"`
}

// IsStale reports whether the member missed enough heartbeats to be reclaimed.
// A member without a heartbeat time is always stale.
func (m Member) IsStale(now time.Time, staleAfter time.Duration) bool {
	if m.LastSeen.IsZero() {
		return true
	}
	return now.Sub(m.LastSeen) > staleAfter
}

// SystemSenderID marks join/leave announcements in the message list.
const SystemSenderID = "system"

type ChatMessage struct {
	ID         string `json:"-"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`

	// Timestamp is assigned by the store and orders the message list.
	Timestamp time.Time `json:"-"`
}

func (m ChatMessage) IsSystem() bool {
	return m.SenderID == SystemSenderID
}
