package models

import "time"

// CallStatus is the lifecycle state of the per-room call session document.
// Keep values stable because they are shared by every client of a room.
type CallStatus string

const (
	CallStatusPending  CallStatus = "pending"
	CallStatusActive   CallStatus = "active"
	CallStatusRejected CallStatus = "rejected"
)

// SessionDescription is an opaque offer or answer blob.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CallSession is the singleton document at rooms/{room}/callState/currentCall.
type CallSession struct {
	Offer      *SessionDescription `json:"offer,omitempty"`
	CallerID   string              `json:"callerId"`
	Answer     *SessionDescription `json:"answer,omitempty"`
	AnswererID string              `json:"answererId,omitempty"`
	Status     CallStatus          `json:"status"`

	// CreatedAt is assigned by the store.
	CreatedAt time.Time `json:"-"`
}

func (c *CallSession) HasAnswer() bool {
	return c != nil && c.Answer != nil && c.Answer.SDP != ""
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
