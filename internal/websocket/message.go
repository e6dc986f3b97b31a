// Package websocket defines the frames exchanged between a room store
// client and the server over a websocket connection.
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tariel-x/duocall/internal/roomstore"
)

type MessageType string

const (
	TypeGet         MessageType = "get"
	TypeSet         MessageType = "set"
	TypeUpdate      MessageType = "update"
	TypeDelete      MessageType = "delete"
	TypeAdd         MessageType = "add"
	TypeList        MessageType = "list"
	TypeCommit      MessageType = "commit"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"

	TypeResult   MessageType = "result"
	TypeError    MessageType = "error"
	TypeSnapshot MessageType = "snapshot"
)

type ErrorCode string

const (
	CodeNotFound   ErrorCode = "not_found"
	CodeConflict   ErrorCode = "conflict"
	CodeBadRequest ErrorCode = "bad_request"
	CodeClosed     ErrorCode = "closed"
	CodeInternal   ErrorCode = "internal"
)

// Message is a request, a reply correlated by ID, or a subscription
// snapshot correlated by SubID.
type Message struct {
	Type  MessageType `json:"type"`
	ID    string      `json:"id,omitempty"`
	SubID string      `json:"sub_id,omitempty"`

	Path       string                     `json:"path,omitempty"`
	Collection bool                       `json:"collection,omitempty"`
	Data       json.RawMessage            `json:"data,omitempty"`
	Fields     map[string]json.RawMessage `json:"fields,omitempty"`
	Batch      *roomstore.Batch           `json:"batch,omitempty"`

	DocID     string               `json:"doc_id,omitempty"`
	Document  *roomstore.Document  `json:"document,omitempty"`
	Documents []roomstore.Document `json:"documents,omitempty"`
	Version   uint64               `json:"version,omitempty"`
	Snapshot  *roomstore.Snapshot  `json:"snapshot,omitempty"`

	Code  ErrorCode `json:"code,omitempty"`
	Error string    `json:"error,omitempty"`
}

// EncodeMessage encodes a Message to JSON bytes
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, errors.New("decode message: missing type")
	}
	return msg, nil
}

// ErrorReply builds the error frame for a failed request.
func ErrorReply(id string, err error) Message {
	return Message{Type: TypeError, ID: id, Code: CodeFor(err), Error: err.Error()}
}

func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, roomstore.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, roomstore.ErrConflict):
		return CodeConflict
	case errors.Is(err, roomstore.ErrInvalidPath), errors.Is(err, roomstore.ErrInvalidData):
		return CodeBadRequest
	case errors.Is(err, roomstore.ErrClosed):
		return CodeClosed
	default:
		return CodeInternal
	}
}

// Err turns an error frame back into an error matching the store's
// sentinel errors.
func (m Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	var sentinel error
	switch m.Code {
	case CodeNotFound:
		sentinel = roomstore.ErrNotFound
	case CodeConflict:
		sentinel = roomstore.ErrConflict
	case CodeBadRequest:
		sentinel = roomstore.ErrInvalidPath
	case CodeClosed:
		sentinel = roomstore.ErrClosed
	default:
		return fmt.Errorf("room store: %s", m.Error)
	}
	return fmt.Errorf("%w (remote: %s)", sentinel, m.Error)
}
