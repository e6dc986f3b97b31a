// Package roomstore is the shared document store every client of a room
// reads, writes and subscribes to.
package roomstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrConflict    = errors.New("collection changed since read")
	ErrInvalidPath = errors.New("invalid path")
	ErrInvalidData = errors.New("document data must be a JSON object")
	ErrClosed      = errors.New("store closed")
)

// Store is implemented by MemStore and by the websocket client in
// roomstore/remote.
type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	// Set overwrites the whole document, creating it if needed.
	Set(ctx context.Context, path string, data any) error
	// Update merges top-level fields into an existing document.
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
	// Add appends a document with a generated id to a collection.
	Add(ctx context.Context, collection string, data any) (string, error)
	// List returns the documents of a collection ordered by CreateTime
	// together with the collection version usable as a commit guard.
	List(ctx context.Context, collection string) ([]Document, uint64, error)
	Commit(ctx context.Context, batch Batch) error
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
}

type Document struct {
	Path       string          `json:"path"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	CreateTime time.Time       `json:"createTime"`
	UpdateTime time.Time       `json:"updateTime"`
}

func (d Document) Decode(v any) error {
	if len(d.Data) == 0 {
		return fmt.Errorf("decode %s: empty document", d.Path)
	}
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Path, err)
	}
	return nil
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

type Change struct {
	Kind ChangeKind `json:"kind"`
	Doc  Document   `json:"doc"`
}

// Query selects either one document or one collection.
type Query struct {
	Path       string `json:"path"`
	Collection bool   `json:"collection,omitempty"`
}

func DocumentQuery(path string) Query {
	return Query{Path: path}
}

func CollectionQuery(path string) Query {
	return Query{Path: path, Collection: true}
}

func (q Query) Validate() error {
	if q.Collection {
		return ValidateCollection(q.Path)
	}
	return ValidateDocument(q.Path)
}

// Snapshot is one delivery of a subscription. The first delivery lists
// every current document as added.
type Snapshot struct {
	Docs    []Document `json:"docs"`
	Changes []Change   `json:"changes,omitempty"`
	Version uint64     `json:"version"`
}

// Exists reports whether a document query currently matches a document.
func (s Snapshot) Exists() bool {
	return len(s.Docs) > 0
}

func (s Snapshot) Added() []Document {
	var docs []Document
	for _, ch := range s.Changes {
		if ch.Kind == ChangeAdded {
			docs = append(docs, ch.Doc)
		}
	}
	return docs
}

type WriteKind string

const (
	WriteSet    WriteKind = "set"
	WriteDelete WriteKind = "delete"
)

type Write struct {
	Kind WriteKind       `json:"kind"`
	Path string          `json:"path"`
	Data json.RawMessage `json:"data,omitempty"`
}

func SetWrite(path string, data any) (Write, error) {
	raw, err := Encode(data)
	if err != nil {
		return Write{}, err
	}
	return Write{Kind: WriteSet, Path: path, Data: raw}, nil
}

func DeleteWrite(path string) Write {
	return Write{Kind: WriteDelete, Path: path}
}

// Guard fails a commit when the collection was written after List
// returned Version.
type Guard struct {
	Collection string `json:"collection"`
	Version    uint64 `json:"version"`
}

type Batch struct {
	Guards []Guard `json:"guards,omitempty"`
	Writes []Write `json:"writes"`
}

// Encode turns a value into a JSON object suitable as document data.
func Encode(v any) (json.RawMessage, error) {
	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, ErrInvalidData
	}
	return raw, nil
}

// Merge applies top-level fields on top of a JSON object.
func Merge(data json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("merge field %s: %w", k, err)
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}
