package roomstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Persister receives every committed write of a MemStore. Persistence is
// best effort: failures are logged and the in-memory state stays
// authoritative.
type Persister interface {
	SaveDocument(ctx context.Context, doc Document) error
	DeleteDocument(ctx context.Context, path string) error
	LoadDocuments(ctx context.Context) ([]Document, error)
}

type Option func(*MemStore)

func WithClock(nowFn func() time.Time) Option {
	return func(s *MemStore) {
		s.nowFn = nowFn
	}
}

func WithPersister(p Persister) Option {
	return func(s *MemStore) {
		s.persister = p
	}
}

type memSubscriber struct {
	query Query
	sub   *Subscription
	stop  func() bool
}

// MemStore is an in-process Store. Timestamps it assigns are strictly
// increasing, so CreateTime is a total order over writes.
type MemStore struct {
	mu        sync.Mutex
	docs      map[string]Document
	versions  map[string]uint64
	subs      map[uint64]*memSubscriber
	nextSubID uint64
	lastStamp time.Time
	closed    bool

	nowFn     func() time.Time
	persister Persister
}

func NewMemStore(opts ...Option) *MemStore {
	s := &MemStore{
		docs:     make(map[string]Document),
		versions: make(map[string]uint64),
		subs:     make(map[uint64]*memSubscriber),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory state with the persister's documents.
func (s *MemStore) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	docs, err := s.persister.LoadDocuments(ctx)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs = make(map[string]Document, len(docs))
	s.versions = make(map[string]uint64)
	for _, doc := range docs {
		if err := ValidateDocument(doc.Path); err != nil {
			slog.Default().Warn("roomstore skip persisted document", "path", doc.Path, "error", err)
			continue
		}
		s.docs[doc.Path] = doc
		s.versions[Parent(doc.Path)]++
		if doc.UpdateTime.After(s.lastStamp) {
			s.lastStamp = doc.UpdateTime
		}
	}
	return nil
}

func (s *MemStore) Close() {
	s.mu.Lock()
	s.closed = true
	subs := make([]*memSubscriber, 0, len(s.subs))
	for _, ms := range s.subs {
		subs = append(subs, ms)
	}
	s.mu.Unlock()

	for _, ms := range subs {
		ms.sub.Cancel()
	}
}

func (s *MemStore) Get(ctx context.Context, path string) (Document, error) {
	if err := ValidateDocument(path); err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return Document{}, err
	}
	doc, ok := s.docs[path]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return doc, nil
}

func (s *MemStore) Set(ctx context.Context, path string, data any) error {
	w, err := SetWrite(path, data)
	if err != nil {
		return err
	}
	return s.Commit(ctx, Batch{Writes: []Write{w}})
}

func (s *MemStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ValidateDocument(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	doc, ok := s.docs[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	merged, err := Merge(doc.Data, fields)
	if err != nil {
		return err
	}
	change := s.applyLocked(ctx, Write{Kind: WriteSet, Path: path, Data: merged})
	s.publishLocked([]Change{change})
	return nil
}

func (s *MemStore) Delete(ctx context.Context, path string) error {
	if err := ValidateDocument(path); err != nil {
		return err
	}
	return s.Commit(ctx, Batch{Writes: []Write{DeleteWrite(path)}})
}

func (s *MemStore) Add(ctx context.Context, collection string, data any) (string, error) {
	if err := ValidateCollection(collection); err != nil {
		return "", err
	}
	id, err := gonanoid.New(20)
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, collection+"/"+id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *MemStore) List(ctx context.Context, collection string) ([]Document, uint64, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return nil, 0, err
	}
	return s.collectionLocked(collection), s.versions[collection], nil
}

// Commit applies every write of the batch or none of them.
func (s *MemStore) Commit(ctx context.Context, batch Batch) error {
	for _, w := range batch.Writes {
		if err := ValidateDocument(w.Path); err != nil {
			return err
		}
		if w.Kind != WriteSet && w.Kind != WriteDelete {
			return fmt.Errorf("%w: unknown write kind %q", ErrInvalidData, w.Kind)
		}
		if w.Kind == WriteSet {
			if _, err := Encode(w.Data); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	for _, g := range batch.Guards {
		if s.versions[g.Collection] != g.Version {
			return fmt.Errorf("%w: %s", ErrConflict, g.Collection)
		}
	}

	changes := make([]Change, 0, len(batch.Writes))
	for _, w := range batch.Writes {
		if w.Kind == WriteDelete {
			if _, ok := s.docs[w.Path]; !ok {
				continue
			}
		}
		changes = append(changes, s.applyLocked(ctx, w))
	}
	s.publishLocked(changes)
	return nil
}

func (s *MemStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}

	id := s.nextSubID
	s.nextSubID++

	sub := NewSubscription(func() {
		s.mu.Lock()
		ms := s.subs[id]
		delete(s.subs, id)
		s.mu.Unlock()
		if ms != nil && ms.stop != nil {
			ms.stop()
		}
	})
	ms := &memSubscriber{query: q, sub: sub}
	s.subs[id] = ms

	snap := s.snapshotLocked(q, nil)
	for _, doc := range snap.Docs {
		snap.Changes = append(snap.Changes, Change{Kind: ChangeAdded, Doc: doc})
	}
	sub.Deliver(snap)

	ms.stop = context.AfterFunc(ctx, sub.Cancel)
	return sub, nil
}

func (s *MemStore) checkLocked(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *MemStore) stampLocked() time.Time {
	now := s.nowFn().UTC().Truncate(time.Microsecond)
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = now
	return now
}

func (s *MemStore) applyLocked(ctx context.Context, w Write) Change {
	collection := Parent(w.Path)
	s.versions[collection]++

	if w.Kind == WriteDelete {
		doc := s.docs[w.Path]
		delete(s.docs, w.Path)
		if s.persister != nil {
			if err := s.persister.DeleteDocument(ctx, w.Path); err != nil {
				slog.Default().Warn("roomstore persist delete failed", "path", w.Path, "error", err)
			}
		}
		return Change{Kind: ChangeRemoved, Doc: doc}
	}

	now := s.stampLocked()
	kind := ChangeAdded
	doc := Document{
		Path:       w.Path,
		ID:         BaseID(w.Path),
		Data:       w.Data,
		CreateTime: now,
		UpdateTime: now,
	}
	if prev, ok := s.docs[w.Path]; ok {
		kind = ChangeModified
		doc.CreateTime = prev.CreateTime
	}
	s.docs[w.Path] = doc
	if s.persister != nil {
		if err := s.persister.SaveDocument(ctx, doc); err != nil {
			slog.Default().Warn("roomstore persist save failed", "path", w.Path, "error", err)
		}
	}
	return Change{Kind: kind, Doc: doc}
}

func (s *MemStore) publishLocked(changes []Change) {
	if len(changes) == 0 {
		return
	}
	for _, ms := range s.subs {
		var relevant []Change
		for _, ch := range changes {
			if matches(ms.query, ch.Doc.Path) {
				relevant = append(relevant, ch)
			}
		}
		if len(relevant) == 0 {
			continue
		}
		ms.sub.Deliver(s.snapshotLocked(ms.query, relevant))
	}
}

func (s *MemStore) snapshotLocked(q Query, changes []Change) Snapshot {
	if q.Collection {
		return Snapshot{
			Docs:    s.collectionLocked(q.Path),
			Changes: changes,
			Version: s.versions[q.Path],
		}
	}
	snap := Snapshot{Changes: changes, Version: s.versions[Parent(q.Path)]}
	if doc, ok := s.docs[q.Path]; ok {
		snap.Docs = []Document{doc}
	}
	return snap
}

func (s *MemStore) collectionLocked(collection string) []Document {
	var docs []Document
	for path, doc := range s.docs {
		if Parent(path) == collection {
			docs = append(docs, doc)
		}
	}
	SortDocuments(docs)
	return docs
}

func matches(q Query, docPath string) bool {
	if q.Collection {
		return Parent(docPath) == q.Path
	}
	return docPath == q.Path
}

// SortDocuments orders documents by CreateTime, then path.
func SortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreateTime.Equal(docs[j].CreateTime) {
			return docs[i].Path < docs[j].Path
		}
		return docs[i].CreateTime.Before(docs[j].CreateTime)
	})
}
