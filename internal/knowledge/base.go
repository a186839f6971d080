// Package knowledge stores reusable writing knowledge (examples, techniques,
// background, templates) and retrieves it by lexical search.
package knowledge

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an entry id is unknown.
var ErrNotFound = errors.New("knowledge entry not found")

// AddRequest describes an entry to add.
type AddRequest struct {
	Title         string
	Content       string
	Tags          []string
	KnowledgeType Type
	Source        string
	ChapterID     string
}

// Base is the in-memory knowledge collection backed by a Persister. All
// mutations are serialized and each one rewrites the persisted collection.
// A failed write is logged and retried on the next mutation or Flush; the
// in-memory state is never rolled back.
type Base struct {
	mu          sync.RWMutex
	store       Persister
	order       []string
	entries     map[string]Entry
	lastUpdated time.Time
	dirty       bool
	now         func() time.Time
	logger      *slog.Logger
}

// Open loads the collection from store.
func Open(store Persister) (*Base, error) {
	loaded, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading knowledge: %w", err)
	}
	b := &Base{
		store:   store,
		entries: make(map[string]Entry, len(loaded)),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, e := range loaded {
		if e.ID == "" {
			e.ID = EntryID(e.Title, e.Content)
		}
		if _, dup := b.entries[e.ID]; !dup {
			b.order = append(b.order, e.ID)
		}
		e.Tags = normalizeTags(e.Tags)
		b.entries[e.ID] = e
	}
	return b, nil
}

// Add creates an entry, or refreshes the existing one when an entry with the
// same title and content is already present. The id is stable across calls.
func (b *Base) Add(req AddRequest) (Entry, error) {
	if req.Title == "" && req.Content == "" {
		return Entry{}, errors.New("title or content is required")
	}
	kt := req.KnowledgeType
	if kt == "" {
		kt = TypeBackground
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	id := EntryID(req.Title, req.Content)
	e, exists := b.entries[id]
	if !exists {
		e = Entry{
			ID:           id,
			Title:        req.Title,
			Content:      req.Content,
			CreationDate: Timestamp{now},
		}
		b.order = append(b.order, id)
	}
	e.Tags = normalizeTags(req.Tags)
	e.Source = req.Source
	e.KnowledgeType = kt
	if req.ChapterID != "" {
		chapter := req.ChapterID
		e.ChapterID = &chapter
	}
	e.LastModified = Timestamp{now}
	b.entries[id] = e

	b.persistLocked()
	return e.clone(), nil
}

// Update replaces an existing entry. The id must already be present.
func (b *Base) Update(e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, ok := b.entries[e.ID]
	if !ok {
		return fmt.Errorf("updating %s: %w", e.ID, ErrNotFound)
	}
	e = e.clone()
	e.Tags = normalizeTags(e.Tags)
	if e.CreationDate.IsZero() {
		e.CreationDate = prev.CreationDate
	}
	e.LastModified = Timestamp{b.now().UTC()}
	b.entries[e.ID] = e

	b.persistLocked()
	return nil
}

// Delete removes the entry and reports whether anything was removed.
func (b *Base) Delete(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[id]; !ok {
		return false
	}
	delete(b.entries, id)
	b.order = slices.DeleteFunc(b.order, func(s string) bool { return s == id })

	b.persistLocked()
	return true
}

// Get returns a copy of the entry with the given id.
func (b *Base) Get(id string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Search ranks entries lexically; see rank for the candidate and scoring
// rules.
func (b *Base) Search(query string, tags []string, limit int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return rank(b.orderedLocked(), query, normalizeTags(tags), limit)
}

// ByType returns entries of the given type in insertion order.
func (b *Base) ByType(t Type) []Entry {
	return b.filter(func(e Entry) bool { return e.KnowledgeType == t })
}

// All returns every entry in insertion order.
func (b *Base) All() []Entry {
	return b.filter(func(Entry) bool { return true })
}

// ByChapter returns the entries associated with a chapter.
func (b *Base) ByChapter(chapterID string) []Entry {
	return b.filter(func(e Entry) bool { return e.ChapterID != nil && *e.ChapterID == chapterID })
}

// AssociateWithChapter links an entry to a chapter and reports whether the
// entry exists.
func (b *Base) AssociateWithChapter(id, chapterID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		return false
	}
	e.ChapterID = &chapterID
	e.LastModified = Timestamp{b.now().UTC()}
	b.entries[id] = e
	b.persistLocked()
	return true
}

// RemoveChapterAssociation clears an entry's chapter link and reports whether
// the entry exists.
func (b *Base) RemoveChapterAssociation(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		return false
	}
	e.ChapterID = nil
	e.LastModified = Timestamp{b.now().UTC()}
	b.entries[id] = e
	b.persistLocked()
	return true
}

// ChapterIDs returns the distinct chapter ids in use, sorted.
func (b *Base) ChapterIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []string
	for _, e := range b.entries {
		if e.ChapterID != nil && !slices.Contains(ids, *e.ChapterID) {
			ids = append(ids, *e.ChapterID)
		}
	}
	sort.Strings(ids)
	return ids
}

// LastUpdated is the time of the last mutation, zero if none happened in this
// process.
func (b *Base) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdated
}

// Flush retries a save that previously failed. It is a no-op when the
// persisted collection is current.
func (b *Base) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.dirty {
		return nil
	}
	if err := b.store.Save(b.orderedLocked(), b.lastUpdated); err != nil {
		return fmt.Errorf("saving knowledge: %w", err)
	}
	b.dirty = false
	return nil
}

func (b *Base) filter(keep func(Entry) bool) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []Entry{}
	for _, id := range b.order {
		if e := b.entries[id]; keep(e) {
			out = append(out, e.clone())
		}
	}
	return out
}

func (b *Base) orderedLocked() []Entry {
	out := make([]Entry, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.entries[id])
	}
	return out
}

func (b *Base) persistLocked() {
	b.lastUpdated = b.now().UTC()
	if err := b.store.Save(b.orderedLocked(), b.lastUpdated); err != nil {
		b.dirty = true
		b.logger.Warn("knowledge save failed, keeping in-memory state", "error", err)
		return
	}
	b.dirty = false
}
