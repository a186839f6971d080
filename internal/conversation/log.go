// Package conversation records every exchange between generation roles of a
// job, together with story versions and per-phase summaries.
package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/storyloom/internal/storage"
)

// Record is one role output. Records are never modified once appended.
type Record struct {
	Phase     string    `json:"phase"`
	Chapter   *int      `json:"chapter,omitempty"`
	Agent     string    `json:"agent"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Version struct {
	Phase     string    `json:"phase"`
	Label     string    `json:"label"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Summary struct {
	Phase     string    `json:"phase"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the durable side of the log. *storage.Store satisfies it.
type Store interface {
	AppendConversationRecord(rec storage.ConversationRecord) error
	ListConversationRecords(sessionID string) ([]storage.ConversationRecord, error)
	AddStoryVersion(v storage.StoryVersion) error
	ListStoryVersions(sessionID string) ([]storage.StoryVersion, error)
	AddPhaseSummary(p storage.PhaseSummary) error
	ListPhaseSummaries(sessionID string) ([]storage.PhaseSummary, error)
}

// Log is the append-only log of one session. Writes go to memory first and
// then to the store in arrival order; writes that fail stay queued and are
// retried before the next one, so the durable order matches the in-memory
// order.
type Log struct {
	mu        sync.Mutex
	sessionID string
	store     Store
	records   []Record
	versions  []Version
	summaries []Summary
	pending   []func() error
	now       func() time.Time
	logger    *slog.Logger
}

// Open returns the log for sessionID with any previously persisted entries.
func Open(sessionID string, store Store) (*Log, error) {
	l := &Log{
		sessionID: sessionID,
		store:     store,
		now:       time.Now,
		logger:    slog.Default().With("session_id", sessionID),
	}

	recs, err := store.ListConversationRecords(sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation records: %w", err)
	}
	for _, r := range recs {
		l.records = append(l.records, Record{Phase: r.Phase, Chapter: r.Chapter, Agent: r.Agent, Message: r.Message, Timestamp: r.CreatedAt})
	}
	vers, err := store.ListStoryVersions(sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading story versions: %w", err)
	}
	for _, v := range vers {
		l.versions = append(l.versions, Version{Phase: v.Phase, Label: v.Label, Content: v.Content, Timestamp: v.CreatedAt})
	}
	sums, err := store.ListPhaseSummaries(sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading phase summaries: %w", err)
	}
	for _, s := range sums {
		l.summaries = append(l.summaries, Summary{Phase: s.Phase, Summary: s.Summary, Timestamp: s.CreatedAt})
	}
	return l, nil
}

// Record appends r. The returned error only reports a persistence failure;
// the record is kept either way.
func (l *Log) Record(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = l.now().UTC()
	}
	if r.Chapter != nil {
		n := *r.Chapter
		r.Chapter = &n
	}
	l.records = append(l.records, r)

	rec := storage.ConversationRecord{
		ID:        uuid.New().String(),
		SessionID: l.sessionID,
		Phase:     r.Phase,
		Chapter:   r.Chapter,
		Agent:     r.Agent,
		Message:   r.Message,
		CreatedAt: r.Timestamp,
	}
	return l.enqueueLocked(func() error { return l.store.AppendConversationRecord(rec) })
}

// AddVersion keeps a snapshot of the story text at a phase boundary.
func (l *Log) AddVersion(phase, label, content string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	v := Version{Phase: phase, Label: label, Content: content, Timestamp: l.now().UTC()}
	l.versions = append(l.versions, v)
	return l.enqueueLocked(func() error {
		return l.store.AddStoryVersion(storage.StoryVersion{
			SessionID: l.sessionID, Phase: v.Phase, Label: v.Label, Content: v.Content, CreatedAt: v.Timestamp,
		})
	})
}

// AddSummary records the outcome of a completed phase.
func (l *Log) AddSummary(phase, summary string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{Phase: phase, Summary: summary, Timestamp: l.now().UTC()}
	l.summaries = append(l.summaries, s)
	return l.enqueueLocked(func() error {
		return l.store.AddPhaseSummary(storage.PhaseSummary{
			SessionID: l.sessionID, Phase: s.Phase, Summary: s.Summary, CreatedAt: s.Timestamp,
		})
	})
}

// Flush retries queued writes.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drainLocked()
}

func (l *Log) enqueueLocked(write func() error) error {
	l.pending = append(l.pending, write)
	err := l.drainLocked()
	if err != nil {
		l.logger.Warn("conversation log write failed, keeping in memory", "pending", len(l.pending), "error", err)
	}
	return err
}

func (l *Log) drainLocked() error {
	for len(l.pending) > 0 {
		if err := l.pending[0](); err != nil {
			return fmt.Errorf("persisting conversation log: %w", err)
		}
		l.pending = l.pending[1:]
	}
	return nil
}

// Pending is the number of writes not yet persisted.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Records returns a copy of all records in arrival order.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record{}, l.records...)
}

func (l *Log) Versions() []Version {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Version{}, l.versions...)
}

func (l *Log) Summaries() []Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Summary{}, l.summaries...)
}

// LatestVersion returns the most recent story version, if any.
func (l *Log) LatestVersion() (Version, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.versions) == 0 {
		return Version{}, false
	}
	return l.versions[len(l.versions)-1], true
}

// ErrEmpty is returned by Transcript when a session has no records.
var ErrEmpty = errors.New("conversation log is empty")

// Transcript is the read-only view served by the control surface.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Records   []Record  `json:"records"`
	Versions  []Version `json:"versions"`
	Summaries []Summary `json:"summaries"`
}

// ReadTranscript loads everything stored for sessionID without opening a
// writable log.
func ReadTranscript(sessionID string, store Store) (Transcript, error) {
	l, err := Open(sessionID, store)
	if err != nil {
		return Transcript{}, err
	}
	if len(l.records) == 0 && len(l.versions) == 0 {
		return Transcript{}, ErrEmpty
	}
	return l.Transcript(), nil
}

// Transcript returns a copy of the log's contents.
func (l *Log) Transcript() Transcript {
	return Transcript{
		SessionID: l.sessionID,
		Records:   l.Records(),
		Versions:  l.Versions(),
		Summaries: l.Summaries(),
	}
}
