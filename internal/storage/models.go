package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run is the persisted view of one workflow job.
type Run struct {
	SessionID      string
	RunID          string
	Concept        string
	MultiChapter   bool
	Phase          string
	StatusMessage  string
	CurrentChapter int
	TotalChapters  int
	LastError      string
	Result         string
	StartedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     time.Time // zero while the run is active
}

type ConversationRecord struct {
	ID        string
	SessionID string
	Phase     string
	Chapter   *int
	Agent     string
	Message   string
	CreatedAt time.Time
}

// ContinuityDoc holds a serialized story documentation for one session.
type ContinuityDoc struct {
	SessionID string
	DocJSON   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChapterState struct {
	ID        string
	SessionID string
	Number    int
	Title     string
	WordCount int
	Status    string // "draft", "reviewing", "approved", "final"
	CreatedAt time.Time
	UpdatedAt time.Time
}

type StoryVersion struct {
	SessionID string
	Phase     string
	Label     string
	Content   string
	CreatedAt time.Time
}

type PhaseSummary struct {
	SessionID string
	Phase     string
	Summary   string
	CreatedAt time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
