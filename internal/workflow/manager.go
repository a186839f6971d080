package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/storyloom/internal/composer"
	"github.com/kalambet/storyloom/internal/continuity"
	"github.com/kalambet/storyloom/internal/conversation"
	"github.com/kalambet/storyloom/internal/decision"
	"github.com/kalambet/storyloom/internal/generation"
	"github.com/kalambet/storyloom/internal/knowledge"
	"github.com/kalambet/storyloom/internal/progress"
	"github.com/kalambet/storyloom/internal/storage"
)

// Store is the persistence a job writes through. *storage.Store satisfies it.
type Store interface {
	conversation.Store
	continuity.Persister
	SaveRun(r storage.Run) error
	GetRun(sessionID string) (storage.Run, error)
	SaveChapter(c storage.ChapterState) error
	SetChapterStatus(sessionID, status string) error
}

// KnowledgeSearcher supplies reference entries for the context bundle.
type KnowledgeSearcher interface {
	Search(query string, tags []string, limit int) []knowledge.Entry
}

// Settings are the tunables of every job.
type Settings struct {
	TotalTargetLength   int
	ChapterTargetLength int
	ChapterSafetyCap    int
	MaxReviewRounds     int
	ConsistencyInterval int
	CountMode           decision.CountMode
	KnowledgeTopK       int
	ApprovalScore       int
	MaxContextChars     int
}

// DefaultSettings match the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		TotalTargetLength:   5000,
		ChapterTargetLength: 3000,
		ChapterSafetyCap:    20,
		MaxReviewRounds:     3,
		ConsistencyInterval: 3,
		CountMode:           decision.CountHan,
		KnowledgeTopK:       3,
		ApprovalScore:       80,
	}
}

// StartRequest describes a new job. TotalTargetLength overrides the
// configured total when positive.
type StartRequest struct {
	SessionID         string `json:"session_id"`
	Concept           string `json:"concept"`
	MultiChapter      bool   `json:"multi_chapter"`
	TotalChaptersHint int    `json:"total_chapters_hint"`
	TotalTargetLength int    `json:"total_target_length,omitempty"`
}

// Ack acknowledges a started job.
type Ack struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// Manager owns the jobs of all sessions. At most one job per session is
// active; a finished job stays available for status and documentation until
// the session starts a new one.
type Manager struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	gen      generation.Generator
	kb       KnowledgeSearcher
	store    Store
	settings Settings
	composer *composer.Composer
	ctx      context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewManager creates a Manager. kb may be nil.
func NewManager(gen generation.Generator, kb KnowledgeSearcher, store Store, settings Settings) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		jobs:     make(map[string]*Job),
		gen:      gen,
		kb:       kb,
		store:    store,
		settings: settings,
		composer: composer.New(settings.MaxContextChars),
		ctx:      ctx,
		stop:     stop,
		logger:   slog.Default(),
	}
}

// Start creates a job and runs it in the background. It fails with
// ErrJobAlreadyRunning while the session's previous job is active.
func (m *Manager) Start(_ context.Context, req StartRequest) (Ack, error) {
	if strings.TrimSpace(req.Concept) == "" {
		return Ack{}, errors.New("concept is required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	m.mu.Lock()
	if prev, ok := m.jobs[req.SessionID]; ok && !prev.Phase().Terminal() {
		m.mu.Unlock()
		return Ack{}, fmt.Errorf("session %s: %w", req.SessionID, ErrJobAlreadyRunning)
	}

	job, err := newJob(m, req)
	if err != nil {
		m.mu.Unlock()
		return Ack{}, err
	}
	if prev, ok := m.jobs[req.SessionID]; ok {
		prev.progress.Close()
	}
	m.jobs[req.SessionID] = job
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		job.run(m.ctx)
	}()

	m.logger.Info("job started", "session_id", job.sessionID, "run_id", job.runID, "multi_chapter", req.MultiChapter)
	return Ack{
		SessionID: job.sessionID,
		RunID:     job.runID,
		Status:    "started",
		Message:   "job started for concept: " + req.Concept,
	}, nil
}

// Cancel sets the session's cancel flag. The job stops at its next phase,
// chapter or review round boundary.
func (m *Manager) Cancel(sessionID string) error {
	job, err := m.job(sessionID)
	if err != nil {
		return err
	}
	if job.Phase().Terminal() {
		return fmt.Errorf("session %s already finished: %w", sessionID, ErrNoJob)
	}
	job.cancel()
	return nil
}

// Status returns the latest status of the session's job, falling back to the
// persisted run when the job is not in memory.
func (m *Manager) Status(sessionID string) (progress.Status, error) {
	if job, err := m.job(sessionID); err == nil {
		return job.progress.Status(), nil
	}
	run, err := m.store.GetRun(sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return progress.Status{}, fmt.Errorf("session %s: %w", sessionID, ErrNoJob)
	}
	if err != nil {
		return progress.Status{}, fmt.Errorf("loading run: %w", err)
	}
	return statusFromRun(run), nil
}

func statusFromRun(r storage.Run) progress.Status {
	phase := Phase(r.Phase)
	return progress.Status{
		SessionID:     r.SessionID,
		Phase:         r.Phase,
		Chapter:       r.CurrentChapter,
		TotalChapters: r.TotalChapters,
		Message:       r.StatusMessage,
		Finished:      phase.Terminal(),
		Error:         r.LastError,
		Result:        r.Result,
		UpdatedAt:     r.UpdatedAt,
	}
}

// Subscribe attaches an observer to the session's progress stream.
func (m *Manager) Subscribe(sessionID string) (*progress.Subscriber, func(), error) {
	job, err := m.job(sessionID)
	if err != nil {
		return nil, nil, err
	}
	sub, unsubscribe := job.progress.Subscribe()
	return sub, unsubscribe, nil
}

// Documentation returns the session's continuity snapshot, from the active
// job or from storage.
func (m *Manager) Documentation(sessionID string) (continuity.Documentation, error) {
	if job, err := m.job(sessionID); err == nil {
		return job.continuity.Snapshot(), nil
	}
	if _, err := m.store.GetContinuityDoc(sessionID); errors.Is(err, storage.ErrNotFound) {
		return continuity.Documentation{}, fmt.Errorf("session %s: %w", sessionID, ErrNoJob)
	}
	cs, err := continuity.Load(sessionID, m.store)
	if err != nil {
		return continuity.Documentation{}, err
	}
	return cs.Snapshot(), nil
}

// Transcript returns the session's conversation log.
func (m *Manager) Transcript(sessionID string) (conversation.Transcript, error) {
	if job, err := m.job(sessionID); err == nil {
		return job.log.Transcript(), nil
	}
	tr, err := conversation.ReadTranscript(sessionID, m.store)
	if errors.Is(err, conversation.ErrEmpty) {
		return conversation.Transcript{}, fmt.Errorf("session %s: %w", sessionID, ErrNoJob)
	}
	return tr, err
}

// Wait blocks until every started job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels all active jobs and waits for them, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, job := range m.jobs {
		job.cancel()
	}
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) job(sessionID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNoJob)
	}
	return job, nil
}
