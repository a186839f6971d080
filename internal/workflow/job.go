package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/storyloom/internal/composer"
	"github.com/kalambet/storyloom/internal/continuity"
	"github.com/kalambet/storyloom/internal/conversation"
	"github.com/kalambet/storyloom/internal/generation"
	"github.com/kalambet/storyloom/internal/knowledge"
	"github.com/kalambet/storyloom/internal/progress"
	"github.com/kalambet/storyloom/internal/storage"
)

// Job is one run of the pipeline for a session. Only the job's own goroutine
// advances its phase or writes its continuity store.
type Job struct {
	sessionID    string
	runID        string
	concept      string
	multiChapter bool
	chaptersHint int
	settings     Settings
	totalTarget  int

	gen        generation.Generator
	kb         KnowledgeSearcher
	store      Store
	composer   *composer.Composer
	continuity *continuity.Store
	log        *conversation.Log
	progress   *progress.Broadcaster
	logger     *slog.Logger
	startedAt  time.Time

	canceled atomic.Bool
	done     chan struct{}

	mu            sync.RWMutex
	phase         Phase
	chapter       int
	totalChapters int
	message       string
	lastErr       string

	// Working state, touched only by the job goroutine.
	research  string
	plan      string
	knowledge []knowledge.Entry
	chapters  []string
	story     string
	result    string
	reviewRun int
	approved  bool
}

func newJob(m *Manager, req StartRequest) (*Job, error) {
	cs, err := continuity.Load(req.SessionID, m.store)
	if err != nil {
		return nil, err
	}
	log, err := conversation.Open(req.SessionID, m.store)
	if err != nil {
		return nil, err
	}

	total := m.settings.TotalTargetLength
	if req.TotalTargetLength > 0 {
		total = req.TotalTargetLength
	}

	j := &Job{
		sessionID:    req.SessionID,
		runID:        uuid.New().String(),
		concept:      req.Concept,
		multiChapter: req.MultiChapter,
		chaptersHint: req.TotalChaptersHint,
		settings:     m.settings,
		totalTarget:  total,
		gen:          m.gen,
		kb:           m.kb,
		store:        m.store,
		composer:     m.composer,
		continuity:   cs,
		log:          log,
		progress:     progress.NewBroadcaster(req.SessionID),
		logger:       m.logger.With("session_id", req.SessionID),
		startedAt:    time.Now().UTC(),
		done:         make(chan struct{}),
		phase:        PhaseResearchPlanning,
	}
	j.totalChapters = j.estimateChapters()
	// Persist the document up front so a run that fails before its first
	// merge still leaves documentation behind.
	if err := cs.Save(); err != nil {
		j.logger.Warn("saving initial continuity document failed", "error", err)
	}
	return j, nil
}

func (j *Job) estimateChapters() int {
	if !j.multiChapter {
		return 1
	}
	if j.chaptersHint > 0 {
		return j.chaptersHint
	}
	per := j.settings.ChapterTargetLength
	if per <= 0 {
		return 1
	}
	return max(1, (j.totalTarget+per-1)/per)
}

// Phase returns the job's current phase.
func (j *Job) Phase() Phase {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.phase
}

// Done is closed when the job reaches a terminal phase.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) cancel() {
	j.canceled.Store(true)
}

// checkpoint is called at every phase, chapter and review round boundary.
func (j *Job) checkpoint(ctx context.Context) error {
	if j.canceled.Load() || ctx.Err() != nil {
		return ErrCanceled
	}
	return nil
}

func (j *Job) run(ctx context.Context) {
	defer close(j.done)
	defer j.progress.Close()

	j.saveRun()

	phases := []struct {
		phase Phase
		fn    func(context.Context) error
	}{
		{PhaseResearchPlanning, j.researchAndPlan},
		{PhaseCreation, j.create},
		{PhaseReview, j.review},
		{PhaseFinalCheck, j.finalCheck},
	}
	for _, p := range phases {
		if err := j.checkpoint(ctx); err != nil {
			j.finishCanceled()
			return
		}
		j.enterPhase(p.phase)
		if err := p.fn(ctx); err != nil {
			if errors.Is(err, ErrCanceled) || j.canceled.Load() {
				j.finishCanceled()
				return
			}
			j.finishFailed(err)
			return
		}
	}
	j.finishDone()
}

func (j *Job) enterPhase(p Phase) {
	j.mu.Lock()
	j.phase = p
	j.mu.Unlock()
	j.logger.Info("phase started", "phase", p)
	j.publishStatus(phaseMessage(p), true)
}

func phaseMessage(p Phase) string {
	switch p {
	case PhaseResearchPlanning:
		return "researching and planning"
	case PhaseCreation:
		return "writing"
	case PhaseReview:
		return "reviewing"
	case PhaseFinalCheck:
		return "final check"
	}
	return string(p)
}

func (j *Job) publishStatus(msg string, generating bool) {
	j.mu.Lock()
	j.message = msg
	ev := progress.Event{
		Kind:          progress.KindStatusUpdate,
		Phase:         string(j.phase),
		Chapter:       j.chapter,
		TotalChapters: j.totalChapters,
		Message:       msg,
		IsGenerating:  generating,
	}
	j.mu.Unlock()
	j.progress.Publish(ev)
	j.saveRun()
}

func (j *Job) setChapter(n, total int) {
	j.mu.Lock()
	j.chapter = n
	j.totalChapters = total
	j.mu.Unlock()
}

func (j *Job) finishDone() {
	j.mu.Lock()
	j.phase = PhaseDone
	j.message = "completed"
	j.mu.Unlock()

	j.saveRun()
	j.progress.Publish(progress.Event{Kind: progress.KindCompletion, Phase: string(PhaseDone), Result: j.result, Message: "completed"})
	j.logger.Info("job completed", "chapters", len(j.chapters), "review_rounds", j.reviewRun)
}

func (j *Job) finishFailed(err error) {
	j.mu.Lock()
	j.phase = PhaseFailed
	j.message = err.Error()
	j.lastErr = err.Error()
	j.mu.Unlock()

	j.saveRun()
	j.progress.Publish(progress.Event{Kind: progress.KindError, Phase: string(PhaseFailed), Message: err.Error()})
	j.logger.Error("job failed", "error", err)
}

func (j *Job) finishCanceled() {
	j.mu.Lock()
	j.phase = PhaseCanceled
	j.message = ErrCanceled.Error()
	j.mu.Unlock()

	j.saveRun()
	j.progress.Publish(progress.Event{Kind: progress.KindError, Phase: string(PhaseCanceled), Message: ErrCanceled.Error()})
	j.logger.Info("job canceled")
}

func (j *Job) saveRun() {
	j.mu.RLock()
	r := storage.Run{
		SessionID:      j.sessionID,
		RunID:          j.runID,
		Concept:        j.concept,
		MultiChapter:   j.multiChapter,
		Phase:          string(j.phase),
		StatusMessage:  j.message,
		CurrentChapter: j.chapter,
		TotalChapters:  j.totalChapters,
		LastError:      j.lastErr,
		StartedAt:      j.startedAt,
		UpdatedAt:      time.Now().UTC(),
	}
	if j.phase.Terminal() {
		r.FinishedAt = r.UpdatedAt
		r.Result = j.result
	}
	j.mu.RUnlock()

	if err := j.store.SaveRun(r); err != nil {
		j.logger.Warn("saving run failed", "error", err)
	}
}

// invoke calls a role and appends its output to the conversation log.
func (j *Job) invoke(ctx context.Context, phase Phase, chapter int, role generation.Role, prompt string, gc generation.Context) (generation.Output, error) {
	out, err := j.gen.Invoke(ctx, role, prompt, gc)
	if err != nil {
		return generation.Output{}, fmt.Errorf("%s: %w", role, err)
	}

	rec := conversation.Record{Phase: string(phase), Agent: string(role), Message: out.String()}
	if chapter > 0 {
		rec.Chapter = &chapter
	}
	// Persistence failures are logged by the log and retried on the next write.
	_ = j.log.Record(rec)
	return out, nil
}

func (j *Job) summarize(phase Phase, summary string) {
	_ = j.log.AddSummary(string(phase), summary)
}

func (j *Job) version(phase Phase, label, content string) {
	_ = j.log.AddVersion(string(phase), label, content)
}

func (j *Job) joinedStory() string {
	return strings.Join(j.chapters, "\n\n")
}
