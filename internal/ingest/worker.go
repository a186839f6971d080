package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/storyloom/internal/knowledge"
	"github.com/kalambet/storyloom/internal/storage"
)

// JobTypeImport is the queue job type for knowledge imports.
const JobTypeImport = "knowledge_import"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	EnqueueJob(job storage.Job) error
}

// KnowledgeAdder receives imported entries.
type KnowledgeAdder interface {
	Add(req knowledge.AddRequest) (knowledge.Entry, error)
}

// ImportPayload is the JSON payload of a knowledge_import job. Content holds
// the raw file bytes, base64 encoded.
type ImportPayload struct {
	Name          string   `json:"name"`
	Content       string   `json:"content_base64"`
	Tags          []string `json:"tags,omitempty"`
	KnowledgeType string   `json:"knowledge_type,omitempty"`
}

// EnqueueImport queues a file for import and returns the job id.
func EnqueueImport(q Enqueuer, name string, data []byte, tags []string, knowledgeType string) (string, error) {
	if name == "" {
		return "", errors.New("file name is required")
	}
	payload, err := json.Marshal(ImportPayload{
		Name:          name,
		Content:       base64.StdEncoding.EncodeToString(data),
		Tags:          tags,
		KnowledgeType: knowledgeType,
	})
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeImport,
		PayloadJSON: string(payload),
	}
	if err := q.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing import: %w", err)
	}
	return job.ID, nil
}

// Worker processes knowledge_import jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	kb     KnowledgeAdder
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, kb KnowledgeAdder, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		kb:     kb,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single knowledge_import job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeImport})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload ImportPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(payload.Content)
	if err != nil {
		return fmt.Errorf("decoding content: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	docs, err := Extract(payload.Name, data)
	if err != nil {
		return err
	}
	n, err := AddDocuments(w.kb, docs, payload.Tags, payload.KnowledgeType)
	if err != nil {
		return err
	}
	w.logger.Info("knowledge imported", "job_id", job.ID, "file", payload.Name, "entries", n)
	return nil
}

// AddDocuments adds docs to kb. Extra tags are appended to every entry and
// knowledgeType applies where a document has none. Re-importing the same
// file is idempotent since entry ids derive from title and content.
func AddDocuments(kb KnowledgeAdder, docs []Document, tags []string, knowledgeType string) (int, error) {
	for i, d := range docs {
		kt := d.KnowledgeType
		if kt == "" {
			kt = knowledgeType
		}
		req := knowledge.AddRequest{
			Title:         d.Title,
			Content:       d.Content,
			Tags:          append(append([]string(nil), d.Tags...), tags...),
			KnowledgeType: knowledge.Type(kt),
			Source:        d.Source,
		}
		if _, err := kb.Add(req); err != nil {
			return i, fmt.Errorf("adding %q: %w", d.Title, err)
		}
	}
	return len(docs), nil
}
