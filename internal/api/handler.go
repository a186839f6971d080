// Package api exposes the job control surface and the knowledge base over
// HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/storyloom/internal/continuity"
	"github.com/kalambet/storyloom/internal/conversation"
	"github.com/kalambet/storyloom/internal/ingest"
	"github.com/kalambet/storyloom/internal/knowledge"
	"github.com/kalambet/storyloom/internal/progress"
	"github.com/kalambet/storyloom/internal/workflow"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxImportBodySize = 20 << 20 // 20MB, base64 file payloads

// Jobs is the job control surface. *workflow.Manager satisfies it.
type Jobs interface {
	Start(ctx context.Context, req workflow.StartRequest) (workflow.Ack, error)
	Cancel(sessionID string) error
	Status(sessionID string) (progress.Status, error)
	Subscribe(sessionID string) (*progress.Subscriber, func(), error)
	Documentation(sessionID string) (continuity.Documentation, error)
	Transcript(sessionID string) (conversation.Transcript, error)
}

// Knowledge is the knowledge base surface. *knowledge.Base satisfies it.
type Knowledge interface {
	Search(query string, tags []string, limit int) []knowledge.Entry
	Add(req knowledge.AddRequest) (knowledge.Entry, error)
	Update(e knowledge.Entry) error
	Get(id string) (knowledge.Entry, bool)
	Delete(id string) bool
	All() []knowledge.Entry
	ByType(t knowledge.Type) []knowledge.Entry
	ByChapter(chapterID string) []knowledge.Entry
	AssociateWithChapter(id, chapterID string) bool
	RemoveChapterAssociation(id string) bool
	ChapterIDs() []string
	LastUpdated() time.Time
}

// Deps holds the dependencies of the HTTP handler.
type Deps struct {
	Jobs      Jobs
	Knowledge Knowledge
	Imports   ingest.Enqueuer // optional; if nil, /knowledge/import is unavailable
	Token     string
}

// NewHandler returns the HTTP control surface. /health is public; every
// other route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/jobs", handleStartJob(deps))
		r.Route("/jobs/{session}", func(r chi.Router) {
			r.Delete("/", handleCancelJob(deps))
			r.Get("/status", handleJobStatus(deps))
			r.Get("/events", handleJobEvents(deps))
			r.Get("/documentation", handleDocumentation(deps))
			r.Get("/conversation", handleConversation(deps))
		})

		r.Get("/knowledge", handleSearchKnowledge(deps))
		r.Post("/knowledge", handleAddKnowledge(deps))
		r.Post("/knowledge/import", handleImportKnowledge(deps))
		r.Get("/knowledge/chapters", handleKnowledgeChapters(deps))
		r.Get("/knowledge/stats", handleKnowledgeStats(deps))
		r.Get("/knowledge/{id}", handleGetKnowledge(deps))
		r.Put("/knowledge/{id}", handleUpdateKnowledge(deps))
		r.Delete("/knowledge/{id}", handleDeleteKnowledge(deps))
		r.Put("/knowledge/{id}/chapter", handleLinkChapter(deps))
		r.Delete("/knowledge/{id}/chapter", handleUnlinkChapter(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
