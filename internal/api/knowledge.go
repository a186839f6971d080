package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/storyloom/internal/ingest"
	"github.com/kalambet/storyloom/internal/knowledge"
)

// AddKnowledgeRequest is the body of POST /knowledge.
type AddKnowledgeRequest struct {
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	KnowledgeType string   `json:"knowledge_type"`
	Tags          []string `json:"tags"`
	Source        string   `json:"source"`
	ChapterID     string   `json:"chapter_id"`
}

// ImportRequest is the body of POST /knowledge/import. Content is the file,
// base64 encoded; Name's extension selects the extractor.
type ImportRequest struct {
	Name          string   `json:"name"`
	Content       string   `json:"content"`
	Tags          []string `json:"tags"`
	KnowledgeType string   `json:"knowledge_type"`
}

// UpdateKnowledgeRequest is the body of PUT /knowledge/{id}. Empty fields
// keep their current value; the id does not change when the text does.
type UpdateKnowledgeRequest struct {
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	KnowledgeType string   `json:"knowledge_type"`
	Tags          []string `json:"tags"`
	Source        string   `json:"source"`
}

// ChapterLinkRequest is the body of PUT /knowledge/{id}/chapter.
type ChapterLinkRequest struct {
	ChapterID string `json:"chapter_id"`
}

// handleSearchKnowledge ranks entries by q and tags. With chapter or type
// set it lists matching entries in insertion order instead.
func handleSearchKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := parseIntParam(r, "limit", knowledge.DefaultLimit, 50)

		if chapter, kt := q.Get("chapter"), q.Get("type"); chapter != "" || kt != "" {
			var results []knowledge.Entry
			if chapter != "" {
				results = deps.Knowledge.ByChapter(chapter)
			} else {
				results = deps.Knowledge.ByType(knowledge.Type(kt))
			}
			out := []knowledge.Entry{}
			for _, e := range results {
				if kt != "" && e.KnowledgeType != knowledge.Type(kt) {
					continue
				}
				if len(out) == limit {
					break
				}
				out = append(out, e)
			}
			writeJSON(w, http.StatusOK, out)
			return
		}

		var tags []string
		if s := q.Get("tags"); s != "" {
			for _, t := range strings.Split(s, ",") {
				if t = strings.TrimSpace(t); t != "" {
					tags = append(tags, t)
				}
			}
		}
		results := deps.Knowledge.Search(q.Get("q"), tags, limit)
		if results == nil {
			results = []knowledge.Entry{}
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleAddKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AddKnowledgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Source == "" {
			req.Source = "api"
		}

		entry, err := deps.Knowledge.Add(knowledge.AddRequest{
			Title:         req.Title,
			Content:       req.Content,
			Tags:          req.Tags,
			KnowledgeType: knowledge.Type(req.KnowledgeType),
			Source:        req.Source,
			ChapterID:     req.ChapterID,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": entry.ID})
	}
}

func handleGetKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, ok := deps.Knowledge.Get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "knowledge entry not found")
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func handleDeleteKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Knowledge.Delete(chi.URLParam(r, "id")) {
			httpError(w, http.StatusNotFound, "not_found", "knowledge entry not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleImportKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Imports == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "knowledge import is not available")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		var req ImportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" || req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name and content are required")
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
			return
		}

		jobID, err := ingest.EnqueueImport(deps.Imports, req.Name, data, req.Tags, req.KnowledgeType)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue import: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "status": "queued"})
	}
}

func handleUpdateKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		entry, ok := deps.Knowledge.Get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "knowledge entry not found")
			return
		}
		var req UpdateKnowledgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Title != "" {
			entry.Title = req.Title
		}
		if req.Content != "" {
			entry.Content = req.Content
		}
		if req.KnowledgeType != "" {
			entry.KnowledgeType = knowledge.Type(req.KnowledgeType)
		}
		if req.Tags != nil {
			entry.Tags = req.Tags
		}
		if req.Source != "" {
			entry.Source = req.Source
		}

		if err := deps.Knowledge.Update(entry); err != nil {
			if errors.Is(err, knowledge.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "knowledge entry not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		updated, _ := deps.Knowledge.Get(entry.ID)
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleLinkChapter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChapterLinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.ChapterID) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "chapter_id is required")
			return
		}
		if !deps.Knowledge.AssociateWithChapter(chi.URLParam(r, "id"), req.ChapterID) {
			httpError(w, http.StatusNotFound, "not_found", "knowledge entry not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "linked", "chapter_id": req.ChapterID})
	}
}

func handleUnlinkChapter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Knowledge.RemoveChapterAssociation(chi.URLParam(r, "id")) {
			httpError(w, http.StatusNotFound, "not_found", "knowledge entry not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
	}
}

func handleKnowledgeChapters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := deps.Knowledge.ChapterIDs()
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, map[string][]string{"chapter_ids": ids})
	}
}

// KnowledgeStats is the body of GET /knowledge/stats. LastUpdated is null
// until the first change made by this process.
type KnowledgeStats struct {
	Entries     int                  `json:"entries"`
	ByType      map[string]int       `json:"by_type"`
	LastUpdated *knowledge.Timestamp `json:"last_updated"`
}

func handleKnowledgeStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := deps.Knowledge.All()
		stats := KnowledgeStats{Entries: len(all), ByType: make(map[string]int)}
		for _, e := range all {
			stats.ByType[string(e.KnowledgeType)]++
		}
		if t := deps.Knowledge.LastUpdated(); !t.IsZero() {
			stats.LastUpdated = &knowledge.Timestamp{Time: t}
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
