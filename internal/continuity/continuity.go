// Package continuity keeps the structured narrative memory of a job:
// characters, timeline, world rules, plot points and locations.
package continuity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/storyloom/internal/storage"
)

// Documentation is the full continuity document of one session.
type Documentation struct {
	Characters        map[string]any `json:"characters"`
	Timeline          []any          `json:"timeline"`
	WorldRules        map[string]any `json:"world_rules"`
	PlotPoints        []any          `json:"plot_points"`
	SettingsLocations map[string]any `json:"settings_locations"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Update is a partial document produced by a generation role. Nil fields are
// left untouched by Merge.
type Update struct {
	Characters        map[string]any `json:"characters,omitempty"`
	Timeline          []any          `json:"timeline,omitempty"`
	WorldRules        map[string]any `json:"world_rules,omitempty"`
	PlotPoints        []any          `json:"plot_points,omitempty"`
	SettingsLocations map[string]any `json:"settings_locations,omitempty"`
}

// Empty reports whether the update carries no facts.
func (u Update) Empty() bool {
	return len(u.Characters) == 0 && len(u.Timeline) == 0 && len(u.WorldRules) == 0 &&
		len(u.PlotPoints) == 0 && len(u.SettingsLocations) == 0
}

// Persister stores the serialized document. *storage.Store satisfies it.
type Persister interface {
	SaveContinuityDoc(doc storage.ContinuityDoc) error
	GetContinuityDoc(sessionID string) (storage.ContinuityDoc, error)
}

// Store owns the continuity document of one session. Every Merge rewrites the
// persisted document; a failed write is returned to the caller as a warning
// while the merged state is kept in memory for the next attempt.
type Store struct {
	mu        sync.RWMutex
	sessionID string
	doc       Documentation
	persister Persister
	now       func() time.Time
	logger    *slog.Logger
}

// Load returns the store for sessionID, resuming a previously persisted
// document when one exists.
func Load(sessionID string, p Persister) (*Store, error) {
	s := &Store{
		sessionID: sessionID,
		persister: p,
		now:       time.Now,
		logger:    slog.Default().With("session_id", sessionID),
	}

	rec, err := p.GetContinuityDoc(sessionID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		now := s.now().UTC()
		s.doc = emptyDoc(now)
	case err != nil:
		return nil, fmt.Errorf("loading continuity document: %w", err)
	default:
		if err := json.Unmarshal([]byte(rec.DocJSON), &s.doc); err != nil {
			return nil, fmt.Errorf("parsing continuity document: %w", err)
		}
		fillNil(&s.doc)
	}
	return s, nil
}

func emptyDoc(now time.Time) Documentation {
	d := Documentation{CreatedAt: now, UpdatedAt: now}
	fillNil(&d)
	return d
}

func fillNil(d *Documentation) {
	if d.Characters == nil {
		d.Characters = map[string]any{}
	}
	if d.Timeline == nil {
		d.Timeline = []any{}
	}
	if d.WorldRules == nil {
		d.WorldRules = map[string]any{}
	}
	if d.PlotPoints == nil {
		d.PlotPoints = []any{}
	}
	if d.SettingsLocations == nil {
		d.SettingsLocations = map[string]any{}
	}
}

// Merge applies u: map fields are last-write-wins per key, timeline and plot
// points are appended as-is. The returned error only reports a failed
// persistence write.
func (s *Store) Merge(u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mergeInto(s.doc.Characters, u.Characters)
	mergeInto(s.doc.WorldRules, u.WorldRules)
	mergeInto(s.doc.SettingsLocations, u.SettingsLocations)
	s.doc.Timeline = append(s.doc.Timeline, deepCopy(u.Timeline).([]any)...)
	s.doc.PlotPoints = append(s.doc.PlotPoints, deepCopy(u.PlotPoints).([]any)...)
	s.doc.UpdatedAt = s.now().UTC()

	return s.saveLocked()
}

// Save persists the current document without changing it.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("encoding continuity document: %w", err)
	}
	err = s.persister.SaveContinuityDoc(storage.ContinuityDoc{
		SessionID: s.sessionID,
		DocJSON:   string(data),
		CreatedAt: s.doc.CreatedAt,
		UpdatedAt: s.doc.UpdatedAt,
	})
	if err != nil {
		s.logger.Warn("continuity save failed, keeping in-memory state", "error", err)
		return fmt.Errorf("saving continuity document: %w", err)
	}
	return nil
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() Documentation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Documentation{
		Characters:        deepCopy(s.doc.Characters).(map[string]any),
		Timeline:          deepCopy(s.doc.Timeline).([]any),
		WorldRules:        deepCopy(s.doc.WorldRules).(map[string]any),
		PlotPoints:        deepCopy(s.doc.PlotPoints).([]any),
		SettingsLocations: deepCopy(s.doc.SettingsLocations).(map[string]any),
		CreatedAt:         s.doc.CreatedAt,
		UpdatedAt:         s.doc.UpdatedAt,
	}
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = deepCopy(v)
	}
}

// deepCopy copies the map/slice tree produced by JSON decoding.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// JSON renders the document for inclusion in a generation prompt.
func (d Documentation) JSON() string {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
