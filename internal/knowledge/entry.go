package knowledge

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Type classifies what an entry is useful for.
type Type string

const (
	TypeExample    Type = "example"
	TypeTechnique  Type = "technique"
	TypeBackground Type = "background"
	TypeTemplate   Type = "template"
)

// Entry is one reusable knowledge snippet.
type Entry struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Tags          []string  `json:"tags"`
	Source        string    `json:"source"`
	KnowledgeType Type      `json:"knowledge_type"`
	CreationDate  Timestamp `json:"creation_date"`
	LastModified  Timestamp `json:"last_modified"`
	ChapterID     *string   `json:"chapter_id"`
}

// EntryID returns the deterministic id for a title and content pair: the hex
// md5 of their NFC-normalized concatenation.
func EntryID(title, content string) string {
	sum := md5.Sum([]byte(norm.NFC.String(title + content)))
	return hex.EncodeToString(sum[:])
}

// HasTags reports whether the entry carries every tag in want.
func (e Entry) HasTags(want []string) bool {
	for _, t := range want {
		if !slices.Contains(e.Tags, t) {
			return false
		}
	}
	return true
}

func (e Entry) clone() Entry {
	out := e
	out.Tags = slices.Clone(e.Tags)
	if e.ChapterID != nil {
		id := *e.ChapterID
		out.ChapterID = &id
	}
	return out
}

// normalizeTags drops empty and duplicate tags, keeping first-seen order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Timestamp is a time that also accepts ISO-8601 values without a zone
// offset, as written by older knowledge files.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}
