package knowledge

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// TitleBonus is added to the score of an entry whose title contains the query.
const TitleBonus = 10

// DefaultLimit caps search results when the caller passes a non-positive limit.
const DefaultLimit = 5

type scored struct {
	entry Entry
	score int
}

// rank filters entries to the search candidates and orders them by
// descending score. Entries with equal scores keep their input order.
//
// An entry is a candidate when the query is non-empty and occurs in its title
// or content (case-folded), or when tags are given and the entry carries all
// of them. An empty query with no tags yields nothing.
func rank(entries []Entry, query string, tags []string, limit int) []Entry {
	if limit <= 0 {
		limit = DefaultLimit
	}
	fold := cases.Fold()
	q := fold.String(query)

	var candidates []scored
	for _, e := range entries {
		title := fold.String(e.Title)
		content := fold.String(e.Content)

		textMatch := q != "" && (strings.Contains(title, q) || strings.Contains(content, q))
		tagMatch := len(tags) > 0 && e.HasTags(tags)
		if !textMatch && !tagMatch {
			continue
		}
		candidates = append(candidates, scored{entry: e, score: score(title, content, q)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Entry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry.clone()
	}
	return out
}

// score expects already case-folded inputs.
func score(title, content, query string) int {
	if query == "" {
		return 0
	}
	s := strings.Count(content, query) + strings.Count(title, query)
	if strings.Contains(title, query) {
		s += TitleBonus
	}
	return s
}
