// Package decision decides whether the creation phase should write another
// chapter, and measures story length the way that decision expects.
package decision

import "unicode"

// CountMode selects how story length is measured.
type CountMode string

const (
	// CountHan counts Han ideographs only; punctuation, spaces and Latin
	// text do not contribute unless the text has no Han at all.
	CountHan CountMode = "han"
	// CountAll counts every rune.
	CountAll CountMode = "all"
)

// Input carries everything ShouldContinue looks at.
type Input struct {
	AccumulatedLength int
	TotalTargetLength int
	ChapterTarget     int
	ChaptersSoFar     int
	SafetyCap         int
}

// ShouldContinue reports whether another chapter is needed. It is true only
// while the story is shorter than the total target and the chapter count is
// below the safety cap. A non-positive cap is treated as 1.
func ShouldContinue(in Input) bool {
	limit := in.SafetyCap
	if limit < 1 {
		limit = 1
	}
	return in.AccumulatedLength < in.TotalTargetLength && in.ChaptersSoFar < limit
}

// Reason explains a decision in the terms it was made, for logs and
// progress messages.
func Reason(in Input) string {
	switch {
	case in.ChaptersSoFar >= max(in.SafetyCap, 1):
		return "chapter safety cap reached"
	case in.AccumulatedLength >= in.TotalTargetLength:
		return "target length reached"
	default:
		return "below target length"
	}
}

// CountChars measures text in the given mode. Unknown modes count all runes.
// In CountHan mode a text without any Han ideograph is counted as CountAll,
// so stories in other scripts still reach their target length.
func CountChars(text string, mode CountMode) int {
	all, han := 0, 0
	for _, r := range text {
		all++
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	if mode == CountHan && han > 0 {
		return han
	}
	return all
}

// ChapterTarget returns the per-chapter length to request: the configured
// chapter target, bounded by what is left of the total.
func ChapterTarget(accumulated, total, perChapter int) int {
	remaining := total - accumulated
	if perChapter <= 0 || (remaining > 0 && remaining < perChapter) {
		return max(remaining, 0)
	}
	return perChapter
}
