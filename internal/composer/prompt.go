// Package composer renders the context bundle sent with every generation
// call: plan, story documentation, reference knowledge and the tail of the
// story so far, kept under a character budget.
package composer

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/storyloom/internal/knowledge"
)

const defaultMaxContextChars = 12000

// Section header and separator lengths, in runes.
const (
	planOverhead     = len("[Creation Plan]\n\n\n")
	docOverhead      = len("[Story Documentation]\n\n\n")
	feedbackOverhead = len("[Reviewer Feedback]\n\n\n")
)

// Bundle is the raw material for one call's context.
type Bundle struct {
	Plan          string
	Documentation string // rendered continuity snapshot
	Knowledge     []knowledge.Entry
	StoryTail     string
	Feedback      string
	Chapter       int
	TotalChapters int
	TargetLength  int
}

// Composer renders bundles. Budget goes in priority order: chapter header,
// documentation, plan, feedback, knowledge, story tail. Documentation and
// plan are cut at the end rather than dropped, knowledge entries that do not
// fit are skipped, and the story tail is cut from the front so the most
// recent text is kept. Every cut is logged.
type Composer struct {
	MaxContextChars int
	logger          *slog.Logger
}

// New creates a Composer with the given budget in characters.
// If maxContextChars <= 0, the default (12000) is used.
func New(maxContextChars int) *Composer {
	if maxContextChars <= 0 {
		maxContextChars = defaultMaxContextChars
	}
	return &Composer{MaxContextChars: maxContextChars, logger: slog.Default()}
}

func (c *Composer) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

func (c *Composer) warn(section string, have, kept int) {
	c.log().Warn("context section truncated", "section", section, "runes", have, "kept", kept)
}

// fit cuts body to at most budget runes, logging when it had to.
func (c *Composer) fit(name, body string, budget int) string {
	body = strings.TrimSpace(body)
	n := utf8.RuneCountInString(body)
	if n <= budget {
		return body
	}
	cut := truncateBack(body, budget)
	c.warn(name, n, utf8.RuneCountInString(cut))
	return cut
}

func (c *Composer) Compose(b Bundle) string {
	var sb strings.Builder
	remaining := c.MaxContextChars

	write := func(s string) bool {
		n := utf8.RuneCountInString(s)
		if n > remaining {
			return false
		}
		sb.WriteString(s)
		remaining -= n
		return true
	}

	if b.Chapter > 0 {
		header := fmt.Sprintf("[Chapter]\nChapter %d", b.Chapter)
		if b.TotalChapters > 0 {
			header += fmt.Sprintf(" of about %d", b.TotalChapters)
		}
		if b.TargetLength > 0 {
			header += fmt.Sprintf(", target length %d characters", b.TargetLength)
		}
		write(header + "\n\n")
	}
	// The documentation is reserved before the plan so a long plan can never
	// crowd it out.
	var doc string
	docCost := 0
	if b.Documentation != "" {
		doc = c.fit("Story Documentation", b.Documentation, remaining-docOverhead)
		if doc != "" {
			docCost = utf8.RuneCountInString(doc) + docOverhead
		}
	}
	if b.Plan != "" {
		plan := c.fit("Creation Plan", b.Plan, remaining-docCost-planOverhead)
		if plan != "" {
			write(section("Creation Plan", plan))
		}
	}
	if doc != "" {
		write(section("Story Documentation", doc))
	}
	if b.Feedback != "" {
		if fb := c.fit("Reviewer Feedback", b.Feedback, remaining-feedbackOverhead); fb != "" {
			write(section("Reviewer Feedback", fb))
		}
	}
	if len(b.Knowledge) > 0 {
		header := "[Reference Knowledge]\n"
		var entries []string
		budget := remaining - utf8.RuneCountInString(header) - 1
		for _, e := range b.Knowledge {
			entry := formatEntry(e)
			n := utf8.RuneCountInString(entry)
			if n > budget {
				c.log().Warn("knowledge entry skipped, over context budget", "id", e.ID, "runes", n, "budget", budget)
				continue
			}
			entries = append(entries, entry)
			budget -= n
		}
		if len(entries) > 0 {
			write(header + strings.Join(entries, "") + "\n")
		}
	}
	if b.StoryTail != "" {
		header := "[Story So Far]\n"
		budget := remaining - utf8.RuneCountInString(header) - 2
		if budget > 0 {
			tail := truncateFront(b.StoryTail, budget)
			if n := utf8.RuneCountInString(b.StoryTail); n > budget {
				c.warn("Story So Far", n, utf8.RuneCountInString(tail))
			}
			write(header + tail + "\n\n")
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

func section(name, body string) string {
	return "[" + name + "]\n" + strings.TrimSpace(body) + "\n\n"
}

func formatEntry(e knowledge.Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "(%s) %s", e.KnowledgeType, e.Title)
	if len(e.Tags) > 0 {
		fmt.Fprintf(&sb, " [%s]", strings.Join(e.Tags, ", "))
	}
	sb.WriteString("\n")
	sb.WriteString(strings.TrimSpace(e.Content))
	sb.WriteString("\n\n")
	return sb.String()
}

// truncateFront keeps the last max runes of s, marking the cut.
func truncateFront(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := utf8.RuneCountInString(s)
	if n <= max {
		return s
	}
	const marker = "…"
	runes := []rune(s)
	return marker + string(runes[n-max+1:])
}

// truncateBack keeps the first max runes of s, marking the cut.
func truncateBack(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

// Tail returns the last n runes of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
