package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/storyloom/internal/composer"
	"github.com/kalambet/storyloom/internal/continuity"
	"github.com/kalambet/storyloom/internal/decision"
	"github.com/kalambet/storyloom/internal/generation"
	"github.com/kalambet/storyloom/internal/storage"
)

// approvalMarker, on its own first or last line of an editor reply that is
// not structured, approves the round.
const approvalMarker = "APPROVED"

// storyTailChars is how much of the story so far a chapter call sees.
const storyTailChars = 2000

func (j *Job) researchAndPlan(ctx context.Context) error {
	out, err := j.invoke(ctx, PhaseResearchPlanning, 0, generation.RoleResearcher,
		"Research this story concept: "+j.concept,
		generation.Context{Schema: generation.SchemaResearch})
	if err != nil {
		return err
	}
	j.research = out.String()

	var notes generation.ResearchNotes
	if out.IsStructured() && out.Decode(&notes) == nil {
		if notes.TargetLength > 0 {
			j.totalTarget = notes.TargetLength
			j.logger.Info("using suggested target length", "target_length", notes.TargetLength)
		}
		if j.multiChapter && j.chaptersHint <= 0 && notes.SuggestedChapters > 0 {
			j.setChapter(0, notes.SuggestedChapters)
		}
		j.collectKnowledge(notes.Themes)
	} else {
		j.collectKnowledge(nil)
	}

	if err := j.checkpoint(ctx); err != nil {
		return err
	}

	bundle := j.composer.Compose(composer.Bundle{
		Plan:      "Research notes:\n" + j.research,
		Knowledge: j.knowledge,
	})
	plan, err := j.invoke(ctx, PhaseResearchPlanning, 0, generation.RolePlanner,
		fmt.Sprintf("Write the creation plan for: %s\nTotal length: about %d characters.%s",
			j.concept, j.totalTarget, j.chapterPlanHint()),
		generation.Context{Bundle: bundle})
	if err != nil {
		return err
	}
	j.plan = plan.String()

	j.summarize(PhaseResearchPlanning, fmt.Sprintf("research and plan ready, target length %d", j.totalTarget))
	return nil
}

func (j *Job) chapterPlanHint() string {
	if !j.multiChapter {
		return " Single chapter."
	}
	j.mu.RLock()
	total := j.totalChapters
	j.mu.RUnlock()
	return fmt.Sprintf(" About %d chapters.", total)
}

// collectKnowledge searches the knowledge base once per job with the concept
// and research themes, keeping up to KnowledgeTopK distinct entries.
func (j *Job) collectKnowledge(themes []string) {
	if j.kb == nil || j.settings.KnowledgeTopK <= 0 {
		return
	}
	seen := make(map[string]bool)
	queries := append([]string{j.concept}, themes...)
	for _, q := range queries {
		for _, e := range j.kb.Search(q, nil, j.settings.KnowledgeTopK) {
			if seen[e.ID] || len(j.knowledge) >= j.settings.KnowledgeTopK {
				continue
			}
			seen[e.ID] = true
			j.knowledge = append(j.knowledge, e)
		}
	}
}

// documentation renders the current continuity snapshot as a bundle of its
// own, with feedback when given.
func (j *Job) documentation(feedback string) string {
	return j.composer.Compose(composer.Bundle{
		Documentation: j.continuity.Snapshot().JSON(),
		Feedback:      feedback,
	})
}

func (j *Job) create(ctx context.Context) error {
	if !j.multiChapter {
		j.setChapter(1, 1)
		if err := j.writeChapter(ctx, 1, j.totalTarget); err != nil {
			return err
		}
	} else if err := j.createChapters(ctx); err != nil {
		return err
	}

	j.story = j.joinedStory()
	j.version(PhaseCreation, "draft", j.story)
	j.summarize(PhaseCreation, fmt.Sprintf("%d chapter(s), %d characters", len(j.chapters),
		decision.CountChars(j.story, j.settings.CountMode)))
	return nil
}

// createChapters writes chapters until the decision engine stops or the
// safety cap is reached. Chapter numbers start at 1 and only increase.
func (j *Job) createChapters(ctx context.Context) error {
	capN := max(j.settings.ChapterSafetyCap, 1)
	for n := 1; n <= capN; n++ {
		if err := j.checkpoint(ctx); err != nil {
			return err
		}

		accumulated := decision.CountChars(j.joinedStory(), j.settings.CountMode)
		target := decision.ChapterTarget(accumulated, j.totalTarget, j.settings.ChapterTargetLength)
		j.mu.RLock()
		total := max(j.totalChapters, n)
		j.mu.RUnlock()
		j.setChapter(n, total)

		if err := j.writeChapter(ctx, n, target); err != nil {
			return err
		}

		if iv := j.settings.ConsistencyInterval; iv > 0 && n%iv == 0 {
			if err := j.consistencyPass(ctx, n); err != nil {
				return err
			}
		}

		in := decision.Input{
			AccumulatedLength: decision.CountChars(j.joinedStory(), j.settings.CountMode),
			TotalTargetLength: j.totalTarget,
			ChapterTarget:     j.settings.ChapterTargetLength,
			ChaptersSoFar:     n,
			SafetyCap:         capN,
		}
		cont := decision.ShouldContinue(in)
		j.logger.Info("chapter decision", "chapter", n, "continue", cont, "reason", decision.Reason(in))
		if !cont {
			j.setChapter(n, n)
			return nil
		}
		if total <= n {
			j.setChapter(n, n+1)
		}
	}
	return nil
}

func (j *Job) writeChapter(ctx context.Context, n, target int) error {
	j.mu.RLock()
	total := j.totalChapters
	j.mu.RUnlock()
	j.publishStatus(fmt.Sprintf("writing chapter %d", n), true)

	bundle := j.composer.Compose(composer.Bundle{
		Plan:          j.plan,
		Documentation: j.continuity.Snapshot().JSON(),
		Knowledge:     j.knowledge,
		StoryTail:     composer.Tail(j.joinedStory(), storyTailChars),
		Chapter:       n,
		TotalChapters: total,
		TargetLength:  target,
	})

	out, err := j.invoke(ctx, PhaseCreation, n, generation.RoleWriter,
		fmt.Sprintf("Write chapter %d of the story \"%s\", about %d characters.", n, j.concept, target),
		generation.Context{Bundle: bundle})
	if err != nil {
		return err
	}
	text := strings.TrimSpace(out.String())
	j.chapters = append(j.chapters, text)

	chState := storage.ChapterState{
		ID:        fmt.Sprintf("%s_chapter_%d", j.sessionID, n),
		SessionID: j.sessionID,
		Number:    n,
		Title:     chapterTitle(text, n),
		WordCount: decision.CountChars(text, j.settings.CountMode),
		Status:    chapterDraft,
	}
	if err := j.store.SaveChapter(chState); err != nil {
		j.logger.Warn("saving chapter state failed", "chapter", n, "error", err)
	}

	if err := j.checkpoint(ctx); err != nil {
		return err
	}
	if err := j.updateContinuity(ctx, n, text); err != nil {
		return err
	}
	j.publishStatus(fmt.Sprintf("chapter %d written", n), true)
	return nil
}

// chapterTitle uses the chapter's first line when it looks like a heading.
func chapterTitle(text string, n int) string {
	first, _, _ := strings.Cut(text, "\n")
	first = strings.TrimSpace(strings.TrimLeft(first, "# "))
	if first != "" && len([]rune(first)) <= 40 {
		return first
	}
	return fmt.Sprintf("Chapter %d", n)
}

// updateContinuity asks the continuity role for facts in text and merges
// them. A reply that is not structured is skipped.
func (j *Job) updateContinuity(ctx context.Context, chapter int, text string) error {
	out, err := j.invoke(ctx, PhaseCreation, chapter, generation.RoleContinuity,
		"Extract the continuity facts from this text:\n\n"+text,
		generation.Context{
			Bundle: j.documentation(""),
			Schema: generation.SchemaContinuity,
		})
	if err != nil {
		return err
	}
	j.mergeFacts(out)
	return nil
}

func (j *Job) mergeFacts(out generation.Output) {
	if !out.IsStructured() {
		j.logger.Warn("continuity reply not structured, skipping merge")
		return
	}
	var facts generation.ContinuityFacts
	if err := out.Decode(&facts); err != nil {
		j.logger.Warn("continuity reply has unexpected shape, skipping merge", "error", err)
		return
	}
	u := factsToUpdate(facts)
	if u.Empty() {
		j.logger.Debug("continuity reply has no facts")
		return
	}
	if err := j.continuity.Merge(u); err != nil {
		// The merged state is kept in memory; the next merge saves it again.
		j.logger.Warn("continuity merge not persisted", "error", err)
	}
}

func factsToUpdate(f generation.ContinuityFacts) continuity.Update {
	named := func(facts []generation.NamedFact) map[string]any {
		if len(facts) == 0 {
			return nil
		}
		m := make(map[string]any, len(facts))
		for _, nf := range facts {
			if nf.Name != "" {
				m[nf.Name] = nf.Description
			}
		}
		return m
	}
	list := func(items []string) []any {
		out := make([]any, 0, len(items))
		for _, s := range items {
			out = append(out, s)
		}
		return out
	}
	return continuity.Update{
		Characters:        named(f.Characters),
		Timeline:          list(f.Timeline),
		WorldRules:        named(f.WorldRules),
		PlotPoints:        list(f.PlotPoints),
		SettingsLocations: named(f.SettingsLocations),
	}
}

// consistencyPass runs the logic check and the continuity role over the
// recent chapters.
func (j *Job) consistencyPass(ctx context.Context, n int) error {
	j.publishStatus(fmt.Sprintf("consistency check after chapter %d", n), true)
	iv := j.settings.ConsistencyInterval
	recent := strings.Join(j.chapters[max(0, len(j.chapters)-iv):], "\n\n")

	if _, err := j.invoke(ctx, PhaseCreation, n, generation.RoleLogicChecker,
		"Check these chapters for contradictions with the documentation:\n\n"+recent,
		generation.Context{Bundle: j.documentation("")}); err != nil {
		return err
	}
	return j.updateContinuity(ctx, n, recent)
}

func (j *Job) review(ctx context.Context) error {
	if err := j.store.SetChapterStatus(j.sessionID, chapterReviewing); err != nil {
		j.logger.Warn("updating chapter status failed", "error", err)
	}

	var feedback string
	rounds := max(j.settings.MaxReviewRounds, 1)
	for round := 1; round <= rounds; round++ {
		if err := j.checkpoint(ctx); err != nil {
			return err
		}
		j.publishStatus(fmt.Sprintf("review round %d of %d", round, rounds), true)

		logic, err := j.invoke(ctx, PhaseReview, 0, generation.RoleLogicChecker,
			"Check this story for logic and continuity errors:\n\n"+j.story,
			generation.Context{Bundle: j.documentation(priorFeedback(feedback))})
		if err != nil {
			return err
		}
		dialogue, err := j.invoke(ctx, PhaseReview, 0, generation.RoleDialogue,
			"Review the dialogue of this story:\n\n"+j.story,
			generation.Context{Bundle: j.composer.Compose(composer.Bundle{Feedback: priorFeedback(feedback)})})
		if err != nil {
			return err
		}

		roundFeedback := "Logic review:\n" + logic.String() + "\n\nDialogue review:\n" + dialogue.String()
		edit, err := j.invoke(ctx, PhaseReview, 0, generation.RoleEditor,
			"Revise the story using the feedback. Return the full revised story.\n\n"+j.story,
			generation.Context{
				Bundle: j.documentation(roundFeedback + priorFeedback(feedback)),
				Schema: generation.SchemaReview,
			})
		if err != nil {
			return err
		}

		revised, approved := j.readVerdict(edit)
		if strings.TrimSpace(revised) != "" {
			j.story = revised
		}
		j.reviewRun = round
		j.version(PhaseReview, fmt.Sprintf("round %d", round), j.story)
		feedback = roundFeedback

		if approved {
			j.approved = true
			break
		}
	}

	if j.approved {
		if err := j.store.SetChapterStatus(j.sessionID, chapterApproved); err != nil {
			j.logger.Warn("updating chapter status failed", "error", err)
		}
	}
	j.summarize(PhaseReview, fmt.Sprintf("%d review round(s), approved: %t", j.reviewRun, j.approved))
	return nil
}

func priorFeedback(f string) string {
	if f == "" {
		return ""
	}
	return "\n\nPrevious round:\n" + f
}

// readVerdict extracts the revised text and the approval signal from an
// editor reply: a structured verdict approves on its flag or a score at the
// approval threshold; free text approves when it carries the marker.
func (j *Job) readVerdict(out generation.Output) (string, bool) {
	if out.IsStructured() {
		var v generation.ReviewVerdict
		if err := out.Decode(&v); err == nil {
			approved := v.Approved || (j.settings.ApprovalScore > 0 && v.Score >= j.settings.ApprovalScore)
			return v.RevisedText, approved
		}
	}
	return splitApproval(out.String())
}

// splitApproval finds the approval marker on a line of its own at the start
// or end of text and returns the text without that line. A marker inside a
// sentence, as in "NOT APPROVED", does not count.
func splitApproval(text string) (string, bool) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) == 0 {
		return text, false
	}
	last := len(lines) - 1
	switch {
	case strings.TrimSpace(lines[last]) == approvalMarker:
		return strings.TrimSpace(strings.Join(lines[:last], "\n")), true
	case strings.TrimSpace(lines[0]) == approvalMarker:
		return strings.TrimSpace(strings.Join(lines[1:], "\n")), true
	}
	return text, false
}

func (j *Job) finalCheck(ctx context.Context) error {
	j.publishStatus("final check", true)
	out, err := j.invoke(ctx, PhaseFinalCheck, 0, generation.RoleFinalChecker,
		"Check this story is ready for publication and output the final text:\n\n"+j.story,
		generation.Context{Bundle: j.documentation("")})
	if err != nil {
		return err
	}
	final := strings.TrimSpace(out.String())
	if final == "" {
		final = j.story
	}
	if final == "" {
		return errors.New("final check produced an empty story")
	}
	j.result = final
	j.version(PhaseFinalCheck, "final", final)

	if err := j.store.SetChapterStatus(j.sessionID, chapterFinal); err != nil {
		j.logger.Warn("updating chapter status failed", "error", err)
	}
	j.summarize(PhaseFinalCheck, fmt.Sprintf("final story, %d characters", decision.CountChars(final, j.settings.CountMode)))
	return nil
}
