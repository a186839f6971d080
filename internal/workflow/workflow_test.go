package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/storyloom/internal/generation"
	"github.com/kalambet/storyloom/internal/knowledge"
	"github.com/kalambet/storyloom/internal/progress"
	"github.com/kalambet/storyloom/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type call struct {
	role   generation.Role
	prompt string
	gc     generation.Context
}

type handler func(n int, prompt string) (generation.Output, error)

// scriptedGenerator answers each role with a default reply unless a handler
// overrides it. n counts calls per role starting at 1.
type scriptedGenerator struct {
	mu       sync.Mutex
	calls    []call
	counts   map[generation.Role]int
	handlers map[generation.Role]handler
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{
		counts:   make(map[generation.Role]int),
		handlers: make(map[generation.Role]handler),
	}
}

func (g *scriptedGenerator) on(role generation.Role, h handler) *scriptedGenerator {
	g.handlers[role] = h
	return g
}

func (g *scriptedGenerator) Invoke(_ context.Context, role generation.Role, prompt string, gc generation.Context) (generation.Output, error) {
	g.mu.Lock()
	g.calls = append(g.calls, call{role: role, prompt: prompt, gc: gc})
	g.counts[role]++
	n := g.counts[role]
	h := g.handlers[role]
	g.mu.Unlock()

	if h != nil {
		return h(n, prompt)
	}
	return defaultReply(role), nil
}

func (g *scriptedGenerator) count(role generation.Role) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[role]
}

func (g *scriptedGenerator) roles() []generation.Role {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]generation.Role, len(g.calls))
	for i, c := range g.calls {
		out[i] = c.role
	}
	return out
}

func (g *scriptedGenerator) prompts(role generation.Role) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, c := range g.calls {
		if c.role == role {
			out = append(out, c.prompt)
		}
	}
	return out
}

func structured(m map[string]any) generation.Output {
	return generation.Output{Structured: m}
}

func defaultReply(role generation.Role) generation.Output {
	switch role {
	case generation.RoleResearcher:
		return structured(map[string]any{
			"background": "山海经中的海怪", "themes": []any{"海"}, "characters": []any{},
			"target_length": 0, "suggested_chapters": 0,
		})
	case generation.RolePlanner:
		return generation.Text("计划：渔女遇见海怪。")
	case generation.RoleWriter:
		return generation.Text("海面起雾，渔女阿澜划船出海。")
	case generation.RoleContinuity:
		return structured(map[string]any{
			"characters":         []any{map[string]any{"name": "阿澜", "description": "渔女"}},
			"timeline":           []any{"阿澜出海"},
			"world_rules":        []any{},
			"plot_points":        []any{},
			"settings_locations": []any{map[string]any{"name": "东海", "description": "多雾"}},
		})
	case generation.RoleEditor:
		return structured(map[string]any{
			"approved": true, "score": 90, "issues": []any{}, "revised_text": "修订稿：阿澜出海遇见海怪。",
		})
	case generation.RoleFinalChecker:
		return generation.Text("终稿：阿澜出海遇见海怪，平安归来。")
	}
	return generation.Text(string(role) + " feedback")
}

func testSettings() Settings {
	s := DefaultSettings()
	s.TotalTargetLength = 3000
	return s
}

func newTestManager(t *testing.T, gen generation.Generator, settings Settings) (*Manager, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	m := NewManager(gen, nil, store, settings)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, store
}

func runToEnd(t *testing.T, m *Manager, req StartRequest) progress.Status {
	t.Helper()
	if _, err := m.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Wait()
	st, err := m.Status(req.SessionID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st
}

func TestSingleChapterJob(t *testing.T) {
	gen := newScriptedGenerator()
	m, store := newTestManager(t, gen, testSettings())

	st := runToEnd(t, m, StartRequest{SessionID: "s1", Concept: "海怪传说", MultiChapter: false, TotalChaptersHint: 1})

	if st.Phase != string(PhaseDone) || !st.Finished || st.Error != "" {
		t.Fatalf("status = %+v", st)
	}
	if st.Result != "终稿：阿澜出海遇见海怪，平安归来。" {
		t.Errorf("result = %q", st.Result)
	}
	if n := gen.count(generation.RoleWriter); n != 1 {
		t.Errorf("writer calls = %d, want 1", n)
	}

	want := []generation.Role{
		generation.RoleResearcher, generation.RolePlanner,
		generation.RoleWriter, generation.RoleContinuity,
		generation.RoleLogicChecker, generation.RoleDialogue, generation.RoleEditor,
		generation.RoleFinalChecker,
	}
	got := gen.roles()
	if len(got) != len(want) {
		t.Fatalf("roles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("roles[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	sums, err := store.ListPhaseSummaries("s1")
	if err != nil {
		t.Fatal(err)
	}
	phases := []string{string(PhaseResearchPlanning), string(PhaseCreation), string(PhaseReview), string(PhaseFinalCheck)}
	if len(sums) != len(phases) {
		t.Fatalf("summaries = %+v", sums)
	}
	for i, p := range phases {
		if sums[i].Phase != p {
			t.Errorf("summary[%d].Phase = %s, want %s", i, sums[i].Phase, p)
		}
	}

	chapters, _ := store.ListChapters("s1")
	if len(chapters) != 1 || chapters[0].Status != chapterFinal || chapters[0].ID != "s1_chapter_1" {
		t.Errorf("chapters = %+v", chapters)
	}

	run, err := store.GetRun("s1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Phase != string(PhaseDone) || run.FinishedAt.IsZero() || run.Result == "" {
		t.Errorf("run = %+v", run)
	}

	doc, err := m.Documentation("s1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Characters["阿澜"] != "渔女" || doc.SettingsLocations["东海"] != "多雾" {
		t.Errorf("documentation = %+v", doc)
	}

	tr, err := m.Transcript("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Records) != 8 || tr.Records[2].Chapter == nil || *tr.Records[2].Chapter != 1 {
		t.Errorf("records = %+v", tr.Records)
	}
}

func TestChapterLoop_SafetyCap(t *testing.T) {
	gen := newScriptedGenerator()
	settings := testSettings()
	settings.TotalTargetLength = 1_000_000
	settings.ChapterSafetyCap = 4
	settings.ConsistencyInterval = 0
	m, store := newTestManager(t, gen, settings)

	st := runToEnd(t, m, StartRequest{SessionID: "cap", Concept: "海怪传说", MultiChapter: true})
	if st.Phase != string(PhaseDone) {
		t.Fatalf("status = %+v", st)
	}
	if n := gen.count(generation.RoleWriter); n != 4 {
		t.Fatalf("writer calls = %d, want 4", n)
	}

	chapters, _ := store.ListChapters("cap")
	if len(chapters) != 4 {
		t.Fatalf("chapters = %d, want 4", len(chapters))
	}
	for i, c := range chapters {
		if c.Number != i+1 {
			t.Errorf("chapter[%d].Number = %d, want %d", i, c.Number, i+1)
		}
	}
	if st.TotalChapters != 4 {
		t.Errorf("TotalChapters = %d, want 4", st.TotalChapters)
	}
}

func TestChapterLoop_StopsAtTargetLength(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RoleWriter, func(int, string) (generation.Output, error) {
		return generation.Text("海怪来了海怪走了"), nil // 8 Han characters
	})
	settings := testSettings()
	settings.TotalTargetLength = 12
	settings.ChapterTargetLength = 8
	m, _ := newTestManager(t, gen, settings)

	runToEnd(t, m, StartRequest{SessionID: "len", Concept: "海怪传说", MultiChapter: true})
	if n := gen.count(generation.RoleWriter); n != 2 {
		t.Errorf("writer calls = %d, want 2", n)
	}
}

func TestChapterLoop_ConsistencyPass(t *testing.T) {
	gen := newScriptedGenerator()
	settings := testSettings()
	settings.TotalTargetLength = 1_000_000
	settings.ChapterSafetyCap = 6
	settings.ConsistencyInterval = 3
	m, _ := newTestManager(t, gen, settings)

	runToEnd(t, m, StartRequest{SessionID: "cons", Concept: "海怪传说", MultiChapter: true})

	// 6 chapters plus 2 consistency passes, then one logic check per review round.
	if n := gen.count(generation.RoleContinuity); n != 8 {
		t.Errorf("continuity calls = %d, want 8", n)
	}
	if n := gen.count(generation.RoleLogicChecker); n != 3 {
		t.Errorf("logic checker calls = %d, want 3", n)
	}
}

func TestReview_EarlyExitOnApproval(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RoleEditor, func(n int, _ string) (generation.Output, error) {
		return structured(map[string]any{
			"approved": n == 2, "score": 50, "issues": []any{}, "revised_text": "round text",
		}), nil
	})
	m, store := newTestManager(t, gen, testSettings())

	runToEnd(t, m, StartRequest{SessionID: "early", Concept: "海怪传说"})
	if n := gen.count(generation.RoleEditor); n != 2 {
		t.Errorf("editor calls = %d, want 2", n)
	}
	versions, _ := store.ListStoryVersions("early")
	var rounds int
	for _, v := range versions {
		if v.Phase == string(PhaseReview) {
			rounds++
		}
	}
	if rounds != 2 {
		t.Errorf("review versions = %d, want 2", rounds)
	}
}

func TestReview_MaxRounds(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RoleEditor, func(int, string) (generation.Output, error) {
		return generation.Text("still needs work"), nil
	})
	settings := testSettings()
	settings.MaxReviewRounds = 3
	m, store := newTestManager(t, gen, settings)

	runToEnd(t, m, StartRequest{SessionID: "max", Concept: "海怪传说"})
	if n := gen.count(generation.RoleEditor); n != 3 {
		t.Errorf("editor calls = %d, want 3", n)
	}
	if n := gen.count(generation.RoleDialogue); n != 3 {
		t.Errorf("dialogue calls = %d, want 3", n)
	}
	chapters, _ := store.ListChapters("max")
	if len(chapters) != 1 || chapters[0].Status != chapterFinal {
		t.Errorf("chapters = %+v", chapters)
	}
}

func TestReview_TextApprovalMarker(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RoleEditor, func(int, string) (generation.Output, error) {
		return generation.Text("APPROVED\n修订后的故事"), nil
	})
	m, _ := newTestManager(t, gen, testSettings())

	runToEnd(t, m, StartRequest{SessionID: "marker", Concept: "海怪传说"})
	if n := gen.count(generation.RoleEditor); n != 1 {
		t.Errorf("editor calls = %d, want 1", n)
	}
	finals := gen.prompts(generation.RoleFinalChecker)
	if len(finals) != 1 || !strings.Contains(finals[0], "修订后的故事") || strings.Contains(finals[0], "APPROVED") {
		t.Errorf("final check prompt = %q", finals)
	}
}

func TestReview_RejectionIsNotApproval(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RoleEditor, func(int, string) (generation.Output, error) {
		return generation.Text("NOT APPROVED: the ending contradicts chapter one\n故事"), nil
	})
	settings := testSettings()
	settings.MaxReviewRounds = 3
	m, _ := newTestManager(t, gen, settings)

	runToEnd(t, m, StartRequest{SessionID: "rejected", Concept: "海怪传说"})
	if n := gen.count(generation.RoleEditor); n != 3 {
		t.Errorf("editor calls = %d, want 3", n)
	}
}

func TestSplitApproval(t *testing.T) {
	tests := []struct {
		in       string
		want     string
		approved bool
	}{
		{"APPROVED\n故事", "故事", true},
		{"故事\n  APPROVED  ", "故事", true},
		{"APPROVED", "", true},
		{"NOT APPROVED", "NOT APPROVED", false},
		{"UNAPPROVED\n故事", "UNAPPROVED\n故事", false},
		{"the draft is APPROVED by nobody", "the draft is APPROVED by nobody", false},
	}
	for _, tt := range tests {
		got, ok := splitApproval(tt.in)
		if got != tt.want || ok != tt.approved {
			t.Errorf("splitApproval(%q) = %q, %t; want %q, %t", tt.in, got, ok, tt.want, tt.approved)
		}
	}
}

func TestReview_FeedbackReachesEditor(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RoleEditor, func(int, string) (generation.Output, error) {
		return generation.Text("still needs work"), nil
	})
	settings := testSettings()
	settings.MaxReviewRounds = 2
	m, _ := newTestManager(t, gen, settings)

	runToEnd(t, m, StartRequest{SessionID: "feedback", Concept: "海怪传说"})

	var editors, logic []string
	gen.mu.Lock()
	for _, c := range gen.calls {
		switch c.role {
		case generation.RoleEditor:
			editors = append(editors, c.gc.Bundle)
		case generation.RoleLogicChecker:
			logic = append(logic, c.gc.Bundle)
		}
	}
	gen.mu.Unlock()

	if len(editors) != 2 || len(logic) != 2 {
		t.Fatalf("editor bundles = %d, logic bundles = %d, want 2 each", len(editors), len(logic))
	}
	for _, want := range []string{"[Reviewer Feedback]", "logic_checker feedback", "dialogue feedback", "[Story Documentation]"} {
		if !strings.Contains(editors[0], want) {
			t.Errorf("editor bundle missing %q:\n%s", want, editors[0])
		}
	}
	if strings.Contains(logic[0], "Previous round") {
		t.Error("first logic check sees a previous round")
	}
	if !strings.Contains(logic[1], "Previous round") {
		t.Errorf("second logic check missing previous feedback:\n%s", logic[1])
	}
}

func TestLongPlanKeepsDocumentation(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RolePlanner, func(int, string) (generation.Output, error) {
		return generation.Text(strings.Repeat("计划", 6000)), nil
	})
	settings := testSettings()
	settings.TotalTargetLength = 1_000_000
	settings.ChapterSafetyCap = 2
	settings.ConsistencyInterval = 0
	m, _ := newTestManager(t, gen, settings)

	runToEnd(t, m, StartRequest{SessionID: "longplan", Concept: "海怪传说", MultiChapter: true})

	var bundles []string
	gen.mu.Lock()
	for _, c := range gen.calls {
		if c.role == generation.RoleWriter {
			bundles = append(bundles, c.gc.Bundle)
		}
	}
	gen.mu.Unlock()

	if len(bundles) != 2 {
		t.Fatalf("writer calls = %d, want 2", len(bundles))
	}
	for i, b := range bundles {
		if !strings.Contains(b, "[Story Documentation]") {
			t.Errorf("writer bundle %d missing documentation", i+1)
		}
		if !strings.Contains(b, "[Creation Plan]") {
			t.Errorf("writer bundle %d missing plan", i+1)
		}
	}
	if !strings.Contains(bundles[1], "阿澜") {
		t.Errorf("chapter 2 bundle missing facts from chapter 1:\n%.300s", bundles[1])
	}
}

func TestReview_ScoreThresholdApproves(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RoleEditor, func(int, string) (generation.Output, error) {
		return structured(map[string]any{"approved": false, "score": 85, "issues": []any{}, "revised_text": ""}), nil
	})
	m, _ := newTestManager(t, gen, testSettings())

	runToEnd(t, m, StartRequest{SessionID: "score", Concept: "海怪传说"})
	if n := gen.count(generation.RoleEditor); n != 1 {
		t.Errorf("editor calls = %d, want 1", n)
	}
}

func TestTransientErrorsRetried(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RoleWriter, func(n int, _ string) (generation.Output, error) {
		if n <= 2 {
			return generation.Output{}, &generation.TransientError{Err: errors.New("rate limited")}
		}
		return generation.Text("海怪出现了。"), nil
	})
	backoff := 20 * time.Millisecond
	m, _ := newTestManager(t, generation.WithRetry(gen, 3, backoff), testSettings())

	start := time.Now()
	st := runToEnd(t, m, StartRequest{SessionID: "retry", Concept: "海怪传说"})
	elapsed := time.Since(start)

	if st.Phase != string(PhaseDone) || st.Error != "" {
		t.Fatalf("status = %+v", st)
	}
	if n := gen.count(generation.RoleWriter); n != 3 {
		t.Errorf("writer calls = %d, want 3", n)
	}
	if want := backoff + 2*backoff; elapsed < want {
		t.Errorf("elapsed %v, want at least %v for two backoffs", elapsed, want)
	}
}

func TestFailureKeepsContinuity(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RoleWriter, func(n int, _ string) (generation.Output, error) {
		if n == 2 {
			return generation.Output{}, &generation.FatalError{Err: errors.New("invalid api key")}
		}
		return generation.Text("第一章。"), nil
	})
	settings := testSettings()
	settings.TotalTargetLength = 1_000_000
	m, store := newTestManager(t, gen, settings)

	st := runToEnd(t, m, StartRequest{SessionID: "fail", Concept: "海怪传说", MultiChapter: true})
	if st.Phase != string(PhaseFailed) || !strings.Contains(st.Error, "invalid api key") {
		t.Fatalf("status = %+v", st)
	}
	if gen.count(generation.RoleEditor) != 0 || gen.count(generation.RoleFinalChecker) != 0 {
		t.Error("later phases ran after failure")
	}

	doc, err := m.Documentation("fail")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Characters["阿澜"] != "渔女" {
		t.Errorf("continuity lost after failure: %+v", doc.Characters)
	}
	run, _ := store.GetRun("fail")
	if run.Phase != string(PhaseFailed) || run.LastError == "" {
		t.Errorf("run = %+v", run)
	}
	tr, _ := m.Transcript("fail")
	if len(tr.Records) == 0 {
		t.Error("conversation log lost after failure")
	}
}

func TestEarlyFailureLeavesDocumentation(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RoleResearcher, func(int, string) (generation.Output, error) {
		return generation.Output{}, &generation.FatalError{Err: errors.New("model not found")}
	})
	m, store := newTestManager(t, gen, testSettings())

	st := runToEnd(t, m, StartRequest{SessionID: "early-fail", Concept: "海怪传说"})
	if st.Phase != string(PhaseFailed) {
		t.Fatalf("status = %+v", st)
	}
	if _, err := store.GetContinuityDoc("early-fail"); err != nil {
		t.Errorf("GetContinuityDoc: %v", err)
	}
}

func TestInvalidStructuredOutputDoesNotAbort(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RoleContinuity, func(int, string) (generation.Output, error) {
		return generation.Text("not json at all"), nil
	})
	m, _ := newTestManager(t, gen, testSettings())

	st := runToEnd(t, m, StartRequest{SessionID: "invalid", Concept: "海怪传说"})
	if st.Phase != string(PhaseDone) {
		t.Fatalf("status = %+v", st)
	}
	doc, _ := m.Documentation("invalid")
	if len(doc.Characters) != 0 {
		t.Errorf("characters = %v, want none", doc.Characters)
	}
}

func TestResearchSuggestsTargetLength(t *testing.T) {
	gen := newScriptedGenerator().on(generation.RoleResearcher, func(int, string) (generation.Output, error) {
		return structured(map[string]any{
			"background": "", "themes": []any{}, "characters": []any{},
			"target_length": 1234, "suggested_chapters": 0,
		}), nil
	})
	m, _ := newTestManager(t, gen, testSettings())

	runToEnd(t, m, StartRequest{SessionID: "target", Concept: "海怪传说"})
	prompts := gen.prompts(generation.RoleWriter)
	if len(prompts) != 1 || !strings.Contains(prompts[0], "about 1234 characters") {
		t.Errorf("writer prompt = %q", prompts)
	}
}

func TestKnowledgeInContext(t *testing.T) {
	kb, err := knowledge.Open(&memKnowledge{})
	if err != nil {
		t.Fatal(err)
	}
	kb.Add(knowledge.AddRequest{Title: "海怪传说考", Content: "海怪多在雾夜出现", KnowledgeType: knowledge.TypeBackground})
	kb.Add(knowledge.AddRequest{Title: "unrelated", Content: "desert", KnowledgeType: knowledge.TypeExample})

	gen := newScriptedGenerator()
	m := NewManager(gen, kb, openTestStore(t), testSettings())
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	runToEnd(t, m, StartRequest{SessionID: "kb", Concept: "海怪传说"})

	gen.mu.Lock()
	defer gen.mu.Unlock()
	for _, c := range gen.calls {
		if c.role == generation.RolePlanner && !strings.Contains(c.gc.Bundle, "海怪多在雾夜出现") {
			t.Errorf("planner bundle missing knowledge:\n%s", c.gc.Bundle)
		}
		if c.role == generation.RoleWriter {
			if !strings.Contains(c.gc.Bundle, "海怪多在雾夜出现") {
				t.Errorf("writer bundle missing knowledge:\n%s", c.gc.Bundle)
			}
			if strings.Contains(c.gc.Bundle, "desert") {
				t.Error("unrelated knowledge included")
			}
			return
		}
	}
	t.Fatal("writer never called")
}

type memKnowledge struct{}

func (memKnowledge) Load() ([]knowledge.Entry, error)        { return nil, nil }
func (memKnowledge) Save([]knowledge.Entry, time.Time) error { return nil }

// gate blocks a role until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) handler(reply generation.Output) handler {
	return func(int, string) (generation.Output, error) {
		g.once.Do(func() { close(g.entered) })
		<-g.release
		return reply, nil
	}
}

func TestStart_JobAlreadyRunning(t *testing.T) {
	g := newGate()
	gen := newScriptedGenerator().on(generation.RoleResearcher, g.handler(generation.Text("notes")))
	m, _ := newTestManager(t, gen, testSettings())

	if _, err := m.Start(context.Background(), StartRequest{SessionID: "busy", Concept: "海怪传说"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-g.entered

	_, err := m.Start(context.Background(), StartRequest{SessionID: "busy", Concept: "another"})
	if !errors.Is(err, ErrJobAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrJobAlreadyRunning", err)
	}
	if _, err := m.Start(context.Background(), StartRequest{SessionID: "other", Concept: "另一个"}); err != nil {
		t.Fatalf("Start on other session: %v", err)
	}

	close(g.release)
	m.Wait()

	if _, err := m.Start(context.Background(), StartRequest{SessionID: "busy", Concept: "again"}); err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	m.Wait()
}

func TestCancel_StopsAtNextBoundary(t *testing.T) {
	g := newGate()
	gen := newScriptedGenerator().on(generation.RoleWriter, g.handler(generation.Text("第一章。")))
	settings := testSettings()
	settings.TotalTargetLength = 1_000_000
	m, store := newTestManager(t, gen, settings)

	if _, err := m.Start(context.Background(), StartRequest{SessionID: "cancel", Concept: "海怪传说", MultiChapter: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-g.entered
	if err := m.Cancel("cancel"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(g.release)
	m.Wait()

	st, _ := m.Status("cancel")
	if st.Phase != string(PhaseCanceled) || !st.Finished {
		t.Fatalf("status = %+v", st)
	}
	// The in-flight chapter completes; no further chapter or phase starts.
	if n := gen.count(generation.RoleWriter); n != 1 {
		t.Errorf("writer calls = %d, want 1", n)
	}
	if gen.count(generation.RoleContinuity) != 0 {
		t.Error("continuity update ran after cancel")
	}
	if gen.count(generation.RoleEditor) != 0 {
		t.Error("review ran after cancel")
	}
	run, _ := store.GetRun("cancel")
	if run.Phase != string(PhaseCanceled) {
		t.Errorf("run phase = %s", run.Phase)
	}

	if err := m.Cancel("cancel"); !errors.Is(err, ErrNoJob) {
		t.Errorf("Cancel finished job: err = %v, want ErrNoJob", err)
	}
}

func TestSubscribe_ReceivesProgress(t *testing.T) {
	g := newGate()
	gen := newScriptedGenerator().on(generation.RoleResearcher, g.handler(generation.Text("notes")))
	m, _ := newTestManager(t, gen, testSettings())

	if _, err := m.Start(context.Background(), StartRequest{SessionID: "sub", Concept: "海怪传说"}); err != nil {
		t.Fatal(err)
	}
	<-g.entered
	sub, unsubscribe, err := m.Subscribe("sub")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()
	close(g.release)

	var kinds []progress.Kind
	for ev := range sub.Events {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) < 3 || kinds[0] != progress.KindConnectionAck || kinds[len(kinds)-1] != progress.KindCompletion {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestStatus(t *testing.T) {
	gen := newScriptedGenerator()
	m, store := newTestManager(t, gen, testSettings())

	if _, err := m.Status("nope"); !errors.Is(err, ErrNoJob) {
		t.Fatalf("err = %v, want ErrNoJob", err)
	}
	runToEnd(t, m, StartRequest{SessionID: "persisted", Concept: "海怪传说"})

	// A fresh manager over the same store reads the persisted run.
	m2 := NewManager(gen, nil, store, testSettings())
	st, err := m2.Status("persisted")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Phase != string(PhaseDone) || !st.Finished || st.Result == "" {
		t.Errorf("status = %+v", st)
	}
	doc, err := m2.Documentation("persisted")
	if err != nil || doc.Characters["阿澜"] != "渔女" {
		t.Errorf("Documentation = %+v, %v", doc, err)
	}
}

func TestStart_RequiresConcept(t *testing.T) {
	m, _ := newTestManager(t, newScriptedGenerator(), testSettings())
	if _, err := m.Start(context.Background(), StartRequest{SessionID: "x"}); err == nil {
		t.Fatal("expected error for empty concept")
	}
}

func TestFactsToUpdate(t *testing.T) {
	u := factsToUpdate(generation.ContinuityFacts{
		Characters: []generation.NamedFact{{Name: "阿澜", Description: "渔女"}, {Name: "", Description: "ignored"}},
		Timeline:   []string{"出海"},
	})
	if u.Characters["阿澜"] != "渔女" || len(u.Characters) != 1 {
		t.Errorf("characters = %v", u.Characters)
	}
	if len(u.Timeline) != 1 || u.WorldRules != nil {
		t.Errorf("update = %+v", u)
	}
	if u.Empty() {
		t.Error("update with facts reported empty")
	}
	if !factsToUpdate(generation.ContinuityFacts{Characters: []generation.NamedFact{{Name: ""}}}).Empty() {
		t.Error("update without named facts should be empty")
	}
}
