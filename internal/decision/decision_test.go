package decision

import "testing"

func TestShouldContinue(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want bool
	}{
		{"empty story", Input{AccumulatedLength: 0, TotalTargetLength: 3000, ChaptersSoFar: 0, SafetyCap: 20}, true},
		{"below target", Input{AccumulatedLength: 2999, TotalTargetLength: 3000, ChaptersSoFar: 1, SafetyCap: 20}, true},
		{"target reached exactly", Input{AccumulatedLength: 3000, TotalTargetLength: 3000, ChaptersSoFar: 1, SafetyCap: 20}, false},
		{"target exceeded", Input{AccumulatedLength: 9000, TotalTargetLength: 3000, ChaptersSoFar: 1, SafetyCap: 20}, false},
		{"cap reached below target", Input{AccumulatedLength: 10, TotalTargetLength: 3000, ChaptersSoFar: 20, SafetyCap: 20}, false},
		{"zero cap acts as one", Input{AccumulatedLength: 0, TotalTargetLength: 3000, ChaptersSoFar: 1, SafetyCap: 0}, false},
		{"zero target never continues", Input{AccumulatedLength: 0, TotalTargetLength: 0, ChaptersSoFar: 0, SafetyCap: 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldContinue(tt.in); got != tt.want {
				t.Errorf("ShouldContinue(%+v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestShouldContinueIsDeterministic(t *testing.T) {
	in := Input{AccumulatedLength: 1200, TotalTargetLength: 5000, ChaptersSoFar: 2, SafetyCap: 20}
	first := ShouldContinue(in)
	for i := 0; i < 100; i++ {
		if ShouldContinue(in) != first {
			t.Fatal("ShouldContinue returned different answers for identical input")
		}
	}
}

func TestReason(t *testing.T) {
	if got := Reason(Input{ChaptersSoFar: 3, SafetyCap: 3, AccumulatedLength: 0, TotalTargetLength: 10}); got != "chapter safety cap reached" {
		t.Errorf("Reason = %q", got)
	}
	if got := Reason(Input{ChaptersSoFar: 1, SafetyCap: 3, AccumulatedLength: 10, TotalTargetLength: 10}); got != "target length reached" {
		t.Errorf("Reason = %q", got)
	}
	if got := Reason(Input{ChaptersSoFar: 1, SafetyCap: 3, AccumulatedLength: 1, TotalTargetLength: 10}); got != "below target length" {
		t.Errorf("Reason = %q", got)
	}
}

func TestCountChars(t *testing.T) {
	text := "海怪传说, sea monster!"
	if got := CountChars(text, CountHan); got != 4 {
		t.Errorf("CountChars(han) = %d, want 4", got)
	}
	if got := CountChars(text, CountAll); got != 18 {
		t.Errorf("CountChars(all) = %d, want 18", got)
	}
	if got := CountChars("", CountHan); got != 0 {
		t.Errorf("CountChars(empty) = %d, want 0", got)
	}
	if got := CountChars("hello world", CountHan); got != 11 {
		t.Errorf("CountChars(latin, han) = %d, want 11", got)
	}
}

func TestChapterTarget(t *testing.T) {
	tests := []struct {
		accumulated, total, per, want int
	}{
		{0, 5000, 3000, 3000},
		{3000, 5000, 3000, 2000},
		{5000, 5000, 3000, 3000},
		{0, 1000, 0, 1000},
	}
	for _, tt := range tests {
		if got := ChapterTarget(tt.accumulated, tt.total, tt.per); got != tt.want {
			t.Errorf("ChapterTarget(%d, %d, %d) = %d, want %d", tt.accumulated, tt.total, tt.per, got, tt.want)
		}
	}
}
