// Package workflow runs story generation jobs: research and planning,
// chapter creation, review rounds and the final check, one job per session.
package workflow

import "errors"

// Phase is the state of a job.
type Phase string

const (
	PhaseResearchPlanning Phase = "RESEARCH_PLANNING"
	PhaseCreation         Phase = "CREATION"
	PhaseReview           Phase = "REVIEW"
	PhaseFinalCheck       Phase = "FINAL_CHECK"
	PhaseDone             Phase = "DONE"
	PhaseFailed           Phase = "FAILED"
	PhaseCanceled         Phase = "CANCELED"
)

// Terminal reports whether no further transitions happen from p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseCanceled
}

var (
	// ErrJobAlreadyRunning is returned by Start while a session has an
	// active job.
	ErrJobAlreadyRunning = errors.New("job already running")
	// ErrNoJob is returned for sessions with no known job.
	ErrNoJob = errors.New("no job for session")
	// ErrCanceled ends a job whose cancel flag was observed.
	ErrCanceled = errors.New("job canceled")
)

// Chapter status values stored with each chapter.
const (
	chapterDraft     = "draft"
	chapterReviewing = "reviewing"
	chapterApproved  = "approved"
	chapterFinal     = "final"
)
