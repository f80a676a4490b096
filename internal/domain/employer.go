package domain

import (
	"time"

	"github.com/google/uuid"
)

// Employer is the owner of scraped jobs together with its scrape health.
type Employer struct {
	ID                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	LastScrapeAt        *time.Time `json:"last_scrape_at,omitempty"`
	LastScrapeSuccessAt *time.Time `json:"last_scrape_success_at,omitempty"`
	ScrapeFailed        bool       `json:"scrape_failed"`
	Audit
}

// EmployerScrapeStatus is the outcome of one employer run, persisted on the
// employer row for monitoring.
type EmployerScrapeStatus struct {
	RanAt     time.Time
	Succeeded bool
}

// Apply folds a run outcome into the employer's scrape fields.
func (e *Employer) Apply(status EmployerScrapeStatus) {
	ranAt := status.RanAt.UTC()
	e.LastScrapeAt = &ranAt
	e.ScrapeFailed = !status.Succeeded
	if status.Succeeded {
		e.LastScrapeSuccessAt = &ranAt
	}
	e.StampModified(ranAt)
}

// ScrapeStatus represents the status of a scraping task
type ScrapeStatus string

const (
	ScrapeStatusQueued     ScrapeStatus = "queued"
	ScrapeStatusInProgress ScrapeStatus = "in_progress"
	ScrapeStatusCompleted  ScrapeStatus = "completed"
	ScrapeStatusFailed     ScrapeStatus = "failed"
)

// ScrapeTask represents a background scrape run started from the API
type ScrapeTask struct {
	ID         uuid.UUID     `json:"id"`
	Employers  []string      `json:"employers"`
	Status     ScrapeStatus  `json:"status"`
	Summaries  []*RunSummary `json:"summaries,omitempty"`
	Error      *string       `json:"error,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// RunSummary is the operator-facing result of one employer run.
type RunSummary struct {
	EmployerID      uuid.UUID `json:"employer_id"`
	Employer        string    `json:"employer"`
	Scraped         int       `json:"scraped"`
	Created         int       `json:"created"`
	Updated         int       `json:"updated"`
	Reopened        int       `json:"reopened"`
	Unchanged       int       `json:"unchanged"`
	Closed          int       `json:"closed"`
	SkippedClosures int       `json:"skipped_closures"`
	Failed          int       `json:"failed"`
	RunFailed       bool      `json:"run_failed"`
	Errors          []string  `json:"errors,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Duration returns the run duration
func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}
