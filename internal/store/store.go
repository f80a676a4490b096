// Package store defines the persistence contract of the pipeline. The
// reconciler and location resolver only see these interfaces; memory and
// postgres provide implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jobref/pipeline/internal/domain"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
)

// LocationQuery finds a canonical location either by display text
// (case-insensitive) or by truncated coordinates, always within the same
// remote flag. Empty fields are ignored; a query with neither matches nothing.
type LocationQuery struct {
	IsRemote bool
	Text     string
	LatText  string
	LongText string
}

// EmployerStore persists employers and their scrape status.
type EmployerStore interface {
	EnsureEmployer(ctx context.Context, name string) (*domain.Employer, error)
	ListEmployers(ctx context.Context) ([]*domain.Employer, error)
	RecordScrapeStatus(ctx context.Context, employerID uuid.UUID, status domain.EmployerScrapeStatus) error
}

// LocationStore persists canonical locations and the raw-text lookup cache.
type LocationStore interface {
	ListLocationLookups(ctx context.Context) ([]*domain.LocationLookup, []*domain.CanonicalLocation, error)
	FindLocation(ctx context.Context, q LocationQuery) (*domain.CanonicalLocation, error)
	CreateLocation(ctx context.Context, loc *domain.CanonicalLocation) error
	UpdateLocation(ctx context.Context, loc *domain.CanonicalLocation) error
	UpsertLocationLookup(ctx context.Context, lookup *domain.LocationLookup) error
}

// JobStore persists scraped jobs and departments.
type JobStore interface {
	// ListScrapedJobs returns the employer's scraped jobs that are open or
	// were closed at or after closedSince. A zero closedSince returns all.
	ListScrapedJobs(ctx context.Context, employerID uuid.UUID, closedSince time.Time) ([]*domain.EmployerJob, error)
	CreateJob(ctx context.Context, job *domain.EmployerJob) error
	UpdateJob(ctx context.Context, job *domain.EmployerJob) error
	TouchJobs(ctx context.Context, ids []uuid.UUID, modified time.Time) error
	CloseJobs(ctx context.Context, ids []uuid.UUID, closeDate time.Time) error
	GetOrCreateDepartment(ctx context.Context, name string, now time.Time) (*domain.JobDepartment, error)
}

// Store aggregates every persistence concern.
type Store interface {
	EmployerStore
	LocationStore
	JobStore

	Ping(ctx context.Context) error
	Close()
}
