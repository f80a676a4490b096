// Package reconcile merges the job records of one scrape run into storage:
// new jobs are created, changed jobs updated or reopened, and jobs that are
// no longer listed are closed when the run is finalized.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/location"
	"github.com/jobref/pipeline/internal/store"
	"github.com/jobref/pipeline/internal/textnorm"
)

// ErrFinished is returned when a run is used after Finalize or Abort.
var ErrFinished = errors.New("reconcile: run already finished")

// DefaultRecentClosedWindow bounds how far back closed jobs are loaded for
// reopening.
const DefaultRecentClosedWindow = 90 * 24 * time.Hour

// Config tunes the reconciler.
type Config struct {
	// RecentClosedWindow limits loaded closed jobs; 0 loads all of them.
	RecentClosedWindow    time.Duration   `yaml:"recent_closed_window"`
	DefaultEmploymentType string          `yaml:"default_employment_type"`
	Compensation          textnorm.Bounds `yaml:"-"`
}

// DefaultConfig returns the default reconciler settings.
func DefaultConfig() Config {
	return Config{
		RecentClosedWindow:    DefaultRecentClosedWindow,
		DefaultEmploymentType: domain.EmploymentFullTime,
		Compensation:          textnorm.DefaultBounds(),
	}
}

// LocationResolver maps a raw location string to its canonical row.
type LocationResolver interface {
	Resolve(ctx context.Context, raw string, opts ...location.ResolveOption) (*domain.CanonicalLocation, error)
}

// Outcome is what Ingest did with one record.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeUpdated
	OutcomeReopened
	OutcomeUnchanged
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeReopened:
		return "reopened"
	case OutcomeUnchanged:
		return "unchanged"
	default:
		return "failed"
	}
}

// Reconciler starts per-employer runs. It holds no run state itself.
type Reconciler struct {
	jobs     store.JobStore
	resolver LocationResolver
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Reconciler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// New creates a reconciler
func New(jobs store.JobStore, resolver LocationResolver, cfg Config, log *zap.Logger, opts ...Option) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DefaultEmploymentType == "" {
		cfg.DefaultEmploymentType = domain.EmploymentFullTime
	}
	if cfg.Compensation == (textnorm.Bounds{}) {
		cfg.Compensation = textnorm.DefaultBounds()
	}
	r := &Reconciler{
		jobs:     jobs,
		resolver: resolver,
		cfg:      cfg,
		log:      log.Named("reconcile"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run is one reconciliation pass for one employer. Ingest may be called
// concurrently; Finalize or Abort ends the run.
type Run struct {
	r        *Reconciler
	employer *domain.Employer
	log      *zap.Logger

	mu       sync.Mutex
	jobs     map[domain.JobKey]*domain.EmployerJob
	loaded   map[uuid.UUID]bool
	found    map[domain.JobKey]bool
	touched  map[uuid.UUID]bool
	skip     map[string]bool
	summary  domain.RunSummary
	finished bool

	deptMu      sync.Mutex
	departments map[string]uuid.UUID
}

// Begin loads the employer's open and recently closed scraped jobs.
func (r *Reconciler) Begin(ctx context.Context, employer *domain.Employer) (*Run, error) {
	startedAt := r.now().UTC()
	var since time.Time
	if r.cfg.RecentClosedWindow > 0 {
		since = startedAt.Add(-r.cfg.RecentClosedWindow)
	}

	existing, err := r.jobs.ListScrapedJobs(ctx, employer.ID, since)
	if err != nil {
		return nil, fmt.Errorf("load jobs of %s: %w", employer.Name, err)
	}

	run := &Run{
		r:           r,
		employer:    employer,
		log:         r.log.With(zap.String("employer", employer.Name)),
		jobs:        make(map[domain.JobKey]*domain.EmployerJob, len(existing)),
		loaded:      make(map[uuid.UUID]bool, len(existing)),
		found:       make(map[domain.JobKey]bool),
		touched:     make(map[uuid.UUID]bool),
		skip:        make(map[string]bool),
		departments: make(map[string]uuid.UUID),
		summary: domain.RunSummary{
			EmployerID: employer.ID,
			Employer:   employer.Name,
			StartedAt:  startedAt,
		},
	}
	for _, job := range existing {
		key := job.Key()
		if prev, ok := run.jobs[key]; ok && !preferLoaded(job, prev) {
			continue
		}
		run.jobs[key] = job
		run.loaded[job.ID] = true
	}

	run.log.Debug("Loaded existing jobs", zap.Int("count", len(existing)))
	return run, nil
}

// preferLoaded picks between two stored jobs with the same key: the open one,
// then the most recently modified.
func preferLoaded(candidate, current *domain.EmployerJob) bool {
	if candidate.IsOpen() != current.IsOpen() {
		return candidate.IsOpen()
	}
	return candidate.ModifiedAt.After(current.ModifiedAt)
}

// Skip protects the jobs behind urls from closure in this run.
func (run *Run) Skip(urls ...string) {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, u := range urls {
		if u != "" {
			run.skip[u] = true
		}
	}
}

// prepared is a record after every step that does not need the run lock.
type prepared struct {
	title          string
	url            string
	description    string
	employmentType string
	departmentID   *uuid.UUID
	compensation   domain.Compensation
	locationIDs    []uuid.UUID
	openDate       time.Time
}

// Ingest merges one record. Geocoder failures skip the record and protect
// its URL from closure; store failures are returned.
func (run *Run) Ingest(ctx context.Context, rec domain.JobRecord) (Outcome, error) {
	run.mu.Lock()
	if run.finished {
		run.mu.Unlock()
		return OutcomeFailed, ErrFinished
	}
	run.summary.Scraped++
	run.mu.Unlock()

	p, err := run.prepare(ctx, rec)
	if err != nil {
		if errors.Is(err, location.ErrGeocoder) || errors.Is(err, errInvalidRecord) {
			run.fail(rec.ApplicationURL, err)
			return OutcomeFailed, nil
		}
		return OutcomeFailed, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.finished {
		return OutcomeFailed, ErrFinished
	}
	return run.merge(ctx, p)
}

var errInvalidRecord = errors.New("invalid job record")

func (run *Run) prepare(ctx context.Context, rec domain.JobRecord) (*prepared, error) {
	cfg := run.r.cfg
	title := strings.TrimSpace(rec.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: %s: empty title", errInvalidRecord, rec.ApplicationURL)
	}

	description := textnorm.SanitizeDescription(rec.Description)
	fromText := textnorm.ParseCompensation(textnorm.PlainText(description), textnorm.WithBounds(cfg.Compensation))

	p := &prepared{
		title:          title,
		url:            rec.ApplicationURL,
		description:    description,
		employmentType: textnorm.NormalizeEmploymentType(rec.EmploymentType, cfg.DefaultEmploymentType),
		compensation:   textnorm.MergeCompensation(fromText, rec.Compensation),
		openDate:       run.summary.StartedAt,
	}
	if rec.PostedDate != nil {
		p.openDate = rec.PostedDate.UTC()
	}

	ids := make([]uuid.UUID, 0, len(rec.Locations))
	for _, raw := range location.WithRemoteMarker(rec.Locations, title) {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		loc, err := run.r.resolver.Resolve(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("resolve %q for %s: %w", raw, rec.ApplicationURL, err)
		}
		ids = append(ids, loc.ID)
	}
	p.locationIDs = domain.SortedLocationIDs(ids)

	if dept := strings.TrimSpace(rec.Department); dept != "" {
		id, err := run.department(ctx, dept)
		if err != nil {
			return nil, err
		}
		p.departmentID = &id
	}
	return p, nil
}

func (run *Run) department(ctx context.Context, name string) (uuid.UUID, error) {
	key := textnorm.FoldText(name)
	run.deptMu.Lock()
	defer run.deptMu.Unlock()
	if id, ok := run.departments[key]; ok {
		return id, nil
	}
	d, err := run.r.jobs.GetOrCreateDepartment(ctx, name, run.r.now())
	if err != nil {
		return uuid.Nil, fmt.Errorf("department %q: %w", name, err)
	}
	run.departments[key] = d.ID
	return d.ID, nil
}

// merge applies p to storage. Callers hold run.mu.
func (run *Run) merge(ctx context.Context, p *prepared) (Outcome, error) {
	key := domain.NewJobKey(p.title, p.locationIDs)
	run.found[key] = true
	now := run.r.now()

	job, ok := run.jobs[key]
	if !ok {
		job = &domain.EmployerJob{
			EmployerID:     run.employer.ID,
			Title:          p.title,
			Description:    p.description,
			DepartmentID:   p.departmentID,
			EmploymentType: p.employmentType,
			ApplicationURL: p.url,
			OpenDate:       p.openDate,
			Compensation:   p.compensation,
			IsScraped:      true,
			LocationIDs:    p.locationIDs,
		}
		job.StampCreated(now)
		if err := run.r.jobs.CreateJob(ctx, job); err != nil {
			return OutcomeFailed, fmt.Errorf("create job %q: %w", p.title, err)
		}
		run.jobs[key] = job
		run.summary.Created++
		return OutcomeCreated, nil
	}

	updated := job.Clone()
	changed := applyChanges(updated, p)
	if !changed && updated.IsOpen() {
		run.touched[job.ID] = true
		run.summary.Unchanged++
		return OutcomeUnchanged, nil
	}

	outcome := OutcomeUpdated
	if !updated.IsOpen() {
		outcome = OutcomeReopened
		updated.CloseDate = nil
	}
	updated.StampModified(now)
	if err := run.r.jobs.UpdateJob(ctx, updated); err != nil {
		return OutcomeFailed, fmt.Errorf("update job %s: %w", job.ID, err)
	}
	run.jobs[key] = updated
	delete(run.touched, job.ID)

	if outcome == OutcomeReopened {
		run.summary.Reopened++
	} else {
		run.summary.Updated++
	}
	return outcome, nil
}

// applyChanges copies the mutable fields of p onto job and reports whether
// any differed.
func applyChanges(job *domain.EmployerJob, p *prepared) bool {
	changed := false
	if job.ApplicationURL != p.url {
		job.ApplicationURL = p.url
		changed = true
	}
	if job.Description != p.description {
		job.Description = p.description
		changed = true
	}
	if job.EmploymentType != p.employmentType {
		job.EmploymentType = p.employmentType
		changed = true
	}
	if !sameID(job.DepartmentID, p.departmentID) {
		job.DepartmentID = p.departmentID
		changed = true
	}
	if !job.Compensation.Equal(p.compensation) {
		job.Compensation = p.compensation.Clone()
		changed = true
	}
	return changed
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (run *Run) fail(url string, err error) {
	run.log.Warn("Skipping job", zap.String("url", url), zap.Error(err))
	run.mu.Lock()
	defer run.mu.Unlock()
	run.summary.Failed++
	run.summary.Errors = append(run.summary.Errors, err.Error())
	if url != "" {
		run.skip[url] = true
	}
}

// Finalize closes every loaded open job that was not found in this run,
// except those whose URL is in the skip set, and commits liveness touches.
// It is the only place closures happen.
func (run *Run) Finalize(ctx context.Context) (*domain.RunSummary, error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.finished {
		return nil, ErrFinished
	}
	run.finished = true
	now := run.r.now().UTC()

	var closing []uuid.UUID
	for key, job := range run.jobs {
		if run.found[key] || !job.IsOpen() || !run.loaded[job.ID] {
			continue
		}
		if run.skip[job.ApplicationURL] {
			run.touched[job.ID] = true
			run.summary.SkippedClosures++
			continue
		}
		closing = append(closing, job.ID)
	}
	sortIDs(closing)

	if len(closing) > 0 {
		if err := run.r.jobs.CloseJobs(ctx, closing, now); err != nil {
			return nil, fmt.Errorf("close jobs of %s: %w", run.employer.Name, err)
		}
	}
	run.summary.Closed = len(closing)

	if err := run.flushTouches(ctx, now); err != nil {
		return nil, err
	}

	run.summary.FinishedAt = now
	run.log.Info("Run finalized",
		zap.Int("scraped", run.summary.Scraped),
		zap.Int("created", run.summary.Created),
		zap.Int("updated", run.summary.Updated),
		zap.Int("reopened", run.summary.Reopened),
		zap.Int("unchanged", run.summary.Unchanged),
		zap.Int("closed", run.summary.Closed),
		zap.Int("skippedClosures", run.summary.SkippedClosures),
		zap.Int("failed", run.summary.Failed))
	return run.snapshot(), nil
}

// Abort ends a run whose scrape did not complete. Touches are committed but
// nothing is closed.
func (run *Run) Abort(ctx context.Context, cause error) (*domain.RunSummary, error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.finished {
		return nil, ErrFinished
	}
	run.finished = true
	now := run.r.now().UTC()

	run.summary.RunFailed = true
	if cause != nil {
		run.summary.Errors = append(run.summary.Errors, cause.Error())
	}
	if err := run.flushTouches(ctx, now); err != nil {
		return nil, err
	}
	run.summary.FinishedAt = now
	run.log.Warn("Run aborted, no jobs closed", zap.Error(cause))
	return run.snapshot(), nil
}

func (run *Run) flushTouches(ctx context.Context, now time.Time) error {
	if len(run.touched) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(run.touched))
	for id := range run.touched {
		ids = append(ids, id)
	}
	sortIDs(ids)
	if err := run.r.jobs.TouchJobs(ctx, ids, now); err != nil {
		return fmt.Errorf("touch jobs of %s: %w", run.employer.Name, err)
	}
	return nil
}

func (run *Run) snapshot() *domain.RunSummary {
	s := run.summary
	s.Errors = append([]string(nil), run.summary.Errors...)
	return &s
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, k int) bool { return ids[i].String() < ids[k].String() })
}
