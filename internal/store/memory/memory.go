// Package memory is an in-process implementation of store.Store. It enforces
// the same uniqueness rules as the postgres schema and is used by tests and
// by the "memory" database driver.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/store"
)

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu          sync.RWMutex
	employers   map[uuid.UUID]*domain.Employer
	locations   map[uuid.UUID]*domain.CanonicalLocation
	lookups     map[string]*domain.LocationLookup
	jobs        map[uuid.UUID]*domain.EmployerJob
	departments map[uuid.UUID]*domain.JobDepartment
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		employers:   make(map[uuid.UUID]*domain.Employer),
		locations:   make(map[uuid.UUID]*domain.CanonicalLocation),
		lookups:     make(map[string]*domain.LocationLookup),
		jobs:        make(map[uuid.UUID]*domain.EmployerJob),
		departments: make(map[uuid.UUID]*domain.JobDepartment),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

// ---------------- EMPLOYERS ----------------

func (s *Store) EnsureEmployer(_ context.Context, name string) (*domain.Employer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.employers {
		if strings.EqualFold(e.Name, name) {
			c := *e
			return &c, nil
		}
	}
	e := &domain.Employer{ID: uuid.New(), Name: name}
	e.StampCreated(time.Now())
	s.employers[e.ID] = e
	c := *e
	return &c, nil
}

func (s *Store) ListEmployers(context.Context) ([]*domain.Employer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Employer, 0, len(s.employers))
	for _, e := range s.employers {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) RecordScrapeStatus(_ context.Context, employerID uuid.UUID, status domain.EmployerScrapeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.employers[employerID]
	if !ok {
		return store.ErrNotFound
	}
	e.Apply(status)
	return nil
}

// ---------------- LOCATIONS ----------------

func (s *Store) ListLocationLookups(context.Context) ([]*domain.LocationLookup, []*domain.CanonicalLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lookups := make([]*domain.LocationLookup, 0, len(s.lookups))
	referenced := make(map[uuid.UUID]struct{})
	for _, l := range s.lookups {
		c := *l
		lookups = append(lookups, &c)
		referenced[l.LocationID] = struct{}{}
	}
	locations := make([]*domain.CanonicalLocation, 0, len(referenced))
	for id := range referenced {
		if loc, ok := s.locations[id]; ok {
			locations = append(locations, loc.Clone())
		}
	}
	return lookups, locations, nil
}

func (s *Store) FindLocation(_ context.Context, q store.LocationQuery) (*domain.CanonicalLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q.Text != "" {
		for _, loc := range s.locations {
			if loc.IsRemote == q.IsRemote && strings.EqualFold(loc.Text, q.Text) {
				return loc.Clone(), nil
			}
		}
	}
	if q.LatText != "" && q.LongText != "" {
		for _, loc := range s.locations {
			if loc.IsRemote == q.IsRemote && loc.LatText == q.LatText && loc.LongText == q.LongText {
				return loc.Clone(), nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateLocation(_ context.Context, loc *domain.CanonicalLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc.ID == uuid.Nil {
		loc.ID = uuid.New()
	}
	if s.locationConflict(loc) {
		return store.ErrConflict
	}
	s.locations[loc.ID] = loc.Clone()
	return nil
}

func (s *Store) UpdateLocation(_ context.Context, loc *domain.CanonicalLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[loc.ID]; !ok {
		return store.ErrNotFound
	}
	if s.locationConflict(loc) {
		return store.ErrConflict
	}
	s.locations[loc.ID] = loc.Clone()
	return nil
}

// locationConflict checks both unique keys against every other row.
func (s *Store) locationConflict(loc *domain.CanonicalLocation) bool {
	for id, other := range s.locations {
		if id == loc.ID || other.IsRemote != loc.IsRemote {
			continue
		}
		if strings.EqualFold(other.Text, loc.Text) {
			return true
		}
		if loc.HasCoordinates() && other.LatText == loc.LatText && other.LongText == loc.LongText {
			return true
		}
	}
	return false
}

func (s *Store) UpsertLocationLookup(_ context.Context, lookup *domain.LocationLookup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[lookup.LocationID]; !ok {
		return store.ErrNotFound
	}
	c := *lookup
	c.Text = domain.CapLookupText(c.Text)
	if existing, ok := s.lookups[c.Text]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	s.lookups[c.Text] = &c
	return nil
}

// Locations returns every canonical location, ordered by text.
func (s *Store) Locations() []*domain.CanonicalLocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.CanonicalLocation, 0, len(s.locations))
	for _, loc := range s.locations {
		out = append(out, loc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Text < out[j].Text })
	return out
}

// ---------------- JOBS ----------------

func (s *Store) ListScrapedJobs(_ context.Context, employerID uuid.UUID, closedSince time.Time) ([]*domain.EmployerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.EmployerJob
	for _, j := range s.jobs {
		if j.EmployerID != employerID || !j.IsScraped {
			continue
		}
		if j.CloseDate != nil && !closedSince.IsZero() && j.CloseDate.Before(closedSince) {
			continue
		}
		out = append(out, j.Clone())
	}
	sortJobs(out)
	return out, nil
}

func (s *Store) CreateJob(_ context.Context, job *domain.EmployerJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrConflict
	}
	if _, ok := s.employers[job.EmployerID]; !ok {
		return store.ErrNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) UpdateJob(_ context.Context, job *domain.EmployerJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) TouchJobs(_ context.Context, ids []uuid.UUID, modified time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok {
			j.StampModified(modified)
		}
	}
	return nil
}

func (s *Store) CloseJobs(_ context.Context, ids []uuid.UUID, closeDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	closeDate = closeDate.UTC()
	for _, id := range ids {
		j, ok := s.jobs[id]
		if !ok || j.CloseDate != nil {
			continue
		}
		d := closeDate
		j.CloseDate = &d
		j.StampModified(closeDate)
	}
	return nil
}

func (s *Store) GetOrCreateDepartment(_ context.Context, name string, now time.Time) (*domain.JobDepartment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.departments {
		if strings.EqualFold(d.Name, name) {
			c := *d
			return &c, nil
		}
	}
	d := &domain.JobDepartment{ID: uuid.New(), Name: name}
	d.StampCreated(now)
	s.departments[d.ID] = d
	c := *d
	return &c, nil
}

// Jobs returns every job of the employer, open or closed.
func (s *Store) Jobs(employerID uuid.UUID) []*domain.EmployerJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.EmployerJob
	for _, j := range s.jobs {
		if j.EmployerID == employerID {
			out = append(out, j.Clone())
		}
	}
	sortJobs(out)
	return out
}

// Departments returns every department, ordered by name.
func (s *Store) Departments() []*domain.JobDepartment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.JobDepartment, 0, len(s.departments))
	for _, d := range s.departments {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortJobs(jobs []*domain.EmployerJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Title != jobs[j].Title {
			return jobs[i].Title < jobs[j].Title
		}
		return jobs[i].ID.String() < jobs[j].ID.String()
	})
}
