package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Employment types produced by textnorm.NormalizeEmploymentType
const (
	EmploymentFullTime   = "full-time"
	EmploymentPartTime   = "part-time"
	EmploymentContract   = "contract"
	EmploymentTemporary  = "temporary"
	EmploymentInternship = "internship"
)

// JobRecord is a job posting as extracted by a source adapter, before any
// normalization. Adapters build it by value and never touch storage.
type JobRecord struct {
	EmployerName   string       `json:"employer_name"`
	ApplicationURL string       `json:"application_url"`
	Title          string       `json:"title"`
	Locations      []string     `json:"locations"`
	Department     string       `json:"department,omitempty"`
	Description    string       `json:"description"`
	EmploymentType string       `json:"employment_type,omitempty"`
	PostedDate     *time.Time   `json:"posted_date,omitempty"`
	Compensation   Compensation `json:"compensation"`
}

// JobDepartment is a free-text department label, unique case-insensitively.
type JobDepartment struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	Audit
}

// EmployerJob is a stored job posting. Identity across scrape runs is
// (Title, sorted LocationIDs) within one employer, see Key.
type EmployerJob struct {
	ID             uuid.UUID    `json:"id"`
	EmployerID     uuid.UUID    `json:"employer_id"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	DepartmentID   *uuid.UUID   `json:"department_id,omitempty"`
	EmploymentType string       `json:"employment_type"`
	ApplicationURL string       `json:"application_url"`
	OpenDate       time.Time    `json:"open_date"`
	CloseDate      *time.Time   `json:"close_date,omitempty"`
	Compensation   Compensation `json:"compensation"`
	IsScraped      bool         `json:"is_scraped"`
	LocationIDs    []uuid.UUID  `json:"location_ids"`
	Audit
}

// IsOpen reports whether the job has no close date.
func (j *EmployerJob) IsOpen() bool {
	return j.CloseDate == nil
}

// Key returns the job's identity key.
func (j *EmployerJob) Key() JobKey {
	return NewJobKey(j.Title, j.LocationIDs)
}

// Clone returns a deep copy so stores never share slices with callers.
func (j *EmployerJob) Clone() *EmployerJob {
	if j == nil {
		return nil
	}
	c := *j
	c.LocationIDs = append([]uuid.UUID(nil), j.LocationIDs...)
	if j.DepartmentID != nil {
		id := *j.DepartmentID
		c.DepartmentID = &id
	}
	if j.CloseDate != nil {
		t := *j.CloseDate
		c.CloseDate = &t
	}
	c.Compensation = j.Compensation.Clone()
	return &c
}

// JobKey identifies a job within one employer: title plus the sorted set of
// canonical location IDs.
type JobKey string

// NewJobKey builds the identity key. Location order and duplicates do not
// affect the result.
func NewJobKey(title string, locationIDs []uuid.UUID) JobKey {
	ids := SortedLocationIDs(locationIDs)
	parts := make([]string, 0, len(ids)+1)
	parts = append(parts, strings.TrimSpace(title))
	for _, id := range ids {
		parts = append(parts, id.String())
	}
	return JobKey(strings.Join(parts, "\x1f"))
}

// SortedLocationIDs returns a deduplicated copy of ids in ascending order.
func SortedLocationIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].String() < out[k].String()
	})
	return out
}
