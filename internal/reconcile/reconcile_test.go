package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/location"
	"github.com/jobref/pipeline/internal/store/memory"
	"github.com/jobref/pipeline/internal/textnorm"
)

type tableGeocoder struct {
	results map[string]*location.GeocodeResult
	fail    map[string]bool
}

func (g *tableGeocoder) Lookup(_ context.Context, address string) (*location.GeocodeResult, error) {
	if g.fail[address] {
		return nil, errors.New("upstream unavailable")
	}
	return g.results[address], nil
}

func (g *tableGeocoder) LookupLatLong(context.Context, float64, float64) (*location.GeocodeResult, error) {
	return nil, nil
}

type harness struct {
	t        *testing.T
	store    *memory.Store
	rec      *Reconciler
	employer *domain.Employer
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	geo := &tableGeocoder{
		results: map[string]*location.GeocodeResult{
			"Boston, MA": {
				City: "Boston", State: "Massachusetts", Country: "United States", CountryCode: "US",
				Latitude: 42.3601, Longitude: -71.0589,
			},
			"New York, NY": {
				City: "New York", State: "New York", Country: "United States", CountryCode: "US",
				Latitude: 40.7128, Longitude: -74.0060,
			},
		},
		fail: map[string]bool{"Atlantis": true},
	}
	st := memory.New()
	resolver, err := location.NewResolver(ctx, geo, st, location.Config{CacheEnabled: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	employer, err := st.EnsureEmployer(ctx, "Acme")
	require.NoError(t, err)

	h := &harness{
		t:        t,
		store:    st,
		employer: employer,
		now:      time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	h.rec = New(st, resolver, DefaultConfig(), zaptest.NewLogger(t), WithClock(func() time.Time { return h.now }))
	return h
}

// run ingests records as one complete run and advances the clock a day.
func (h *harness) run(records []domain.JobRecord, skip ...string) *domain.RunSummary {
	h.t.Helper()
	ctx := context.Background()
	run, err := h.rec.Begin(ctx, h.employer)
	require.NoError(h.t, err)
	run.Skip(skip...)
	for _, r := range records {
		_, err := run.Ingest(ctx, r)
		require.NoError(h.t, err)
	}
	summary, err := run.Finalize(ctx)
	require.NoError(h.t, err)
	h.now = h.now.Add(24 * time.Hour)
	return summary
}

func (h *harness) job(title string) *domain.EmployerJob {
	h.t.Helper()
	var match *domain.EmployerJob
	for _, j := range h.store.Jobs(h.employer.ID) {
		if j.Title == title {
			require.Nil(h.t, match, "more than one job titled %q", title)
			match = j
		}
	}
	require.NotNil(h.t, match, "no job titled %q", title)
	return match
}

func record(title, url string, locations ...string) domain.JobRecord {
	return domain.JobRecord{
		EmployerName:   "Acme",
		ApplicationURL: url,
		Title:          title,
		Locations:      locations,
		Description:    "<p>Build things</p>",
	}
}

func TestRunCreatesJobs(t *testing.T) {
	h := newHarness(t)
	posted := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	eng := record("Engineer", "https://acme.test/1", "Boston, MA")
	eng.Department = "Engineering"
	eng.EmploymentType = "Contractor"
	eng.PostedDate = &posted

	summary := h.run([]domain.JobRecord{eng, record("Designer", "https://acme.test/2", "New York, NY")})
	assert.Equal(t, 2, summary.Scraped)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, h.employer.ID, summary.EmployerID)

	job := h.job("Engineer")
	assert.True(t, job.IsOpen())
	assert.True(t, job.IsScraped)
	assert.Equal(t, posted, job.OpenDate)
	assert.Equal(t, domain.EmploymentContract, job.EmploymentType)
	assert.Equal(t, textnorm.SanitizeDescription("<p>Build things</p>"), job.Description)
	require.NotNil(t, job.DepartmentID)
	require.Len(t, job.LocationIDs, 1)

	designer := h.job("Designer")
	assert.Equal(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), designer.OpenDate)
	assert.Equal(t, domain.EmploymentFullTime, designer.EmploymentType)
	assert.Nil(t, designer.DepartmentID)
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	records := []domain.JobRecord{
		record("Engineer", "https://acme.test/1", "Boston, MA"),
		record("Designer", "https://acme.test/2", "New York, NY"),
	}
	h.run(records)
	first := h.store.Jobs(h.employer.ID)

	summary := h.run(records)
	assert.Equal(t, 0, summary.Created)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, 2, summary.Unchanged)
	assert.Equal(t, 0, summary.Closed)

	second := h.store.Jobs(h.employer.ID)
	require.Len(t, second, 2)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.True(t, second[i].ModifiedAt.After(first[i].ModifiedAt), "liveness touch bumps modified")
	}
}

func TestRunClosesMissingJobsAndReopens(t *testing.T) {
	h := newHarness(t)
	eng := record("Engineer", "https://acme.test/1", "Boston, MA")
	designer := record("Designer", "https://acme.test/2", "New York, NY")

	h.run([]domain.JobRecord{eng, designer})
	closedAt := h.now

	summary := h.run([]domain.JobRecord{eng})
	assert.Equal(t, 1, summary.Closed)
	closed := h.job("Designer")
	require.NotNil(t, closed.CloseDate)
	assert.Equal(t, closedAt, *closed.CloseDate)
	assert.True(t, h.job("Engineer").IsOpen())

	// a closed job is not closed again
	summary = h.run([]domain.JobRecord{eng})
	assert.Equal(t, 0, summary.Closed)

	summary = h.run([]domain.JobRecord{eng, designer})
	assert.Equal(t, 1, summary.Reopened)
	reopened := h.job("Designer")
	assert.Equal(t, closed.ID, reopened.ID)
	assert.True(t, reopened.IsOpen())
}

func TestRunKeyIgnoresLocationOrder(t *testing.T) {
	h := newHarness(t)
	h.run([]domain.JobRecord{record("Engineer", "https://acme.test/1", "Boston, MA", "New York, NY")})
	summary := h.run([]domain.JobRecord{record("Engineer", "https://acme.test/1", "New York, NY", "Boston, MA")})

	assert.Equal(t, 0, summary.Created)
	assert.Equal(t, 1, summary.Unchanged)
	assert.Len(t, h.job("Engineer").LocationIDs, 2)
}

func TestRunUpdatesChangedFields(t *testing.T) {
	h := newHarness(t)
	h.run([]domain.JobRecord{record("Engineer", "https://acme.test/1", "Boston, MA")})
	before := h.job("Engineer")

	changed := record("Engineer", "https://acme.test/jobs/1", "Boston, MA")
	changed.Description = "<p>Build better things. Salary $120,000 - $150,000</p>"
	summary := h.run([]domain.JobRecord{changed})

	assert.Equal(t, 1, summary.Updated)
	after := h.job("Engineer")
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "https://acme.test/jobs/1", after.ApplicationURL)
	assert.Equal(t, "USD", after.Compensation.Currency)
	require.NotNil(t, after.Compensation.Floor)
	assert.Equal(t, 120000.0, *after.Compensation.Floor)
}

func TestRunStructuredCompensationOverridesParsed(t *testing.T) {
	h := newHarness(t)
	rec := record("Engineer", "https://acme.test/1", "Boston, MA")
	rec.Description = "<p>Pay: $120,000 - $150,000</p>"
	rec.Compensation = domain.Compensation{Currency: "CAD", Ceiling: domain.Amount(160000)}
	h.run([]domain.JobRecord{rec})

	c := h.job("Engineer").Compensation
	assert.Equal(t, "CAD", c.Currency)
	assert.Equal(t, 120000.0, *c.Floor)
	assert.Equal(t, 160000.0, *c.Ceiling)
	assert.Equal(t, domain.IntervalYear, c.Interval)
}

func TestRunSkipSetSuppressesClosure(t *testing.T) {
	h := newHarness(t)
	h.run([]domain.JobRecord{
		record("Engineer", "https://acme.test/1", "Boston, MA"),
		record("Designer", "https://acme.test/2", "New York, NY"),
	})
	before := h.job("Designer")

	summary := h.run([]domain.JobRecord{record("Engineer", "https://acme.test/1", "Boston, MA")}, "https://acme.test/2")
	assert.Equal(t, 0, summary.Closed)
	assert.Equal(t, 1, summary.SkippedClosures)
	after := h.job("Designer")
	assert.True(t, after.IsOpen())
	assert.True(t, after.ModifiedAt.After(before.ModifiedAt), "skipped job is still touched")
	assert.Equal(t, before.ModifiedAt.Add(24*time.Hour), after.ModifiedAt)
}

func TestRunResolutionFailureSkipsJob(t *testing.T) {
	h := newHarness(t)
	h.run([]domain.JobRecord{record("Diver", "https://acme.test/9", "Boston, MA")})

	ctx := context.Background()
	run, err := h.rec.Begin(ctx, h.employer)
	require.NoError(t, err)
	outcome, err := run.Ingest(ctx, record("Diver", "https://acme.test/9", "Atlantis"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	summary, err := run.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, summary.Errors, 1)
	assert.Equal(t, 0, summary.Closed)
	assert.Equal(t, 1, summary.SkippedClosures)
	assert.True(t, h.job("Diver").IsOpen())
}

func TestRunRemoteTitleMarksLocations(t *testing.T) {
	h := newHarness(t)
	h.run([]domain.JobRecord{
		record("Engineer", "https://acme.test/1", "Boston, MA"),
		record("Engineer (Remote)", "https://acme.test/2", "Boston, MA"),
		record("Remote Designer", "https://acme.test/3"),
	})

	onsite := h.job("Engineer")
	remote := h.job("Engineer (Remote)")
	assert.NotEqual(t, onsite.LocationIDs, remote.LocationIDs)

	byID := make(map[string]*domain.CanonicalLocation)
	for _, l := range h.store.Locations() {
		byID[l.ID.String()] = l
	}
	assert.False(t, byID[onsite.LocationIDs[0].String()].IsRemote)
	assert.True(t, byID[remote.LocationIDs[0].String()].IsRemote)

	placeholder := byID[h.job("Remote Designer").LocationIDs[0].String()]
	assert.Equal(t, domain.RemoteLocationText, placeholder.Text)
}

func TestRunDuplicateKeyLastRecordWins(t *testing.T) {
	h := newHarness(t)
	summary := h.run([]domain.JobRecord{
		record("Engineer", "https://acme.test/a", "Boston, MA"),
		record("Engineer", "https://acme.test/b", "Boston, MA"),
	})
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, "https://acme.test/b", h.job("Engineer").ApplicationURL)
}

func TestRunDepartmentsDedupCaseInsensitive(t *testing.T) {
	h := newHarness(t)
	a := record("Engineer", "https://acme.test/1", "Boston, MA")
	a.Department = "Engineering"
	b := record("SRE", "https://acme.test/2", "Boston, MA")
	b.Department = "ENGINEERING"
	h.run([]domain.JobRecord{a, b})

	assert.Len(t, h.store.Departments(), 1)
	assert.Equal(t, *h.job("Engineer").DepartmentID, *h.job("SRE").DepartmentID)
}

func TestRunConcurrentIngest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.rec.Begin(ctx, h.employer)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			loc := "Boston, MA"
			if i%2 == 0 {
				loc = "New York, NY"
			}
			_, err := run.Ingest(ctx, record(fmt.Sprintf("Job %02d", i), fmt.Sprintf("https://acme.test/%d", i), loc))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	summary, err := run.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, summary.Created)
	assert.Len(t, h.store.Jobs(h.employer.ID), 20)
	assert.Len(t, h.store.Locations(), 2)
}

func TestRunFinishesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.rec.Begin(ctx, h.employer)
	require.NoError(t, err)

	_, err = run.Finalize(ctx)
	require.NoError(t, err)

	_, err = run.Finalize(ctx)
	assert.ErrorIs(t, err, ErrFinished)
	_, err = run.Ingest(ctx, record("Late", "https://acme.test/late", "Boston, MA"))
	assert.ErrorIs(t, err, ErrFinished)
}

func TestRunAbortClosesNothing(t *testing.T) {
	h := newHarness(t)
	h.run([]domain.JobRecord{
		record("Engineer", "https://acme.test/1", "Boston, MA"),
		record("Designer", "https://acme.test/2", "New York, NY"),
	})

	ctx := context.Background()
	run, err := h.rec.Begin(ctx, h.employer)
	require.NoError(t, err)
	_, err = run.Ingest(ctx, record("Engineer", "https://acme.test/1", "Boston, MA"))
	require.NoError(t, err)

	summary, err := run.Abort(ctx, errors.New("adapter failed"))
	require.NoError(t, err)
	assert.True(t, summary.RunFailed)
	assert.Equal(t, 0, summary.Closed)
	assert.Contains(t, summary.Errors, "adapter failed")
	assert.True(t, h.job("Designer").IsOpen())
}

func TestRunLoadsOnlyRecentlyClosed(t *testing.T) {
	h := newHarness(t)
	designer := record("Designer", "https://acme.test/2", "New York, NY")
	h.run([]domain.JobRecord{designer})
	h.run(nil)
	require.False(t, h.job("Designer").IsOpen())

	// past the window the closed job is not loaded, so a new one is created
	h.now = h.now.Add(DefaultRecentClosedWindow + time.Hour)
	summary := h.run([]domain.JobRecord{designer})
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 0, summary.Reopened)
	assert.Len(t, h.store.Jobs(h.employer.ID), 2)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "created", OutcomeCreated.String())
	assert.Equal(t, "reopened", OutcomeReopened.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
}
