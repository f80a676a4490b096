package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/fetch"
	"github.com/jobref/pipeline/internal/location"
	"github.com/jobref/pipeline/internal/reconcile"
	"github.com/jobref/pipeline/internal/scraper"
	"github.com/jobref/pipeline/internal/store/memory"
)

// nameResolver derives a stable location ID from the raw text.
type nameResolver struct{}

func (nameResolver) Resolve(_ context.Context, raw string, _ ...location.ResolveOption) (*domain.CanonicalLocation, error) {
	return &domain.CanonicalLocation{ID: uuid.NewSHA1(uuid.NameSpaceURL, []byte(raw)), Text: raw}, nil
}

// staticAdapter returns whatever its source currently holds.
type staticAdapter struct {
	name   string
	result *scraper.ScrapeResult
	err    error
}

func (a *staticAdapter) Name() string { return a.name }

func (a *staticAdapter) Scrape(context.Context) (*scraper.ScrapeResult, error) {
	if a.err != nil {
		return nil, a.err
	}
	r := *a.result
	r.Scraped = len(r.Jobs)
	return &r, nil
}

type recordingReporter struct {
	mu       sync.Mutex
	statuses map[string]bool
}

func (r *recordingReporter) ReportEmployer(name string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[name] = ok
}

type fixture struct {
	store    *memory.Store
	fetcher  *fetch.Fetcher
	runner   *Runner
	reporter *recordingReporter
	adapters map[string]*staticAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		reporter: &recordingReporter{statuses: make(map[string]bool)},
		adapters: make(map[string]*staticAdapter),
	}
	registry := scraper.NewRegistry()
	registry.Register("static", func(employer string, src scraper.SourceConfig, _ scraper.Deps) (scraper.Adapter, error) {
		a, ok := f.adapters[src.Key]
		if !ok {
			return nil, errors.New("no static source " + src.Key)
		}
		return a, nil
	})

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	rec := reconcile.New(f.store, nameResolver{}, reconcile.DefaultConfig(), zaptest.NewLogger(t), reconcile.WithClock(clock))
	fetcher := fetch.New(fetch.Config{}, zaptest.NewLogger(t))
	t.Cleanup(fetcher.Close)
	f.fetcher = fetcher

	f.runner = NewRunner(f.store, rec, registry, scraper.Deps{Fetcher: fetcher}, nil,
		Config{EmployerConcurrency: 2}, zaptest.NewLogger(t),
		WithReporter(f.reporter), WithClock(clock))
	return f
}

func (f *fixture) source(key string, jobs ...domain.JobRecord) scraper.SourceConfig {
	f.adapters[key] = &staticAdapter{name: "static:" + key, result: &scraper.ScrapeResult{Jobs: jobs}}
	return scraper.SourceConfig{Kind: "static", Key: key}
}

func job(employer, title, url string) domain.JobRecord {
	return domain.JobRecord{
		EmployerName:   employer,
		ApplicationURL: url,
		Title:          title,
		Locations:      []string{"Boston, MA"},
		Description:    "<p>Work</p>",
	}
}

func employerByName(t *testing.T, f *fixture, name string) *domain.Employer {
	t.Helper()
	statuses, err := f.runner.Statuses(context.Background())
	require.NoError(t, err)
	for _, e := range statuses {
		if e.Name == name {
			return e
		}
	}
	t.Fatalf("employer %s not found", name)
	return nil
}

func TestRunAllEmployers(t *testing.T) {
	f := newFixture(t)
	f.runner.configured = []EmployerConfig{
		{Name: "Acme", Sources: []scraper.SourceConfig{
			f.source("acme-api", job("Acme", "Engineer", "https://acme.test/1")),
			f.source("acme-site", job("Acme", "Designer", "https://acme.test/2")),
		}},
		{Name: "Globex", Sources: []scraper.SourceConfig{
			f.source("globex", job("Globex", "Analyst", "https://globex.test/1")),
		}},
	}

	summaries, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "Acme", summaries[0].Employer)
	assert.Equal(t, 2, summaries[0].Created)
	assert.Equal(t, "Globex", summaries[1].Employer)
	assert.Equal(t, 1, summaries[1].Created)

	acme := employerByName(t, f, "Acme")
	require.NotNil(t, acme.LastScrapeSuccessAt)
	assert.False(t, acme.ScrapeFailed)
	assert.Equal(t, map[string]bool{"Acme": true, "Globex": true}, f.reporter.statuses)
}

func TestRunAdapterFailureCommitsNoClosures(t *testing.T) {
	f := newFixture(t)
	f.runner.configured = []EmployerConfig{{Name: "Acme", Sources: []scraper.SourceConfig{
		f.source("api", job("Acme", "Engineer", "https://acme.test/1")),
		f.source("site", job("Acme", "Designer", "https://acme.test/2")),
	}}}
	_, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	// the site breaks and the api stops listing the engineer
	f.adapters["site"].err = errors.New("index unavailable")
	f.adapters["api"].result = &scraper.ScrapeResult{}

	summaries, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].RunFailed)
	assert.Equal(t, 0, summaries[0].Closed)

	acme := employerByName(t, f, "Acme")
	assert.True(t, acme.ScrapeFailed)
	assert.False(t, f.reporter.statuses["Acme"])
	for _, j := range f.store.Jobs(acme.ID) {
		assert.True(t, j.IsOpen(), j.Title)
	}
}

func TestRunUnionsSkipSets(t *testing.T) {
	f := newFixture(t)
	f.runner.configured = []EmployerConfig{{Name: "Acme", Sources: []scraper.SourceConfig{
		f.source("site", job("Acme", "Engineer", "https://acme.test/1"), job("Acme", "Designer", "https://acme.test/2")),
	}}}
	_, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	f.adapters["site"].result = &scraper.ScrapeResult{
		Jobs:    []domain.JobRecord{job("Acme", "Engineer", "https://acme.test/1")},
		Skipped: []string{"https://acme.test/2"},
		Errors:  []error{errors.New("detail timed out")},
	}
	summaries, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summaries[0].Closed)
	assert.Equal(t, 1, summaries[0].SkippedClosures)
	assert.Contains(t, summaries[0].Errors, "static:site: detail timed out")
}

func TestRunFilter(t *testing.T) {
	f := newFixture(t)
	f.runner.configured = []EmployerConfig{
		{Name: "Acme", Sources: []scraper.SourceConfig{f.source("acme", job("Acme", "Engineer", "https://acme.test/1"))}},
		{Name: "Globex", Sources: []scraper.SourceConfig{f.source("globex", job("Globex", "Analyst", "https://globex.test/1"))}},
	}

	summaries, err := f.runner.Run(context.Background(), "globex", "GLOBEX")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Globex", summaries[0].Employer)

	_, err = f.runner.Run(context.Background(), "Initech")
	assert.ErrorIs(t, err, ErrUnknownEmployer)

	assert.Equal(t, []string{"Acme", "Globex"}, f.runner.Employers())
}

func TestRunUnbuildableSourceFailsEmployer(t *testing.T) {
	f := newFixture(t)
	f.runner.configured = []EmployerConfig{{Name: "Acme", Sources: []scraper.SourceConfig{
		{Kind: "static", Key: "missing"},
	}}}

	summaries, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].RunFailed)
}

// pageAdapter fetches one detail page per scrape through the shared fetcher.
type pageAdapter struct {
	fetcher *fetch.Fetcher
	url     string
	parse   func(body string) error
}

func (a *pageAdapter) Name() string { return "page" }

func (a *pageAdapter) Scrape(ctx context.Context) (*scraper.ScrapeResult, error) {
	result := &scraper.ScrapeResult{}
	b := a.fetcher.NewBatch(ctx)
	b.Go(fetch.Request{URL: a.url}, func(body string) error {
		if err := a.parse(body); err != nil {
			return err
		}
		result.Jobs = append(result.Jobs, job("Acme", "Engineer", a.url))
		return nil
	})
	for _, e := range b.Wait() {
		result.Errors = append(result.Errors, e)
	}
	result.Scraped = len(result.Jobs)
	return result, nil
}

func TestRunRefetchesPagesMarkedUnparseableByEarlierRun(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "<html>job</html>")
	}))
	defer srv.Close()

	f := newFixture(t)
	var broken atomic.Bool
	broken.Store(true)
	page := &pageAdapter{fetcher: f.fetcher, url: srv.URL + "/jobs/1", parse: func(string) error {
		if broken.Load() {
			return fmt.Errorf("half rendered: %w", fetch.ErrUnparseable)
		}
		return nil
	}}
	f.runner.registry.Register("page", func(string, scraper.SourceConfig, scraper.Deps) (scraper.Adapter, error) {
		return page, nil
	})
	f.runner.configured = []EmployerConfig{{Name: "Acme", Sources: []scraper.SourceConfig{{Kind: "page"}}}}
	ctx := context.Background()

	summaries, err := f.runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summaries[0].Created)
	assert.Equal(t, int32(1), hits.Load())

	broken.Store(false)
	summaries, err = f.runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summaries[0].Created)
	assert.Equal(t, int32(2), hits.Load())
}
