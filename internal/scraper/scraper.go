package scraper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/fetch"
)

// Adapter turns one job source into JobRecords. Adapters never write to
// storage.
type Adapter interface {
	// Name identifies the adapter in logs and summaries
	Name() string

	// Scrape returns every job currently listed by the source. An error
	// means the source could not be read at all.
	Scrape(ctx context.Context) (*ScrapeResult, error)
}

// ScrapeResult contains scraping results
type ScrapeResult struct {
	// Jobs in discovery order
	Jobs []domain.JobRecord
	// Skipped holds application URLs whose detail fetch failed transiently
	Skipped   []string
	Errors    []error
	Total     int
	Scraped   int
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns the scraping duration
func (r *ScrapeResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

func newResult(now time.Time) *ScrapeResult {
	return &ScrapeResult{StartTime: now}
}

func (r *ScrapeResult) finish(now time.Time) *ScrapeResult {
	r.Scraped = len(r.Jobs)
	r.EndTime = now
	return r
}

// Source kinds
const (
	KindGreenhouse = "greenhouse"
	KindLever      = "lever"
	KindTemplate   = "template"
)

// SourceConfig is one configured job source of an employer.
type SourceConfig struct {
	Kind string `yaml:"kind"`
	// Key is the board token (greenhouse) or company handle (lever)
	Key string `yaml:"key"`
	// URL is the index page for template sources, or an API base override
	URL                   string            `yaml:"url"`
	DefaultEmploymentType string            `yaml:"default_employment_type"`
	DefaultLocation       string            `yaml:"default_location"`
	Render                bool              `yaml:"render"`
	WaitSelector          string            `yaml:"wait_selector"`
	Scrolls               int               `yaml:"scrolls"`
	SkipDetail            bool              `yaml:"skip_detail"`
	Selectors             TemplateSelectors `yaml:"selectors"`
}

func (s SourceConfig) employmentType() string {
	if s.DefaultEmploymentType != "" {
		return s.DefaultEmploymentType
	}
	return domain.EmploymentFullTime
}

// Validate checks the fields required by the source kind.
func (s SourceConfig) Validate() error {
	switch s.Kind {
	case KindGreenhouse, KindLever:
		if strings.TrimSpace(s.Key) == "" {
			return fmt.Errorf("%s source requires a key", s.Kind)
		}
	case KindTemplate:
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("template source requires a url")
		}
		if s.Selectors.Job == "" {
			return fmt.Errorf("template source requires selectors.job")
		}
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	return nil
}

// Deps are the shared collaborators handed to every adapter.
type Deps struct {
	Fetcher *fetch.Fetcher
	Logger  *zap.Logger
	Now     func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

// Factory builds an adapter for one employer source.
type Factory func(employer string, src SourceConfig, deps Deps) (Adapter, error)

// Registry maps source kinds to factories
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in kinds
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(KindGreenhouse, NewGreenhouseAdapter)
	r.Register(KindLever, NewLeverAdapter)
	r.Register(KindTemplate, NewTemplateAdapter)
	return r
}

// Register adds or replaces the factory for kind
func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

// Kinds returns the registered kinds, sorted
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build creates the adapter for src.
func (r *Registry) Build(employer string, src SourceConfig, deps Deps) (Adapter, error) {
	f, ok := r.factories[src.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("%s adapter for %s: fetcher is required", src.Kind, employer)
	}
	return f(employer, src, deps)
}

// splitLocations splits a multi-location label such as "Boston; NYC | Remote".
func splitLocations(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == '|' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func withDefaultLocation(locs []string, fallback string) []string {
	if len(locs) == 0 && fallback != "" {
		return []string{fallback}
	}
	return locs
}
