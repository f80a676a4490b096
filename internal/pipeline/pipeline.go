// Package pipeline drives scrape runs: for each configured employer it runs
// the source adapters and feeds their records through the reconciler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/reconcile"
	"github.com/jobref/pipeline/internal/scraper"
	"github.com/jobref/pipeline/internal/store"
)

// ErrUnknownEmployer is returned when a filter names an employer that is not
// configured.
var ErrUnknownEmployer = errors.New("pipeline: unknown employer")

// EmployerConfig is one employer and its job sources.
type EmployerConfig struct {
	Name    string                 `yaml:"name"`
	Sources []scraper.SourceConfig `yaml:"sources"`
}

// Config tunes the runner.
type Config struct {
	EmployerConcurrency int           `yaml:"employer_concurrency"`
	RunTimeout          time.Duration `yaml:"run_timeout"`
}

// DefaultConfig returns the default runner settings.
func DefaultConfig() Config {
	return Config{
		EmployerConcurrency: 2,
		RunTimeout:          30 * time.Minute,
	}
}

// StatusReporter receives the outcome of every employer run.
type StatusReporter interface {
	ReportEmployer(name string, succeeded bool)
}

// Runner runs scrapes. Runs of different employers proceed concurrently;
// one employer is never run twice within a call.
type Runner struct {
	employers  store.EmployerStore
	reconciler *reconcile.Reconciler
	registry   *scraper.Registry
	deps       scraper.Deps
	configured []EmployerConfig
	cfg        Config
	reporter   StatusReporter
	log        *zap.Logger
	now        func() time.Time
}

type Option func(*Runner)

func WithReporter(r StatusReporter) Option {
	return func(runner *Runner) {
		runner.reporter = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(runner *Runner) {
		runner.now = now
	}
}

// NewRunner creates a runner over the configured employers
func NewRunner(
	employers store.EmployerStore,
	reconciler *reconcile.Reconciler,
	registry *scraper.Registry,
	deps scraper.Deps,
	configured []EmployerConfig,
	cfg Config,
	log *zap.Logger,
	opts ...Option,
) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.EmployerConcurrency <= 0 {
		cfg.EmployerConcurrency = DefaultConfig().EmployerConcurrency
	}
	r := &Runner{
		employers:  employers,
		reconciler: reconciler,
		registry:   registry,
		deps:       deps,
		configured: configured,
		cfg:        cfg,
		log:        log.Named("pipeline"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.deps.Logger == nil {
		r.deps.Logger = r.log
	}
	if r.deps.Now == nil {
		r.deps.Now = r.now
	}
	return r
}

// Employers returns the configured employer names.
func (r *Runner) Employers() []string {
	names := make([]string, len(r.configured))
	for i, e := range r.configured {
		names[i] = e.Name
	}
	return names
}

// Select returns the configured employers matching filter, case-insensitively.
// An empty filter selects all of them.
func (r *Runner) Select(filter ...string) ([]EmployerConfig, error) {
	if len(filter) == 0 {
		return r.configured, nil
	}
	var (
		selected []EmployerConfig
		unknown  []string
	)
	for _, name := range filter {
		found := false
		for _, e := range r.configured {
			if strings.EqualFold(e.Name, strings.TrimSpace(name)) {
				if !containsEmployer(selected, e.Name) {
					selected = append(selected, e)
				}
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEmployer, strings.Join(unknown, ", "))
	}
	return selected, nil
}

func containsEmployer(list []EmployerConfig, name string) bool {
	for _, e := range list {
		if e.Name == name {
			return true
		}
	}
	return false
}

// Run scrapes and reconciles the selected employers. Summaries are returned
// for every employer whose run got started, in configuration order; store
// failures are joined into the error.
func (r *Runner) Run(ctx context.Context, filter ...string) ([]*domain.RunSummary, error) {
	selected, err := r.Select(filter...)
	if err != nil {
		return nil, err
	}
	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	r.log.Info("Starting scrape run", zap.Int("employers", len(selected)))
	start := r.now()
	if r.deps.Fetcher != nil {
		r.deps.Fetcher.BeginRun()
	}

	summaries := make([]*domain.RunSummary, len(selected))
	errs := make([]error, len(selected))
	var g errgroup.Group
	g.SetLimit(r.cfg.EmployerConcurrency)
	for i, ec := range selected {
		i, ec := i, ec
		g.Go(func() error {
			summaries[i], errs[i] = r.runEmployer(ctx, ec)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*domain.RunSummary, 0, len(summaries))
	for _, s := range summaries {
		if s != nil {
			out = append(out, s)
		}
	}
	r.log.Info("Scrape run completed",
		zap.Int("employers", len(out)),
		zap.Duration("duration", r.now().Sub(start)))
	return out, errors.Join(errs...)
}

func (r *Runner) runEmployer(ctx context.Context, ec EmployerConfig) (*domain.RunSummary, error) {
	log := r.log.With(zap.String("employer", ec.Name))

	employer, err := r.employers.EnsureEmployer(ctx, ec.Name)
	if err != nil {
		return nil, fmt.Errorf("employer %s: %w", ec.Name, err)
	}

	run, err := r.reconciler.Begin(ctx, employer)
	if err != nil {
		r.record(ctx, employer, false, log)
		return nil, fmt.Errorf("employer %s: %w", ec.Name, err)
	}

	var (
		adapterErr error
		notes      []string
	)
	for _, src := range ec.Sources {
		adapter, err := r.registry.Build(ec.Name, src, r.deps)
		if err != nil {
			adapterErr = errors.Join(adapterErr, err)
			continue
		}

		result, err := adapter.Scrape(ctx)
		if err != nil {
			log.Error("Adapter failed", zap.String("adapter", adapter.Name()), zap.Error(err))
			adapterErr = errors.Join(adapterErr, fmt.Errorf("%s: %w", adapter.Name(), err))
			continue
		}
		for _, e := range result.Errors {
			notes = append(notes, fmt.Sprintf("%s: %v", adapter.Name(), e))
		}

		run.Skip(result.Skipped...)
		for _, rec := range result.Jobs {
			if _, err := run.Ingest(ctx, rec); err != nil {
				summary, abortErr := run.Abort(ctx, err)
				r.record(ctx, employer, false, log)
				return withNotes(summary, notes), errors.Join(fmt.Errorf("employer %s: %w", ec.Name, err), abortErr)
			}
		}
		log.Info("Adapter finished",
			zap.String("adapter", adapter.Name()),
			zap.Int("jobs", result.Scraped),
			zap.Int("skipped", len(result.Skipped)),
			zap.Int("errors", len(result.Errors)),
			zap.Duration("duration", result.Duration()))
	}

	var summary *domain.RunSummary
	if adapterErr != nil {
		summary, err = run.Abort(ctx, adapterErr)
	} else {
		summary, err = run.Finalize(ctx)
	}
	succeeded := err == nil && adapterErr == nil
	r.record(ctx, employer, succeeded, log)
	if err != nil {
		return nil, fmt.Errorf("employer %s: %w", ec.Name, err)
	}
	return withNotes(summary, notes), nil
}

func withNotes(summary *domain.RunSummary, notes []string) *domain.RunSummary {
	if summary != nil {
		summary.Errors = append(summary.Errors, notes...)
	}
	return summary
}

func (r *Runner) record(ctx context.Context, employer *domain.Employer, succeeded bool, log *zap.Logger) {
	status := domain.EmployerScrapeStatus{RanAt: r.now(), Succeeded: succeeded}
	// a cancelled run context must not lose the status write
	if err := r.employers.RecordScrapeStatus(context.WithoutCancel(ctx), employer.ID, status); err != nil {
		log.Error("Failed to record scrape status", zap.Error(err))
	}
	if r.reporter != nil {
		r.reporter.ReportEmployer(employer.Name, succeeded)
	}
}

// Statuses returns every known employer with its last scrape outcome.
func (r *Runner) Statuses(ctx context.Context) ([]*domain.Employer, error) {
	return r.employers.ListEmployers(ctx)
}
