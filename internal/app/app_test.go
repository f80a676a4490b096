package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jobref/pipeline/internal/config"
	"github.com/jobref/pipeline/internal/pipeline"
)

type countingReporter struct{ reports map[string]bool }

func (r *countingReporter) ReportEmployer(name string, succeeded bool) {
	r.reports[name] = succeeded
}

func TestNewMemory(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.Driver = config.DriverMemory
	cfg.Redis = config.RedisConfig{}
	cfg.Employers = []pipeline.EmployerConfig{{Name: "Acme"}}

	reporter := &countingReporter{reports: map[string]bool{}}
	ctx := context.Background()
	a, err := New(ctx, cfg, zaptest.NewLogger(t), reporter)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Store.Ping(ctx))

	summaries, err := a.Runner.Run(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Acme", summaries[0].Employer)
	assert.False(t, summaries[0].RunFailed)
	assert.Equal(t, map[string]bool{"Acme": true}, reporter.reports)

	employers, err := a.Runner.Statuses(ctx)
	require.NoError(t, err)
	require.Len(t, employers, 1)
	assert.NotNil(t, employers[0].LastScrapeSuccessAt)
}

func TestNewUnsupportedDriver(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.Driver = "sqlite"

	_, err = New(context.Background(), cfg, zaptest.NewLogger(t), nil)
	assert.ErrorContains(t, err, "unsupported database driver")
}
