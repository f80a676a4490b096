package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jobref/pipeline/internal/api/handlers"
	"github.com/jobref/pipeline/internal/config"
	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/pipeline"
	"github.com/jobref/pipeline/internal/store/memory"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type idleRunner struct{}

func (idleRunner) Run(context.Context, ...string) ([]*domain.RunSummary, error) { return nil, nil }

func (idleRunner) Select(...string) ([]pipeline.EmployerConfig, error) { return nil, nil }

func (idleRunner) Statuses(context.Context) ([]*domain.Employer, error) { return nil, nil }

func setup(t *testing.T, db handlers.Pinger) *fiber.App {
	t.Helper()
	cfg := &config.Config{Employers: []pipeline.EmployerConfig{{Name: "Acme"}}}
	tasks := handlers.NewTaskManager(context.Background(), idleRunner{}, zaptest.NewLogger(t))
	t.Cleanup(tasks.Wait)

	app := fiber.New()
	SetupRoutes(app, cfg, &Dependencies{DB: db, Runner: idleRunner{}, Tasks: tasks})
	return app
}

func get(t *testing.T, app *fiber.App, path string) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthRoutes(t *testing.T) {
	app := setup(t, memory.New())

	code, body := get(t, app, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["db_status"])

	code, body = get(t, app, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	code, body = get(t, app, "/")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["employers"])
}

func TestHealthRoutesStoreDown(t *testing.T) {
	app := setup(t, stubPinger{err: errors.New("connection refused")})

	code, body := get(t, app, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unhealthy", body["db_status"])

	code, body = get(t, app, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "connection refused", body["reason"])

	app = setup(t, nil)
	code, body = get(t, app, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body["status"])
}

func TestScrapeRoutesMounted(t *testing.T) {
	app := setup(t, memory.New())

	code, body := get(t, app, "/api/employers/status")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["total"])

	code, _ = get(t, app, "/api/scrape/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, code)
}
