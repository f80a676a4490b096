package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/pipeline"
)

// ErrScrapeInProgress is returned when a task is started while another runs.
var ErrScrapeInProgress = errors.New("a scrape task is already running")

// ScrapeRunner defines the interface for scrape operations
type ScrapeRunner interface {
	Run(ctx context.Context, employers ...string) ([]*domain.RunSummary, error)
	Select(employers ...string) ([]pipeline.EmployerConfig, error)
	Statuses(ctx context.Context) ([]*domain.Employer, error)
}

// TaskManager runs scrape tasks in the background, one at a time, and keeps
// their state in memory.
type TaskManager struct {
	runner ScrapeRunner
	ctx    context.Context
	log    *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	tasks  map[uuid.UUID]*domain.ScrapeTask
	active bool
	wg     sync.WaitGroup
}

// NewTaskManager creates a task manager. Tasks run under ctx.
func NewTaskManager(ctx context.Context, runner ScrapeRunner, log *zap.Logger) *TaskManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &TaskManager{
		runner: runner,
		ctx:    ctx,
		log:    log.Named("tasks"),
		now:    time.Now,
		tasks:  make(map[uuid.UUID]*domain.ScrapeTask),
	}
}

// Start validates the employer filter and queues a task.
func (m *TaskManager) Start(employers []string) (*domain.ScrapeTask, error) {
	if _, err := m.runner.Select(employers...); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return nil, ErrScrapeInProgress
	}
	m.active = true

	task := &domain.ScrapeTask{
		ID:        uuid.New(),
		Employers: employers,
		Status:    domain.ScrapeStatusQueued,
		CreatedAt: m.now().UTC(),
	}
	m.tasks[task.ID] = task
	snapshot := copyTask(task)

	m.wg.Add(1)
	go m.run(task.ID, employers)
	return snapshot, nil
}

func (m *TaskManager) run(id uuid.UUID, employers []string) {
	defer m.wg.Done()

	m.update(id, func(t *domain.ScrapeTask) {
		started := m.now().UTC()
		t.Status = domain.ScrapeStatusInProgress
		t.StartedAt = &started
	})

	summaries, err := m.runner.Run(m.ctx, employers...)

	m.update(id, func(t *domain.ScrapeTask) {
		finished := m.now().UTC()
		t.FinishedAt = &finished
		t.Summaries = summaries
		t.Status = domain.ScrapeStatusCompleted
		if err != nil {
			msg := err.Error()
			t.Error = &msg
			t.Status = domain.ScrapeStatusFailed
		}
	})

	m.mu.Lock()
	m.active = false
	m.mu.Unlock()

	if err != nil {
		m.log.Error("Scrape task failed", zap.String("task_id", id.String()), zap.Error(err))
		return
	}
	m.log.Info("Scrape task completed", zap.String("task_id", id.String()), zap.Int("employers", len(summaries)))
}

func (m *TaskManager) update(id uuid.UUID, fn func(*domain.ScrapeTask)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		fn(t)
	}
}

// Get returns a snapshot of the task.
func (m *TaskManager) Get(id uuid.UUID) (*domain.ScrapeTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return copyTask(t), true
}

// Wait blocks until every started task finished.
func (m *TaskManager) Wait() {
	m.wg.Wait()
}

func copyTask(t *domain.ScrapeTask) *domain.ScrapeTask {
	c := *t
	c.Employers = append([]string(nil), t.Employers...)
	c.Summaries = append([]*domain.RunSummary(nil), t.Summaries...)
	return &c
}

// ScrapeHandler handles scrape API requests
type ScrapeHandler struct {
	tasks  *TaskManager
	runner ScrapeRunner
}

// NewScrapeHandler creates a new scrape handler
func NewScrapeHandler(tasks *TaskManager, runner ScrapeRunner) *ScrapeHandler {
	return &ScrapeHandler{tasks: tasks, runner: runner}
}

// TriggerScrape handles POST /api/scrape
func (h *ScrapeHandler) TriggerScrape(c *fiber.Ctx) error {
	var req struct {
		Employers []string `json:"employers"`
	}

	// Also support query params
	employers := c.Context().QueryArgs().PeekMulti("employers")
	if len(employers) > 0 {
		for _, e := range employers {
			req.Employers = append(req.Employers, string(e))
		}
	} else if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
		}
	}

	task, err := h.tasks.Start(req.Employers)
	switch {
	case errors.Is(err, pipeline.ErrUnknownEmployer):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "unknown_employer",
			"message": err.Error(),
		})
	case errors.Is(err, ErrScrapeInProgress):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":   "scrape_in_progress",
			"message": err.Error(),
		})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "scrape_failed",
			"message": err.Error(),
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(task)
}

// GetScrapeStatus handles GET /api/scrape/:task_id
func (h *ScrapeHandler) GetScrapeStatus(c *fiber.Ctx) error {
	taskID, err := uuid.Parse(c.Params("task_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_id",
			"message": "Invalid task ID format",
		})
	}

	task, ok := h.tasks.Get(taskID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "not_found",
			"message": "Task not found",
		})
	}

	return c.JSON(task)
}

// EmployerStatuses handles GET /api/employers/status
func (h *ScrapeHandler) EmployerStatuses(c *fiber.Ctx) error {
	employers, err := h.runner.Statuses(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "status_failed",
			"message": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"employers": employers,
		"total":     len(employers),
	})
}
