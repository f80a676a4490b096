package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/fetch"
	"github.com/jobref/pipeline/internal/textnorm"
)

const greenhouseAPI = "https://boards-api.greenhouse.io/v1/boards"

// GreenhouseAdapter reads a Greenhouse job board through its public API.
type GreenhouseAdapter struct {
	employer string
	src      SourceConfig
	deps     Deps
	logger   *zap.Logger
}

// NewGreenhouseAdapter creates a Greenhouse adapter
func NewGreenhouseAdapter(employer string, src SourceConfig, deps Deps) (Adapter, error) {
	if src.Key == "" {
		return nil, fmt.Errorf("greenhouse source for %s requires a board key", employer)
	}
	return &GreenhouseAdapter{
		employer: employer,
		src:      src,
		deps:     deps,
		logger:   deps.logger().With(zap.String("adapter", KindGreenhouse), zap.String("board", src.Key)),
	}, nil
}

func (g *GreenhouseAdapter) Name() string {
	return KindGreenhouse + ":" + g.src.Key
}

func (g *GreenhouseAdapter) endpoint() string {
	base := greenhouseAPI
	if g.src.URL != "" {
		base = strings.TrimRight(g.src.URL, "/")
	}
	return fmt.Sprintf("%s/%s/jobs?content=true&pay_transparency=true", base, url.PathEscape(g.src.Key))
}

type greenhouseResponse struct {
	Jobs []greenhouseJob `json:"jobs"`
	Meta struct {
		Total int `json:"total"`
	} `json:"meta"`
}

type greenhouseJob struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	AbsoluteURL string `json:"absolute_url"`
	Location    struct {
		Name string `json:"name"`
	} `json:"location"`
	Content     string `json:"content"`
	Departments []struct {
		Name string `json:"name"`
	} `json:"departments"`
	Offices []struct {
		Name     string `json:"name"`
		Location string `json:"location"`
	} `json:"offices"`
	Metadata []struct {
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
	} `json:"metadata"`
	UpdatedAt      string `json:"updated_at"`
	FirstPublished string `json:"first_published"`
	PayInputRanges []struct {
		MinCents     *int64 `json:"min_cents"`
		MaxCents     *int64 `json:"max_cents"`
		CurrencyType string `json:"currency_type"`
		Title        string `json:"title"`
		Blurb        string `json:"blurb"`
	} `json:"pay_input_ranges"`
}

// Scrape fetches the whole board in one API call
func (g *GreenhouseAdapter) Scrape(ctx context.Context) (*ScrapeResult, error) {
	result := newResult(g.deps.now())

	body, err := g.deps.Fetcher.Fetch(ctx, fetch.Request{
		URL:     g.endpoint(),
		Accept:  "application/json",
		NoCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("greenhouse board %s: %w", g.src.Key, err)
	}

	var resp greenhouseResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("greenhouse board %s: decode: %w", g.src.Key, err)
	}

	result.Total = len(resp.Jobs)
	if resp.Meta.Total > result.Total {
		g.logger.Warn("Board returned fewer jobs than it reports",
			zap.Int("reported", resp.Meta.Total),
			zap.Int("returned", result.Total))
	}
	now := g.deps.now()
	for _, job := range resp.Jobs {
		rec, err := g.record(job, now)
		if err != nil {
			result.Errors = append(result.Errors, err)
			g.logger.Warn("Skipping job", zap.Int64("id", job.ID), zap.Error(err))
			continue
		}
		result.Jobs = append(result.Jobs, rec)
	}

	g.logger.Info("Scraped board",
		zap.Int("total", result.Total),
		zap.Int("jobs", len(result.Jobs)))
	return result.finish(g.deps.now()), nil
}

func (g *GreenhouseAdapter) record(job greenhouseJob, now time.Time) (domain.JobRecord, error) {
	title := strings.TrimSpace(job.Title)
	if title == "" || job.AbsoluteURL == "" {
		return domain.JobRecord{}, fmt.Errorf("greenhouse job %d: missing title or url", job.ID)
	}

	locations := splitLocations(job.Location.Name)
	if len(locations) == 0 {
		for _, o := range job.Offices {
			if l := strings.TrimSpace(o.Location); l != "" {
				locations = append(locations, l)
			} else if n := strings.TrimSpace(o.Name); n != "" {
				locations = append(locations, n)
			}
		}
	}

	var department string
	if len(job.Departments) > 0 {
		department = strings.TrimSpace(job.Departments[0].Name)
	}

	employmentType := ""
	for _, m := range job.Metadata {
		if strings.Contains(strings.ToLower(m.Name), "employment type") {
			var v string
			if json.Unmarshal(m.Value, &v) == nil {
				employmentType = v
			}
		}
	}

	posted := job.FirstPublished
	if posted == "" {
		posted = job.UpdatedAt
	}

	return domain.JobRecord{
		EmployerName:   g.employer,
		ApplicationURL: job.AbsoluteURL,
		Title:          title,
		Locations:      withDefaultLocation(locations, g.src.DefaultLocation),
		Department:     department,
		Description:    html.UnescapeString(job.Content),
		EmploymentType: textnorm.NormalizeEmploymentType(employmentType, g.src.employmentType()),
		PostedDate:     textnorm.ParsePostedDate(posted, now),
		Compensation:   greenhousePay(job),
	}, nil
}

// greenhousePay converts the first pay transparency range; amounts are cents.
func greenhousePay(job greenhouseJob) domain.Compensation {
	for _, r := range job.PayInputRanges {
		if r.MinCents == nil && r.MaxCents == nil {
			continue
		}
		c := domain.Compensation{
			Currency: textnorm.NormalizeCurrency(r.CurrencyType),
			Interval: domain.IntervalYear,
		}
		if r.MinCents != nil {
			c.Floor = domain.Amount(float64(*r.MinCents) / 100)
		}
		if r.MaxCents != nil {
			c.Ceiling = domain.Amount(float64(*r.MaxCents) / 100)
		}
		label := strings.ToLower(r.Title + " " + r.Blurb)
		if strings.Contains(label, "hour") {
			c.Interval = domain.IntervalHour
		}
		return c
	}
	return domain.Compensation{}
}
