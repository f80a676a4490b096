package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/fetch"
	"github.com/jobref/pipeline/internal/location"
	"github.com/jobref/pipeline/internal/textnorm"
)

const leverAPI = "https://api.lever.co/v0/postings"

// LeverAdapter reads a Lever postings feed.
type LeverAdapter struct {
	employer string
	src      SourceConfig
	deps     Deps
	logger   *zap.Logger
}

// NewLeverAdapter creates a Lever adapter
func NewLeverAdapter(employer string, src SourceConfig, deps Deps) (Adapter, error) {
	if src.Key == "" {
		return nil, fmt.Errorf("lever source for %s requires a company key", employer)
	}
	return &LeverAdapter{
		employer: employer,
		src:      src,
		deps:     deps,
		logger:   deps.logger().With(zap.String("adapter", KindLever), zap.String("company", src.Key)),
	}, nil
}

func (l *LeverAdapter) Name() string {
	return KindLever + ":" + l.src.Key
}

func (l *LeverAdapter) endpoint() string {
	base := leverAPI
	if l.src.URL != "" {
		base = strings.TrimRight(l.src.URL, "/")
	}
	return fmt.Sprintf("%s/%s?mode=json", base, url.PathEscape(l.src.Key))
}

type leverPosting struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	HostedURL  string `json:"hostedUrl"`
	ApplyURL   string `json:"applyUrl"`
	Categories struct {
		Location     string   `json:"location"`
		AllLocations []string `json:"allLocations"`
		Team         string   `json:"team"`
		Department   string   `json:"department"`
		Commitment   string   `json:"commitment"`
	} `json:"categories"`
	CreatedAt   int64  `json:"createdAt"`
	Description string `json:"description"`
	Lists       []struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	} `json:"lists"`
	Additional    string `json:"additional"`
	WorkplaceType string `json:"workplaceType"`
	SalaryRange   *struct {
		Currency string   `json:"currency"`
		Interval string   `json:"interval"`
		Min      *float64 `json:"min"`
		Max      *float64 `json:"max"`
	} `json:"salaryRange"`
}

// Scrape fetches every posting in one API call
func (l *LeverAdapter) Scrape(ctx context.Context) (*ScrapeResult, error) {
	result := newResult(l.deps.now())

	body, err := l.deps.Fetcher.Fetch(ctx, fetch.Request{
		URL:     l.endpoint(),
		Accept:  "application/json",
		NoCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("lever company %s: %w", l.src.Key, err)
	}

	var postings []leverPosting
	if err := json.Unmarshal([]byte(body), &postings); err != nil {
		return nil, fmt.Errorf("lever company %s: decode: %w", l.src.Key, err)
	}

	result.Total = len(postings)
	for _, p := range postings {
		rec, err := l.record(p)
		if err != nil {
			result.Errors = append(result.Errors, err)
			l.logger.Warn("Skipping posting", zap.String("id", p.ID), zap.Error(err))
			continue
		}
		result.Jobs = append(result.Jobs, rec)
	}

	l.logger.Info("Scraped postings",
		zap.Int("total", result.Total),
		zap.Int("jobs", len(result.Jobs)))
	return result.finish(l.deps.now()), nil
}

func (l *LeverAdapter) record(p leverPosting) (domain.JobRecord, error) {
	title := strings.TrimSpace(p.Text)
	link := p.HostedURL
	if link == "" {
		link = p.ApplyURL
	}
	if title == "" || link == "" {
		return domain.JobRecord{}, fmt.Errorf("lever posting %s: missing title or url", p.ID)
	}

	locations := p.Categories.AllLocations
	if len(locations) == 0 {
		locations = splitLocations(p.Categories.Location)
	}
	locations = withDefaultLocation(locations, l.src.DefaultLocation)
	// workplaceType "remote" marks every location remote
	locations = location.WithRemoteMarker(locations, p.WorkplaceType)

	department := p.Categories.Team
	if department == "" {
		department = p.Categories.Department
	}

	var posted *time.Time
	if p.CreatedAt > 0 {
		t := time.UnixMilli(p.CreatedAt).UTC()
		posted = &t
	}

	return domain.JobRecord{
		EmployerName:   l.employer,
		ApplicationURL: link,
		Title:          title,
		Locations:      locations,
		Department:     strings.TrimSpace(department),
		Description:    leverDescription(p),
		EmploymentType: textnorm.NormalizeEmploymentType(p.Categories.Commitment, l.src.employmentType()),
		PostedDate:     posted,
		Compensation:   leverPay(p),
	}, nil
}

// leverDescription joins the opening, the titled lists and the closing.
func leverDescription(p leverPosting) string {
	var b strings.Builder
	b.WriteString(p.Description)
	for _, list := range p.Lists {
		if list.Text != "" {
			b.WriteString("<h4>")
			b.WriteString(list.Text)
			b.WriteString("</h4>")
		}
		b.WriteString("<ul>")
		b.WriteString(list.Content)
		b.WriteString("</ul>")
	}
	b.WriteString(p.Additional)
	return b.String()
}

func leverPay(p leverPosting) domain.Compensation {
	if p.SalaryRange == nil {
		return domain.Compensation{}
	}
	c := domain.Compensation{
		Currency: textnorm.NormalizeCurrency(p.SalaryRange.Currency),
	}
	if p.SalaryRange.Min != nil {
		c.Floor = domain.Amount(*p.SalaryRange.Min)
	}
	if p.SalaryRange.Max != nil {
		c.Ceiling = domain.Amount(*p.SalaryRange.Max)
	}
	switch p.SalaryRange.Interval {
	case "per-hour-wage":
		c.Interval = domain.IntervalHour
	case "per-month-salary":
		c.Interval = domain.IntervalMonth
	case "per-week-salary":
		c.Interval = domain.IntervalWeek
	case "per-year-salary":
		c.Interval = domain.IntervalYear
	}
	return c
}
