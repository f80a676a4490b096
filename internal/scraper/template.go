package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/fetch"
	"github.com/jobref/pipeline/internal/textnorm"
)

// TemplateSelectors are CSS selectors for a careers site without an API.
// Job and Link apply to the index page, the rest apply to a job card and
// then to its detail page, where a non-empty match wins.
type TemplateSelectors struct {
	Job            string `yaml:"job"`
	Link           string `yaml:"link"`
	Title          string `yaml:"title"`
	Location       string `yaml:"location"`
	Department     string `yaml:"department"`
	Description    string `yaml:"description"`
	EmploymentType string `yaml:"employment_type"`
	PostedDate     string `yaml:"posted_date"`
	Compensation   string `yaml:"compensation"`
}

// TemplateAdapter scrapes an HTML careers index and its detail pages.
type TemplateAdapter struct {
	employer string
	src      SourceConfig
	base     *url.URL
	deps     Deps
	logger   *zap.Logger
}

// NewTemplateAdapter creates a selector-driven adapter
func NewTemplateAdapter(employer string, src SourceConfig, deps Deps) (Adapter, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("template source for %s: %w", employer, err)
	}
	base, err := url.Parse(src.URL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("template source for %s: invalid url %q", employer, src.URL)
	}
	return &TemplateAdapter{
		employer: employer,
		src:      src,
		base:     base,
		deps:     deps,
		logger:   deps.logger().With(zap.String("adapter", KindTemplate), zap.String("host", base.Host)),
	}, nil
}

func (t *TemplateAdapter) Name() string {
	return KindTemplate + ":" + t.base.Host
}

func (t *TemplateAdapter) mode() fetch.Mode {
	if t.src.Render {
		return fetch.ModeBrowser
	}
	return fetch.ModeHTTP
}

// Scrape reads the index page, then every detail page in one batch
func (t *TemplateAdapter) Scrape(ctx context.Context) (*ScrapeResult, error) {
	result := newResult(t.deps.now())

	index, err := t.deps.Fetcher.Fetch(ctx, fetch.Request{
		URL:          t.src.URL,
		Mode:         t.mode(),
		WaitSelector: t.src.WaitSelector,
		Scrolls:      t.src.Scrolls,
		NoCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("template index %s: %w", t.src.URL, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(index))
	if err != nil {
		return nil, fmt.Errorf("template index %s: parse: %w", t.src.URL, err)
	}

	cards := t.parseCards(doc)
	result.Total = len(cards)
	t.logger.Debug("Found job cards", zap.Int("count", result.Total))

	if t.src.SkipDetail {
		for _, rec := range cards {
			if rec.Title == "" {
				result.Errors = append(result.Errors, fmt.Errorf("%s: no title found", rec.ApplicationURL))
				continue
			}
			result.Jobs = append(result.Jobs, t.finalize(rec))
		}
		return result.finish(t.deps.now()), nil
	}

	// each callback owns its slot so discovery order survives the batch
	slots := make([]*domain.JobRecord, len(cards))
	batch := t.deps.Fetcher.NewBatch(ctx)
	for i := range cards {
		i := i
		batch.Go(fetch.Request{
			URL:          cards[i].ApplicationURL,
			Mode:         t.mode(),
			WaitSelector: t.src.Selectors.Description,
		}, func(body string) error {
			rec, err := t.parseDetail(body, cards[i])
			if err != nil {
				return err
			}
			slots[i] = &rec
			return nil
		})
	}
	for _, ferr := range batch.Wait() {
		result.Errors = append(result.Errors, ferr)
		if ferr.Transient {
			result.Skipped = append(result.Skipped, ferr.URL)
		}
	}

	for _, rec := range slots {
		if rec != nil {
			result.Jobs = append(result.Jobs, *rec)
		}
	}

	t.logger.Info("Scraped careers site",
		zap.Int("total", result.Total),
		zap.Int("jobs", len(result.Jobs)),
		zap.Int("skipped", len(result.Skipped)))
	return result.finish(t.deps.now()), nil
}

// parseCards extracts one partial record per distinct job link.
func (t *TemplateAdapter) parseCards(doc *goquery.Document) []domain.JobRecord {
	sel := t.src.Selectors
	seen := make(map[string]bool)
	var cards []domain.JobRecord

	doc.Find(sel.Job).Each(func(_ int, card *goquery.Selection) {
		link := card
		if sel.Link != "" {
			link = card.Find(sel.Link).First()
		}
		href, ok := link.Attr("href")
		if !ok {
			href, _ = card.Find("a[href]").First().Attr("href")
		}
		abs := t.resolve(href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true

		rec := domain.JobRecord{
			EmployerName:   t.employer,
			ApplicationURL: abs,
		}
		t.extract(card, &rec)
		if rec.Title == "" && sel.Title == "" {
			rec.Title = cleanText(link.Text())
		}
		cards = append(cards, rec)
	})
	return cards
}

func (t *TemplateAdapter) parseDetail(body string, card domain.JobRecord) (domain.JobRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return domain.JobRecord{}, fmt.Errorf("%w: %s: %v", fetch.ErrUnparseable, card.ApplicationURL, err)
	}
	rec := card
	rec.Locations = append([]string(nil), card.Locations...)
	t.extract(doc.Selection, &rec)
	if rec.Title == "" {
		return domain.JobRecord{}, fmt.Errorf("%w: %s: no title found", fetch.ErrUnparseable, card.ApplicationURL)
	}
	return t.finalize(rec), nil
}

// extract overwrites fields of rec that s has a non-empty match for.
func (t *TemplateAdapter) extract(s *goquery.Selection, rec *domain.JobRecord) {
	sel := t.src.Selectors
	if v := textOf(s, sel.Title); v != "" {
		rec.Title = v
	}
	if locs := textsOf(s, sel.Location); len(locs) > 0 {
		rec.Locations = locs
	}
	if v := textOf(s, sel.Department); v != "" {
		rec.Department = v
	}
	if sel.Description != "" {
		if h, err := s.Find(sel.Description).First().Html(); err == nil && strings.TrimSpace(h) != "" {
			rec.Description = h
		}
	}
	if v := textOf(s, sel.EmploymentType); v != "" {
		rec.EmploymentType = v
	}
	if sel.PostedDate != "" {
		node := s.Find(sel.PostedDate).First()
		raw, ok := node.Attr("datetime")
		if !ok {
			raw = node.Text()
		}
		if posted := textnorm.ParsePostedDate(cleanText(raw), t.deps.now()); posted != nil {
			rec.PostedDate = posted
		}
	}
	if v := textOf(s, sel.Compensation); v != "" {
		if c := textnorm.ParseCompensation(v); !c.IsZero() {
			rec.Compensation = c
		}
	}
}

func (t *TemplateAdapter) finalize(rec domain.JobRecord) domain.JobRecord {
	rec.Locations = withDefaultLocation(rec.Locations, t.src.DefaultLocation)
	rec.EmploymentType = textnorm.NormalizeEmploymentType(rec.EmploymentType, t.src.employmentType())
	return rec
}

func (t *TemplateAdapter) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := t.base.ResolveReference(ref)
	abs.Fragment = ""
	return abs.String()
}

func textOf(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return cleanText(s.Find(selector).First().Text())
}

// textsOf returns every non-empty match, split on location separators.
func textsOf(s *goquery.Selection, selector string) []string {
	if selector == "" {
		return nil
	}
	var out []string
	s.Find(selector).Each(func(_ int, n *goquery.Selection) {
		out = append(out, splitLocations(cleanText(n.Text()))...)
	})
	return out
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
