package textnorm

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/currency"

	"github.com/jobref/pipeline/internal/domain"
)

// Default plausibility band for parsed amounts.
const (
	DefaultYearFloor = 40000
	DefaultHourFloor = 1
	DefaultCeiling   = 500000
)

// Bounds rejects amounts that cannot be a salary for their interval. Month
// and week floors are derived from YearFloor.
type Bounds struct {
	YearFloor float64 `yaml:"year_floor"`
	HourFloor float64 `yaml:"hour_floor"`
	Ceiling   float64 `yaml:"ceiling"`
}

// DefaultBounds returns the default plausibility band.
func DefaultBounds() Bounds {
	return Bounds{
		YearFloor: DefaultYearFloor,
		HourFloor: DefaultHourFloor,
		Ceiling:   DefaultCeiling,
	}
}

func (b Bounds) floor(interval domain.SalaryInterval) float64 {
	switch interval {
	case domain.IntervalHour:
		return b.HourFloor
	case domain.IntervalWeek:
		return b.YearFloor / 52
	case domain.IntervalMonth:
		return b.YearFloor / 12
	}
	return b.YearFloor
}

func (b Bounds) plausible(v float64, interval domain.SalaryInterval) bool {
	return v >= b.floor(interval) && v <= b.Ceiling
}

type compensationConfig struct {
	interval domain.SalaryInterval
	bounds   Bounds
}

// CompensationOption tunes ParseCompensation.
type CompensationOption func(*compensationConfig)

// WithDefaultInterval sets the interval assumed when the text names none.
func WithDefaultInterval(interval domain.SalaryInterval) CompensationOption {
	return func(c *compensationConfig) {
		if interval != "" {
			c.interval = interval
		}
	}
}

// WithBounds replaces the plausibility band.
func WithBounds(b Bounds) CompensationOption {
	return func(c *compensationConfig) {
		c.bounds = b
	}
}

var (
	amountRe = regexp.MustCompile(
		`(?:(US\$|CA\$|C\$|AU\$|A\$|\$|£|€|¥|₹)\s?|\b([A-Z]{3})\s?)?` +
			`(\d{1,3}(?:,\d{3})+|\d{1,3}(?:\.\d{3})+|\d+)(\.\d+)?` +
			`(?:\s?([kK])\b)?` +
			`(?:\s?([A-Z]{3})\b)?`)
	rangeSepRe = regexp.MustCompile(`^\s*(?:-|–|—|to|and)\s*$`)
	intervalRe = regexp.MustCompile(
		`^\s*(?:(?:/|per|an?|each)\s*)?(hourly|hour|hr|annually|annum|annual|yearly|year|yr|monthly|month|mo|weekly|week|wk)\b`)
)

var currencySymbols = map[string]string{
	"$":   "USD",
	"US$": "USD",
	"CA$": "CAD",
	"C$":  "CAD",
	"AU$": "AUD",
	"A$":  "AUD",
	"£":   "GBP",
	"€":   "EUR",
	"¥":   "JPY",
	"₹":   "INR",
}

// currencies written with a decimal point, where "12.500" is not 12500
var decimalPointCurrencies = map[string]bool{
	"USD": true, "CAD": true, "AUD": true, "GBP": true, "INR": true,
}

type amount struct {
	start, end int
	value      float64
	thousands  bool
	currency   string
}

type candidate struct {
	start    int
	floor    float64
	ceiling  float64
	isRange  bool
	currency string
	interval domain.SalaryInterval
}

// ParseCompensation extracts the most plausible salary from free text. When
// nothing plausible is found it returns the zero Compensation.
func ParseCompensation(text string, opts ...CompensationOption) domain.Compensation {
	cfg := compensationConfig{
		interval: domain.IntervalYear,
		bounds:   DefaultBounds(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	amounts := findAmounts(text)
	var candidates []candidate
	for i := 0; i < len(amounts); i++ {
		a := amounts[i]
		if i+1 < len(amounts) && rangeSepRe.MatchString(text[a.end:amounts[i+1].start]) {
			b := amounts[i+1]
			candidates = append(candidates, newRange(text, a, b, cfg.interval))
			i++
			continue
		}
		candidates = append(candidates, candidate{
			start:    a.start,
			floor:    a.value,
			ceiling:  a.value,
			currency: a.currency,
			interval: detectInterval(text[a.end:], cfg.interval),
		})
	}

	plausible := candidates[:0]
	for _, c := range candidates {
		if cfg.bounds.plausible(c.floor, c.interval) && cfg.bounds.plausible(c.ceiling, c.interval) {
			plausible = append(plausible, c)
		}
	}
	if len(plausible) == 0 {
		return domain.Compensation{}
	}

	sort.SliceStable(plausible, func(i, j int) bool {
		a, b := plausible[i], plausible[j]
		if (a.currency != "") != (b.currency != "") {
			return a.currency != ""
		}
		if a.isRange != b.isRange {
			return a.isRange
		}
		return a.start < b.start
	})

	best := plausible[0]
	return domain.Compensation{
		Currency: best.currency,
		Floor:    domain.Amount(best.floor),
		Ceiling:  domain.Amount(best.ceiling),
		Interval: best.interval,
	}
}

// MergeCompensation combines partial results; later non-null fields win.
func MergeCompensation(parts ...domain.Compensation) domain.Compensation {
	var out domain.Compensation
	for _, p := range parts {
		if p.Currency != "" {
			out.Currency = p.Currency
		}
		if p.Floor != nil {
			out.Floor = domain.Amount(*p.Floor)
		}
		if p.Ceiling != nil {
			out.Ceiling = domain.Amount(*p.Ceiling)
		}
		if p.Interval != "" {
			out.Interval = p.Interval
		}
	}
	return out
}

// NormalizeCurrency maps a symbol or ISO code to an ISO 4217 code, or "".
func NormalizeCurrency(raw string) string {
	raw = strings.TrimSpace(raw)
	if code, ok := currencySymbols[raw]; ok {
		return code
	}
	unit, err := currency.ParseISO(strings.ToUpper(raw))
	if err != nil {
		return ""
	}
	return unit.String()
}

func findAmounts(text string) []amount {
	matches := amountRe.FindAllStringSubmatchIndex(text, -1)
	out := make([]amount, 0, len(matches))
	for _, m := range matches {
		group := func(n int) string {
			if m[2*n] < 0 {
				return ""
			}
			return text[m[2*n]:m[2*n+1]]
		}
		a := amount{start: m[0], end: m[1]}
		switch {
		case group(1) != "":
			a.currency = currencySymbols[group(1)]
		case group(2) != "":
			a.currency = NormalizeCurrency(group(2))
		}
		if a.currency == "" && group(6) != "" {
			a.currency = NormalizeCurrency(group(6))
		}

		digits := strings.ReplaceAll(group(3), ",", "")
		// "60.000" groups thousands unless the currency uses a decimal point
		decimal := decimalPointCurrencies[a.currency] && strings.Count(digits, ".") == 1
		if !decimal {
			digits = strings.ReplaceAll(digits, ".", "")
		}
		v, err := strconv.ParseFloat(digits+group(4), 64)
		if err != nil {
			continue
		}
		a.value = v
		if group(5) != "" {
			// 401k is a retirement plan, not a salary
			if digits == "401" {
				continue
			}
			a.thousands = true
			a.value *= 1000
		}
		a.value = math.Round(a.value*100) / 100
		out = append(out, a)
	}
	return out
}

func newRange(text string, a, b amount, fallback domain.SalaryInterval) candidate {
	floor, ceiling := a.value, b.value
	// "$90-110k": a thousands marker on one end applies to a bare small other end
	if b.thousands && !a.thousands && floor < 1000 {
		floor *= 1000
	}
	if a.thousands && !b.thousands && ceiling < 1000 {
		ceiling *= 1000
	}
	if floor > ceiling {
		floor, ceiling = ceiling, floor
	}
	cur := a.currency
	if cur == "" {
		cur = b.currency
	}
	return candidate{
		start:    a.start,
		floor:    floor,
		ceiling:  ceiling,
		isRange:  true,
		currency: cur,
		interval: detectInterval(text[b.end:], fallback),
	}
}

func detectInterval(after string, fallback domain.SalaryInterval) domain.SalaryInterval {
	if len(after) > 32 {
		after = after[:32]
	}
	m := intervalRe.FindStringSubmatch(strings.ToLower(after))
	if m == nil {
		return fallback
	}
	switch m[1] {
	case "hourly", "hour", "hr":
		return domain.IntervalHour
	case "monthly", "month", "mo":
		return domain.IntervalMonth
	case "weekly", "week", "wk":
		return domain.IntervalWeek
	}
	return domain.IntervalYear
}
