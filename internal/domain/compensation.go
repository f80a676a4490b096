package domain

// SalaryInterval is the period a salary amount refers to.
type SalaryInterval string

const (
	IntervalYear  SalaryInterval = "year"
	IntervalMonth SalaryInterval = "month"
	IntervalWeek  SalaryInterval = "week"
	IntervalHour  SalaryInterval = "hour"
)

// Compensation is a normalized salary range. Empty Currency/Interval and nil
// amounts mean unknown; the zero value is the all-null result.
type Compensation struct {
	Currency string         `json:"currency,omitempty"`
	Floor    *float64       `json:"floor,omitempty"`
	Ceiling  *float64       `json:"ceiling,omitempty"`
	Interval SalaryInterval `json:"interval,omitempty"`
}

// IsZero reports whether no field is known.
func (c Compensation) IsZero() bool {
	return c.Currency == "" && c.Floor == nil && c.Ceiling == nil && c.Interval == ""
}

// Equal compares field by field, including amount values.
func (c Compensation) Equal(o Compensation) bool {
	return c.Currency == o.Currency &&
		c.Interval == o.Interval &&
		equalAmount(c.Floor, o.Floor) &&
		equalAmount(c.Ceiling, o.Ceiling)
}

// Clone copies the amount pointers.
func (c Compensation) Clone() Compensation {
	out := c
	if c.Floor != nil {
		v := *c.Floor
		out.Floor = &v
	}
	if c.Ceiling != nil {
		v := *c.Ceiling
		out.Ceiling = &v
	}
	return out
}

// Amount returns a pointer to v.
func Amount(v float64) *float64 {
	return &v
}

func equalAmount(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
