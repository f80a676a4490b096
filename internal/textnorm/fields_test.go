package textnorm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobref/pipeline/internal/domain"
)

func TestFoldText(t *testing.T) {
	assert.Equal(t, "sao paulo, brazil", FoldText("  São   Paulo, BRAZIL "))
	assert.Equal(t, "boston, ma", FoldText("Boston, MA"))
	assert.Equal(t, FoldText("Zürich"), FoldText("zurich"))
}

func TestPlainText(t *testing.T) {
	got := PlainText(`<p>Salary</p><ul><li>$120,000</li><li>5 years</li></ul><script>var x = 1</script>`)
	assert.Equal(t, "Salary $120,000 5 years", got)
	assert.Equal(t, "a & b", PlainText("a &amp; b"))
	assert.Equal(t, "Base $100k Bonus 10%", PlainText(`<table><tr><td>Base</td><td>$100k</td></tr><tr><td>Bonus</td><td>10%</td></tr></table>`))
}

func TestNormalizeEmploymentType(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Full-time", domain.EmploymentFullTime},
		{"FULL_TIME", domain.EmploymentFullTime},
		{"Permanent", domain.EmploymentFullTime},
		{"Part time", domain.EmploymentPartTime},
		{"Contractor", domain.EmploymentContract},
		{"Temporary", domain.EmploymentTemporary},
		{"Summer Internship", domain.EmploymentInternship},
		{"", "fallback"},
		{"Whatever", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeEmploymentType(tt.raw, "fallback"))
		})
	}
}

func TestParsePostedDate(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	got := ParsePostedDate("2024-05-01", now)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), *got)

	got = ParsePostedDate("2024-04-02T09:30:00-04:00", now)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 4, 2, 13, 30, 0, 0, time.UTC), *got)

	got = ParsePostedDate("1714521600000", now)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), *got)

	got = ParsePostedDate("Posted 3 days ago", now)
	require.NotNil(t, got)
	assert.Equal(t, now.AddDate(0, 0, -3), *got)

	got = ParsePostedDate("30+ days ago", now)
	require.NotNil(t, got)
	assert.Equal(t, now.AddDate(0, 0, -30), *got)

	got = ParsePostedDate("5 hours ago", now)
	require.NotNil(t, got)
	assert.Equal(t, now.Add(-5*time.Hour), *got)

	got = ParsePostedDate("Just posted", now)
	require.NotNil(t, got)
	assert.Equal(t, now, *got)

	assert.Nil(t, ParsePostedDate("", now))
	assert.Nil(t, ParsePostedDate("some day", now))
}
