package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkEntry(title string, start time.Time, d time.Duration) *Entry {
	return &Entry{
		Title:    title,
		Channel:  "SE1",
		Start:    start,
		End:      start.Add(d),
		Basename: Sanitize(title),
	}
}

func TestEntryValidate(t *testing.T) {
	base := time.Date(2026, 3, 10, 20, 15, 0, 0, time.UTC)

	e := mkEntry("News", base, time.Hour)
	assert.NoError(t, e.Validate())

	bad := mkEntry("News", base, 0)
	assert.Error(t, bad.Validate())

	noChannel := mkEntry("News", base, time.Hour)
	noChannel.Channel = ""
	assert.Error(t, noChannel.Validate())

	tooMany := mkEntry("News", base, time.Hour)
	tooMany.Profiles = []string{"a", "b", "c", "d", "e"}
	assert.Error(t, tooMany.Validate())
}

func TestEntryOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	a := mkEntry("A", base, time.Hour)

	// Touching intervals do not overlap: [20:00,21:00) and [21:00,22:00).
	b := mkEntry("B", base.Add(time.Hour), time.Hour)
	assert.False(t, a.Overlaps(b))
	assert.False(t, b.Overlaps(a))

	c := mkEntry("C", base.Add(30*time.Minute), time.Hour)
	assert.True(t, a.Overlaps(c))
	assert.True(t, c.Overlaps(a))

	inside := mkEntry("D", base.Add(10*time.Minute), 10*time.Minute)
	assert.True(t, a.Overlaps(inside))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "Evening_News", Sanitize("Evening News"))
	assert.Equal(t, "Tatort-2026", Sanitize("Tatort-2026!?"))
	assert.Equal(t, "recording", Sanitize("???"))
}

func TestExpandDaily(t *testing.T) {
	base := time.Date(2026, 3, 10, 20, 15, 0, 0, time.UTC)
	tmpl := mkEntry("News", base, time.Hour)
	tmpl.Recurrence.Mangle = MangleDate

	children := Expand(tmpl, RecurDaily, 3)
	require.Len(t, children, 3)

	for i, c := range children {
		assert.Equal(t, base.AddDate(0, 0, i), c.Start)
		assert.Equal(t, 3-i-1, c.Recurrence.Remaining)
		assert.Equal(t, RecurDaily, c.Recurrence.Kind)
	}
	assert.Equal(t, "News 2026-03-10", children[0].Title)
	assert.Equal(t, "News_2026-03-11", children[1].Basename)
}

func TestExpandMonFriSkipsWeekend(t *testing.T) {
	// 2026-03-13 is a Friday.
	friday := time.Date(2026, 3, 13, 20, 0, 0, 0, time.UTC)
	tmpl := mkEntry("Show", friday, time.Hour)
	tmpl.Recurrence.Mangle = MangleNumber

	children := Expand(tmpl, RecurMonFri, 2)
	require.Len(t, children, 2)
	assert.Equal(t, time.Monday, children[1].Start.Weekday())
	assert.Equal(t, friday.AddDate(0, 0, 3), children[1].Start)
	assert.Equal(t, "Show_2", children[1].Basename)
}

func TestExpandSatSun(t *testing.T) {
	// 2026-03-14 is a Saturday.
	saturday := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tmpl := mkEntry("Cartoons", saturday, time.Hour)

	children := Expand(tmpl, RecurSatSun, 3)
	require.Len(t, children, 3)
	assert.Equal(t, time.Sunday, children[1].Start.Weekday())
	assert.Equal(t, time.Saturday, children[2].Start.Weekday())
}

func TestSeriesBase(t *testing.T) {
	e := mkEntry("News", time.Now(), time.Hour)
	e.Basename = "News_2026-03-10"
	assert.Equal(t, "News", e.SeriesBase())

	plain := mkEntry("News", time.Now(), time.Hour)
	assert.Equal(t, "News", plain.SeriesBase())
}

func TestParseRecurrenceKind(t *testing.T) {
	kind, err := ParseRecurrenceKind("mon-fri")
	require.NoError(t, err)
	assert.Equal(t, RecurMonFri, kind)

	_, err = ParseRecurrenceKind("fortnightly")
	assert.Error(t, err)
}
