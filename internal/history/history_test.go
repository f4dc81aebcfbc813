package history

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func addRecords(t *testing.T, j *Journal, n int) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		require.NoError(t, j.Add(&Record{
			JobID:      fmt.Sprintf("job-%03d", i),
			Title:      fmt.Sprintf("Show %d", i),
			Profile:    "default",
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + 30*time.Minute),
		}))
	}
}

func TestLatestOrdersNewestFirst(t *testing.T) {
	j := openTestJournal(t)
	addRecords(t, j, 5)

	recs, err := j.Latest(3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "Show 4", recs[0].Title)
	assert.Equal(t, "Show 2", recs[2].Title)
}

func TestPruneKeepsNewest(t *testing.T) {
	j := openTestJournal(t)
	addRecords(t, j, 30)

	require.NoError(t, j.Prune(20))

	recs, err := j.Latest(100)
	require.NoError(t, err)
	require.Len(t, recs, 20)
	assert.Equal(t, "Show 29", recs[0].Title)
	assert.Equal(t, "Show 10", recs[19].Title)
}

func TestPruneWithoutRetentionIsNoop(t *testing.T) {
	j := openTestJournal(t)
	addRecords(t, j, 3)

	require.NoError(t, j.Prune(0))
	recs, err := j.Latest(100)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestFailedRecordsRoundTrip(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.Add(&Record{
		JobID:      "job-x",
		Title:      "Broken",
		Failed:     true,
		Reason:     "watchdog expired",
		FinishedAt: time.Now(),
	}))

	recs, err := j.Latest(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Failed)
	assert.Equal(t, "watchdog expired", recs[0].Reason)
}
