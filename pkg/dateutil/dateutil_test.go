package dateutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayTruncatesToUTCMidnight(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	got := Day(time.Date(2024, 3, 1, 2, 30, 0, 0, loc))
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), got)
}

func TestMonthBounds(t *testing.T) {
	start, end := MonthBounds(time.Date(2024, 2, 17, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "2024-02-01", Format(start))
	assert.Equal(t, "2024-02-29", Format(end))

	start, end = PreviousMonth(time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC))
	assert.Equal(t, "2023-12-01", Format(start))
	assert.Equal(t, "2023-12-31", Format(end))
}

func TestRange(t *testing.T) {
	from, err := Parse("2024-01-30")
	require.NoError(t, err)
	to, err := Parse("2024-02-02")
	require.NoError(t, err)

	days := Range(from, to)
	require.Len(t, days, 4)
	assert.Equal(t, "2024-02-02", Format(days[3]))
	assert.Empty(t, Range(to, from))
}

func TestWithin(t *testing.T) {
	start, _ := Parse("2024-01-01")
	end, _ := Parse("2024-01-31")
	assert.True(t, Within(time.Date(2024, 1, 31, 23, 59, 0, 0, time.UTC), start, end))
	assert.False(t, Within(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), start, end))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("2024/01/01")
	assert.Error(t, err)
}
