package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnconsole-go/internal/types"
)

func conn(id, serverID, serverName, country string, connectedAt time.Time, duration *int64) *types.Connection {
	return &types.Connection{
		ID:            id,
		ServerID:      serverID,
		ServerName:    serverName,
		ServerCountry: country,
		ConnectedAt:   connectedAt,
		Duration:      duration,
		Status:        types.ConnectionDisconnected,
	}
}

func ids(records []*types.Connection) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestFilter_TodayUsesCalendarDay(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	now := time.Date(2026, 3, 15, 14, 30, 0, 0, loc)
	midnight := time.Date(2026, 3, 15, 0, 0, 0, 0, loc)

	records := []*types.Connection{
		conn("midnight", "s1", "UK (London)", "United Kingdom", midnight, nil),
		conn("late-yesterday", "s1", "UK (London)", "United Kingdom", midnight.Add(-time.Minute), nil),
		conn("noon", "s2", "Singapore", "Singapore", midnight.Add(12*time.Hour), nil),
	}

	got := Filter(records, Criteria{Period: PeriodToday}, now, loc)
	assert.Equal(t, []string{"midnight", "noon"}, ids(got))
}

func TestFilter_RollingWindows(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	records := []*types.Connection{
		conn("6d", "s1", "A", "X", now.Add(-6*24*time.Hour), nil),
		conn("7d", "s1", "A", "X", now.Add(-7*24*time.Hour), nil),
		conn("8d", "s1", "A", "X", now.Add(-8*24*time.Hour), nil),
		conn("31d", "s1", "A", "X", now.Add(-31*24*time.Hour), nil),
	}

	assert.Equal(t, []string{"6d", "7d"}, ids(Filter(records, Criteria{Period: PeriodWeek}, now, time.UTC)))
	assert.Equal(t, []string{"6d", "7d", "8d"}, ids(Filter(records, Criteria{Period: PeriodMonth}, now, time.UTC)))
	assert.Len(t, Filter(records, Criteria{Period: PeriodAll}, now, time.UTC), 4)
	assert.Len(t, Filter(records, Criteria{}, now, time.UTC), 4)
}

func TestFilter_SearchAndPeriodAreAnded(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	records := []*types.Connection{
		conn("berlin-recent", "s1", "Germany (Berlin)", "Germany", now.Add(-time.Hour), nil),
		conn("berlin-old", "s1", "Germany (Berlin)", "Germany", now.Add(-20*24*time.Hour), nil),
		conn("tokyo", "s2", "Japan (Tokyo)", "Japan", now.Add(-time.Hour), nil),
		conn("deleted", "", "", "", now.Add(-time.Hour), nil),
	}

	got := Filter(records, Criteria{Search: "GERM", Period: PeriodWeek}, now, time.UTC)
	assert.Equal(t, []string{"berlin-recent"}, ids(got))

	got = Filter(records, Criteria{Search: "japan"}, now, time.UTC)
	assert.Equal(t, []string{"tokyo"}, ids(got), "country matches too")
}

func TestSort_ServerIsStable(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []*types.Connection{
		conn("1", "s2", "Singapore", "SG", base, nil),
		conn("2", "s1", "Germany (Berlin)", "DE", base.Add(time.Hour), nil),
		conn("3", "s2", "Singapore", "SG", base.Add(2*time.Hour), nil),
		conn("4", "s1", "Germany (Berlin)", "DE", base.Add(3*time.Hour), nil),
		conn("5", "s3", "germany (lowercase)", "DE", base, nil),
	}

	got := Sort(records, SortServer)
	assert.Equal(t, []string{"2", "4", "1", "3", "5"}, ids(got), "case-sensitive, ties keep input order")
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids(records), "input not mutated")
}

func TestSort_RecentAndDuration(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []*types.Connection{
		conn("a", "s1", "A", "X", base, types.Int64(60)),
		conn("b", "s1", "A", "X", base.Add(2*time.Hour), nil),
		conn("c", "s1", "A", "X", base.Add(time.Hour), types.Int64(120)),
		conn("d", "s1", "A", "X", base.Add(3*time.Hour), types.Int64(0)),
	}

	assert.Equal(t, []string{"d", "b", "c", "a"}, ids(Sort(records, SortRecent)))
	assert.Equal(t, []string{"c", "a", "b", "d"}, ids(Sort(records, SortDuration)), "missing duration sorts as 0, stable")
}

func TestSort_DropsNilRecords(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []*types.Connection{
		conn("b", "s2", "Singapore", "SG", base, types.Int64(30)),
		nil,
		conn("a", "s1", "Germany (Berlin)", "DE", base.Add(time.Hour), types.Int64(90)),
	}

	for _, key := range []SortKey{SortRecent, SortDuration, SortServer} {
		var got []*types.Connection
		require.NotPanics(t, func() { got = Sort(records, key) })
		assert.Len(t, got, 2)
	}
	assert.Equal(t, []string{"a", "b"}, ids(Sort(records, SortServer)))
	assert.Len(t, records, 3, "input not mutated")
}

func TestSummarize_Empty(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))
	assert.Equal(t, Summary{}, Summarize([]*types.Connection{}))
}

func TestSummarize_ActiveRecordCountsWithZeroDuration(t *testing.T) {
	now := time.Now()
	active := conn("2", "s2", "B", "Y", now, nil)
	active.Status = types.ConnectionActive
	records := []*types.Connection{
		conn("1", "s1", "A", "X", now, types.Int64(60)),
		active,
		conn("3", "s1", "A", "X", now, types.Int64(120)),
	}

	s := Summarize(records)
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, int64(180), s.TotalDurationSeconds)
	assert.Equal(t, int64(60), s.AverageDurationSeconds)
	assert.Equal(t, 2, s.UniqueServerCount)
}

func TestSummarize_MissingAndDeletedServers(t *testing.T) {
	now := time.Now()
	records := []*types.Connection{
		conn("1", "s1", "A", "X", now, types.Int64(10)),
		conn("2", "", "", "", now, types.Int64(10)),
		conn("3", "gone", "Old", "Z", now, types.Int64(11)),
	}

	s := Summarize(records)
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 2, s.UniqueServerCount, "empty server id excluded from unique count only")
	assert.Equal(t, int64(10), s.AverageDurationSeconds)

	s = Summarize(records, WithKnownServers(func(id string) bool { return id == "s1" }))
	assert.Equal(t, 1, s.UniqueServerCount)
	assert.Equal(t, 3, s.Count)
}

func TestSummarize_AverageRoundsHalfUp(t *testing.T) {
	now := time.Now()
	s := Summarize([]*types.Connection{
		conn("1", "s1", "A", "X", now, types.Int64(1)),
		conn("2", "s1", "A", "X", now, types.Int64(2)),
	})
	assert.Equal(t, int64(2), s.AverageDurationSeconds)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   *int64
		want string
	}{
		{nil, "N/A"},
		{types.Int64(0), "0s"},
		{types.Int64(59), "59s"},
		{types.Int64(123), "2m 3s"},
		{types.Int64(3723), "1h 2m 3s"},
		{types.Int64(7200), "2h 0m 0s"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.in))
		})
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "N/A", FormatBytes(nil))
	assert.Equal(t, "1.50 MB", FormatBytes(types.Int64(1572864)))
	assert.Equal(t, "0.00 MB", FormatBytes(types.Int64(0)))
}

func TestParsePeriodAndSortKey(t *testing.T) {
	p, err := ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, PeriodAll, p)
	_, err = ParsePeriod("year")
	assert.ErrorIs(t, err, types.ErrValidation)

	k, err := ParseSortKey("Duration")
	require.NoError(t, err)
	assert.Equal(t, SortDuration, k)
	_, err = ParseSortKey("speed")
	assert.ErrorIs(t, err, types.ErrValidation)
}
