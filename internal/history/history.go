// Package history derives filtered, sorted views and usage statistics from a user's
// connection records. Filter, Sort and Summarize are pure; Aggregator adds loading.
package history

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"vpnconsole-go/internal/types"
)

// Period restricts records by connection time
type Period string

const (
	PeriodAll   Period = "all"
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ParsePeriod validates a period name; empty means all
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PeriodAll, nil
	case PeriodAll, PeriodToday, PeriodWeek, PeriodMonth:
		return p, nil
	default:
		return "", types.NewError(types.KindValidation, "invalid period %q (want all, today, week or month)", s)
	}
}

// SortKey orders history records
type SortKey string

const (
	SortRecent   SortKey = "recent"
	SortDuration SortKey = "duration"
	SortServer   SortKey = "server"
)

// ParseSortKey validates a sort key; empty means recent
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return SortRecent, nil
	case SortRecent, SortDuration, SortServer:
		return k, nil
	default:
		return "", types.NewError(types.KindValidation, "invalid sort key %q (want recent, duration or server)", s)
	}
}

// Criteria are ANDed
type Criteria struct {
	Search string
	Period Period
}

// Filter returns the records whose server name or country contains Search
// (case-insensitive) and whose connection time falls in Period. "today" is the calendar
// day of now in loc; "week" and "month" are rolling 7 and 30 day windows.
func Filter(records []*types.Connection, c Criteria, now time.Time, loc *time.Location) []*types.Connection {
	if loc == nil {
		loc = time.Local
	}
	search := strings.ToLower(c.Search)

	var from time.Time
	var until time.Time
	switch c.Period {
	case PeriodToday:
		local := now.In(loc)
		from = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		until = from.AddDate(0, 0, 1)
	case PeriodWeek:
		from = now.Add(-7 * 24 * time.Hour)
	case PeriodMonth:
		from = now.Add(-30 * 24 * time.Hour)
	}

	out := make([]*types.Connection, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(r.ServerName), search) &&
			!strings.Contains(strings.ToLower(r.ServerCountry), search) {
			continue
		}
		if !from.IsZero() && r.ConnectedAt.Before(from) {
			continue
		}
		if !until.IsZero() && !r.ConnectedAt.Before(until) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Sort returns a stably sorted copy of records; the input slice is not modified.
// recent: newest first. duration: longest first, missing counts as 0.
// server: server name ascending, byte-wise. Nil records are dropped, as in Filter.
func Sort(records []*types.Connection, key SortKey) []*types.Connection {
	out := make([]*types.Connection, 0, len(records))
	for _, r := range records {
		if r != nil {
			out = append(out, r)
		}
	}

	switch key {
	case SortDuration:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].DurationSeconds() > out[j].DurationSeconds()
		})
	case SortServer:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].ServerName < out[j].ServerName
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].ConnectedAt.After(out[j].ConnectedAt)
		})
	}
	return out
}

// Summary is the aggregate over a set of records
type Summary struct {
	Count                  int   `json:"count"`
	TotalDurationSeconds   int64 `json:"total_duration_seconds"`
	UniqueServerCount      int   `json:"unique_server_count"`
	AverageDurationSeconds int64 `json:"average_duration_seconds"`
}

type summarizeOptions struct {
	known func(serverID string) bool
}

// SummarizeOption tunes Summarize
type SummarizeOption func(*summarizeOptions)

// WithKnownServers excludes records whose server id known rejects (deleted servers)
// from the unique server count. They still count everywhere else.
func WithKnownServers(known func(serverID string) bool) SummarizeOption {
	return func(o *summarizeOptions) { o.known = known }
}

// Summarize counts records, totals their recorded durations and counts distinct servers.
// Records with no server id are left out of the unique count only. The average is the
// total divided by the count, rounded half up.
func Summarize(records []*types.Connection, opts ...SummarizeOption) Summary {
	var o summarizeOptions
	for _, opt := range opts {
		opt(&o)
	}

	var s Summary
	servers := make(map[string]struct{})
	for _, r := range records {
		if r == nil {
			continue
		}
		s.Count++
		s.TotalDurationSeconds += r.DurationSeconds()
		if r.ServerID == "" || (o.known != nil && !o.known(r.ServerID)) {
			continue
		}
		servers[r.ServerID] = struct{}{}
	}
	s.UniqueServerCount = len(servers)
	if s.Count > 0 {
		s.AverageDurationSeconds = int64(math.Floor(float64(s.TotalDurationSeconds)/float64(s.Count) + 0.5))
	}
	return s
}

// FormatDuration renders seconds as "1h 2m 3s", "2m 3s" or "3s". A missing value is
// "N/A"; zero is "0s".
func FormatDuration(seconds *int64) string {
	if seconds == nil {
		return "N/A"
	}
	total := *seconds
	if total < 0 {
		total = 0
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	secs := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, secs)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// FormatBytes renders a transfer volume in megabytes, "N/A" when unknown
func FormatBytes(b *int64) string {
	if b == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.2f MB", float64(*b)/1024/1024)
}
