package registry

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"vpnconsole-go/internal/types"
)

// SortKey orders a server listing
type SortKey string

const (
	SortByLoad    SortKey = "load"
	SortByName    SortKey = "name"
	SortByCountry SortKey = "country"
)

// ParseSortKey validates a sort key; empty means load
func ParseSortKey(s string) (SortKey, error) {
	switch SortKey(strings.ToLower(strings.TrimSpace(s))) {
	case "", SortByLoad:
		return SortByLoad, nil
	case SortByName:
		return SortByName, nil
	case SortByCountry:
		return SortByCountry, nil
	default:
		return "", fmt.Errorf("invalid sort key %q (want load, name or country)", s)
	}
}

// Query selects and orders servers for the server selection view.
// Empty fields (and "all") do not filter.
type Query struct {
	Search  string
	Country string
	Status  types.ServerStatus
	SortBy  SortKey
}

// Stats is the dashboard summary of the inventory
type Stats struct {
	Total       int `json:"total_servers"`
	Online      int `json:"online_servers"`
	AverageLoad int `json:"average_load"` // mean load of online servers, rounded
}

// Query returns the servers matching q in the requested order
func (r *Registry) Query(q Query) []*types.Server {
	return FilterServers(r.List(), q)
}

// FilterServers applies q to servers without modifying the input slice
func FilterServers(servers []*types.Server, q Query) []*types.Server {
	search := strings.ToLower(strings.TrimSpace(q.Search))
	country := q.Country
	if strings.EqualFold(country, "all") {
		country = ""
	}
	status := q.Status
	if strings.EqualFold(string(status), "all") {
		status = ""
	}

	out := make([]*types.Server, 0, len(servers))
	for _, srv := range servers {
		if search != "" &&
			!strings.Contains(strings.ToLower(srv.Name), search) &&
			!strings.Contains(strings.ToLower(srv.Country), search) &&
			!strings.Contains(strings.ToLower(srv.City), search) {
			continue
		}
		if country != "" && srv.Country != country {
			continue
		}
		if status != "" && srv.Status != status {
			continue
		}
		out = append(out, srv)
	}

	switch q.SortBy {
	case SortByName:
		sort.SliceStable(out, func(i, j int) bool {
			return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
		})
	case SortByCountry:
		sort.SliceStable(out, func(i, j int) bool {
			return strings.ToLower(out[i].Country) < strings.ToLower(out[j].Country)
		})
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Load < out[j].Load })
	}
	return out
}

func statsOf(servers []*types.Server) Stats {
	s := Stats{Total: len(servers)}
	totalLoad := 0
	for _, srv := range servers {
		if srv.Status == types.ServerOnline {
			s.Online++
			totalLoad += srv.Load
		}
	}
	if s.Online > 0 {
		s.AverageLoad = int(math.Floor(float64(totalLoad)/float64(s.Online) + 0.5))
	}
	return s
}
