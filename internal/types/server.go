// Package types provides the shared data model of the VPN console: users, servers,
// connections, and the typed error taxonomy returned by every component.
package types

import (
	"fmt"
	"time"
)

// ServerStatus is the availability state of a VPN server as reported by the inventory.
//
// Only online servers accept new sessions:
//
//	online      -> accepts connections
//	maintenance -> visible, refuses connections
//	offline     -> visible, refuses connections
type ServerStatus string

const (
	// ServerOnline - server accepts new sessions
	ServerOnline ServerStatus = "online"
	// ServerOffline - server is down
	ServerOffline ServerStatus = "offline"
	// ServerMaintenance - server is temporarily withdrawn by operators
	ServerMaintenance ServerStatus = "maintenance"
)

// String returns the string representation of the status (API format)
func (s ServerStatus) String() string {
	return string(s)
}

// DisplayString returns a human-readable representation of the status
func (s ServerStatus) DisplayString() string {
	switch s {
	case ServerOnline:
		return "Online"
	case ServerOffline:
		return "Offline"
	case ServerMaintenance:
		return "Maintenance"
	default:
		return "Unknown"
	}
}

// AcceptsConnections reports whether a session may be opened on a server in this state.
func (s ServerStatus) AcceptsConnections() bool {
	switch s {
	case ServerOnline:
		return true
	case ServerOffline, ServerMaintenance:
		return false
	default:
		return false
	}
}

// ParseServerStatus validates a status string
func ParseServerStatus(status string) (ServerStatus, error) {
	switch ServerStatus(status) {
	case ServerOnline, ServerOffline, ServerMaintenance:
		return ServerStatus(status), nil
	default:
		return "", fmt.Errorf("invalid server status: %q (must be one of: online, offline, maintenance)", status)
	}
}

// LoadBucket classifies a server load value for display.
type LoadBucket int

const (
	// LoadExcellent is a load below 30%
	LoadExcellent LoadBucket = iota
	// LoadGood is a load below 70%
	LoadGood
	// LoadBusy is anything at or above 70%
	LoadBusy
)

// String returns the label shown next to a server
func (b LoadBucket) String() string {
	switch b {
	case LoadExcellent:
		return "Excellent"
	case LoadGood:
		return "Good"
	case LoadBusy:
		return "Busy"
	default:
		return "Unknown"
	}
}

// BucketForLoad maps a 0-100 load value to its bucket.
func BucketForLoad(load int) LoadBucket {
	switch {
	case load < 30:
		return LoadExcellent
	case load < 70:
		return LoadGood
	default:
		return LoadBusy
	}
}

// Server is a VPN endpoint from the external inventory
type Server struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Country            string       `json:"country"`
	City               string       `json:"city"`
	IPAddress          string       `json:"ip_address"`
	Status             ServerStatus `json:"status"`
	Load               int          `json:"load"` // 0-100, supplied by the inventory
	CurrentConnections int          `json:"current_connections"`
	MaxConnections     int          `json:"max_connections"`
	CreatedAt          time.Time    `json:"created_at,omitempty"`
}

// LoadBucket returns the display bucket of the server's load.
func (s *Server) LoadBucket() LoadBucket {
	return BucketForLoad(s.Load)
}

// Utilization returns current/max connections as a rounded percentage.
func (s *Server) Utilization() int {
	if s.MaxConnections <= 0 {
		return 0
	}
	return (s.CurrentConnections*100 + s.MaxConnections/2) / s.MaxConnections
}

// ServerFields is the editable part of a server record used by admin create/update.
type ServerFields struct {
	Name           string       `json:"name"`
	Country        string       `json:"country"`
	City           string       `json:"city"`
	IPAddress      string       `json:"ip_address"`
	Status         ServerStatus `json:"status,omitempty"`
	MaxConnections int          `json:"max_connections"`
}

// Matches reports whether a server reflects these fields
func (f ServerFields) Matches(s *Server) bool {
	if s == nil {
		return false
	}
	return s.Name == f.Name &&
		s.Country == f.Country &&
		s.City == f.City &&
		s.IPAddress == f.IPAddress &&
		s.MaxConnections == f.MaxConnections &&
		(f.Status == "" || s.Status == f.Status)
}
