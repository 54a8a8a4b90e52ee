package types

import "time"

// ConnectionStatus is the persisted state of a connection record
type ConnectionStatus string

const (
	// ConnectionActive marks the single open session of a user
	ConnectionActive ConnectionStatus = "active"
	// ConnectionDisconnected marks a closed session; the record is immutable afterwards
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// String returns the string representation of the connection status
func (s ConnectionStatus) String() string {
	return string(s)
}

// Connection is one session between a user and a server.
// ServerName and ServerCountry are denormalized so history stays readable after the
// server is removed from the inventory.
type Connection struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	ServerID        string           `json:"server_id"`
	ServerName      string           `json:"server_name,omitempty"`
	ServerCountry   string           `json:"server_country,omitempty"`
	ConnectedAt     time.Time        `json:"connected_at"`
	DisconnectedAt  *time.Time       `json:"disconnected_at,omitempty"`
	Status          ConnectionStatus `json:"status"`
	Duration        *int64           `json:"duration,omitempty"`         // seconds
	DataTransferred *int64           `json:"data_transferred,omitempty"` // bytes
}

// IsActive reports whether the record is the open session; false for nil
func (c *Connection) IsActive() bool {
	return c != nil && c.Status == ConnectionActive
}

// DurationSeconds returns the recorded duration, treating a missing value as zero.
func (c *Connection) DurationSeconds() int64 {
	if c.Duration == nil {
		return 0
	}
	return *c.Duration
}

// Clone returns a deep copy so callers never share pointer fields with cached state.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	out := *c
	if c.DisconnectedAt != nil {
		t := *c.DisconnectedAt
		out.DisconnectedAt = &t
	}
	if c.Duration != nil {
		d := *c.Duration
		out.Duration = &d
	}
	if c.DataTransferred != nil {
		b := *c.DataTransferred
		out.DataTransferred = &b
	}
	return &out
}

// ElapsedSeconds returns whole seconds between connect and the given instant, never negative.
func ElapsedSeconds(connectedAt, until time.Time) int64 {
	secs := int64(until.Sub(connectedAt) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// Int64 returns a pointer to v
func Int64(v int64) *int64 {
	return &v
}
