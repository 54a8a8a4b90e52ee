// Package api is the console's view of the external persistence API: the interfaces the
// components depend on, an HTTP implementation, an in-memory implementation used for demo
// mode and tests, and the live server status stream.
package api

import (
	"context"
	"time"

	"vpnconsole-go/internal/types"
)

// IdentitySource answers "who is the current user"
type IdentitySource interface {
	CurrentUser(ctx context.Context) (*types.User, error)
	Logout(ctx context.Context) error
}

// ServerSource lists the server inventory
type ServerSource interface {
	ListServers(ctx context.Context) ([]*types.Server, error)
	GetServer(ctx context.Context, id string) (*types.Server, error)
}

// SessionBackend performs connection transitions for the acting user
type SessionBackend interface {
	// ActiveConnection returns the user's active connection, or nil when there is none
	ActiveConnection(ctx context.Context) (*types.Connection, error)
	// Connect creates a new active connection to serverID
	Connect(ctx context.Context, serverID string) (*types.Connection, error)
	// Disconnect closes the active connection. The returned record may be nil when the
	// API does not echo it back; a NotFound error means there was nothing to close.
	Disconnect(ctx context.Context) (*types.Connection, error)
}

// HistorySource returns the acting user's connection history, most recent first
type HistorySource interface {
	History(ctx context.Context) ([]*types.Connection, error)
}

// AdminBackend holds the admin-only operations
type AdminBackend interface {
	AdminStats(ctx context.Context) (*types.AdminStats, error)
	ListUsers(ctx context.Context) ([]*types.User, error)
	SetUserRole(ctx context.Context, userID string, role types.Role) error
	CreateServer(ctx context.Context, fields types.ServerFields) (string, error)
	UpdateServer(ctx context.Context, id string, fields types.ServerFields) error
	DeleteServer(ctx context.Context, id string) error
}

// Backend is the full API surface
type Backend interface {
	IdentitySource
	ServerSource
	SessionBackend
	HistorySource
	AdminBackend
}

// StatusUpdate is a live status/load change for one server pushed over the stream
type StatusUpdate struct {
	ServerID           string             `json:"server_id"`
	Status             types.ServerStatus `json:"status"`
	Load               int                `json:"load"`
	CurrentConnections int                `json:"current_connections"`
	Removed            bool               `json:"removed,omitempty"`
	At                 time.Time          `json:"at"`
}
