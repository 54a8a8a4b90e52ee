package types

import (
	"fmt"
	"time"
)

// Role is the authorization level of a user
type Role string

const (
	// RoleUser can browse servers and manage its own sessions
	RoleUser Role = "user"
	// RoleAdmin can additionally manage inventory and other users' roles
	RoleAdmin Role = "admin"
)

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// ParseRole validates a role string
func ParseRole(role string) (Role, error) {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role), nil
	default:
		return "", fmt.Errorf("invalid role: %q (must be one of: user, admin)", role)
	}
}

// User is an account created by the identity provider at first authentication
type User struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Picture   string     `json:"picture,omitempty"`
	Role      Role       `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// AdminStats are the aggregate counters shown on the admin dashboard
type AdminStats struct {
	TotalUsers        int `json:"total_users"`
	TotalServers      int `json:"total_servers"`
	OnlineServers     int `json:"online_servers"`
	ActiveConnections int `json:"active_connections"`
	RecentConnections int `json:"recent_connections"` // connections opened in the last 7 days
}
