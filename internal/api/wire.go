package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"vpnconsole-go/internal/types"
)

// apiTime accepts RFC 3339 timestamps and the zone-less ISO timestamps the API emits
// for UTC datetimes (e.g. "2026-03-01T10:00:00.123456").
type apiTime struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler
func (t *apiTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

func (t *apiTime) ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

type wireServer struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Country            string  `json:"country"`
	City               string  `json:"city"`
	IPAddress          string  `json:"ip_address"`
	Status             string  `json:"status"`
	Load               int     `json:"load"`
	CurrentConnections int     `json:"current_connections"`
	MaxConnections     int     `json:"max_connections"`
	CreatedAt          apiTime `json:"created_at"`
}

func (w *wireServer) toServer() *types.Server {
	return &types.Server{
		ID:                 w.ID,
		Name:               w.Name,
		Country:            w.Country,
		City:               w.City,
		IPAddress:          w.IPAddress,
		Status:             types.ServerStatus(w.Status),
		Load:               w.Load,
		CurrentConnections: w.CurrentConnections,
		MaxConnections:     w.MaxConnections,
		CreatedAt:          w.CreatedAt.Time,
	}
}

type wireConnection struct {
	ID              string   `json:"id"`
	UserID          string   `json:"user_id"`
	ServerID        string   `json:"server_id"`
	ServerName      string   `json:"server_name"`
	ServerCountry   string   `json:"server_country"`
	ConnectedAt     apiTime  `json:"connected_at"`
	DisconnectedAt  *apiTime `json:"disconnected_at"`
	Status          string   `json:"status"`
	Duration        *int64   `json:"duration"`
	DataTransferred *int64   `json:"data_transferred"`
}

func (w *wireConnection) toConnection() *types.Connection {
	if w == nil {
		return nil
	}
	return &types.Connection{
		ID:              w.ID,
		UserID:          w.UserID,
		ServerID:        w.ServerID,
		ServerName:      w.ServerName,
		ServerCountry:   w.ServerCountry,
		ConnectedAt:     w.ConnectedAt.Time,
		DisconnectedAt:  w.DisconnectedAt.ptr(),
		Status:          types.ConnectionStatus(w.Status),
		Duration:        w.Duration,
		DataTransferred: w.DataTransferred,
	}
}

type wireUser struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Email     string   `json:"email"`
	Picture   string   `json:"picture"`
	Role      string   `json:"role"`
	CreatedAt apiTime  `json:"created_at"`
	LastLogin *apiTime `json:"last_login"`
}

func (w *wireUser) toUser() *types.User {
	return &types.User{
		ID:        w.ID,
		Name:      w.Name,
		Email:     w.Email,
		Picture:   w.Picture,
		Role:      types.Role(w.Role),
		CreatedAt: w.CreatedAt.Time,
		LastLogin: w.LastLogin.ptr(),
	}
}

// Response envelopes

type connectionsEnvelope struct {
	Connections []*wireConnection `json:"connections"`
}

type connectionEnvelope struct {
	Connection *wireConnection `json:"connection"`
}

type usersEnvelope struct {
	Users []*wireUser `json:"users"`
}

type connectResponse struct {
	Message      string          `json:"message"`
	ConnectionID string          `json:"connection_id"`
	Connection   *wireConnection `json:"connection,omitempty"`
}

type disconnectResponse struct {
	Message    string          `json:"message"`
	Connection *wireConnection `json:"connection,omitempty"`
}

type createServerResponse struct {
	Message  string `json:"message"`
	ServerID string `json:"server_id"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type errorBody struct {
	Detail string `json:"detail"`
}
