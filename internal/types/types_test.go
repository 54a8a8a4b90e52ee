package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerStatus_AcceptsConnections(t *testing.T) {
	tests := []struct {
		status ServerStatus
		want   bool
	}{
		{ServerOnline, true},
		{ServerOffline, false},
		{ServerMaintenance, false},
		{ServerStatus("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.AcceptsConnections())
		})
	}
}

func TestParseServerStatus(t *testing.T) {
	s, err := ParseServerStatus("maintenance")
	require.NoError(t, err)
	assert.Equal(t, ServerMaintenance, s)
	assert.Equal(t, "Maintenance", s.DisplayString())

	_, err = ParseServerStatus("down")
	assert.Error(t, err)
}

func TestBucketForLoad(t *testing.T) {
	assert.Equal(t, LoadExcellent, BucketForLoad(0))
	assert.Equal(t, LoadExcellent, BucketForLoad(29))
	assert.Equal(t, LoadGood, BucketForLoad(30))
	assert.Equal(t, LoadGood, BucketForLoad(69))
	assert.Equal(t, LoadBusy, BucketForLoad(70))
	assert.Equal(t, "Busy", BucketForLoad(100).String())
}

func TestServer_Utilization(t *testing.T) {
	s := &Server{CurrentConnections: 250, MaxConnections: 1000}
	assert.Equal(t, 25, s.Utilization())

	s = &Server{CurrentConnections: 1, MaxConnections: 3}
	assert.Equal(t, 33, s.Utilization())

	s = &Server{}
	assert.Equal(t, 0, s.Utilization(), "zero capacity must not divide by zero")
}

func TestServerFields_Matches(t *testing.T) {
	srv := &Server{Name: "UK (London)", Country: "United Kingdom", City: "London", IPAddress: "198.51.100.30", Status: ServerOnline, MaxConnections: 800}
	fields := ServerFields{Name: "UK (London)", Country: "United Kingdom", City: "London", IPAddress: "198.51.100.30", MaxConnections: 800}

	assert.True(t, fields.Matches(srv), "empty status matches any status")
	fields.Status = ServerOffline
	assert.False(t, fields.Matches(srv))
	assert.False(t, fields.Matches(nil))
}

func TestConnection_CloneIsDeep(t *testing.T) {
	now := time.Now()
	c := &Connection{ID: "c1", Duration: Int64(60), DisconnectedAt: &now}
	cp := c.Clone()

	*cp.Duration = 5
	assert.Equal(t, int64(60), c.DurationSeconds())
	assert.Nil(t, (*Connection)(nil).Clone())
}

func TestElapsedSeconds(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(90), ElapsedSeconds(start, start.Add(90*time.Second+500*time.Millisecond)))
	assert.Equal(t, int64(0), ElapsedSeconds(start, start.Add(-time.Minute)))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)

	_, err = ParseRole("root")
	assert.Error(t, err)

	assert.True(t, (&User{Role: RoleAdmin}).IsAdmin())
	assert.False(t, (*User)(nil).IsAdmin())
}

func TestError_IsByKind(t *testing.T) {
	err := NewError(KindNotFound, "server %s not found", "s1")
	wrapped := fmt.Errorf("refresh: %w", err)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, ErrValidation))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "NotFound")
}

func TestError_UnwrapCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := WrapError(KindUpstreamUnavailable, cause, "list servers")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.False(t, IsAuthFailure(err))
	assert.True(t, IsAuthFailure(NewError(KindUnauthenticated, "expired")))
}
