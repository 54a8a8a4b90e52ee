package storage

import (
	"encoding/json"
	"time"

	"vpnconsole-go/internal/types"
)

// Bucket names for bbolt database
const (
	ServersBucket = "servers"
	SessionBucket = "session"
	HistoryBucket = "history"
	UsersBucket   = "users"
	MetaBucket    = "meta"
)

// Meta keys
const (
	SchemaVersionKey      = "schema"
	ServersRefreshedAtKey = "servers_refreshed_at"
	UsersRefreshedAtKey   = "users_refreshed_at"
)

// Current schema version
const CurrentSchemaVersion = 1

// SessionRecord is the last known session of a user, restored at startup
type SessionRecord struct {
	UserID     string            `json:"user_id"`
	Connection *types.Connection `json:"connection,omitempty"` // nil when disconnected
	Saved      time.Time         `json:"saved"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (s *SessionRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (s *SessionRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

// historyKey orders a user's history entries under a common prefix
func historyKey(userID, connectionID string) []byte {
	return []byte(userID + ":" + connectionID)
}
