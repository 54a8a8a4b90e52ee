package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"vpnconsole-go/internal/types"
)

// Manager provides the local cache used when the API is unreachable and at startup
type Manager struct {
	db     *BoltDB
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

// NewManager creates a new storage manager
func NewManager(dataDir string, logger *zap.SugaredLogger) (*Manager, error) {
	db, err := NewBoltDB(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the storage manager
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// GetDB returns the underlying BBolt database for direct access
func (m *Manager) GetDB() *bbolt.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.db != nil {
		return m.db.db
	}
	return nil
}

// Server snapshot

// SaveServers replaces the cached server snapshot
func (m *Manager) SaveServers(servers []*types.Server, refreshedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := replaceBucket(tx, ServersBucket)
		if err != nil {
			return err
		}

		for _, srv := range servers {
			data, err := json.Marshal(srv)
			if err != nil {
				return fmt.Errorf("failed to marshal server %s: %w", srv.ID, err)
			}
			if err := bucket.Put([]byte(srv.ID), data); err != nil {
				return fmt.Errorf("failed to save server %s: %w", srv.ID, err)
			}
		}

		m.logger.Debugf("Saved %d servers to local cache", len(servers))
		return putTime(tx, ServersRefreshedAtKey, refreshedAt)
	})
}

// LoadServers returns the cached server snapshot and when it was taken
func (m *Manager) LoadServers() ([]*types.Server, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var servers []*types.Server
	var refreshedAt time.Time

	err := m.db.db.View(func(tx *bbolt.Tx) error {
		refreshedAt = getTime(tx, ServersRefreshedAtKey)
		return tx.Bucket([]byte(ServersBucket)).ForEach(func(k, v []byte) error {
			var srv types.Server
			if err := json.Unmarshal(v, &srv); err != nil {
				m.logger.Warnf("Failed to unmarshal cached server %s: %v", string(k), err)
				return nil
			}
			servers = append(servers, &srv)
			return nil
		})
	})
	if err != nil {
		return nil, time.Time{}, err
	}

	return servers, refreshedAt, nil
}

// Session

// SaveSession records the user's current connection; nil marks the user disconnected
func (m *Manager) SaveSession(userID string, conn *types.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := &SessionRecord{
		UserID:     userID,
		Connection: conn.Clone(),
		Saved:      time.Now(),
	}
	data, err := record.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return m.db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(SessionBucket)).Put([]byte(userID), data)
	})
}

// LoadSession returns the last saved session for userID, or nil if none was saved
func (m *Manager) LoadSession(userID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var record *SessionRecord
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(SessionBucket)).Get([]byte(userID))
		if raw == nil {
			return nil
		}
		record = &SessionRecord{}
		return record.UnmarshalBinary(raw)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return record, nil
}

// ClearSession forgets the saved session for userID
func (m *Manager) ClearSession(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(SessionBucket)).Delete([]byte(userID))
	})
}

// History

// SaveHistory replaces the cached history of userID
func (m *Manager) SaveHistory(userID string, records []*types.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(HistoryBucket))

		prefix := []byte(userID + ":")
		var stale [][]byte
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			// Copy the key since it will be invalid after cursor moves
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			stale = append(stale, keyCopy)
		}
		for _, key := range stale {
			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("failed to delete history key %s: %w", string(key), err)
			}
		}

		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal connection %s: %w", rec.ID, err)
			}
			if err := bucket.Put(historyKey(userID, rec.ID), data); err != nil {
				return fmt.Errorf("failed to save connection %s: %w", rec.ID, err)
			}
		}

		m.logger.Debugf("Saved %d history records for user %s", len(records), userID)
		return nil
	})
}

// LoadHistory returns the cached history of userID, most recent first
func (m *Manager) LoadHistory(userID string) ([]*types.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*types.Connection
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(userID + ":")
		cursor := tx.Bucket([]byte(HistoryBucket)).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var rec types.Connection
			if err := json.Unmarshal(v, &rec); err != nil {
				m.logger.Warnf("Failed to unmarshal history record %s: %v", string(k), err)
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ConnectedAt.After(records[j].ConnectedAt)
	})
	return records, nil
}

// Users

// SaveUsers replaces the cached user list (admin view)
func (m *Manager) SaveUsers(users []*types.User, refreshedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := replaceBucket(tx, UsersBucket)
		if err != nil {
			return err
		}
		for _, u := range users {
			data, err := json.Marshal(u)
			if err != nil {
				return fmt.Errorf("failed to marshal user %s: %w", u.ID, err)
			}
			if err := bucket.Put([]byte(u.ID), data); err != nil {
				return fmt.Errorf("failed to save user %s: %w", u.ID, err)
			}
		}
		return putTime(tx, UsersRefreshedAtKey, refreshedAt)
	})
}

// LoadUsers returns the cached user list
func (m *Manager) LoadUsers() ([]*types.User, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var users []*types.User
	var refreshedAt time.Time
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		refreshedAt = getTime(tx, UsersRefreshedAtKey)
		return tx.Bucket([]byte(UsersBucket)).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				m.logger.Warnf("Failed to unmarshal cached user %s: %v", string(k), err)
				return nil
			}
			users = append(users, &u)
			return nil
		})
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return users, refreshedAt, nil
}

// Maintenance operations

// Backup creates a backup of the database
func (m *Manager) Backup(destPath string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.db.Backup(destPath)
}

// GetSchemaVersion returns the current schema version
func (m *Manager) GetSchemaVersion() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.db.GetSchemaVersion()
}

// GetStats returns the number of keys per bucket
func (m *Manager) GetStats() (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]interface{}{}
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		for _, name := range []string{ServersBucket, SessionBucket, HistoryBucket, UsersBucket} {
			stats[name] = tx.Bucket([]byte(name)).Stats().KeyN
		}
		stats["servers_refreshed_at"] = getTime(tx, ServersRefreshedAtKey)
		return nil
	})
	return stats, err
}
