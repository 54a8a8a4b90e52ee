package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// DatabaseFileName is the bbolt file created under the data directory
const DatabaseFileName = "console.db"

// BoltDB wraps the bbolt database and owns bucket initialization
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) the database in dataDir and ensures all buckets exist
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DatabaseFileName)
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	b := &BoltDB{db: db, logger: logger}
	if err := b.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debugw("Opened local cache", "path", dbPath)
	return b, nil
}

func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{ServersBucket, SessionBucket, HistoryBucket, UsersBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(MetaBucket))
		if meta.Get([]byte(SchemaVersionKey)) == nil {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, CurrentSchemaVersion)
			if err := meta.Put([]byte(SchemaVersionKey), buf); err != nil {
				return fmt.Errorf("failed to write schema version: %w", err)
			}
		}
		return nil
	})
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// GetSchemaVersion returns the schema version stored in the meta bucket
func (b *BoltDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(MetaBucket)).Get([]byte(SchemaVersionKey))
		if len(raw) != 8 {
			return fmt.Errorf("schema version missing")
		}
		version = binary.BigEndian.Uint64(raw)
		return nil
	})
	return version, err
}

// Backup writes a consistent copy of the database to destPath
func (b *BoltDB) Backup(destPath string) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(destPath, 0600)
	})
}

// putTime stores a timestamp in the meta bucket
func putTime(tx *bbolt.Tx, key string, t time.Time) error {
	raw, err := t.UTC().MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(MetaBucket)).Put([]byte(key), raw)
}

// getTime reads a timestamp from the meta bucket; zero when absent
func getTime(tx *bbolt.Tx, key string) time.Time {
	var t time.Time
	raw := tx.Bucket([]byte(MetaBucket)).Get([]byte(key))
	if raw != nil {
		_ = t.UnmarshalBinary(raw)
	}
	return t
}

// replaceBucket drops and recreates a bucket inside tx
func replaceBucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to clear bucket %s: %w", name, err)
	}
	return tx.CreateBucket([]byte(name))
}
