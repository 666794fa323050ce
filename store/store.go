// Package store caches validation reports in a bbolt database, keyed by
// the SHA-256 digest of the validated bytes.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jdeng/avifcheck"
)

const bucket = "reports"

// ErrNotFound is returned by Get for digests that were never stored.
var ErrNotFound = errors.New("store: report not found")

// Store is a report cache.
type Store struct {
	path string
	db   *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w: %v", err, path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create bucket: %v, %w", bucket, err)
	}
	return &Store{path: path, db: db}, nil
}

func (s *Store) String() string {
	return "store " + s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Digest returns the key a report for data is stored under.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores r under digest, replacing any previous report.
func (s *Store) Put(digest string, r *avifcheck.Report) error {
	if !validDigest(digest) {
		return fmt.Errorf("store: invalid digest %q", digest)
	}
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("could not marshal report: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(digest), value)
	})
}

// Get returns the report stored under digest. The returned report has
// no Meta or Tree.
func (s *Store) Get(digest string) (*avifcheck.Report, error) {
	var r avifcheck.Report
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(bucket)).Get([]byte(digest))
		if value == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("could not unmarshal report: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Len returns the number of stored reports.
func (s *Store) Len() (n int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucket)).Stats().KeyN
		return nil
	})
	return
}

func validDigest(s string) bool {
	if len(s) != 2*sha256.Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
