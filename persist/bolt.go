// Package persist stores filesystem snapshots.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pgavlin/wasifs/wasi"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var snapshotBucketName = []byte("snapshots")

// ErrNotFound is returned for unknown snapshot ids.
var ErrNotFound = errors.New("snapshot not found")

// Record is a stored snapshot.
type Record struct {
	ID       string         `json:"id"`
	Label    string         `json:"label,omitempty"`
	Created  time.Time      `json:"created"`
	Snapshot *wasi.Snapshot `json:"snapshot"`
}

// Info summarizes a stored snapshot without its contents.
type Info struct {
	ID      string    `csv:"id"`
	Label   string    `csv:"label"`
	Created time.Time `csv:"created"`
	Inodes  int       `csv:"inodes"`
	Fds     int       `csv:"fds"`
	Size    int       `csv:"size"`
}

// BoltStore keeps snapshots in a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if needed) the snapshot database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store %v: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing snapshot store %v: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// Save stores snap under a new id and returns the id.
func (s *BoltStore) Save(label string, snap *wasi.Snapshot) (string, error) {
	rec := Record{ID: uuid.NewString(), Label: label, Created: time.Now().UTC(), Snapshot: snap}
	data, err := json.Marshal(&rec)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucketName).Put([]byte(rec.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("saving snapshot: %w", err)
	}
	wasi.Logger().Debug("saved snapshot", zap.String("id", rec.ID), zap.String("label", label), zap.Int("bytes", len(data)))
	return rec.ID, nil
}

// Load returns the snapshot stored under id.
func (s *BoltStore) Load(id string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(snapshotBucketName).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %v: %w", id, err)
	}
	return &rec, nil
}

// List describes every stored snapshot, oldest first.
func (s *BoltStore) List() ([]Info, error) {
	var infos []Info
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucketName).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding snapshot %s: %w", k, err)
			}
			info := Info{ID: rec.ID, Label: rec.Label, Created: rec.Created, Size: len(v)}
			if rec.Snapshot != nil {
				info.Inodes, info.Fds = len(rec.Snapshot.Inodes), len(rec.Snapshot.Fds)
			}
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].Created.Before(infos[j].Created) })
	return infos, nil
}

// Delete removes the snapshot stored under id.
func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucketName)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("deleting snapshot %v: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
