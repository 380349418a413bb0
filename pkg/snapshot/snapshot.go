// Package snapshot persists a node's resource table and local content in a
// bbolt file so a restarted node resumes with the instances it knew about.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
	"github.com/ryandielhenn/zephyrmesh/pkg/resource"
)

var (
	bucketResources = []byte("resources")
	bucketContent   = []byte("content")
	bucketMeta      = []byte("meta")

	keySavedAt = []byte("saved_at")
)

var ErrClosed = errors.New("snapshot store closed")

type Store struct {
	db *bbolt.DB
}

// Open opens or creates the snapshot file at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init snapshot buckets: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketResources, bucketContent, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

// resetBucket empties a bucket inside tx.
func resetBucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return nil, err
	}
	return tx.CreateBucket(name)
}

// Save replaces the snapshot with the current resources and content.
func (s *Store) Save(ctx context.Context, rs *resource.Store, content *kv.Store) error {
	if s.db == nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	resources := rs.Export()
	return s.db.Update(func(tx *bbolt.Tx) error {
		rb, err := resetBucket(tx, bucketResources)
		if err != nil {
			return fmt.Errorf("reset resources: %w", err)
		}
		for _, r := range resources {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal resource %s: %w", r.ID, err)
			}
			if err := rb.Put([]byte(r.ID), data); err != nil {
				return fmt.Errorf("save resource %s: %w", r.ID, err)
			}
		}
		if content != nil {
			cb, err := resetBucket(tx, bucketContent)
			if err != nil {
				return fmt.Errorf("reset content: %w", err)
			}
			for _, k := range content.Keys() {
				v, ok := content.Get(k)
				if !ok {
					continue
				}
				if err := cb.Put([]byte(k), v); err != nil {
					return fmt.Errorf("save content %s: %w", k, err)
				}
			}
		}
		stamp, _ := time.Now().UTC().MarshalText()
		return tx.Bucket(bucketMeta).Put(keySavedAt, stamp)
	})
}

// Load restores resources into rs and content into content. It returns
// the number of resources restored.
func (s *Store) Load(ctx context.Context, rs *resource.Store, content *kv.Store) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var resources []resource.MeshResource
	err := s.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var r resource.MeshResource
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal resource %s: %w", k, err)
			}
			resources = append(resources, r)
			return nil
		})
		if err != nil || content == nil {
			return err
		}
		return tx.Bucket(bucketContent).ForEach(func(k, v []byte) error {
			// bbolt values are only valid inside the transaction
			content.Put(string(k), append([]byte(nil), v...), 0)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if err := rs.Import(resources); err != nil {
		return 0, err
	}
	return len(resources), nil
}

// SavedAt reports when the last snapshot was written.
func (s *Store) SavedAt() (time.Time, bool) {
	if s.db == nil {
		return time.Time{}, false
	}
	var at time.Time
	var ok bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keySavedAt); v != nil {
			ok = at.UnmarshalText(v) == nil
		}
		return nil
	})
	return at, ok
}

// Run saves every interval until ctx is done, then saves once more.
func (s *Store) Run(ctx context.Context, every time.Duration, rs *resource.Store, content *kv.Store, onErr func(error)) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Save(context.Background(), rs, content); err != nil && onErr != nil {
				onErr(err)
			}
			return
		case <-t.C:
			if err := s.Save(ctx, rs, content); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
