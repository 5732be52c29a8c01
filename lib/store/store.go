// Package store persists volumes, the checkpoint ledger and the catalog in a
// single bbolt file. Every multi-row change runs inside one bbolt write
// transaction, which bbolt serializes, so a compare-and-set on a row cannot
// interleave with another writer.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketVolumes        = []byte("volumes")
	bucketVolumeUUIDs    = []byte("volume_uuids")
	bucketCheckpoints    = []byte("checkpoints")
	bucketPools          = []byte("pools")
	bucketHosts          = []byte("hosts")
	bucketInstances      = []byte("instances")
	bucketOfferings      = []byte("offerings")
	bucketTemplates      = []byte("templates")
	bucketTemplateRefs   = []byte("template_refs")
	bucketImageStores    = []byte("image_stores")
	bucketSnapshotJobs   = []byte("snapshot_jobs")
	bucketResourceCounts = []byte("resource_counts")
	bucketResourceLimits = []byte("resource_limits")
)

// ErrClosed is returned when the store has been closed.
var ErrClosed = errors.New("store closed")

// Store is the bbolt-backed repository.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketVolumes,
			bucketVolumeUUIDs,
			bucketCheckpoints,
			bucketPools,
			bucketHosts,
			bucketInstances,
			bucketOfferings,
			bucketTemplates,
			bucketTemplateRefs,
			bucketImageStores,
			bucketSnapshotJobs,
			bucketResourceCounts,
			bucketResourceLimits,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn in a write transaction unless ctx is already done.
func (s *Store) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

// view runs fn in a read transaction unless ctx is already done.
func (s *Store) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return b.Put(key, data)
}

// getJSON decodes the value at key into out. It returns notFound when the
// key is absent.
func getJSON(b *bolt.Bucket, key []byte, out any, notFound error) error {
	data := b.Get(key)
	if data == nil {
		return notFound
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// listJSON decodes every value in a bucket.
func listJSON[T any](b *bolt.Bucket) ([]*T, error) {
	var out []*T
	err := b.ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("unmarshal %s: %w", k, err)
		}
		out = append(out, &item)
		return nil
	})
	return out, err
}
