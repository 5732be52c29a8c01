package store

import (
	"context"
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

func countKey(accountID, resource string) []byte {
	return []byte(accountID + "/" + resource)
}

func readInt(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func writeInt(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// AddResourceCount adjusts an account's count, never going below zero.
func (s *Store) AddResourceCount(ctx context.Context, accountID, resource string, delta int64) (int64, error) {
	var total int64
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResourceCounts)
		key := countKey(accountID, resource)
		total = max(readInt(b.Get(key))+delta, 0)
		return b.Put(key, writeInt(total))
	})
	return total, err
}

func (s *Store) ResourceCount(ctx context.Context, accountID, resource string) (int64, error) {
	var count int64
	err := s.view(ctx, func(tx *bolt.Tx) error {
		count = readInt(tx.Bucket(bucketResourceCounts).Get(countKey(accountID, resource)))
		return nil
	})
	return count, err
}

// SetResourceLimit sets an account limit. A negative limit removes it.
func (s *Store) SetResourceLimit(ctx context.Context, accountID, resource string, limit int64) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResourceLimits)
		if limit < 0 {
			return b.Delete(countKey(accountID, resource))
		}
		return b.Put(countKey(accountID, resource), writeInt(limit))
	})
}

func (s *Store) ResourceLimit(ctx context.Context, accountID, resource string) (int64, bool, error) {
	var (
		limit int64
		ok    bool
	)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketResourceLimits).Get(countKey(accountID, resource))
		if v != nil {
			limit, ok = readInt(v), true
		}
		return nil
	})
	return limit, ok, err
}
