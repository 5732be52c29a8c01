package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/onkernel/blockvol/lib/checkpoints"
	"github.com/onkernel/blockvol/lib/volumes"
	bolt "go.etcd.io/bbolt"
)

var _ volumes.Ledger = (*Store)(nil)

func (s *Store) GetCheckpoint(ctx context.Context, taskID string) (*checkpoints.Checkpoint, error) {
	var c checkpoints.Checkpoint
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketCheckpoints), []byte(taskID), &c, fmt.Errorf("checkpoint %s: %w", taskID, checkpoints.ErrNotFound))
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCheckpoints returns every checkpoint, oldest first.
func (s *Store) ListCheckpoints(ctx context.Context) ([]*checkpoints.Checkpoint, error) {
	all, err := listEntries[checkpoints.Checkpoint](ctx, s, bucketCheckpoints)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}

// ListStaleCheckpoints returns checkpoints created before cutoff.
func (s *Store) ListStaleCheckpoints(ctx context.Context, cutoff time.Time) ([]*checkpoints.Checkpoint, error) {
	all, err := s.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	var stale []*checkpoints.Checkpoint
	for _, c := range all {
		if c.Stale(cutoff) {
			stale = append(stale, c)
		}
	}
	return stale, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, c *checkpoints.Checkpoint) error {
	return s.Update(ctx, func(tx volumes.Tx) error {
		return tx.SaveCheckpoint(c)
	})
}

func (s *Store) PopCheckpoint(ctx context.Context, taskID string) error {
	return s.Update(ctx, func(tx volumes.Tx) error {
		return tx.PopCheckpoint(taskID)
	})
}
