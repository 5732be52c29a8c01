package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/blockvol/lib/checkpoints"
	"github.com/onkernel/blockvol/lib/volumes"
	"github.com/samber/lo"
	bolt "go.etcd.io/bbolt"
)

// volumeTx implements volumes.Tx on top of a bbolt write transaction.
type volumeTx struct {
	tx *bolt.Tx
}

var _ volumes.Tx = (*volumeTx)(nil)
var _ volumes.Repository = (*Store)(nil)

func (t *volumeTx) load(id uint64) (*volumes.Volume, error) {
	var v volumes.Volume
	err := getJSON(t.tx.Bucket(bucketVolumes), itob(id), &v, fmt.Errorf("volume %d: %w", id, volumes.ErrNotFound))
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// write validates row invariants and stores v.
func (t *volumeTx) write(v *volumes.Volume) error {
	if v.InstanceID == "" && v.DeviceID != nil {
		return fmt.Errorf("%w: volume %d has a device id but no instance", volumes.ErrInvalidParameter, v.ID)
	}
	if v.State() == volumes.StateAllocated && v.PoolID != "" {
		return fmt.Errorf("%w: allocated volume %d is bound to pool %s", volumes.ErrInvalidParameter, v.ID, v.PoolID)
	}
	if v.InstanceID != "" && v.DeviceID != nil {
		err := t.tx.Bucket(bucketVolumes).ForEach(func(k, data []byte) error {
			if btoi(k) == v.ID {
				return nil
			}
			var other volumes.Volume
			if err := json.Unmarshal(data, &other); err != nil {
				return fmt.Errorf("unmarshal volume %d: %w", btoi(k), err)
			}
			if other.InstanceID == v.InstanceID && other.DeviceID != nil && *other.DeviceID == *v.DeviceID {
				return fmt.Errorf("%w: device %d on instance %s is held by volume %d",
					volumes.ErrConcurrentOperation, *v.DeviceID, v.InstanceID, other.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	v.UpdatedAt = time.Now()
	return putJSON(t.tx.Bucket(bucketVolumes), itob(v.ID), v)
}

func (t *volumeTx) Get(id uint64) (*volumes.Volume, error) {
	return t.load(id)
}

func (t *volumeTx) ListByInstance(instanceID string) ([]*volumes.Volume, error) {
	all, err := listJSON[volumes.Volume](t.tx.Bucket(bucketVolumes))
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(v *volumes.Volume, _ int) bool {
		return v.InstanceID == instanceID
	}), nil
}

func (t *volumeTx) Persist(v *volumes.Volume) (*volumes.Volume, error) {
	b := t.tx.Bucket(bucketVolumes)
	if v.ID == 0 {
		seq, err := b.NextSequence()
		if err != nil {
			return nil, fmt.Errorf("allocate volume id: %w", err)
		}
		v.ID = seq
	} else if b.Get(itob(v.ID)) != nil {
		return nil, fmt.Errorf("%w: volume %d already exists", volumes.ErrInvalidParameter, v.ID)
	}
	if v.UUID == "" {
		v.UUID = cuid2.Generate()
	}

	uuids := t.tx.Bucket(bucketVolumeUUIDs)
	if uuids.Get([]byte(v.UUID)) != nil {
		return nil, fmt.Errorf("%w: uuid %s already in use", volumes.ErrInvalidParameter, v.UUID)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	if err := t.write(v); err != nil {
		return nil, err
	}
	if err := uuids.Put([]byte(v.UUID), itob(v.ID)); err != nil {
		return nil, fmt.Errorf("index uuid: %w", err)
	}
	return v.Clone(), nil
}

func (t *volumeTx) Transition(id uint64, from volumes.State, e volumes.Event, mutate func(v *volumes.Volume)) (*volumes.Volume, error) {
	v, err := t.load(id)
	if err != nil {
		return nil, err
	}
	if v.State() != from {
		return nil, fmt.Errorf("%w: volume %d is %s, expected %s", volumes.ErrConcurrentOperation, id, v.State(), from)
	}
	if _, err := v.Transition(e); err != nil {
		return nil, fmt.Errorf("volume %d: %w", id, err)
	}
	if mutate != nil {
		mutate(v)
	}
	if err := t.write(v); err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

func (t *volumeTx) Save(v *volumes.Volume) error {
	current, err := t.load(v.ID)
	if err != nil {
		return err
	}
	if current.State() != v.State() {
		return fmt.Errorf("%w: volume %d is %s, expected %s", volumes.ErrConcurrentOperation, v.ID, current.State(), v.State())
	}
	return t.write(v)
}

func (t *volumeTx) Attach(id uint64, instanceID string, deviceID int) (*volumes.Volume, error) {
	v, err := t.load(id)
	if err != nil {
		return nil, err
	}
	if v.Attached() {
		return nil, fmt.Errorf("%w: volume %d is attached to instance %s", volumes.ErrInUse, id, v.InstanceID)
	}
	switch v.State() {
	case volumes.StateAllocated, volumes.StateReady, volumes.StateUploadOp:
	default:
		return nil, fmt.Errorf("%w: volume %d is %s", volumes.ErrConcurrentOperation, id, v.State())
	}

	now := time.Now()
	v.InstanceID = instanceID
	v.DeviceID = &deviceID
	v.AttachedAt = &now
	if err := t.write(v); err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

func (t *volumeTx) Detach(id uint64) (*volumes.Volume, error) {
	v, err := t.load(id)
	if err != nil {
		return nil, err
	}
	if !v.Attached() {
		return v, nil
	}
	v.InstanceID = ""
	v.DeviceID = nil
	v.AttachedAt = nil
	if err := t.write(v); err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

func (t *volumeTx) Remove(id uint64) error {
	v, err := t.load(id)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketVolumeUUIDs).Delete([]byte(v.UUID)); err != nil {
		return fmt.Errorf("unindex uuid: %w", err)
	}
	return t.tx.Bucket(bucketVolumes).Delete(itob(id))
}

func (t *volumeTx) PushCheckpoint(c *checkpoints.Checkpoint) error {
	b := t.tx.Bucket(bucketCheckpoints)
	if b.Get([]byte(c.TaskID)) != nil {
		return fmt.Errorf("%w: checkpoint %s already exists", volumes.ErrConcurrentOperation, c.TaskID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()
	return putJSON(b, []byte(c.TaskID), c)
}

func (t *volumeTx) SaveCheckpoint(c *checkpoints.Checkpoint) error {
	c.UpdatedAt = time.Now()
	return putJSON(t.tx.Bucket(bucketCheckpoints), []byte(c.TaskID), c)
}

func (t *volumeTx) PopCheckpoint(taskID string) error {
	b := t.tx.Bucket(bucketCheckpoints)
	if b.Get([]byte(taskID)) == nil {
		return fmt.Errorf("checkpoint %s: %w", taskID, checkpoints.ErrNotFound)
	}
	return b.Delete([]byte(taskID))
}

// Update runs fn as one all-or-nothing transaction. fn must not call back
// into the Store.
func (s *Store) Update(ctx context.Context, fn func(tx volumes.Tx) error) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return fn(&volumeTx{tx: tx})
	})
}

func (s *Store) Get(ctx context.Context, id uint64) (*volumes.Volume, error) {
	var v *volumes.Volume
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		v, err = (&volumeTx{tx: tx}).load(id)
		return err
	})
	return v, err
}

func (s *Store) GetByUUID(ctx context.Context, uuid string) (*volumes.Volume, error) {
	var v *volumes.Volume
	err := s.view(ctx, func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketVolumeUUIDs).Get([]byte(uuid))
		if id == nil {
			return fmt.Errorf("volume %s: %w", uuid, volumes.ErrNotFound)
		}
		var err error
		v, err = (&volumeTx{tx: tx}).load(btoi(id))
		return err
	})
	return v, err
}

func (s *Store) list(ctx context.Context, keep func(v *volumes.Volume) bool) ([]*volumes.Volume, error) {
	var out []*volumes.Volume
	err := s.view(ctx, func(tx *bolt.Tx) error {
		all, err := listJSON[volumes.Volume](tx.Bucket(bucketVolumes))
		if err != nil {
			return err
		}
		out = lo.Filter(all, func(v *volumes.Volume, _ int) bool { return keep(v) })
		return nil
	})
	return out, err
}

func (s *Store) ListByInstance(ctx context.Context, instanceID string) ([]*volumes.Volume, error) {
	return s.list(ctx, func(v *volumes.Volume) bool { return v.InstanceID == instanceID })
}

func (s *Store) ListByPool(ctx context.Context, poolID string) ([]*volumes.Volume, error) {
	return s.list(ctx, func(v *volumes.Volume) bool { return v.PoolID == poolID })
}

func (s *Store) ListByState(ctx context.Context, states ...volumes.State) ([]*volumes.Volume, error) {
	return s.list(ctx, func(v *volumes.Volume) bool { return slices.Contains(states, v.State()) })
}

// Search returns one page of volumes matching f, ordered by internal ID.
func (s *Store) Search(ctx context.Context, f volumes.Filter) (*volumes.Page, error) {
	name := strings.ToLower(f.Name)
	matches, err := s.list(ctx, func(v *volumes.Volume) bool {
		switch {
		case f.AccountID != "" && v.AccountID != f.AccountID:
			return false
		case f.InstanceID != "" && v.InstanceID != f.InstanceID:
			return false
		case f.PoolID != "" && v.PoolID != f.PoolID:
			return false
		case f.ZoneID != "" && v.ZoneID != f.ZoneID:
			return false
		case f.Type != "" && v.Type != f.Type:
			return false
		case len(f.States) > 0 && !slices.Contains(f.States, v.State()):
			return false
		case name != "" && !strings.Contains(strings.ToLower(v.Name), name):
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	page := &volumes.Page{Total: len(matches)}
	start := min(max(f.Offset, 0), len(matches))
	end := len(matches)
	if f.Limit > 0 {
		end = min(start+f.Limit, len(matches))
	}
	page.Volumes = matches[start:end]
	return page, nil
}

func (s *Store) Persist(ctx context.Context, v *volumes.Volume) (*volumes.Volume, error) {
	var out *volumes.Volume
	err := s.Update(ctx, func(tx volumes.Tx) error {
		var err error
		out, err = tx.Persist(v)
		return err
	})
	return out, err
}

func (s *Store) TransitionState(ctx context.Context, id uint64, from volumes.State, e volumes.Event, mutate func(v *volumes.Volume)) (*volumes.Volume, error) {
	var out *volumes.Volume
	err := s.Update(ctx, func(tx volumes.Tx) error {
		var err error
		out, err = tx.Transition(id, from, e, mutate)
		return err
	})
	return out, err
}

func (s *Store) Save(ctx context.Context, v *volumes.Volume) error {
	return s.Update(ctx, func(tx volumes.Tx) error {
		return tx.Save(v)
	})
}

func (s *Store) Attach(ctx context.Context, id uint64, instanceID string, deviceID int) (*volumes.Volume, error) {
	var out *volumes.Volume
	err := s.Update(ctx, func(tx volumes.Tx) error {
		var err error
		out, err = tx.Attach(id, instanceID, deviceID)
		return err
	})
	return out, err
}

func (s *Store) Detach(ctx context.Context, id uint64) (*volumes.Volume, error) {
	var out *volumes.Volume
	err := s.Update(ctx, func(tx volumes.Tx) error {
		var err error
		out, err = tx.Detach(id)
		return err
	})
	return out, err
}

func (s *Store) Remove(ctx context.Context, id uint64) error {
	return s.Update(ctx, func(tx volumes.Tx) error {
		return tx.Remove(id)
	})
}
