package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/checkpoints"
	"github.com/onkernel/blockvol/lib/volumes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blockvol.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// readyVolume persists a data disk and walks it to Ready on pool.
func readyVolume(t *testing.T, s *Store, name, pool string) *volumes.Volume {
	t.Helper()
	ctx := context.Background()
	v := volumes.New(name, volumes.TypeDataDisk, 1<<30)
	v.AccountID = "acct-1"
	v.ZoneID = "z1"
	v, err := s.Persist(ctx, v)
	require.NoError(t, err)

	_, err = s.TransitionState(ctx, v.ID, volumes.StateAllocated, volumes.EventCreateRequested, nil)
	require.NoError(t, err)
	v, err = s.TransitionState(ctx, v.ID, volumes.StateCreating, volumes.EventOperationSucceeded, func(v *volumes.Volume) {
		v.PoolID = pool
		v.Path = "volumes/" + v.UUID + "/disk.raw"
	})
	require.NoError(t, err)
	return v
}

func TestPersistAssignsIdentity(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a, err := s.Persist(ctx, volumes.New("a", volumes.TypeDataDisk, 1<<30))
	require.NoError(t, err)
	b, err := s.Persist(ctx, volumes.New("b", volumes.TypeDataDisk, 1<<30))
	require.NoError(t, err)

	assert.NotZero(t, a.ID)
	assert.Greater(t, b.ID, a.ID)
	assert.NotEmpty(t, a.UUID)
	assert.NotEqual(t, a.UUID, b.UUID)

	got, err := s.GetByUUID(ctx, b.UUID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, volumes.StateAllocated, got.State())

	dup := volumes.New("c", volumes.TypeDataDisk, 1<<30)
	dup.UUID = a.UUID
	_, err = s.Persist(ctx, dup)
	assert.ErrorIs(t, err, volumes.ErrInvalidParameter)
}

func TestPersistRejectsAllocatedOnPool(t *testing.T) {
	s := setupTestStore(t)
	v := volumes.New("a", volumes.TypeDataDisk, 1<<30)
	v.PoolID = "p1"
	_, err := s.Persist(context.Background(), v)
	assert.ErrorIs(t, err, volumes.ErrInvalidParameter)
}

func TestTransitionStateComparesAndSets(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	v := readyVolume(t, s, "data", "p1")

	_, err := s.TransitionState(ctx, v.ID, volumes.StateAllocated, volumes.EventCreateRequested, nil)
	assert.ErrorIs(t, err, volumes.ErrConcurrentOperation, "stale expected state")

	_, err = s.TransitionState(ctx, v.ID, volumes.StateReady, volumes.EventCopySucceeded, nil)
	assert.ErrorIs(t, err, volumes.ErrNoTransition)

	got, err := s.TransitionState(ctx, v.ID, volumes.StateReady, volumes.EventDestroyRequested, nil)
	require.NoError(t, err)
	assert.Equal(t, volumes.StateDestroy, got.State())

	_, err = s.TransitionState(ctx, 999, volumes.StateReady, volumes.EventDestroyRequested, nil)
	assert.ErrorIs(t, err, volumes.ErrNotFound)
}

func TestSaveRejectsMovedState(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	v := readyVolume(t, s, "data", "p1")

	stale := v.Clone()
	_, err := s.TransitionState(ctx, v.ID, volumes.StateReady, volumes.EventMigrationRequested, nil)
	require.NoError(t, err)

	stale.Name = "renamed"
	assert.ErrorIs(t, s.Save(ctx, stale), volumes.ErrConcurrentOperation)

	got, err := s.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "data", got.Name)
}

func TestAttachDeviceUniqueness(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := readyVolume(t, s, "a", "p1")
	b := readyVolume(t, s, "b", "p1")

	got, err := s.Attach(ctx, a.ID, "vm-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "vm-1", got.InstanceID)
	require.NotNil(t, got.AttachedAt)

	_, err = s.Attach(ctx, b.ID, "vm-1", 1)
	assert.ErrorIs(t, err, volumes.ErrConcurrentOperation)
	_, err = s.Attach(ctx, a.ID, "vm-2", 2)
	assert.ErrorIs(t, err, volumes.ErrInUse)

	_, err = s.Attach(ctx, b.ID, "vm-1", 2)
	require.NoError(t, err)

	attached, err := s.ListByInstance(ctx, "vm-1")
	require.NoError(t, err)
	assert.Len(t, attached, 2)

	got, err = s.Detach(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.InstanceID)
	assert.Nil(t, got.DeviceID)

	_, err = s.Attach(ctx, a.ID, "vm-2", 1)
	assert.NoError(t, err, "device ids are per instance")
}

func TestUpdateIsAllOrNothing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := readyVolume(t, s, "a", "p1")
	b := readyVolume(t, s, "b", "p1")

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx volumes.Tx) error {
		if _, err := tx.Transition(a.ID, volumes.StateReady, volumes.EventMigrationRequested, nil); err != nil {
			return err
		}
		if err := tx.PushCheckpoint(&checkpoints.Checkpoint{TaskID: "t1", VolumeIDs: []uint64{a.ID, b.ID}}); err != nil {
			return err
		}
		if _, err := tx.Transition(b.ID, volumes.StateReady, volumes.EventMigrationRequested, nil); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	for _, id := range []uint64{a.ID, b.ID} {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, volumes.StateReady, got.State())
	}
	_, err = s.GetCheckpoint(ctx, "t1")
	assert.ErrorIs(t, err, checkpoints.ErrNotFound)
}

func TestRemoveDropsUUIDIndex(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	v := readyVolume(t, s, "data", "p1")

	require.NoError(t, s.Remove(ctx, v.ID))
	_, err := s.Get(ctx, v.ID)
	assert.ErrorIs(t, err, volumes.ErrNotFound)
	_, err = s.GetByUUID(ctx, v.UUID)
	assert.ErrorIs(t, err, volumes.ErrNotFound)
}

func TestSearch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"web-data", "web-logs", "db-data"} {
		readyVolume(t, s, name, "p1")
	}
	readyVolume(t, s, "other", "p2")
	_, err := s.Persist(ctx, volumes.New("pending", volumes.TypeDataDisk, 1<<30))
	require.NoError(t, err)

	page, err := s.Search(ctx, volumes.Filter{PoolID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = s.Search(ctx, volumes.Filter{Name: "WEB"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = s.Search(ctx, volumes.Filter{States: []volumes.State{volumes.StateAllocated}})
	require.NoError(t, err)
	require.Len(t, page.Volumes, 1)
	assert.Equal(t, "pending", page.Volumes[0].Name)

	page, err = s.Search(ctx, volumes.Filter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Volumes, 2)
	assert.Equal(t, "web-logs", page.Volumes[0].Name)
	assert.Less(t, page.Volumes[0].ID, page.Volumes[1].ID)

	page, err = s.Search(ctx, volumes.Filter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Volumes)
	assert.Equal(t, 5, page.Total)
}

func TestCheckpointLedger(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	old := &checkpoints.Checkpoint{TaskID: "old", Kind: checkpoints.KindMigrating, State: checkpoints.StateMigrating, CreatedAt: time.Now().Add(-time.Hour)}
	fresh := &checkpoints.Checkpoint{TaskID: "fresh", Kind: checkpoints.KindMigrating, State: checkpoints.StateMigrating}
	require.NoError(t, s.Update(ctx, func(tx volumes.Tx) error {
		if err := tx.PushCheckpoint(old); err != nil {
			return err
		}
		return tx.PushCheckpoint(fresh)
	}))

	err := s.Update(ctx, func(tx volumes.Tx) error { return tx.PushCheckpoint(&checkpoints.Checkpoint{TaskID: "old"}) })
	assert.ErrorIs(t, err, volumes.ErrConcurrentOperation)

	all, err := s.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "old", all[0].TaskID)

	stale, err := s.ListStaleCheckpoints(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].TaskID)

	old.State = checkpoints.StateCleanupPending
	old.AddArtifact(checkpoints.Artifact{VolumeID: 1, Store: checkpoints.StorePrimary, PoolID: "p2", Path: "volumes/x/disk.raw"})
	require.NoError(t, s.SaveCheckpoint(ctx, old))
	got, err := s.GetCheckpoint(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, checkpoints.StateCleanupPending, got.State)
	assert.Len(t, got.Artifacts, 1)

	require.NoError(t, s.PopCheckpoint(ctx, "old"))
	assert.ErrorIs(t, s.PopCheckpoint(ctx, "old"), checkpoints.ErrNotFound)
}

func TestCatalog(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutPool(ctx, &catalog.StoragePool{ID: "p1", ZoneID: "z1", ClusterID: "c1", Shared: true}))
	require.NoError(t, s.PutPool(ctx, &catalog.StoragePool{ID: "p2", ZoneID: "z2", Shared: true}))
	require.NoError(t, s.PutPool(ctx, &catalog.StoragePool{ID: "local", ZoneID: "z1", HostID: "h2"}))
	require.NoError(t, s.PutHost(ctx, &catalog.Host{ID: "h1", ZoneID: "z1", ClusterID: "c1", Status: catalog.HostUp}))
	require.NoError(t, s.PutHost(ctx, &catalog.Host{ID: "h2", ZoneID: "z1", ClusterID: "c2", Status: catalog.HostUp}))
	require.NoError(t, s.PutHost(ctx, &catalog.Host{ID: "h3", ZoneID: "z1", ClusterID: "c1", Status: catalog.HostDown}))

	pools, err := s.ListPools(ctx, "z1")
	require.NoError(t, err)
	assert.Len(t, pools, 2)

	p1, err := s.GetPool(ctx, "p1")
	require.NoError(t, err)
	hosts, err := s.HostsForPool(ctx, p1)
	require.NoError(t, err)
	require.Len(t, hosts, 1, "down hosts are skipped")
	assert.Equal(t, "h1", hosts[0].ID)

	local, err := s.GetPool(ctx, "local")
	require.NoError(t, err)
	hosts, err = s.HostsForPool(ctx, local)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "h2", hosts[0].ID)

	require.NoError(t, s.DeletePool(ctx, "p2"))
	_, err = s.GetPool(ctx, "p2")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = s.GetOffering(ctx, "missing")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	busy, err := s.SnapshotInProgress(ctx, 7)
	require.NoError(t, err)
	assert.False(t, busy)
	require.NoError(t, s.MarkSnapshotting(ctx, 7))
	busy, err = s.SnapshotInProgress(ctx, 7)
	require.NoError(t, err)
	assert.True(t, busy)
	require.NoError(t, s.ClearSnapshotting(ctx, 7))
	busy, err = s.SnapshotInProgress(ctx, 7)
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestResourceCounts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	n, err := s.AddResourceCount(ctx, "acct-1", "volume", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = s.AddResourceCount(ctx, "acct-1", "volume", -5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "counts never go negative")

	_, ok, err := s.ResourceLimit(ctx, "acct-1", "volume")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetResourceLimit(ctx, "acct-1", "volume", 10))
	limit, ok, err := s.ResourceLimit(ctx, "acct-1", "volume")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), limit)

	require.NoError(t, s.SetResourceLimit(ctx, "acct-1", "volume", -1))
	_, ok, err = s.ResourceLimit(ctx, "acct-1", "volume")
	require.NoError(t, err)
	assert.False(t, ok)
}
