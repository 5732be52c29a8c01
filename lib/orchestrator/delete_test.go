package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/onkernel/blockvol/lib/usage"
	"github.com/onkernel/blockvol/lib/volumes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteThenExpunge(t *testing.T) {
	e := newTestEnv(t)
	vol := e.ready(t, volumes.TypeDataDisk, "p1")

	out, err := e.mgr.DeleteVolume(e.ctx, vol.ID)
	require.NoError(t, err)
	assert.Equal(t, volumes.StateDestroy, out.State())
	assert.Len(t, e.usage.eventsOf(usage.EventVolumeDelete), 1)
	assert.Equal(t, int64(-1), e.usage.count(testAccount, usage.ResourceVolume))

	removed, err := e.mgr.ExpungeVolume(e.ctx, vol.ID, false)
	require.NoError(t, err)
	assert.True(t, removed)

	destroys := e.gw.sent(gateway.CmdDestroy)
	require.Len(t, destroys, 1)
	assert.Equal(t, "p1", destroys[0].PoolID)
	assert.Equal(t, vol.Path, destroys[0].Cmd.Path)

	_, err = e.store.Get(e.ctx, vol.ID)
	assert.ErrorIs(t, err, volumes.ErrNotFound)

	removed, err = e.mgr.ExpungeVolume(e.ctx, vol.ID, false)
	require.NoError(t, err)
	assert.False(t, removed, "second expunge is a no-op")
	assert.Len(t, e.gw.sent(), 1)
	assert.Len(t, e.usage.eventsOf(usage.EventVolumeDelete), 1, "released once")
}

func TestExpungeOnRemovedPool(t *testing.T) {
	e := newTestEnv(t)
	vol := e.ready(t, volumes.TypeDataDisk, "p2")
	_, err := e.mgr.DeleteVolume(e.ctx, vol.ID)
	require.NoError(t, err)
	require.NoError(t, e.store.DeletePool(e.ctx, "p2"))

	removed, err := e.mgr.ExpungeVolume(e.ctx, vol.ID, true)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, e.gw.sent())
}

func TestExpungeDestroyFailure(t *testing.T) {
	t.Run("definitive", func(t *testing.T) {
		e := newTestEnv(t)
		vol := e.ready(t, volumes.TypeDataDisk, "p1")
		_, err := e.mgr.DeleteVolume(e.ctx, vol.ID)
		require.NoError(t, err)
		e.gw.sendFunc = func(ctx context.Context, pool *catalog.StoragePool, cmd gateway.Command) (*gateway.Answer, error) {
			return nil, storageFailure("device busy")
		}

		removed, err := e.mgr.ExpungeVolume(e.ctx, vol.ID, false)
		assert.ErrorIs(t, err, volumes.ErrStorageUnavailable)
		assert.False(t, removed)
		assert.Equal(t, volumes.StateDestroy, e.get(t, vol.ID).State(), "retryable")
	})

	t.Run("ambiguous", func(t *testing.T) {
		e := newTestEnv(t)
		vol := e.ready(t, volumes.TypeDataDisk, "p1")
		_, err := e.mgr.DeleteVolume(e.ctx, vol.ID)
		require.NoError(t, err)
		e.gw.sendFunc = func(ctx context.Context, pool *catalog.StoragePool, cmd gateway.Command) (*gateway.Answer, error) {
			return nil, lostReply()
		}

		_, err = e.mgr.ExpungeVolume(e.ctx, vol.ID, false)
		assert.Equal(t, volumes.KindRemoteAmbiguous, volumes.KindOf(err))
		assert.Equal(t, volumes.StateExpunging, e.get(t, vol.ID).State())
	})

	t.Run("forced", func(t *testing.T) {
		e := newTestEnv(t)
		vol := e.ready(t, volumes.TypeDataDisk, "p1")
		_, err := e.mgr.DeleteVolume(e.ctx, vol.ID)
		require.NoError(t, err)
		e.gw.sendFunc = func(ctx context.Context, pool *catalog.StoragePool, cmd gateway.Command) (*gateway.Answer, error) {
			return nil, storageFailure("device busy")
		}

		removed, err := e.mgr.ExpungeVolume(e.ctx, vol.ID, true)
		require.NoError(t, err)
		assert.True(t, removed)
	})
}

func TestExpungeRequiresDestroy(t *testing.T) {
	e := newTestEnv(t)
	vol := e.ready(t, volumes.TypeDataDisk, "p1")

	_, err := e.mgr.ExpungeVolume(e.ctx, vol.ID, false)
	assert.ErrorIs(t, err, volumes.ErrInvalidParameter)
	assert.Empty(t, e.gw.sent())

	removed, err := e.mgr.ExpungeVolume(e.ctx, vol.ID, true)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Len(t, e.usage.eventsOf(usage.EventVolumeDelete), 1, "a forced expunge still releases usage")
}

func TestExpungeRemovesStagedUpload(t *testing.T) {
	e := newTestEnv(t)
	vol := e.allocated(t, volumes.TypeDataDisk, "small")
	vol.UploadStatus = volumes.UploadAbandoned
	vol.StagingPath = "uploads/abc/disk.qcow2"
	require.NoError(t, e.store.Save(e.ctx, vol))
	_, err := e.mgr.DeleteVolume(e.ctx, vol.ID)
	require.NoError(t, err)

	removed, err := e.mgr.ExpungeVolume(e.ctx, vol.ID, false)
	require.NoError(t, err)
	assert.True(t, removed)

	destroys := e.gw.sent(gateway.CmdDestroy)
	require.Len(t, destroys, 1)
	assert.Equal(t, gateway.StoreSecondary, destroys[0].Cmd.Store.Kind)
	assert.Equal(t, "uploads/abc/disk.qcow2", destroys[0].Cmd.Path)
}

func TestDeleteVolumeRejections(t *testing.T) {
	e := newTestEnv(t)
	bootedRoot(t, e)
	data := e.ready(t, volumes.TypeDataDisk, "p1")
	_, err := e.store.Attach(e.ctx, data.ID, "vm-1", 1)
	require.NoError(t, err)

	_, err = e.mgr.DeleteVolume(e.ctx, data.ID)
	assert.ErrorIs(t, err, volumes.ErrInUse)

	uploading := e.allocated(t, volumes.TypeDataDisk, "small")
	uploading.UploadStatus = volumes.UploadInProgress
	require.NoError(t, e.store.Save(e.ctx, uploading))
	_, err = e.mgr.DeleteVolume(e.ctx, uploading.ID)
	assert.ErrorIs(t, err, volumes.ErrInvalidParameter)

	_, err = e.mgr.DeleteVolume(e.ctx, 9999)
	assert.ErrorIs(t, err, volumes.ErrNotFound)
}

func TestCleanupVolumes(t *testing.T) {
	e := newTestEnv(t)
	root := bootedRoot(t, e)
	data := e.ready(t, volumes.TypeDataDisk, "p2")
	_, err := e.store.Attach(e.ctx, data.ID, "vm-1", 1)
	require.NoError(t, err)
	e.setInstance(t, func(i *catalog.Instance) { i.State = catalog.InstanceDestroyed })

	require.NoError(t, e.mgr.CleanupVolumes(e.ctx, "vm-1"))
	e.mgr.queue.Wait()

	kept := e.get(t, data.ID)
	assert.False(t, kept.Attached())
	assert.Equal(t, volumes.StateReady, kept.State())

	_, err = e.store.Get(e.ctx, root.ID)
	assert.ErrorIs(t, err, volumes.ErrNotFound)

	destroys := e.gw.sent(gateway.CmdDestroy)
	require.Len(t, destroys, 1)
	assert.Equal(t, "p1", destroys[0].PoolID)
	assert.Len(t, e.usage.eventsOf(usage.EventVolumeDetach), 1)
	assert.Len(t, e.usage.eventsOf(usage.EventVolumeDelete), 1)

	left, err := e.store.ListByInstance(e.ctx, "vm-1")
	require.NoError(t, err)
	assert.Empty(t, left)

	_, held := e.mgr.instanceLocks.Load("vm-1")
	assert.False(t, held, "lock of a cleaned up instance is dropped")
}

func TestInstanceLockSurvivesForget(t *testing.T) {
	e := newTestEnv(t)

	unlock := e.mgr.lockInstance("vm-1")
	acquired := make(chan func())
	go func() { acquired <- e.mgr.lockInstance("vm-1") }()

	e.mgr.forgetInstance("vm-1")
	unlock()

	second := <-acquired
	v, ok := e.mgr.instanceLocks.Load("vm-1")
	require.True(t, ok)

	// A newcomer must wait on the mutex the waiter ended up holding.
	third := make(chan struct{})
	go func() {
		e.mgr.lockInstance("vm-1")()
		close(third)
	}()
	select {
	case <-third:
		t.Fatal("two callers hold the lock of vm-1")
	case <-time.After(50 * time.Millisecond):
	}
	second()
	<-third

	cur, _ := e.mgr.instanceLocks.Load("vm-1")
	assert.Same(t, v, cur)
}

func TestSearchVolumes(t *testing.T) {
	e := newTestEnv(t)
	e.ready(t, volumes.TypeDataDisk, "p1")
	e.ready(t, volumes.TypeDataDisk, "p2")
	e.allocated(t, volumes.TypeDataDisk, "small")

	page, err := e.mgr.SearchVolumes(e.ctx, volumes.Filter{States: []volumes.State{volumes.StateReady}})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Volumes, 2)

	page, err = e.mgr.SearchVolumes(e.ctx, volumes.Filter{PoolID: "p2"})
	require.NoError(t, err)
	require.Len(t, page.Volumes, 1)
	assert.Equal(t, "p2", page.Volumes[0].PoolID)

	_, err = e.mgr.SearchVolumes(e.ctx, volumes.Filter{Limit: -1})
	assert.ErrorIs(t, err, volumes.ErrInvalidParameter)
	_, err = e.mgr.SearchVolumes(e.ctx, volumes.Filter{States: []volumes.State{"Sideways"}})
	assert.ErrorIs(t, err, volumes.ErrInvalidParameter)
}
