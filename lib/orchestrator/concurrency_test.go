package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/onkernel/blockvol/lib/usage"
	"github.com/onkernel/blockvol/lib/volumes"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentAttachesGetDistinctDevices(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.mgr.AllocateVolumes(e.ctx, AllocateRequest{InstanceID: "vm-1", AccountID: testAccount, RootOfferingID: "small"})
	require.NoError(t, err)

	const n = 5
	disks := make([]*volumes.Volume, n)
	for i := range disks {
		disks[i] = e.allocated(t, volumes.TypeDataDisk, "small")
	}

	start := make(chan struct{})
	devices := make([]int, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, d := range disks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, err := e.mgr.AttachVolume(e.ctx, AttachRequest{VolumeID: d.ID, InstanceID: "vm-1"})
			errs[i] = err
			if err == nil {
				devices[i] = *out.DeviceID
			}
		}()
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "attach of volume %d", disks[i].ID)
	}
	assert.Len(t, lo.Uniq(devices), n, "devices %v", devices)
	assert.NotContains(t, devices, 0)
	assert.NotContains(t, devices, 3)

	attached, err := e.store.ListByInstance(e.ctx, "vm-1")
	require.NoError(t, err)
	assert.Len(t, attached, n+1)
	assert.Len(t, e.usage.eventsOf(usage.EventVolumeAttach), n)
}

func TestConcurrentAttachesSameDeviceOneWins(t *testing.T) {
	e := newTestEnv(t)
	bootedRoot(t, e)

	const n = 4
	disks := make([]*volumes.Volume, n)
	for i := range disks {
		disks[i] = e.ready(t, volumes.TypeDataDisk, "p1")
	}

	start := make(chan struct{})
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, d := range disks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = e.mgr.AttachVolume(e.ctx, AttachRequest{VolumeID: d.ID, InstanceID: "vm-1", DeviceID: lo.ToPtr(2)})
		}()
	}
	close(start)
	wg.Wait()

	winners := lo.CountBy(errs, func(err error) bool { return err == nil })
	assert.Equal(t, 1, winners)
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, volumes.ErrInvalidParameter)
		}
	}

	attached, err := e.store.ListByInstance(e.ctx, "vm-1")
	require.NoError(t, err)
	onTwo := lo.Filter(attached, func(v *volumes.Volume, _ int) bool { return v.DeviceID != nil && *v.DeviceID == 2 })
	assert.Len(t, onTwo, 1)
}

func TestMigrateRacingDeleteHasOneWinner(t *testing.T) {
	e := newTestEnv(t)
	vol := e.ready(t, volumes.TypeDataDisk, "p1")

	// Copies wait until every delete has returned, so a migration that
	// got past its first transaction is still in flight while they run.
	release := make(chan struct{})
	e.gw.sendFunc = func(ctx context.Context, pool *catalog.StoragePool, cmd gateway.Command) (*gateway.Answer, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return okAnswer(cmd), nil
	}

	const deleters = 4
	start := make(chan struct{})
	deleteErrs := make([]error, deleters)
	var deletes sync.WaitGroup
	for i := range deleters {
		deletes.Add(1)
		go func() {
			defer deletes.Done()
			<-start
			_, deleteErrs[i] = e.mgr.DeleteVolume(e.ctx, vol.ID)
		}()
	}

	var migrateErr error
	migrated := make(chan struct{})
	go func() {
		defer close(migrated)
		<-start
		_, migrateErr = e.mgr.MigrateVolume(e.ctx, vol.ID, "p2")
	}()

	close(start)
	deletes.Wait()
	close(release)
	<-migrated

	deleteWins := lo.CountBy(deleteErrs, func(err error) bool { return err == nil })
	for _, err := range append(deleteErrs, migrateErr) {
		if err != nil {
			assert.Equal(t, volumes.KindConcurrency, volumes.KindOf(err), "loser error: %v", err)
		}
	}

	got := e.get(t, vol.ID)
	if migrateErr == nil {
		assert.Zero(t, deleteWins, "no delete may succeed while the volume migrates")
		assert.Equal(t, volumes.StateReady, got.State())
		assert.Equal(t, "p2", got.PoolID)
		assert.Empty(t, e.usage.eventsOf(usage.EventVolumeDelete))
	} else {
		assert.Equal(t, 1, deleteWins)
		assert.Equal(t, volumes.StateDestroy, got.State())
		assert.Equal(t, "p1", got.PoolID)
		assert.Empty(t, e.gw.sent(), "no copy is issued for a destroyed volume")
		assert.Len(t, e.usage.eventsOf(usage.EventVolumeDelete), 1)
	}

	cps, err := e.store.ListCheckpoints(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, cps)
}
