package orchestrator

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"testing"

	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/onkernel/blockvol/lib/hypervisor"
	"github.com/onkernel/blockvol/lib/store"
	"github.com/onkernel/blockvol/lib/usage"
	"github.com/onkernel/blockvol/lib/volumes"
	"github.com/stretchr/testify/require"
)

// sentCommand is one call the mock gateway received.
type sentCommand struct {
	PoolID string
	HostID string
	Cmd    gateway.Command
}

// mockGateway implements gateway.Gateway for testing
type mockGateway struct {
	mu             sync.Mutex
	sendFunc       func(ctx context.Context, pool *catalog.StoragePool, cmd gateway.Command) (*gateway.Answer, error)
	sendToHostFunc func(ctx context.Context, hostID string, cmd gateway.Command) (*gateway.Answer, error)
	calls          []sentCommand
}

func (g *mockGateway) Send(ctx context.Context, pool *catalog.StoragePool, cmd gateway.Command) (*gateway.Answer, error) {
	g.mu.Lock()
	g.calls = append(g.calls, sentCommand{PoolID: pool.ID, Cmd: cmd})
	fn := g.sendFunc
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx, pool, cmd)
	}
	return okAnswer(cmd), nil
}

func (g *mockGateway) SendToHost(ctx context.Context, hostID string, cmd gateway.Command) (*gateway.Answer, error) {
	g.mu.Lock()
	g.calls = append(g.calls, sentCommand{HostID: hostID, Cmd: cmd})
	fn := g.sendToHostFunc
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx, hostID, cmd)
	}
	return okAnswer(cmd), nil
}

// sent returns the recorded calls, optionally only those of one kind.
func (g *mockGateway) sent(kinds ...gateway.CommandKind) []sentCommand {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sentCommand
	for _, c := range g.calls {
		if len(kinds) == 0 {
			out = append(out, c)
			continue
		}
		for _, k := range kinds {
			if c.Cmd.Kind == k {
				out = append(out, c)
			}
		}
	}
	return out
}

func (g *mockGateway) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
	g.sendFunc = nil
	g.sendToHostFunc = nil
}

// okAnswer is what a healthy agent replies.
func okAnswer(cmd gateway.Command) *gateway.Answer {
	p := path.Join("volumes", cmd.VolumeUUID, "disk.raw")
	if cmd.DestPath != "" {
		p = cmd.DestPath
	}
	return &gateway.Answer{Success: true, Path: p, Folder: path.Dir(p)}
}

// fakeUsage implements usage.Emitter and usage.Accountant for testing
type fakeUsage struct {
	mu        sync.Mutex
	events    []usage.Event
	counts    map[string]int64
	checkFunc func(accountID string, r usage.ResourceType, delta int64) error
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{counts: make(map[string]int64)}
}

func (u *fakeUsage) Emit(ctx context.Context, e usage.Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, e)
}

func (u *fakeUsage) Check(ctx context.Context, accountID string, r usage.ResourceType, delta int64) error {
	if u.checkFunc != nil {
		return u.checkFunc(accountID, r, delta)
	}
	return nil
}

func (u *fakeUsage) Increment(ctx context.Context, accountID string, r usage.ResourceType, delta int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts[accountID+"/"+string(r)] += delta
}

func (u *fakeUsage) Decrement(ctx context.Context, accountID string, r usage.ResourceType, delta int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts[accountID+"/"+string(r)] -= delta
}

func (u *fakeUsage) count(accountID string, r usage.ResourceType) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[accountID+"/"+string(r)]
}

func (u *fakeUsage) eventsOf(t usage.EventType) []usage.Event {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []usage.Event
	for _, e := range u.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

const (
	testZone    = "zone-1"
	testAccount = "acct-1"
	gib         = int64(1) << 30
)

type testEnv struct {
	ctx   context.Context
	store *store.Store
	gw    *mockGateway
	usage *fakeUsage
	mgr   *manager
}

// newTestEnv opens a bbolt store seeded with two shared pools (p1, p2) in
// one cluster, a local pool, one host, an image store, offerings and a
// downloaded template, plus a stopped KVM instance vm-1.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "blockvol.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	for _, p := range []*catalog.StoragePool{
		{ID: "p1", Name: "nfs-1", ZoneID: testZone, PodID: "pod-1", ClusterID: "c1", Path: "/pools/p1", Type: catalog.PoolTypeNetworkFilesystem, Shared: true},
		{ID: "p2", Name: "nfs-2", ZoneID: testZone, PodID: "pod-1", ClusterID: "c1", Path: "/pools/p2", Type: catalog.PoolTypeNetworkFilesystem, Shared: true},
		{ID: "local-1", Name: "local", ZoneID: testZone, ClusterID: "c1", HostID: "h1", Path: "/pools/local", Type: catalog.PoolTypeFilesystem},
	} {
		require.NoError(t, st.PutPool(ctx, p))
	}
	require.NoError(t, st.PutHost(ctx, &catalog.Host{ID: "h1", Address: "h1:7070", ZoneID: testZone, ClusterID: "c1", Hypervisor: "KVM", Status: catalog.HostUp}))
	require.NoError(t, st.PutImageStore(ctx, &catalog.ImageStore{ID: "img-1", ZoneID: testZone, Path: "/secondary"}))
	for _, o := range []*catalog.Offering{
		{ID: "small", Name: "small", SizeBytes: 5 * gib},
		{ID: "custom", Name: "custom", Custom: true, MinSizeGiB: 1, MaxSizeGiB: 100},
		{ID: "local", Name: "local", SizeBytes: gib, UseLocalStorage: true},
		{ID: "system", Name: "system", SizeBytes: 2 * gib, Recreatable: true},
	} {
		require.NoError(t, st.PutOffering(ctx, o))
	}
	require.NoError(t, st.PutTemplate(ctx, &catalog.Template{ID: "tmpl-1", Name: "debian", Format: "RAW", Hypervisor: "KVM"}))
	require.NoError(t, st.PutTemplateRef(ctx, &catalog.TemplateRef{
		TemplateID: "tmpl-1", ZoneID: testZone, DownloadState: catalog.DownloadComplete,
		InstallPath: "templates/tmpl-1/root.img", SizeBytes: 8 * gib,
	}))
	require.NoError(t, st.PutInstance(ctx, &catalog.Instance{
		ID: "vm-1", Name: "web", AccountID: testAccount, ZoneID: testZone,
		Hypervisor: "KVM", TemplateID: "tmpl-1", State: catalog.InstanceStopped,
	}))

	gw := &mockGateway{}
	u := newFakeUsage()
	mgr, err := NewManager(DefaultConfig(), st, st, st, gw,
		hypervisor.NewDefaultRegistry(hypervisor.DefaultCapabilities), u, u, nil)
	require.NoError(t, err)

	return &testEnv{ctx: ctx, store: st, gw: gw, usage: u, mgr: mgr.(*manager)}
}

// allocated persists an Allocated, unattached volume.
func (e *testEnv) allocated(t *testing.T, typ volumes.Type, offeringID string) *volumes.Volume {
	t.Helper()
	v := volumes.New(fmt.Sprintf("vol-%s", offeringID), typ, 5*gib)
	v.AccountID = testAccount
	v.ZoneID = testZone
	v.OfferingID = offeringID
	saved, err := e.store.Persist(e.ctx, v)
	require.NoError(t, err)
	return saved
}

// ready persists a volume materialized on poolID.
func (e *testEnv) ready(t *testing.T, typ volumes.Type, poolID string) *volumes.Volume {
	t.Helper()
	v := e.allocated(t, typ, "small")
	_, err := e.store.TransitionState(e.ctx, v.ID, volumes.StateAllocated, volumes.EventCreateRequested, nil)
	require.NoError(t, err)
	out, err := e.store.TransitionState(e.ctx, v.ID, volumes.StateCreating, volumes.EventOperationSucceeded, func(v *volumes.Volume) {
		v.PoolID = poolID
		v.Path = path.Join("volumes", v.UUID, "disk.raw")
		v.Folder = path.Join("volumes", v.UUID)
	})
	require.NoError(t, err)
	return out
}

func (e *testEnv) get(t *testing.T, id uint64) *volumes.Volume {
	t.Helper()
	v, err := e.store.Get(e.ctx, id)
	require.NoError(t, err)
	return v
}

func (e *testEnv) setInstance(t *testing.T, mutate func(i *catalog.Instance)) {
	t.Helper()
	inst, err := e.store.GetInstance(e.ctx, "vm-1")
	require.NoError(t, err)
	mutate(inst)
	require.NoError(t, e.store.PutInstance(e.ctx, inst))
}

// storageFailure is a definitive rejection from an agent.
func storageFailure(msg string) error {
	return fmt.Errorf("%w: %s", volumes.ErrStorageUnavailable, msg)
}

// lostReply is a call whose outcome was never observed.
func lostReply() error {
	return fmt.Errorf("%w: connection reset", gateway.ErrAgentUnavailable)
}
