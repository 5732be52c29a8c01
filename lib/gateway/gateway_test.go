package gateway

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/volumes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeAgent struct {
	hostID      string
	executeFunc func(ctx context.Context, cmd *Command) (*Answer, error)
	executed    atomic.Int32
}

func (f *fakeAgent) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	return &PingResponse{HostID: f.hostID}, nil
}

func (f *fakeAgent) Execute(ctx context.Context, cmd *Command) (*Answer, error) {
	f.executed.Add(1)
	if f.executeFunc != nil {
		return f.executeFunc(ctx, cmd)
	}
	return &Answer{Success: true, Path: cmd.VolumeUUID, Details: f.hostID}, nil
}

type fakeHosts struct {
	hosts []*catalog.Host
}

func (f *fakeHosts) HostsForPool(ctx context.Context, pool *catalog.StoragePool) ([]*catalog.Host, error) {
	return f.hosts, nil
}

func (f *fakeHosts) GetHost(ctx context.Context, id string) (*catalog.Host, error) {
	for _, h := range f.hosts {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, catalog.ErrNotFound
}

type harness struct {
	listeners map[string]*bufconn.Listener
	hosts     *fakeHosts
}

func newHarness() *harness {
	return &harness{listeners: map[string]*bufconn.Listener{}, hosts: &fakeHosts{}}
}

// serve starts agent on a bufconn listener under addr.
func (h *harness) serve(t *testing.T, addr string, agent AgentServer, secret string) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(AuthInterceptor(secret)))
	RegisterAgentServer(srv, agent)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	h.listeners[addr] = lis
}

func (h *harness) addHost(id, addr string) {
	h.hosts.hosts = append(h.hosts.hosts, &catalog.Host{ID: id, Address: addr, Status: catalog.HostUp})
}

func (h *harness) dial(ctx context.Context, addr string) (net.Conn, error) {
	lis, ok := h.listeners[addr]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return lis.DialContext(ctx)
}

func (h *harness) gateway(t *testing.T, cfg Config) *AgentGateway {
	cfg.Dialer = h.dial
	if cfg.ProbeAttempts == 0 {
		cfg.ProbeAttempts = 1
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 200 * time.Millisecond
	}
	g := NewAgentGateway(h.hosts, cfg)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

var testPool = &catalog.StoragePool{ID: "pool-1", Path: "/pools/1", Shared: true}

func testCommand() Command {
	vol := volumes.New("data", volumes.TypeDataDisk, 1<<30)
	vol.ID = 7
	vol.UUID = "vol-7"
	return NewCreate(vol, &volumes.DiskProfile{SizeBytes: 1 << 30}, PoolRef(testPool))
}

func TestSendSkipsDeadHosts(t *testing.T) {
	h := newHarness()
	h.addHost("h1", "dead:1")
	h.addHost("h2", "live:2")
	h.addHost("h3", "live:3")
	a2 := &fakeAgent{hostID: "h2"}
	a3 := &fakeAgent{hostID: "h3"}
	h.serve(t, "live:2", a2, "")
	h.serve(t, "live:3", a3, "")

	g := h.gateway(t, Config{})
	ans, err := g.Send(context.Background(), testPool, testCommand())
	require.NoError(t, err)
	assert.True(t, ans.Success)
	assert.Equal(t, "h2", ans.Details, "first live host in resolver order wins")
	assert.Equal(t, int32(1), a2.executed.Load())
	assert.Equal(t, int32(0), a3.executed.Load())
}

func TestSendNoHosts(t *testing.T) {
	h := newHarness()
	g := h.gateway(t, Config{})

	_, err := g.Send(context.Background(), testPool, testCommand())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoHosts)
	assert.Equal(t, volumes.KindRemoteDefinitive, volumes.KindOf(err))

	h.addHost("h1", "dead:1")
	_, err = g.Send(context.Background(), testPool, testCommand())
	assert.ErrorIs(t, err, volumes.ErrStorageUnavailable)
}

func TestSendCancelledWhileProbingIsDefinitive(t *testing.T) {
	h := newHarness()
	h.addHost("h1", "live:1")
	agent := &fakeAgent{hostID: "h1"}
	h.serve(t, "live:1", agent, "")

	g := h.gateway(t, Config{})
	for _, mk := range []func() (context.Context, context.CancelFunc){
		func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
		func() (context.Context, context.CancelFunc) { return context.WithTimeout(context.Background(), 0) },
	} {
		ctx, cancel := mk()
		cancel()
		_, err := g.Send(ctx, testPool, testCommand())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoHosts)
		assert.False(t, errors.Is(err, volumes.ErrOutcomeUnknown))
		assert.Equal(t, volumes.KindRemoteDefinitive, volumes.KindOf(err))
	}
	assert.Equal(t, int32(0), agent.executed.Load())
}

func TestSendRejectedAnswerIsDefinitive(t *testing.T) {
	h := newHarness()
	h.addHost("h1", "live:1")
	h.serve(t, "live:1", &fakeAgent{
		executeFunc: func(ctx context.Context, cmd *Command) (*Answer, error) {
			return &Answer{Success: false, Details: "pool full"}, nil
		},
	}, "")

	g := h.gateway(t, Config{})
	ans, err := g.Send(context.Background(), testPool, testCommand())
	require.Error(t, err)
	require.NotNil(t, ans)
	assert.Equal(t, "pool full", ans.Details)
	assert.ErrorIs(t, err, volumes.ErrStorageUnavailable)
	assert.False(t, errors.Is(err, volumes.ErrOutcomeUnknown))
}

func TestSendTransportFailureIsAmbiguous(t *testing.T) {
	h := newHarness()
	h.addHost("h1", "live:1")
	h.serve(t, "live:1", &fakeAgent{
		executeFunc: func(ctx context.Context, cmd *Command) (*Answer, error) {
			return nil, status.Error(codes.Unavailable, "connection reset")
		},
	}, "")

	g := h.gateway(t, Config{})
	_, err := g.Send(context.Background(), testPool, testCommand())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	assert.Equal(t, volumes.KindRemoteAmbiguous, volumes.KindOf(err))
}

func TestSendTimeoutIsAmbiguous(t *testing.T) {
	h := newHarness()
	h.addHost("h1", "live:1")
	h.serve(t, "live:1", &fakeAgent{
		executeFunc: func(ctx context.Context, cmd *Command) (*Answer, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, "")

	g := h.gateway(t, Config{CommandTimeout: 50 * time.Millisecond})
	_, err := g.Send(context.Background(), testPool, testCommand())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.ErrorIs(t, err, volumes.ErrOutcomeUnknown)
}

func TestSendToHostRequiresValidToken(t *testing.T) {
	h := newHarness()
	h.addHost("h1", "live:1")
	agent := &fakeAgent{hostID: "h1"}
	h.serve(t, "live:1", agent, "agent-secret")

	bad := h.gateway(t, Config{TokenSecret: "wrong"})
	_, err := bad.SendToHost(context.Background(), "h1", testCommand())
	require.Error(t, err)
	assert.ErrorIs(t, err, volumes.ErrMisconfigured)
	assert.Equal(t, int32(0), agent.executed.Load())

	good := h.gateway(t, Config{TokenSecret: "agent-secret"})
	ans, err := good.SendToHost(context.Background(), "h1", testCommand())
	require.NoError(t, err)
	assert.True(t, ans.Success)
	assert.Equal(t, int32(1), agent.executed.Load())
}

func TestBreakerOpensAfterTransportFailures(t *testing.T) {
	h := newHarness()
	h.addHost("h1", "live:1")
	agent := &fakeAgent{
		executeFunc: func(ctx context.Context, cmd *Command) (*Answer, error) {
			return nil, status.Error(codes.Unavailable, "down")
		},
	}
	h.serve(t, "live:1", agent, "")

	g := h.gateway(t, Config{BreakerFailures: 2, BreakerCooldown: time.Hour})
	for range 2 {
		_, err := g.SendToHost(context.Background(), "h1", testCommand())
		assert.ErrorIs(t, err, volumes.ErrOutcomeUnknown)
	}

	_, err := g.SendToHost(context.Background(), "h1", testCommand())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoHosts, "open breaker sends nothing")
	assert.Equal(t, int32(2), agent.executed.Load())

	_, err = g.Send(context.Background(), testPool, testCommand())
	assert.ErrorIs(t, err, ErrNoHosts)
}

func TestRejectedAnswersDoNotTripBreaker(t *testing.T) {
	h := newHarness()
	h.addHost("h1", "live:1")
	h.serve(t, "live:1", &fakeAgent{
		executeFunc: func(ctx context.Context, cmd *Command) (*Answer, error) {
			return nil, status.Error(codes.InvalidArgument, "bad size")
		},
	}, "")

	g := h.gateway(t, Config{BreakerFailures: 1, BreakerCooldown: time.Hour})
	for range 3 {
		_, err := g.SendToHost(context.Background(), "h1", testCommand())
		require.Error(t, err)
		assert.Equal(t, volumes.KindRemoteDefinitive, volumes.KindOf(err))
		assert.NotErrorIs(t, err, ErrNoHosts)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := MintToken("s3cret", "volctl", time.Minute)
	require.NoError(t, err)

	subject, err := ValidateToken("s3cret", token)
	require.NoError(t, err)
	assert.Equal(t, "volctl", subject)

	_, err = ValidateToken("other", token)
	assert.Error(t, err)

	expired, err := MintToken("s3cret", "volctl", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken("s3cret", expired)
	assert.Error(t, err)
}
