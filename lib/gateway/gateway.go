// Package gateway routes storage commands to the agents that serve a pool.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/logger"
	"github.com/onkernel/blockvol/lib/volumes"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Gateway sends commands to pool agents.
//
// A returned error wrapping volumes.ErrStorageUnavailable is definitive: the
// command did not take effect. One wrapping volumes.ErrOutcomeUnknown means
// the command may have taken effect remotely.
type Gateway interface {
	// Send routes cmd to the first live host serving pool.
	Send(ctx context.Context, pool *catalog.StoragePool, cmd Command) (*Answer, error)
	// SendToHost routes cmd to a specific host.
	SendToHost(ctx context.Context, hostID string, cmd Command) (*Answer, error)
}

// HostResolver finds the hosts able to reach a pool.
type HostResolver interface {
	HostsForPool(ctx context.Context, pool *catalog.StoragePool) ([]*catalog.Host, error)
	GetHost(ctx context.Context, id string) (*catalog.Host, error)
}

// Dialer opens a raw connection to an agent address.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Config holds gateway tuning.
type Config struct {
	CommandTimeout  time.Duration
	ProbeTimeout    time.Duration
	ProbeAttempts   uint
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// TokenSecret signs per-call agent tokens. Empty disables auth.
	TokenSecret string
	// Dialer overrides how agent connections are opened.
	Dialer Dialer
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:  10 * time.Minute,
		ProbeTimeout:    2 * time.Second,
		ProbeAttempts:   3,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// AgentGateway is a Gateway that speaks gRPC to pool agents.
type AgentGateway struct {
	hosts HostResolver
	cfg   Config

	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ Gateway = (*AgentGateway)(nil)

// NewAgentGateway creates a gateway resolving hosts through hosts.
func NewAgentGateway(hosts HostResolver, cfg Config) *AgentGateway {
	def := DefaultConfig()
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ProbeAttempts == 0 {
		cfg.ProbeAttempts = def.ProbeAttempts
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	return &AgentGateway{
		hosts:    hosts,
		cfg:      cfg,
		conns:    make(map[string]*grpc.ClientConn),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Send routes cmd to the first live host serving pool. Host selection is
// retried; the command itself is sent at most once.
func (g *AgentGateway) Send(ctx context.Context, pool *catalog.StoragePool, cmd Command) (*Answer, error) {
	log := logger.FromContext(ctx)

	hosts, err := g.hosts.HostsForPool(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("resolve hosts for pool %s: %w", pool.ID, err)
	}
	host, err := g.pickHost(ctx, hosts)
	if err != nil {
		log.WarnContext(ctx, "no live agent for pool", "pool_id", pool.ID, "command", cmd.Kind, "error", err)
		return nil, err
	}
	return g.execute(ctx, host, cmd)
}

// SendToHost routes cmd to hostID without probing.
func (g *AgentGateway) SendToHost(ctx context.Context, hostID string, cmd Command) (*Answer, error) {
	host, err := g.hosts.GetHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("get host %s: %w", hostID, err)
	}
	if host.Status != catalog.HostUp {
		return nil, fmt.Errorf("host %s is %s: %w", host.ID, host.Status, ErrNoHosts)
	}
	return g.execute(ctx, host, cmd)
}

// Close tears down every pooled connection.
func (g *AgentGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for addr, conn := range g.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(g.conns, addr)
	}
	return errors.Join(errs...)
}

// pickHost probes hosts in parallel and returns the first live one in
// resolver order. Hosts behind an open breaker are skipped.
func (g *AgentGateway) pickHost(ctx context.Context, hosts []*catalog.Host) (*catalog.Host, error) {
	if len(hosts) == 0 {
		return nil, ErrNoHosts
	}

	alive := make([]bool, len(hosts))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, h := range hosts {
		if g.breaker(h).State() == gobreaker.StateOpen {
			continue
		}
		eg.Go(func() error {
			alive[i] = g.probe(egCtx, h) == nil
			return nil
		})
	}
	_ = eg.Wait()

	// Nothing was sent yet, so the outcome is known.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: probing ended: %v", ErrNoHosts, err)
	}
	for i, h := range hosts {
		if alive[i] {
			return h, nil
		}
	}
	return nil, ErrNoHosts
}

func (g *AgentGateway) probe(ctx context.Context, host *catalog.Host) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (*PingResponse, error) {
		conn, err := g.conn(host.Address)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		pctx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
		defer cancel()
		resp, err := newAgentClient(conn).Ping(pctx, &PingRequest{HostID: host.ID})
		if status.Code(err) == codes.Unauthenticated {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(g.cfg.ProbeAttempts))
	return err
}

func (g *AgentGateway) execute(ctx context.Context, host *catalog.Host, cmd Command) (*Answer, error) {
	log := logger.FromContext(ctx).With("host_id", host.ID, "command", cmd.Kind, "volume_id", cmd.VolumeID)
	start := time.Now()

	conn, err := g.conn(host.Address)
	if err != nil {
		recordCommand(ctx, cmd.Kind, "dial_error", start)
		return nil, fmt.Errorf("%w: %w", ErrNoHosts, err)
	}

	res, err := g.breaker(host).Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.cfg.CommandTimeout)
		defer cancel()
		return newAgentClient(conn).Execute(cctx, &cmd)
	})
	if err != nil {
		mapped := mapError(err)
		recordCommand(ctx, cmd.Kind, outcome(mapped), start)
		log.WarnContext(ctx, "agent command failed", "error", err)
		return nil, mapped
	}

	ans := res.(*Answer)
	if !ans.Success {
		recordCommand(ctx, cmd.Kind, "rejected", start)
		log.InfoContext(ctx, "agent rejected command", "details", ans.Details)
		return ans, AnswerError(cmd, ans)
	}
	recordCommand(ctx, cmd.Kind, "success", start)
	log.DebugContext(ctx, "agent command succeeded", "duration", time.Since(start))
	return ans, nil
}

// conn returns a pooled connection for addr, creating it if needed.
func (g *AgentGateway) conn(addr string) (*grpc.ClientConn, error) {
	g.mu.RLock()
	if conn, ok := g.conns[addr]; ok {
		g.mu.RUnlock()
		return conn, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, ok := g.conns[addr]; ok {
		return conn, nil
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if g.cfg.TokenSecret != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(tokenCredentials{secret: g.cfg.TokenSecret, subject: "volumed"}))
	}
	if g.cfg.Dialer != nil {
		dial := g.cfg.Dialer
		opts = append(opts, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			c, err := dial(ctx, addr)
			if err != nil {
				return nil, &HostDialError{Address: addr, Err: err}
			}
			return c, nil
		}))
	}

	conn, err := grpc.NewClient("passthrough:///"+addr, opts...)
	if err != nil {
		return nil, &HostDialError{Address: addr, Err: err}
	}
	g.conns[addr] = conn
	return conn, nil
}

func (g *AgentGateway) breaker(host *catalog.Host) *gobreaker.CircuitBreaker {
	g.mu.RLock()
	cb, ok := g.breakers[host.ID]
	g.mu.RUnlock()
	if ok {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[host.ID]; ok {
		return cb
	}
	threshold := g.cfg.BreakerFailures
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host.ID,
		MaxRequests: 1,
		Timeout:     g.cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// Only transport failures count against a host.
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransportError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			recordBreakerChange(context.Background(), name, to)
		},
	})
	g.breakers[host.ID] = cb
	return cb
}

func isTransportError(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Unknown:
		return true
	}
	return false
}

// mapError converts a transport or breaker error into a gateway error.
func mapError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrNoHosts, err)
	}
	var dialErr *HostDialError
	if errors.As(err, &dialErr) {
		return fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrOperationTimeout, err)
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", ErrOperationTimeout, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case codes.InvalidArgument, codes.Unimplemented:
		// Rejected before anything ran.
		return fmt.Errorf("%w: %s", volumes.ErrStorageUnavailable, status.Convert(err).Message())
	default:
		return fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrOperationTimeout):
		return "timeout"
	case errors.Is(err, ErrNoHosts):
		return "no_host"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAgentUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
