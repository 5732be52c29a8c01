package gateway

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype the agent protocol uses. Messages
// are plain Go structs encoded as JSON, so no generated code is needed.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const serviceName = "blockvol.agent.v1.Agent"

const (
	pingMethod    = "/" + serviceName + "/Ping"
	executeMethod = "/" + serviceName + "/Execute"
)

// PingRequest checks that an agent is alive.
type PingRequest struct {
	HostID string `json:"host_id,omitempty"`
}

// PingResponse identifies the agent that answered.
type PingResponse struct {
	HostID  string `json:"host_id"`
	Version string `json:"version,omitempty"`
}

// AgentServer is implemented by pool agents.
type AgentServer interface {
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
	Execute(ctx context.Context, cmd *Command) (*Answer, error)
}

// RegisterAgentServer registers srv on s.
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&agentServiceDesc, srv)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "blockvol/agent.v1",
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Command)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Execute(ctx, req.(*Command))
	}
	return interceptor(ctx, in, info, handler)
}

// agentClient is the client side of the agent service.
type agentClient struct {
	cc grpc.ClientConnInterface
}

func newAgentClient(cc grpc.ClientConnInterface) *agentClient {
	return &agentClient{cc: cc}
}

func (c *agentClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	out := new(PingResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, pingMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentClient) Execute(ctx context.Context, in *Command, opts ...grpc.CallOption) (*Answer, error) {
	out := new(Answer)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, executeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
