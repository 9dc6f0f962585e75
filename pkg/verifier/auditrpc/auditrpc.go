// Package auditrpc defines the AuditService wire contract used between the
// gateway and the verification engine. The service rides on gRPC with a JSON
// message codec so the contract stays language-neutral and the repository
// carries no generated descriptors.
package auditrpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "audit.v1.AuditService"

// Audit lifecycle statuses reported by GetAuditResult.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// SubmitAuditRequest asks the engine to score a prompt/response pair.
type SubmitAuditRequest struct {
	RequestID string `json:"request_id"`
	Query     string `json:"query"`
	Response  string `json:"response"`
}

// SubmitAuditResponse acknowledges a submission with the engine's audit id.
type SubmitAuditResponse struct {
	AuditID string `json:"audit_id"`
	Status  string `json:"status"`
}

// GetAuditResultRequest fetches the state of a previously submitted audit.
type GetAuditResultRequest struct {
	AuditID string `json:"audit_id"`
}

// Claim is one extracted claim with the engine's verdict.
type Claim struct {
	Claim      string  `json:"claim"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence"`
}

// AuditResultResponse is the terminal (or pending) audit state.
type AuditResultResponse struct {
	Status            string  `json:"status"`
	FaithfulnessScore float64 `json:"faithfulness_score"`
	Claims            []Claim `json:"claims"`
	ReasoningTrace    string  `json:"reasoning_trace"`
}

// HealthCheckRequest probes engine liveness.
type HealthCheckRequest struct{}

// HealthCheckResponse reports engine liveness.
type HealthCheckResponse struct {
	Status string `json:"status"`
}

// Codec is the JSON message codec both ends of the channel must use.
// Servers register it with grpc.ForceServerCodec(auditrpc.Codec{}); the
// client stubs force it per call.
type Codec struct{}

// Marshal implements grpc encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements grpc encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name implements grpc encoding.Codec.
func (Codec) Name() string { return "json" }

// AuditServiceClient is the client-side view of the AuditService contract.
type AuditServiceClient interface {
	SubmitAudit(ctx context.Context, in *SubmitAuditRequest, opts ...grpc.CallOption) (*SubmitAuditResponse, error)
	GetAuditResult(ctx context.Context, in *GetAuditResultRequest, opts ...grpc.CallOption) (*AuditResultResponse, error)
	HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error)
}

type auditServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewAuditServiceClient builds client stubs over an established connection.
func NewAuditServiceClient(cc grpc.ClientConnInterface) AuditServiceClient {
	return &auditServiceClient{cc: cc}
}

func (c *auditServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *auditServiceClient) SubmitAudit(ctx context.Context, in *SubmitAuditRequest, opts ...grpc.CallOption) (*SubmitAuditResponse, error) {
	out := new(SubmitAuditResponse)
	if err := c.invoke(ctx, "/"+ServiceName+"/SubmitAudit", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *auditServiceClient) GetAuditResult(ctx context.Context, in *GetAuditResultRequest, opts ...grpc.CallOption) (*AuditResultResponse, error) {
	out := new(AuditResultResponse)
	if err := c.invoke(ctx, "/"+ServiceName+"/GetAuditResult", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *auditServiceClient) HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error) {
	out := new(HealthCheckResponse)
	if err := c.invoke(ctx, "/"+ServiceName+"/HealthCheck", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// AuditServiceServer is the server-side contract, implemented by the
// verification engine and by in-process fakes in tests.
type AuditServiceServer interface {
	SubmitAudit(ctx context.Context, in *SubmitAuditRequest) (*SubmitAuditResponse, error)
	GetAuditResult(ctx context.Context, in *GetAuditResultRequest) (*AuditResultResponse, error)
	HealthCheck(ctx context.Context, in *HealthCheckRequest) (*HealthCheckResponse, error)
}

// UnimplementedAuditServiceServer may be embedded for forward compatibility.
type UnimplementedAuditServiceServer struct{}

func (UnimplementedAuditServiceServer) SubmitAudit(context.Context, *SubmitAuditRequest) (*SubmitAuditResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitAudit not implemented")
}

func (UnimplementedAuditServiceServer) GetAuditResult(context.Context, *GetAuditResultRequest) (*AuditResultResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetAuditResult not implemented")
}

func (UnimplementedAuditServiceServer) HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method HealthCheck not implemented")
}

// RegisterAuditServiceServer registers srv with a gRPC server. The server
// must be constructed with grpc.ForceServerCodec(auditrpc.Codec{}).
func RegisterAuditServiceServer(s grpc.ServiceRegistrar, srv AuditServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func submitAuditHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitAuditRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuditServiceServer).SubmitAudit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/SubmitAudit"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuditServiceServer).SubmitAudit(ctx, req.(*SubmitAuditRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getAuditResultHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetAuditResultRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuditServiceServer).GetAuditResult(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetAuditResult"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuditServiceServer).GetAuditResult(ctx, req.(*GetAuditResultRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func healthCheckHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthCheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuditServiceServer).HealthCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/HealthCheck"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuditServiceServer).HealthCheck(ctx, req.(*HealthCheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the grpc.ServiceDesc for AuditService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitAudit", Handler: submitAuditHandler},
		{MethodName: "GetAuditResult", Handler: getAuditResultHandler},
		{MethodName: "HealthCheck", Handler: healthCheckHandler},
	},
	Streams: []grpc.StreamDesc{},
}
