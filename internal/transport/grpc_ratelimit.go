package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mohammadhprp/nextlimit/internal/limiter"
	"github.com/mohammadhprp/nextlimit/internal/service"
	"github.com/mohammadhprp/nextlimit/internal/storage"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// RateLimitServiceName is the fully qualified gRPC service name.
const RateLimitServiceName = "nextlimit.v1.RateLimit"

// Full method names
const (
	RateLimitCheckMethod     = "/" + RateLimitServiceName + "/Check"
	RateLimitResetMethod     = "/" + RateLimitServiceName + "/Reset"
	RateLimitSetPolicyMethod = "/" + RateLimitServiceName + "/SetPolicy"
	RateLimitGetPolicyMethod = "/" + RateLimitServiceName + "/GetPolicy"
)

// RateLimitServer is the server API of nextlimit.v1.RateLimit. Messages are
// google.protobuf.Struct values carrying the same JSON documents as the HTTP API.
type RateLimitServer interface {
	Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Reset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SetPolicy(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetPolicy(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(fullMethod string, call func(RateLimitServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RateLimitServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RateLimitServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RateLimitServiceDesc describes nextlimit.v1.RateLimit for grpc.Server.RegisterService.
var RateLimitServiceDesc = grpc.ServiceDesc{
	ServiceName: RateLimitServiceName,
	HandlerType: (*RateLimitServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: unaryHandler(RateLimitCheckMethod, RateLimitServer.Check)},
		{MethodName: "Reset", Handler: unaryHandler(RateLimitResetMethod, RateLimitServer.Reset)},
		{MethodName: "SetPolicy", Handler: unaryHandler(RateLimitSetPolicyMethod, RateLimitServer.SetPolicy)},
		{MethodName: "GetPolicy", Handler: unaryHandler(RateLimitGetPolicyMethod, RateLimitServer.GetPolicy)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nextlimit/v1/ratelimit.proto",
}

// RateLimitClient calls nextlimit.v1.RateLimit over an established connection.
type RateLimitClient struct {
	cc grpc.ClientConnInterface
}

// NewRateLimitClient wraps cc.
func NewRateLimitClient(cc grpc.ClientConnInterface) *RateLimitClient {
	return &RateLimitClient{cc: cc}
}

func (c *RateLimitClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RateLimitClient) Check(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RateLimitCheckMethod, in, opts...)
}

func (c *RateLimitClient) Reset(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RateLimitResetMethod, in, opts...)
}

func (c *RateLimitClient) SetPolicy(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RateLimitSetPolicyMethod, in, opts...)
}

func (c *RateLimitClient) GetPolicy(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RateLimitGetPolicyMethod, in, opts...)
}

// RateLimitServiceImpl implements the RateLimit service
type RateLimitServiceImpl struct {
	rateLimitService *service.RateLimitService
}

type identifierRequest struct {
	Policy     string `json:"policy"`
	Identifier string `json:"identifier"`
}

type policyRequest struct {
	Name   string               `json:"name"`
	Config service.PolicyConfig `json:"config"`
}

// Check verifies if a request is allowed under the named policy
func (rs *RateLimitServiceImpl) Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in identifierRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, err
	}
	if in.Policy == "" {
		in.Policy = service.DefaultPolicy
	}

	res, err := rs.rateLimitService.Check(ctx, in.Policy, in.Identifier)
	if err != nil {
		return nil, grpcError(err)
	}

	return encodeStruct(struct {
		limiter.Result
		Policy string `json:"policy"`
	}{res, in.Policy})
}

// Reset clears an identifier's state under the named policy
func (rs *RateLimitServiceImpl) Reset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in identifierRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, err
	}

	if err := rs.rateLimitService.Reset(ctx, in.Policy, in.Identifier); err != nil {
		return nil, grpcError(err)
	}

	return encodeStruct(map[string]string{
		"message":    "rate limit reset",
		"policy":     in.Policy,
		"identifier": in.Identifier,
	})
}

// SetPolicy configures a new policy or replaces an existing one
func (rs *RateLimitServiceImpl) SetPolicy(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in policyRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, err
	}

	st, err := rs.rateLimitService.SetPolicy(ctx, in.Name, &in.Config)
	if err != nil {
		return nil, grpcError(err)
	}

	return encodeStruct(st)
}

// GetPolicy retrieves a policy with its metadata
func (rs *RateLimitServiceImpl) GetPolicy(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in policyRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, err
	}

	st, err := rs.rateLimitService.GetPolicy(ctx, in.Name)
	if err != nil {
		return nil, grpcError(err)
	}

	return encodeStruct(st)
}

// grpcError maps service and storage errors onto gRPC status codes
func grpcError(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, service.ErrInvalidPolicy), errors.Is(err, limiter.ErrInvalidConfig):
		code = codes.InvalidArgument
	case errors.Is(err, service.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, storage.ErrStorageUnavailable),
		errors.Is(err, storage.ErrStorageTimeout),
		errors.Is(err, storage.ErrStorageClosed):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func decodeStruct(in *structpb.Struct, dst any) error {
	payload, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(payload, out); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return out, nil
}
