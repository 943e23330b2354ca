package approval

// ============================================================================
// gRPC approval surface
// procjournal.approval.v1.ApprovalService/{Create,Get,Decide,List}
// Messages are google.protobuf.Struct values holding the same JSON documents as
// the HTTP surface, so no generated code is needed.
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/procjournal/internal/breakpoint"
)

const grpcServiceName = "procjournal.approval.v1.ApprovalService"

// ApprovalServiceServer is the server API of the gRPC surface.
type ApprovalServiceServer interface {
	Create(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	List(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/" + method}
		return interceptor(ctx, in, info, handler)
	}
}

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unaryHandler("Create", ApprovalServiceServer.Create)},
		{MethodName: "Get", Handler: unaryHandler("Get", ApprovalServiceServer.Get)},
		{MethodName: "Decide", Handler: unaryHandler("Decide", ApprovalServiceServer.Decide)},
		{MethodName: "List", Handler: unaryHandler("List", ApprovalServiceServer.List)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "procjournal/approval/v1/approval.proto",
}

// RegisterGRPC registers svc on s.
func RegisterGRPC(s *grpc.Server, svc breakpoint.Service) {
	s.RegisterService(&approvalServiceDesc, &GRPCServer{service: svc})
}

type idRequest struct {
	ID string `json:"id"`
}

type decideRequest struct {
	ID string `json:"id"`
	breakpoint.Decision
}

type listRequest struct {
	Status breakpoint.Status `json:"status,omitempty"`
}

type listResponse struct {
	Approvals []*breakpoint.Approval `json:"approvals"`
}

// GRPCServer adapts a breakpoint.Service to ApprovalServiceServer.
type GRPCServer struct {
	service breakpoint.Service
}

func (s *GRPCServer) Create(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req breakpoint.CreateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.EffectID == "" {
		return nil, status.Error(codes.InvalidArgument, "effectId is required")
	}
	a, err := s.service.Create(ctx, req)
	return reply(a, err)
}

func (s *GRPCServer) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	a, err := s.service.Get(ctx, req.ID)
	return reply(a, err)
}

func (s *GRPCServer) Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req decideRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	a, err := s.service.Decide(ctx, req.ID, req.Decision)
	return reply(a, err)
}

func (s *GRPCServer) List(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	l, ok := s.service.(breakpoint.Lister)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "listing not supported")
	}
	var req listRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	list, err := l.List(ctx, req.Status)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(listResponse{Approvals: list})
}

func reply(a *breakpoint.Approval, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(a)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, breakpoint.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, breakpoint.ErrAlreadyDecided):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func fromStatus(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return breakpoint.ErrNotFound
	case codes.FailedPrecondition:
		return breakpoint.ErrAlreadyDecided
	}
	return err
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

// GRPCClient satisfies breakpoint.Service over a gRPC connection.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

// NewGRPCClient creates a client on conn.
func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

func (c *GRPCClient) invoke(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+grpcServiceName+"/"+method, req, resp); err != nil {
		return fromStatus(err)
	}
	if err := fromStruct(resp, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *GRPCClient) Create(ctx context.Context, req breakpoint.CreateRequest) (*breakpoint.Approval, error) {
	var a breakpoint.Approval
	if err := c.invoke(ctx, "Create", req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *GRPCClient) Get(ctx context.Context, id string) (*breakpoint.Approval, error) {
	var a breakpoint.Approval
	if err := c.invoke(ctx, "Get", idRequest{ID: id}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *GRPCClient) Decide(ctx context.Context, id string, d breakpoint.Decision) (*breakpoint.Approval, error) {
	var a breakpoint.Approval
	if err := c.invoke(ctx, "Decide", decideRequest{ID: id, Decision: d}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *GRPCClient) List(ctx context.Context, st breakpoint.Status) ([]*breakpoint.Approval, error) {
	var out listResponse
	if err := c.invoke(ctx, "List", listRequest{Status: st}, &out); err != nil {
		return nil, err
	}
	return out.Approvals, nil
}
