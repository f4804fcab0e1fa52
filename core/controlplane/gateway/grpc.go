package gateway

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cordum/cordum-authz/core/authz"
	"github.com/cordum/cordum-authz/core/infra/logging"
)

// AuthorizerService is the gRPC service name. Messages are google.protobuf.Struct.
const AuthorizerService = "authz.gateway.v1.Authorizer"

const (
	envGRPCTLSCert = "GRPC_TLS_CERT"
	envGRPCTLSKey  = "GRPC_TLS_KEY"
	mdRequestID    = "x-request-id"
)

type authorizerServer interface {
	Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	FlushCache(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func unaryStruct(call func(authorizerServer, context.Context, *structpb.Struct) (*structpb.Struct, error), fullMethod string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(authorizerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(authorizerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AuthorizerServiceDesc describes the Authorizer service for grpc.Server.RegisterService.
var AuthorizerServiceDesc = grpc.ServiceDesc{
	ServiceName: AuthorizerService,
	HandlerType: (*authorizerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Authorize",
			Handler: unaryStruct(func(s authorizerServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.Authorize(ctx, in)
			}, "/"+AuthorizerService+"/Authorize"),
		},
		{
			MethodName: "FlushCache",
			Handler: unaryStruct(func(s authorizerServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.FlushCache(ctx, in)
			}, "/"+AuthorizerService+"/FlushCache"),
		},
	},
}

// grpcAuthorizer serves the Authorizer service on top of the gateway.
type grpcAuthorizer struct {
	s *Server
}

func (a *grpcAuthorizer) Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	action := strings.TrimSpace(stringField(fields, "action"))
	res, _ := fields["resource"].(map[string]any)
	resource := authz.Resource{
		Kind:          strings.TrimSpace(stringField(res, "kind")),
		ID:            stringField(res, "id"),
		PolicyVersion: stringField(res, "policy_version"),
		Scope:         stringField(res, "scope"),
	}
	if attr, ok := res["attr"].(map[string]any); ok {
		resource.Attr = attr
	}
	if action == "" || resource.Kind == "" {
		return nil, status.Error(codes.InvalidArgument, "resource.kind and action are required")
	}

	ctx = withGRPCRequestID(ctx)
	principal := a.s.resolver.Resolve(authz.MetadataFromGRPC(ctx))
	allowed := a.s.gw.Check(ctx, principal, resource, action)
	return structpb.NewStruct(map[string]any{
		"allowed":      allowed,
		"request_id":   authz.RequestIDFromContext(ctx),
		"principal_id": principal.ID,
		"assurance":    principal.Assurance(),
	})
}

func (a *grpcAuthorizer) FlushCache(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ctx = withGRPCRequestID(ctx)
	principal := a.s.resolver.Resolve(authz.MetadataFromGRPC(ctx))
	n, err := a.s.gw.FlushCacheAs(ctx, principal)
	if err != nil {
		if authz.IsPermissionDenied(err) {
			return nil, status.Error(codes.PermissionDenied, err.Error())
		}
		return nil, status.Error(codes.Internal, "cache flush failed")
	}
	return structpb.NewStruct(map[string]any{"deleted": n})
}

func withGRPCRequestID(ctx context.Context) context.Context {
	id := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(mdRequestID); len(vals) > 0 {
			id = strings.TrimSpace(vals[0])
		}
	}
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	return authz.WithRequestID(ctx, id)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// RegisterGRPC attaches the Authorizer service to srv.
func (s *Server) RegisterGRPC(srv *grpc.Server) {
	srv.RegisterService(&AuthorizerServiceDesc, &grpcAuthorizer{s: s})
}

// NewGRPCServer builds a grpc.Server with TLS from GRPC_TLS_CERT/GRPC_TLS_KEY when both are set.
func (s *Server) NewGRPCServer() (*grpc.Server, error) {
	var opts []grpc.ServerOption
	certFile := os.Getenv(envGRPCTLSCert)
	keyFile := os.Getenv(envGRPCTLSKey)
	if certFile != "" && keyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load grpc tls: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		logging.Info("authz-gateway", "grpc tls enabled")
	}
	srv := grpc.NewServer(opts...)
	s.RegisterGRPC(srv)
	return srv, nil
}

// ServeGRPC listens on addr until ctx is cancelled.
func (s *Server) ServeGRPC(ctx context.Context, addr string) error {
	srv, err := s.NewGRPCServer()
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	logging.Info("authz-gateway", "grpc listening", "addr", addr)
	if err := srv.Serve(lis); err != nil && ctx.Err() == nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}
