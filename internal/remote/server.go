package remote

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName     = "feedsync.v1.Remote"
	fetchPageMethod = "/" + serviceName + "/FetchPage"
	submitMethod    = "/" + serviceName + "/Submit"
)

// Server exposes a Backend over gRPC.
type Server struct {
	backend Backend
	logger  zerolog.Logger
}

// NewServer wraps backend.
func NewServer(backend Backend, logger zerolog.Logger) *Server {
	return &Server{backend: backend, logger: logger}
}

// Register adds the service to a gRPC server.
func (s *Server) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&serviceDesc, s)
}

// NewGRPCServer returns a gRPC server with the service registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	server := grpc.NewServer(opts...)
	s.Register(server)
	return server
}

func (s *Server) fetchPage(ctx context.Context, req *FetchPageRequest) (*FetchPageResponse, error) {
	q := req.query()
	if err := q.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	start := time.Now()
	items, next, err := s.backend.FetchPage(ctx, q, req.Token)
	if err != nil {
		s.logger.Debug().Err(err).Str("query", q.String()).Msg("fetch page failed")
		return nil, toStatus(err)
	}

	s.logger.Debug().
		Str("query", q.String()).
		Int("items", len(items)).
		Bool("last", next == "").
		Dur("elapsed", time.Since(start)).
		Msg("served page")
	return &FetchPageResponse{Items: items, NextToken: next}, nil
}

func (s *Server) submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	m, err := req.mutation()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if m.DedupKey() != req.Key {
		return nil, status.Errorf(codes.InvalidArgument, "key %q does not match mutation key %q", req.Key, m.DedupKey())
	}
	if err := m.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	receipt, err := s.backend.Submit(ctx, m)
	if err != nil {
		s.logger.Debug().Err(err).Str("key", string(req.Key)).Msg("submit failed")
		return nil, toStatus(err)
	}

	s.logger.Debug().Str("key", string(req.Key)).Bool("duplicate", receipt.Duplicate).Msg("applied mutation")
	return &SubmitResponse{Receipt: receipt}, nil
}

// remoteService is the handler type checked by grpc.RegisterService.
type remoteService interface {
	fetchPage(context.Context, *FetchPageRequest) (*FetchPageResponse, error)
	submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*remoteService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchPage", Handler: fetchPageHandler},
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "feedsync/v1/remote",
}

func fetchPageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(FetchPageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	svc := srv.(remoteService)
	if interceptor == nil {
		return svc.fetchPage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchPageMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return svc.fetchPage(ctx, req.(*FetchPageRequest))
	})
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	svc := srv.(remoteService)
	if interceptor == nil {
		return svc.submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return svc.submit(ctx, req.(*SubmitRequest))
	})
}
