package api

import (
	"context"

	"github.com/matheus3301/tarpsync/internal/blobcache"
	"github.com/matheus3301/tarpsync/internal/outbox"
	intsync "github.com/matheus3301/tarpsync/internal/sync"
	"google.golang.org/grpc"
)

// Full method names.
const (
	MethodStatusGet      = "/tarp.v1.Status/Get"
	MethodSyncReconcile  = "/tarp.v1.Sync/Reconcile"
	MethodSyncDrain      = "/tarp.v1.Sync/Drain"
	MethodSyncSetOnline  = "/tarp.v1.Sync/SetOnline"
	MethodOutboxSend     = "/tarp.v1.Outbox/Send"
	MethodCacheStats     = "/tarp.v1.Cache/Stats"
	MethodCacheClear     = "/tarp.v1.Cache/Clear"
	MethodStoreClear     = "/tarp.v1.Store/Clear"
	MethodGroupsList     = "/tarp.v1.Groups/List"
	MethodGroupsMessages = "/tarp.v1.Groups/Messages"
	MethodEventsWatch    = "/tarp.v1.Events/Watch"
)

func unary[Req, Resp any](fullMethod string, fn func(*Service, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*Service)
		if interceptor == nil {
			return fn(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*Req))
		})
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Service).Watch(in, stream)
}

var serviceDescs = []grpc.ServiceDesc{
	{
		ServiceName: "tarp.v1.Status",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Get", Handler: unary(MethodStatusGet, (*Service).Status)},
		},
	},
	{
		ServiceName: "tarp.v1.Sync",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Reconcile", Handler: unary[Empty, intsync.Result](MethodSyncReconcile, (*Service).Reconcile)},
			{MethodName: "Drain", Handler: unary[Empty, outbox.DrainResult](MethodSyncDrain, (*Service).Drain)},
			{MethodName: "SetOnline", Handler: unary(MethodSyncSetOnline, (*Service).SetOnline)},
		},
	},
	{
		ServiceName: "tarp.v1.Outbox",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Send", Handler: unary(MethodOutboxSend, (*Service).Send)},
		},
	},
	{
		ServiceName: "tarp.v1.Cache",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Stats", Handler: unary[Empty, blobcache.Stats](MethodCacheStats, (*Service).CacheStats)},
			{MethodName: "Clear", Handler: unary(MethodCacheClear, (*Service).CacheClear)},
		},
	},
	{
		ServiceName: "tarp.v1.Store",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Clear", Handler: unary(MethodStoreClear, (*Service).StoreClear)},
		},
	},
	{
		ServiceName: "tarp.v1.Groups",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "List", Handler: unary(MethodGroupsList, (*Service).Groups)},
			{MethodName: "Messages", Handler: unary(MethodGroupsMessages, (*Service).Messages)},
		},
	},
	{
		ServiceName: "tarp.v1.Events",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{
			{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
		},
	},
}

var watchStreamDesc = &serviceDescs[len(serviceDescs)-1].Streams[0]

// Register installs every control-plane service on srv.
func Register(srv *grpc.Server, svc *Service) {
	for i := range serviceDescs {
		srv.RegisterService(&serviceDescs[i], svc)
	}
}
