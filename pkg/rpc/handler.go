package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Handler builds a grpc.MethodHandler from a plain typed function,
// replacing the per-method boilerplate protoc-gen-go-grpc would
// otherwise generate. fn's error is translated through ToStatus so
// callers always get back a wire-stable apierr.Code.
func Handler[Req any, Resp any](fn func(context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			out, err := fn(ctx, in)
			return out, ToStatus(err)
		}
		method, _ := grpc.Method(ctx)
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		wrapped := func(ctx context.Context, req any) (any, error) {
			out, err := fn(ctx, req.(*Req))
			return out, ToStatus(err)
		}
		return interceptor(ctx, in, info, wrapped)
	}
}

// Call invokes a unary RPC registered via Handler, using the JSON codec.
func Call[Req any, Resp any](ctx context.Context, cc grpc.ClientConnInterface, fullMethod string, req *Req, opts ...grpc.CallOption) (*Resp, error) {
	resp := new(Resp)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := cc.Invoke(ctx, fullMethod, req, resp, opts...); err != nil {
		return nil, FromStatus(err)
	}
	return resp, nil
}
