package main

import (
	"context"
	"strings"
	"time"

	"payflow/internal/observability"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type waiter interface {
	Wait(ctx context.Context) error
}

// callGuard throttles incoming gRPC calls and records them in metrics.
// Health and reflection traffic is throttled but never recorded.
type callGuard struct {
	limiter waiter
	metrics *observability.Metrics
	log     logr.Logger
}

func newCallGuard(limiter waiter, metrics *observability.Metrics, log logr.Logger) *callGuard {
	return &callGuard{limiter: limiter, metrics: metrics, log: log}
}

func (g *callGuard) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

// track starts a span for method and returns the function that closes it.
func (g *callGuard) track(method string) func(error) {
	if !tracked(method) {
		return func(error) {}
	}
	began := time.Now()
	span := g.metrics.Start(method)
	return func(err error) {
		span.End(err)
		if err == nil {
			return
		}
		code := status.Code(err)
		level := 1
		if code == codes.Internal || code == codes.Unknown || code == codes.Unavailable {
			level = 0
		}
		g.log.V(level).Info("grpc call failed", "method", method, "code", code.String(), "elapsed", time.Since(began), "error", err.Error())
	}
}

func (g *callGuard) unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		done := g.track(info.FullMethod)
		defer func() { done(err) }()
		if err = g.wait(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (g *callGuard) stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		done := g.track(info.FullMethod)
		defer func() { done(err) }()
		if g.limiter != nil {
			ss = &throttledStream{ServerStream: ss, guard: g}
		}
		return handler(srv, ss)
	}
}

// throttledStream waits on the limiter before every received message.
type throttledStream struct {
	grpc.ServerStream
	guard *callGuard
}

func (s *throttledStream) RecvMsg(m any) error {
	if err := s.guard.wait(s.Context()); err != nil {
		return err
	}
	return s.ServerStream.RecvMsg(m)
}

func tracked(method string) bool {
	if method == "" {
		return false
	}
	for _, prefix := range []string{"/grpc.reflection.", "/grpc.health."} {
		if strings.HasPrefix(method, prefix) {
			return false
		}
	}
	return true
}
