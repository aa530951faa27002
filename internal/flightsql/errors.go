package flightsql

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"flydelta/internal/domain"
)

// toStatus maps domain errors to gRPC status errors. Errors that already
// carry a status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		ve *domain.ValidationError
		qe *domain.QueryError
		ce *domain.PoolClosedError
		te *domain.PoolTimeoutError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &qe):
		return status.Error(codes.InvalidArgument, "Query error: "+err.Error())
	case errors.As(err, &ce):
		return status.Error(codes.Unavailable, err.Error())
	case errors.As(err, &te):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func unaryStatus(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			err = toStatus(err)
			logCall(ctx, logger, info.FullMethod, err)
		}
		return resp, err
	}
}

func streamStatus(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		if err != nil {
			err = toStatus(err)
			logCall(ss.Context(), logger, info.FullMethod, err)
		}
		return err
	}
}

func logCall(ctx context.Context, logger *slog.Logger, method string, err error) {
	id, _ := domain.RequestIDFromContext(ctx)
	level := slog.LevelWarn
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Canceled, codes.NotFound:
		level = slog.LevelInfo
	}
	logger.Log(ctx, level, "flight call failed", "method", method, "request_id", id, "code", status.Code(err).String(), "error", err)
}
