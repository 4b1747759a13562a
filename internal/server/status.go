package server

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/query"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps engine failures to gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, query.ErrHistoryUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, core.ErrUnknownPool), errors.Is(err, core.ErrUnknownStrategy):
		return status.Error(codes.NotFound, err.Error())
	}

	switch core.KindOf(err) {
	case core.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case core.KindTransfer:
		return status.Error(codes.FailedPrecondition, err.Error())
	case core.KindAccess:
		return status.Error(codes.PermissionDenied, err.Error())
	case core.KindReentrant:
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
