package remote

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tunjid/heron-sub003/internal/models"
)

// Remote errors returned by backends.
var (
	// ErrAlreadyApplied reports a resubmitted mutation. Clients treat it as an ack.
	ErrAlreadyApplied = errors.New("mutation already applied")
	ErrUnavailable    = errors.New("remote unavailable")
	ErrInvalidToken   = errors.New("invalid continuation token")
)

// fromStatus maps a gRPC error to the sync error taxonomy.
func fromStatus(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return models.NewSyncError(models.ErrorKindTimeout, op, ctxErr)
		}
		return ctxErr
	}

	st, ok := status.FromError(err)
	if !ok {
		return models.Transient(op, err)
	}

	switch st.Code() {
	case codes.AlreadyExists:
		return ErrAlreadyApplied
	case codes.DeadlineExceeded:
		return models.NewSyncError(models.ErrorKindTimeout, op, err)
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated,
		codes.FailedPrecondition, codes.NotFound, codes.OutOfRange:
		return models.Rejected(op, err)
	case codes.Canceled:
		return models.Transient(op, context.Canceled)
	default:
		// Unavailable, ResourceExhausted, Aborted, Internal and Unknown are
		// all worth another attempt.
		return models.Transient(op, err)
	}
}

// toStatus maps a backend error to a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrAlreadyApplied):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ErrInvalidToken):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}

	var validation *models.ValidationErrors
	if errors.As(err, &validation) {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	switch models.KindOf(err) {
	case models.ErrorKindRemoteRejected:
		return status.Error(codes.FailedPrecondition, err.Error())
	case models.ErrorKindTimeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}
