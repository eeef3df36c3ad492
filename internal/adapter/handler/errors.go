package handler

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/storefront/internal/core/domain"
)

// errorKind is the stable, transport-independent name of a failure.
type errorKind struct {
	code      string
	http      int
	grpc      codes.Code
	exposeMsg bool
}

func classify(err error) errorKind {
	var (
		notFound     *domain.NotFoundError
		insufficient *domain.InsufficientStockError
		release      *domain.InvalidReleaseError
		transition   *domain.InvalidTransitionError
		validation   *domain.StockValidationError
		exhausted    *domain.ConcurrencyExhaustedError
	)

	switch {
	case errors.As(err, &notFound):
		return errorKind{"not_found", http.StatusNotFound, codes.NotFound, true}
	case errors.As(err, &insufficient):
		return errorKind{"insufficient_stock", http.StatusConflict, codes.FailedPrecondition, true}
	case errors.As(err, &release):
		return errorKind{"invalid_release", http.StatusConflict, codes.FailedPrecondition, true}
	case errors.As(err, &transition):
		return errorKind{"invalid_transition", http.StatusConflict, codes.FailedPrecondition, true}
	case errors.As(err, &validation):
		return errorKind{"stock_validation_failed", http.StatusConflict, codes.FailedPrecondition, true}
	case errors.As(err, &exhausted):
		return errorKind{"concurrency_exhausted", http.StatusServiceUnavailable, codes.Aborted, true}
	case errors.Is(err, domain.ErrEmptyCart):
		return errorKind{"empty_cart", http.StatusUnprocessableEntity, codes.FailedPrecondition, true}
	case errors.Is(err, domain.ErrItemUnavailable):
		return errorKind{"item_unavailable", http.StatusUnprocessableEntity, codes.FailedPrecondition, true}
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidStatus):
		return errorKind{"invalid_request", http.StatusBadRequest, codes.InvalidArgument, true}
	case errors.Is(err, domain.ErrDuplicateRequest):
		return errorKind{"duplicate_request", http.StatusConflict, codes.AlreadyExists, true}
	case errors.Is(err, domain.ErrForbidden):
		return errorKind{"forbidden", http.StatusForbidden, codes.PermissionDenied, true}
	case errors.Is(err, context.DeadlineExceeded):
		return errorKind{"timeout", http.StatusGatewayTimeout, codes.DeadlineExceeded, false}
	case errors.Is(err, context.Canceled):
		return errorKind{"cancelled", 499, codes.Canceled, false}
	}
	return errorKind{"internal", http.StatusInternalServerError, codes.Internal, false}
}

func (k errorKind) message(err error) string {
	if k.exposeMsg {
		return err.Error()
	}
	return "internal error"
}

// toStatus converts a service error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	kind := classify(err)
	return status.Error(kind.grpc, kind.message(err))
}
