package binder

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/hwbinder/internal/parcel"
)

var (
	ErrStaleHandle          = errors.New("binder: stale handle")
	ErrServiceNotFound      = errors.New("binder: service not found")
	ErrRegistrationDenied   = errors.New("binder: registration denied")
	ErrTransportUnavailable = errors.New("binder: transport unavailable")
	ErrTransport            = errors.New("binder: transport failure")
	ErrShuttingDown         = errors.New("binder: shutting down")
	ErrHandlerFailed        = errors.New("binder: handler failed")
	ErrAlreadyConfigured    = errors.New("binder: thread pool already configured")
	ErrInvalidArgument      = errors.New("binder: invalid argument")

	// ErrDeadObject reports that the remote side of a call went away.
	ErrDeadObject = fmt.Errorf("%w: dead object", ErrTransport)
)

// HandlerFailure wraps a handler error the way callers observe it.
func HandlerFailure(msg string) error {
	return fmt.Errorf("%w: %w: %s", ErrTransport, ErrHandlerFailed, msg)
}

// OutcomeLabel maps a transaction result to a short metrics/status label.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStaleHandle):
		return "stale_handle"
	case errors.Is(err, ErrServiceNotFound):
		return "not_found"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, ErrHandlerFailed):
		return "handler_error"
	case errors.Is(err, ErrDeadObject):
		return "dead_object"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, parcel.ErrParcelOverflow), errors.Is(err, parcel.ErrParcelUnderflow):
		return "bad_parcel"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
