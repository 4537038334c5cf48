package remote

import (
	"errors"
	"fmt"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/parcel"
	"github.com/danmuck/hwbinder/internal/protocol/wire"
)

// StatusError is a failure reported by the peer. It unwraps to the
// matching binder sentinel so callers can use errors.Is.
type StatusError struct {
	Status  wire.Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: peer status %s", e.Status)
	}
	return fmt.Sprintf("remote: peer status %s: %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() []error {
	switch e.Status {
	case wire.StatusStaleHandle:
		return []error{binder.ErrStaleHandle}
	case wire.StatusNotFound:
		return []error{binder.ErrServiceNotFound}
	case wire.StatusDenied:
		return []error{binder.ErrRegistrationDenied}
	case wire.StatusUnavailable:
		return []error{binder.ErrTransportUnavailable}
	case wire.StatusShuttingDown:
		return []error{binder.ErrShuttingDown}
	case wire.StatusHandlerError:
		return []error{binder.ErrTransport, binder.ErrHandlerFailed}
	case wire.StatusDeadObject:
		return []error{binder.ErrDeadObject}
	case wire.StatusBadParcel:
		return []error{parcel.ErrParcelOverflow}
	default:
		return []error{binder.ErrTransport}
	}
}

func statusError(status wire.Status, msg string) error {
	if status == wire.StatusOK {
		return nil
	}
	return &StatusError{Status: status, Message: msg}
}

// statusOf maps a local error onto the wire status sent to the peer.
func statusOf(err error) (wire.Status, string) {
	switch {
	case err == nil:
		return wire.StatusOK, ""
	case errors.Is(err, binder.ErrStaleHandle):
		return wire.StatusStaleHandle, err.Error()
	case errors.Is(err, binder.ErrServiceNotFound):
		return wire.StatusNotFound, err.Error()
	case errors.Is(err, binder.ErrRegistrationDenied):
		return wire.StatusDenied, err.Error()
	case errors.Is(err, binder.ErrTransportUnavailable):
		return wire.StatusUnavailable, err.Error()
	case errors.Is(err, binder.ErrShuttingDown):
		return wire.StatusShuttingDown, err.Error()
	case errors.Is(err, binder.ErrHandlerFailed):
		return wire.StatusHandlerError, err.Error()
	case errors.Is(err, binder.ErrDeadObject):
		return wire.StatusDeadObject, err.Error()
	case errors.Is(err, parcel.ErrParcelOverflow), errors.Is(err, parcel.ErrParcelUnderflow):
		return wire.StatusBadParcel, err.Error()
	default:
		return wire.StatusTransport, err.Error()
	}
}
