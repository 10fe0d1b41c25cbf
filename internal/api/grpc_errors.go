package api

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/georeference/core"
	"github.com/signalsfoundry/georeference/internal/sim"
	"github.com/signalsfoundry/georeference/kb"
)

var (
	// ErrInvalidRequest is returned for malformed request fields.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrOriginLocked is returned when an origin change is refused because
	// a sub-level holds the origin.
	ErrOriginLocked = errors.New("origin is locked while inside a sub-level")
)

// ToStatusError maps engine and request errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, sim.ErrSubLevelIndex),
		errors.Is(err, core.ErrSubLevelNotFound),
		errors.Is(err, kb.ErrObjectNotFound),
		errors.Is(err, kb.ErrStaleHandle):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, core.ErrInvalidSubLevel),
		errors.Is(err, kb.ErrInvalidObject):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, ErrOriginLocked):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, core.ErrNoCartographic),
		errors.Is(err, core.ErrDegenerateFrame),
		errors.Is(err, core.ErrSingularMatrix):
		return status.Error(codes.OutOfRange, err.Error())

	case errors.Is(err, core.ErrSubLevelExists),
		errors.Is(err, kb.ErrObjectExists):
		return status.Error(codes.AlreadyExists, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
