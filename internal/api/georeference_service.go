// Package api exposes a running simulation session over gRPC.
package api

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/georeference/core"
	"github.com/signalsfoundry/georeference/internal/logging"
	"github.com/signalsfoundry/georeference/internal/sim"
)

// GeoreferenceService implements GeoreferenceServer on top of a sim.Session.
type GeoreferenceService struct {
	session *sim.Session
	log     logging.Logger
}

var _ GeoreferenceServer = (*GeoreferenceService)(nil)

// NewGeoreferenceService wires the service to a session.
func NewGeoreferenceService(session *sim.Session, log logging.Logger) *GeoreferenceService {
	if log == nil {
		log = logging.Noop()
	}
	return &GeoreferenceService{session: session, log: log}
}

func (s *GeoreferenceService) ensureReady() error {
	if s == nil || s.session == nil {
		return status.Error(codes.FailedPrecondition, "georeference service is not initialised")
	}
	return nil
}

func (s *GeoreferenceService) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

// GetOrigin returns placement, longitude, latitude, height, state,
// inside_sublevel, active_sublevel, floating_origin, ticks and session_id.
func (s *GeoreferenceService) GetOrigin(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	out, err := originStruct(s.session.Snapshot())
	return out, ToStatusError(err)
}

// SetOrigin takes longitude, latitude, an optional height and an optional
// placement. It fails with FailedPrecondition while a sub-level holds the
// origin.
func (s *GeoreferenceService) SetOrigin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	llh, placement, err := DecodeOrigin(in)
	if err != nil {
		return nil, ToStatusError(err)
	}

	var applied bool
	if placement != nil {
		applied = s.session.SetOriginWithPlacement(ctx, *placement, llh)
	} else {
		applied = s.session.SetOrigin(ctx, llh)
	}
	if !applied {
		return nil, ToStatusError(ErrOriginLocked)
	}
	s.logger(ctx).Info(ctx, "origin set",
		logging.Float64("longitude", llh.Longitude),
		logging.Float64("latitude", llh.Latitude),
		logging.Float64("height", llh.Height),
	)

	out, err := originStruct(s.session.Snapshot())
	return out, ToStatusError(err)
}

// Transform converts "point" according to "op". Rotator ops also take a
// "rotator" of pitch, yaw and roll in degrees and return a "rotator". Engine
// coordinates are relative to the host's current floating origin.
func (s *GeoreferenceService) Transform(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	req, err := DecodeTransform(in)
	if err != nil {
		return nil, ToStatusError(err)
	}

	_, span := startTransformSpan(ctx, req.Op)
	defer span.End()

	var fields map[string]any
	err = s.session.View(func(g *core.Georeference, floating core.IntVector) error {
		var err error
		fields, err = applyTransform(g, floating, req)
		if err == nil {
			fields["floating_origin"] = intVectorList(floating)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("georef.transform.ok", false))
		return nil, ToStatusError(err)
	}
	span.SetAttributes(attribute.Bool("georef.transform.ok", true))

	out, err := structpb.NewStruct(fields)
	return out, ToStatusError(err)
}

func applyTransform(g *core.Georeference, floating core.IntVector, req TransformRequest) (map[string]any, error) {
	p := r3.Vec{X: req.Point[0], Y: req.Point[1], Z: req.Point[2]}
	llhIn := core.LLH{Longitude: req.Point[0], Latitude: req.Point[1], Height: req.Point[2]}

	vec := func(v r3.Vec) map[string]any {
		return map[string]any{"point": pointList(v.X, v.Y, v.Z)}
	}
	geo := func(llh core.LLH, ok bool) (map[string]any, error) {
		if !ok {
			return nil, fmt.Errorf("%w: %s of (%g, %g, %g)", core.ErrNoCartographic, req.Op, p.X, p.Y, p.Z)
		}
		return map[string]any{"point": pointList(llh.Longitude, llh.Latitude, llh.Height)}, nil
	}
	rot := func(r core.Rotator, err error) (map[string]any, error) {
		if err != nil {
			return nil, err
		}
		return map[string]any{"rotator": pointList(r.Pitch, r.Yaw, r.Roll)}, nil
	}

	switch req.Op {
	case OpLLHToECEF:
		return vec(g.TransformLongitudeLatitudeHeightToEcef(llhIn)), nil
	case OpECEFToLLH:
		return geo(g.TransformEcefToLongitudeLatitudeHeight(p))
	case OpLLHToEngine:
		return vec(g.TransformLongitudeLatitudeHeightToEngine(llhIn, floating)), nil
	case OpEngineToLLH:
		return geo(g.TransformEngineToLongitudeLatitudeHeight(p, floating))
	case OpECEFToEngine:
		return vec(g.TransformEcefToEngine(p, floating)), nil
	case OpEngineToECEF:
		return vec(g.TransformEngineToEcef(p, floating)), nil
	case OpEngineToENURotator:
		return rot(g.TransformRotatorEngineToEnu(req.Rotator, p, floating))
	case OpENUToEngineRotator:
		return rot(g.TransformRotatorEnuToEngine(req.Rotator, p, floating))
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidRequest, req.Op)
	}
}

// ListSubLevels returns "sublevels" in registration order and the "active"
// sub-level name, empty when none holds the origin.
func (s *GeoreferenceService) ListSubLevels(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	levels := s.session.SubLevels()
	out, err := subLevelsStruct(levels, s.session.Snapshot().ActiveSubLevel)
	return out, ToStatusError(err)
}

// JumpToSubLevel moves the origin to the sub-level named by "name" or at
// "index", subject to the same lock as SetOrigin.
func (s *GeoreferenceService) JumpToSubLevel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	name, index, err := DecodeSubLevelRef(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	var ok bool
	if name != "" {
		ok, err = s.session.JumpToSubLevelNamed(name)
	} else {
		ok, err = s.session.JumpToSubLevel(index)
	}
	if err != nil {
		return nil, ToStatusError(err)
	}
	if !ok {
		return nil, ToStatusError(ErrOriginLocked)
	}
	if name != "" {
		s.logger(ctx).Info(ctx, "origin moved to sub-level", logging.String("sublevel", name))
	} else {
		s.logger(ctx).Info(ctx, "origin moved to sub-level", logging.Int("index", index))
	}

	out, err := originStruct(s.session.Snapshot())
	return out, ToStatusError(err)
}
