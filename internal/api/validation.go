package api

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/georeference/core"
	"github.com/signalsfoundry/georeference/internal/sim"
	"github.com/signalsfoundry/georeference/model"
)

// Transform operations accepted in the "op" field.
const (
	OpLLHToECEF          = "llh_to_ecef"
	OpECEFToLLH          = "ecef_to_llh"
	OpLLHToEngine        = "llh_to_engine"
	OpEngineToLLH        = "engine_to_llh"
	OpECEFToEngine       = "ecef_to_engine"
	OpEngineToECEF       = "engine_to_ecef"
	OpEngineToENURotator = "engine_to_enu_rotator"
	OpENUToEngineRotator = "enu_to_engine_rotator"
)

// TransformRequest is the decoded form of a Transform call.
type TransformRequest struct {
	Op      string
	Point   [3]float64
	Rotator core.Rotator
}

func requiredNumber(in *structpb.Struct, key string) (float64, error) {
	v, ok := in.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidRequest, key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidRequest, key)
	}
	if math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
		return 0, fmt.Errorf("%w: %s must be finite", ErrInvalidRequest, key)
	}
	return n.NumberValue, nil
}

func optionalNumber(in *structpb.Struct, key string, def float64) (float64, error) {
	if _, ok := in.GetFields()[key]; !ok {
		return def, nil
	}
	return requiredNumber(in, key)
}

func triple(in *structpb.Struct, key string) ([3]float64, error) {
	var out [3]float64
	v, ok := in.GetFields()[key]
	if !ok {
		return out, fmt.Errorf("%w: %s is required", ErrInvalidRequest, key)
	}
	list := v.GetListValue()
	if list == nil || len(list.GetValues()) != 3 {
		return out, fmt.Errorf("%w: %s must be a list of three numbers", ErrInvalidRequest, key)
	}
	for i, item := range list.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return out, fmt.Errorf("%w: %s[%d] must be a number", ErrInvalidRequest, key, i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}

// DecodeOrigin reads a SetOrigin request: longitude and latitude in degrees
// are required, height in metres defaults to zero and placement is optional.
func DecodeOrigin(in *structpb.Struct) (core.LLH, *model.OriginPlacement, error) {
	if in == nil {
		return core.LLH{}, nil, fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}
	lon, err := requiredNumber(in, "longitude")
	if err != nil {
		return core.LLH{}, nil, err
	}
	lat, err := requiredNumber(in, "latitude")
	if err != nil {
		return core.LLH{}, nil, err
	}
	height, err := optionalNumber(in, "height", 0)
	if err != nil {
		return core.LLH{}, nil, err
	}
	if lon < -180 || lon > 180 {
		return core.LLH{}, nil, fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrInvalidRequest, lon)
	}
	if lat < -90 || lat > 90 {
		return core.LLH{}, nil, fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrInvalidRequest, lat)
	}

	var placement *model.OriginPlacement
	if v, ok := in.GetFields()["placement"]; ok {
		p, err := model.ParseOriginPlacement(v.GetStringValue())
		if err != nil {
			return core.LLH{}, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		placement = &p
	}
	return core.LLH{Longitude: lon, Latitude: lat, Height: height}, placement, nil
}

// DecodeTransform reads a Transform request.
func DecodeTransform(in *structpb.Struct) (TransformRequest, error) {
	if in == nil {
		return TransformRequest{}, fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}
	req := TransformRequest{Op: in.GetFields()["op"].GetStringValue()}
	switch req.Op {
	case OpLLHToECEF, OpECEFToLLH, OpLLHToEngine, OpEngineToLLH, OpECEFToEngine, OpEngineToECEF:
	case OpEngineToENURotator, OpENUToEngineRotator:
		r, err := triple(in, "rotator")
		if err != nil {
			return TransformRequest{}, err
		}
		req.Rotator = core.Rotator{Pitch: r[0], Yaw: r[1], Roll: r[2]}
	case "":
		return TransformRequest{}, fmt.Errorf("%w: op is required", ErrInvalidRequest)
	default:
		return TransformRequest{}, fmt.Errorf("%w: unknown op %q", ErrInvalidRequest, req.Op)
	}

	p, err := triple(in, "point")
	if err != nil {
		return TransformRequest{}, err
	}
	req.Point = p
	return req, nil
}

// DecodeSubLevelRef reads either a string "name" or an integer "index".
// When name is returned non-empty the index is unused.
func DecodeSubLevelRef(in *structpb.Struct) (name string, index int, err error) {
	if v, ok := in.GetFields()["name"]; ok {
		s, isString := v.GetKind().(*structpb.Value_StringValue)
		if !isString || s.StringValue == "" {
			return "", 0, fmt.Errorf("%w: name must be a non-empty string", ErrInvalidRequest)
		}
		return s.StringValue, 0, nil
	}
	index, err = DecodeIndex(in)
	return "", index, err
}

// DecodeIndex reads the integer "index" field.
func DecodeIndex(in *structpb.Struct) (int, error) {
	if in == nil {
		return 0, fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}
	v, err := requiredNumber(in, "index")
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: index must be an integer", ErrInvalidRequest)
	}
	return int(v), nil
}

func originStruct(snap sim.Snapshot) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"placement":       snap.Origin.Placement.String(),
		"longitude":       snap.Origin.Longitude,
		"latitude":        snap.Origin.Latitude,
		"height":          snap.Origin.Height,
		"state":           snap.State.String(),
		"inside_sublevel": snap.InsideSublevel,
		"active_sublevel": snap.ActiveSubLevel,
		"floating_origin": intVectorList(snap.FloatingOrigin),
		"ticks":           float64(snap.Ticks),
		"session_id":      snap.ID,
	})
}

func subLevelsStruct(levels []sim.SubLevelStatus, active string) (*structpb.Struct, error) {
	items := make([]any, 0, len(levels))
	for _, l := range levels {
		items = append(items, map[string]any{
			"index":         float64(l.Index),
			"name":          l.Name,
			"longitude":     l.Longitude,
			"latitude":      l.Latitude,
			"height":        l.Height,
			"load_radius_m": l.LoadRadius,
			"streaming":     l.Streaming,
			"loaded":        l.Loaded,
		})
	}
	return structpb.NewStruct(map[string]any{
		"sublevels": items,
		"active":    active,
	})
}

func intVectorList(v core.IntVector) []any {
	return []any{float64(v.X), float64(v.Y), float64(v.Z)}
}

func pointList(x, y, z float64) []any {
	return []any{x, y, z}
}
