package core

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/signalsfoundry/georeference/internal/logging"
)

// DefaultMaxOriginDistance is the per-axis viewer offset, in engine units,
// beyond which the floating origin is moved.
const DefaultMaxOriginDistance = 10000.0

// IntVector is an integer engine-frame position, used for the host's
// floating origin.
type IntVector struct {
	X, Y, Z int32
}

// Vec converts v to floating point.
func (v IntVector) Vec() r3.Vec {
	return r3.Vec{X: float64(v.X), Y: float64(v.Y), Z: float64(v.Z)}
}

// IsZero reports whether v is the zero vector.
func (v IntVector) IsZero() bool { return v == IntVector{} }

func (v IntVector) String() string {
	return fmt.Sprintf("(%d, %d, %d)", v.X, v.Y, v.Z)
}

// ClampedAdd adds the integer part of f to i, saturating at the int32 range
// instead of wrapping. A NaN f leaves i unchanged.
func ClampedAdd(f float64, i int32) int32 {
	if math.IsNaN(f) {
		return i
	}
	sum := math.Trunc(f) + float64(i)
	switch {
	case sum >= math.MaxInt32:
		return math.MaxInt32
	case sum <= math.MinInt32:
		return math.MinInt32
	default:
		return int32(sum)
	}
}

// RebaseConfig controls the origin rebasing controller.
type RebaseConfig struct {
	// KeepOriginNearViewer enables rebasing at all.
	KeepOriginNearViewer bool
	// MaxDistance is the per-axis engine-unit offset that triggers a rebase.
	MaxDistance float64
	// RebaseInsideSublevels keeps rebasing active while a sub-level holds
	// the origin.
	RebaseInsideSublevels bool
}

// DefaultRebaseConfig returns rebasing enabled with DefaultMaxOriginDistance.
func DefaultRebaseConfig() RebaseConfig {
	return RebaseConfig{
		KeepOriginNearViewer:  true,
		MaxDistance:           DefaultMaxOriginDistance,
		RebaseInsideSublevels: false,
	}
}

// RebaseInput is the per-tick state the rebaser needs from the host.
type RebaseInput struct {
	Interactive    bool
	HasViewer      bool
	Viewer         r3.Vec // engine frame, relative to FloatingOrigin
	FloatingOrigin IntVector
	InsideSublevel bool
}

// OriginRebaser keeps the host's floating origin near the viewer.
type OriginRebaser struct {
	cfg RebaseConfig
	log logging.Logger
}

// NewOriginRebaser constructs a rebaser. A nil logger is replaced by Noop.
func NewOriginRebaser(cfg RebaseConfig, log logging.Logger) *OriginRebaser {
	if log == nil {
		log = logging.Noop()
	}
	return &OriginRebaser{cfg: cfg, log: log}
}

// Config returns the active configuration.
func (r *OriginRebaser) Config() RebaseConfig { return r.cfg }

// SetConfig replaces the configuration.
func (r *OriginRebaser) SetConfig(cfg RebaseConfig) { r.cfg = cfg }

// Update returns the floating origin the host should apply and whether it
// differs from in.FloatingOrigin.
func (r *OriginRebaser) Update(in RebaseInput) (IntVector, bool) {
	if !r.cfg.KeepOriginNearViewer || !in.Interactive || !in.HasViewer {
		return in.FloatingOrigin, false
	}

	if in.InsideSublevel && !r.cfg.RebaseInsideSublevels {
		if in.FloatingOrigin.IsZero() {
			return in.FloatingOrigin, false
		}
		r.log.Debug(context.Background(), "resetting floating origin inside sub-level",
			logging.String("from", in.FloatingOrigin.String()),
		)
		return IntVector{}, true
	}

	if !exceedsPerAxis(in.Viewer, r.cfg.MaxDistance) {
		return in.FloatingOrigin, false
	}

	next := IntVector{
		X: ClampedAdd(in.Viewer.X, in.FloatingOrigin.X),
		Y: ClampedAdd(in.Viewer.Y, in.FloatingOrigin.Y),
		Z: ClampedAdd(in.Viewer.Z, in.FloatingOrigin.Z),
	}
	if next == in.FloatingOrigin {
		return in.FloatingOrigin, false
	}
	r.log.Debug(context.Background(), "rebasing floating origin",
		logging.String("from", in.FloatingOrigin.String()),
		logging.String("to", next.String()),
	)
	return next, true
}

// exceedsPerAxis reports whether any component of v is further than max
// from zero.
func exceedsPerAxis(v r3.Vec, max float64) bool {
	return math.Abs(v.X) > max || math.Abs(v.Y) > max || math.Abs(v.Z) > max
}
