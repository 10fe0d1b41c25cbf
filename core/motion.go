package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidMotion is returned when a viewer motion cannot be built.
var ErrInvalidMotion = errors.New("invalid viewer motion")

// ViewerMotion yields the viewer's ECEF position (metres) at a simulation
// time.
type ViewerMotion interface {
	PositionAt(simTime time.Time) r3.Vec
}

// StaticViewer never moves.
type StaticViewer struct {
	Position r3.Vec
}

// NewStaticViewer places a static viewer at llh.
func NewStaticViewer(llh LLH) *StaticViewer {
	return &StaticViewer{Position: WGS84.CartographicToCartesian(CartographicFromDegrees(llh))}
}

// PositionAt implements ViewerMotion.
func (m *StaticViewer) PositionAt(time.Time) r3.Vec { return m.Position }

// Waypoint is a geodetic position reached Offset after the motion starts.
type Waypoint struct {
	Offset   time.Duration
	Position LLH
}

// WaypointViewer moves linearly in longitude, latitude and height between
// waypoints and holds the first and last positions outside their range.
// Longitudes are not unwrapped across the antimeridian.
type WaypointViewer struct {
	start  time.Time
	points []Waypoint
}

// NewWaypointViewer builds a waypoint motion starting at start. Waypoints
// are sorted by offset.
func NewWaypointViewer(start time.Time, points []Waypoint) (*WaypointViewer, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no waypoints", ErrInvalidMotion)
	}
	sorted := make([]Waypoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	return &WaypointViewer{start: start, points: sorted}, nil
}

// PositionAt implements ViewerMotion.
func (m *WaypointViewer) PositionAt(simTime time.Time) r3.Vec {
	return WGS84.CartographicToCartesian(CartographicFromDegrees(m.llhAt(simTime.Sub(m.start))))
}

func (m *WaypointViewer) llhAt(elapsed time.Duration) LLH {
	first, last := m.points[0], m.points[len(m.points)-1]
	if elapsed <= first.Offset {
		return first.Position
	}
	if elapsed >= last.Offset {
		return last.Position
	}
	i := sort.Search(len(m.points), func(i int) bool { return m.points[i].Offset > elapsed })
	a, b := m.points[i-1], m.points[i]
	span := b.Offset - a.Offset
	if span <= 0 {
		return b.Position
	}
	t := float64(elapsed-a.Offset) / float64(span)
	return LLH{
		Longitude: a.Position.Longitude + t*(b.Position.Longitude-a.Position.Longitude),
		Latitude:  a.Position.Latitude + t*(b.Position.Latitude-a.Position.Latitude),
		Height:    a.Position.Height + t*(b.Position.Height-a.Position.Height),
	}
}

// OrbitalViewer follows a TLE propagated with SGP4.
type OrbitalViewer struct {
	sat satellite.Satellite
}

// NewOrbitalViewerFromTLE constructs an orbital viewer from TLE lines.
func NewOrbitalViewerFromTLE(line1, line2 string) (*OrbitalViewer, error) {
	if line1 == "" || line2 == "" {
		return nil, fmt.Errorf("%w: empty TLE line", ErrInvalidMotion)
	}
	return &OrbitalViewer{sat: satellite.TLEToSat(line1, line2, satellite.GravityWGS72)}, nil
}

// PositionAt propagates the orbit to simTime. go-satellite works in
// kilometres; the result is in metres.
func (m *OrbitalViewer) PositionAt(simTime time.Time) r3.Vec {
	simTime = simTime.UTC()
	year, month, day := simTime.Date()
	hour, min, sec := simTime.Clock()

	posECI, _ := satellite.Propagate(m.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)

	const kmToM = 1000.0
	return r3.Vec{
		X: posECEF.X * kmToM,
		Y: posECEF.Y * kmToM,
		Z: posECEF.Z * kmToM,
	}
}
