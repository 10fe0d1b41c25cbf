package core

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/signalsfoundry/georeference/internal/logging"
	"github.com/signalsfoundry/georeference/model"
)

var (
	// ErrSubLevelExists is returned when adding a sub-level whose name is
	// already registered.
	ErrSubLevelExists = errors.New("sub-level already exists")
	// ErrSubLevelNotFound is returned for unknown sub-level names or indices.
	ErrSubLevelNotFound = errors.New("sub-level not found")
	// ErrInvalidSubLevel is returned for sub-levels without a name.
	ErrInvalidSubLevel = errors.New("invalid sub-level")
)

// LevelLoader is the host capability the selector drives. Loading a level
// also makes it visible; unloading hides it.
type LevelLoader interface {
	SetLevelLoaded(name string, loaded bool)
}

// SubLevelUpdate summarises one selector pass.
type SubLevelUpdate struct {
	// Active is the name of the selected sub-level, empty when none.
	Active string
	// Loaded lists sub-levels loaded during this pass.
	Loaded []string
	// Unloaded lists sub-levels unloaded during this pass.
	Unloaded []string
	// OriginSwitched reports whether the georeference origin moved.
	OriginSwitched bool
}

// Inside reports whether a sub-level holds the origin after the pass.
func (u SubLevelUpdate) Inside() bool { return u.Active != "" }

// SubLevels is the ordered registry of named sub-levels.
type SubLevels struct {
	levels        []model.SubLevel
	index         map[string]int
	defaultRadius float64
	log           logging.Logger
	metrics       MetricsRecorder
}

// NewSubLevels constructs a registry. Levels with a non-positive radius get
// defaultRadius; duplicate names after the first are ignored.
func NewSubLevels(defaultRadius float64, levels ...model.SubLevel) *SubLevels {
	if defaultRadius <= 0 {
		defaultRadius = model.DefaultSubLevelRadius
	}
	s := &SubLevels{
		index:         make(map[string]int, len(levels)),
		defaultRadius: defaultRadius,
		log:           logging.Noop(),
	}
	for _, l := range levels {
		_ = s.Add(l)
	}
	return s
}

// SetLogger attaches a structured logger.
func (s *SubLevels) SetLogger(l logging.Logger) {
	if l != nil {
		s.log = l
	}
}

// SetMetricsRecorder attaches a metrics recorder.
func (s *SubLevels) SetMetricsRecorder(m MetricsRecorder) { s.metrics = m }

// DefaultRadius returns the radius assigned to discovered sub-levels.
func (s *SubLevels) DefaultRadius() float64 { return s.defaultRadius }

// Add registers a new sub-level.
func (s *SubLevels) Add(l model.SubLevel) error {
	if l.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSubLevel)
	}
	if _, ok := s.index[l.Name]; ok {
		return fmt.Errorf("%w: %q", ErrSubLevelExists, l.Name)
	}
	if l.LoadRadius <= 0 {
		l.LoadRadius = s.defaultRadius
	}
	s.index[l.Name] = len(s.levels)
	s.levels = append(s.levels, l)
	return nil
}

// Len returns the number of registered sub-levels.
func (s *SubLevels) Len() int { return len(s.levels) }

// Levels returns a copy of the registry in registration order.
func (s *SubLevels) Levels() []model.SubLevel {
	out := make([]model.SubLevel, len(s.levels))
	copy(out, s.levels)
	return out
}

// Get returns the sub-level with the given name.
func (s *SubLevels) Get(name string) (model.SubLevel, bool) {
	i, ok := s.index[name]
	if !ok {
		return model.SubLevel{}, false
	}
	return s.levels[i], true
}

// IndexOf returns the registration index of name.
func (s *SubLevels) IndexOf(name string) (int, error) {
	i, ok := s.index[name]
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrSubLevelNotFound, name)
	}
	return i, nil
}

// Active returns the name of the currently loaded sub-level, if any.
func (s *SubLevels) Active() (string, bool) {
	for _, l := range s.levels {
		if l.CurrentlyLoaded {
			return l.Name, true
		}
	}
	return "", false
}

// Discover registers every available name not yet known, using origin and
// the default radius. Existing entries are never changed. It returns the
// number of sub-levels added.
func (s *SubLevels) Discover(available []string, origin LLH) int {
	added := 0
	for _, name := range available {
		if name == "" {
			continue
		}
		if _, ok := s.index[name]; ok {
			continue
		}
		_ = s.Add(model.SubLevel{
			Name:       name,
			Longitude:  origin.Longitude,
			Latitude:   origin.Latitude,
			Height:     origin.Height,
			LoadRadius: s.defaultRadius,
		})
		added++
		s.log.Info(context.Background(), "discovered sub-level",
			logging.String("sublevel", name),
			logging.Float64("load_radius_m", s.defaultRadius),
		)
	}
	return added
}

// ResetLoaded marks every sub-level unloaded without calling the host.
func (s *SubLevels) ResetLoaded() {
	for i := range s.levels {
		s.levels[i].CurrentlyLoaded = false
	}
}

// Update runs one proximity selection pass for a viewer at viewerEcef.
// Only sub-levels named in available take part. The nearest one within its
// own load radius becomes the candidate; exact distance ties go to the
// lexicographically smaller name. Every other loaded sub-level is unloaded,
// and a candidate that is not yet loaded moves the georeference origin to
// its own origin before being loaded.
func (s *SubLevels) Update(g *Georeference, viewerEcef r3.Vec, available []string, host LevelLoader) SubLevelUpdate {
	availableSet := make(map[string]struct{}, len(available))
	for _, name := range available {
		availableSet[name] = struct{}{}
	}

	candidate := -1
	best := math.MaxFloat64
	for i, l := range s.levels {
		if _, ok := availableSet[l.Name]; !ok {
			continue
		}
		d := r3.Norm(r3.Sub(s.originEcef(g, l), viewerEcef))
		if d >= l.LoadRadius {
			continue
		}
		if d < best || (d == best && candidate >= 0 && l.Name < s.levels[candidate].Name) {
			candidate = i
			best = d
		}
	}

	var out SubLevelUpdate
	for i := range s.levels {
		l := &s.levels[i]
		if i == candidate || !l.CurrentlyLoaded {
			continue
		}
		l.CurrentlyLoaded = false
		if host != nil {
			host.SetLevelLoaded(l.Name, false)
		}
		out.Unloaded = append(out.Unloaded, l.Name)
		s.observeTransition(l.Name, false)
	}

	if candidate < 0 {
		return out
	}

	l := &s.levels[candidate]
	out.Active = l.Name
	if l.CurrentlyLoaded {
		return out
	}

	out.OriginSwitched = g.setOrigin(LLH{Longitude: l.Longitude, Latitude: l.Latitude, Height: l.Height})
	if host != nil {
		host.SetLevelLoaded(l.Name, true)
	}
	l.CurrentlyLoaded = true
	out.Loaded = append(out.Loaded, l.Name)
	s.observeTransition(l.Name, true)
	return out
}

// JumpTo moves the georeference origin to the origin of the sub-level at
// index through the guarded public path. Out-of-range indices are ignored.
func (s *SubLevels) JumpTo(g *Georeference, index int) bool {
	if index < 0 || index >= len(s.levels) {
		return false
	}
	l := s.levels[index]
	return g.SetOrigin(LLH{Longitude: l.Longitude, Latitude: l.Latitude, Height: l.Height})
}

// SubLevelMarker is the engine-frame placement of a sub-level's load
// sphere, for debug visualisation.
type SubLevelMarker struct {
	Name     string
	Position r3.Vec
	Radius   float64 // engine units
	Loaded   bool
}

// Markers returns the load spheres of every sub-level relative to the given
// floating origin.
func (s *SubLevels) Markers(g *Georeference, floatingOrigin IntVector) []SubLevelMarker {
	out := make([]SubLevelMarker, 0, len(s.levels))
	for _, l := range s.levels {
		out = append(out, SubLevelMarker{
			Name:     l.Name,
			Position: g.TransformEcefToEngine(s.originEcef(g, l), floatingOrigin),
			Radius:   l.LoadRadius * EngineUnitsPerMeter,
			Loaded:   l.CurrentlyLoaded,
		})
	}
	return out
}

func (s *SubLevels) originEcef(g *Georeference, l model.SubLevel) r3.Vec {
	return g.TransformLongitudeLatitudeHeightToEcef(LLH{Longitude: l.Longitude, Latitude: l.Latitude, Height: l.Height})
}

func (s *SubLevels) observeTransition(name string, loaded bool) {
	state := "unloaded"
	if loaded {
		state = "loaded"
	}
	s.log.Info(context.Background(), "sub-level "+state, logging.String("sublevel", name))
	if s.metrics != nil {
		s.metrics.ObserveSubLevelTransition(name, loaded)
	}
}
