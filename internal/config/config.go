// Package config loads the georeference simulator configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/georeference/model"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Viewer motion kinds.
const (
	ViewerStatic    = "static"
	ViewerWaypoints = "waypoints"
	ViewerOrbit     = "orbit"
)

// Config is the top-level simulator configuration.
type Config struct {
	Georeference GeoreferenceConfig `yaml:"georeference"`
	SubLevels    SubLevelsConfig    `yaml:"sublevels"`
	Rebasing     RebasingConfig     `yaml:"rebasing"`
	Host         HostConfig         `yaml:"host"`
	Viewer       ViewerConfig       `yaml:"viewer"`
	Objects      []ObjectConfig     `yaml:"objects"`
	Clock        ClockConfig        `yaml:"clock"`
}

// Position is a geodetic position in degrees/degrees/metres.
type Position struct {
	Longitude float64 `yaml:"longitude"`
	Latitude  float64 `yaml:"latitude"`
	Height    float64 `yaml:"height"`
}

// GeoreferenceConfig is the authored origin.
type GeoreferenceConfig struct {
	Placement model.OriginPlacement `yaml:"placement"`
	Position  `yaml:",inline"`
}

// SubLevelConfig is one authored sub-level.
type SubLevelConfig struct {
	Name       string  `yaml:"name"`
	Position   `yaml:",inline"`
	LoadRadius float64 `yaml:"load_radius_m"`
}

// SubLevelsConfig lists authored sub-levels.
type SubLevelsConfig struct {
	DefaultRadius float64          `yaml:"default_radius_m"`
	Levels        []SubLevelConfig `yaml:"levels"`
}

// RebasingConfig controls the floating origin.
type RebasingConfig struct {
	KeepOriginNearViewer  bool    `yaml:"keep_origin_near_viewer"`
	MaxDistance           float64 `yaml:"max_distance"`
	RebaseInsideSublevels bool    `yaml:"rebase_inside_sublevels"`
}

// HostConfig describes the simulated host world.
type HostConfig struct {
	Interactive     bool     `yaml:"interactive"`
	StreamingLevels []string `yaml:"streaming_levels"`
}

// WaypointConfig is one timed viewer waypoint.
type WaypointConfig struct {
	Offset   time.Duration `yaml:"offset"`
	Position `yaml:",inline"`
}

// ViewerConfig selects how the viewer moves.
type ViewerConfig struct {
	Kind      string           `yaml:"kind"`
	Position  Position         `yaml:"position"`
	Waypoints []WaypointConfig `yaml:"waypoints"`
	TLE       []string         `yaml:"tle"`
}

// ObjectConfig is one georeferenced scene object.
type ObjectConfig struct {
	ID       string           `yaml:"id"`
	Kind     model.ObjectKind `yaml:"kind"`
	Position `yaml:",inline"`
	Ready    bool             `yaml:"ready"`
}

// ClockConfig controls the frame clock.
type ClockConfig struct {
	Start       time.Time     `yaml:"start"`
	Tick        time.Duration `yaml:"tick"`
	Duration    time.Duration `yaml:"duration"`
	Accelerated bool          `yaml:"accelerated"`
}

// Default returns a configuration with a cartographic origin at 0/0, no
// sub-levels, rebasing enabled and a static viewer at the origin.
func Default() Config {
	return Config{
		Georeference: GeoreferenceConfig{Placement: model.OriginPlacementCartographic},
		SubLevels:    SubLevelsConfig{DefaultRadius: model.DefaultSubLevelRadius},
		Rebasing: RebasingConfig{
			KeepOriginNearViewer: true,
			MaxDistance:          10000,
		},
		Host:   HostConfig{Interactive: true},
		Viewer: ViewerConfig{Kind: ViewerStatic},
		Clock: ClockConfig{
			Tick:     100 * time.Millisecond,
			Duration: 10 * time.Second,
		},
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-references.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	checkPosition := func(where string, p Position) {
		if p.Longitude < -180 || p.Longitude > 180 {
			add("%s: longitude %v out of range [-180, 180]", where, p.Longitude)
		}
		if p.Latitude < -90 || p.Latitude > 90 {
			add("%s: latitude %v out of range [-90, 90]", where, p.Latitude)
		}
	}

	checkPosition("georeference", c.Georeference.Position)

	if c.SubLevels.DefaultRadius < 0 {
		add("sublevels.default_radius_m must not be negative")
	}
	names := make(map[string]struct{}, len(c.SubLevels.Levels))
	for i, l := range c.SubLevels.Levels {
		where := fmt.Sprintf("sublevels.levels[%d]", i)
		if l.Name == "" {
			add("%s: name is required", where)
		} else if _, dup := names[l.Name]; dup {
			add("%s: duplicate name %q", where, l.Name)
		}
		names[l.Name] = struct{}{}
		if l.LoadRadius < 0 {
			add("%s: load_radius_m must not be negative", where)
		}
		checkPosition(where, l.Position)
	}

	if c.Rebasing.KeepOriginNearViewer && c.Rebasing.MaxDistance <= 0 {
		add("rebasing.max_distance must be positive when rebasing is enabled")
	}

	switch c.Viewer.Kind {
	case ViewerStatic, "":
		checkPosition("viewer.position", c.Viewer.Position)
	case ViewerWaypoints:
		if len(c.Viewer.Waypoints) == 0 {
			add("viewer.waypoints must not be empty")
		}
		for i, w := range c.Viewer.Waypoints {
			checkPosition(fmt.Sprintf("viewer.waypoints[%d]", i), w.Position)
			if w.Offset < 0 {
				add("viewer.waypoints[%d]: offset must not be negative", i)
			}
		}
	case ViewerOrbit:
		if len(c.Viewer.TLE) != 2 {
			add("viewer.tle must hold exactly two lines")
		}
	default:
		add("viewer.kind %q is not one of static, waypoints, orbit", c.Viewer.Kind)
	}

	ids := make(map[string]struct{}, len(c.Objects))
	for i, o := range c.Objects {
		where := fmt.Sprintf("objects[%d]", i)
		if o.ID == "" {
			add("%s: id is required", where)
		} else if _, dup := ids[o.ID]; dup {
			add("%s: duplicate id %q", where, o.ID)
		}
		ids[o.ID] = struct{}{}
		checkPosition(where, o.Position)
	}

	if c.Clock.Tick <= 0 {
		add("clock.tick must be positive")
	}
	if c.Clock.Duration < 0 {
		add("clock.duration must not be negative")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Origin converts the georeference section to the model type.
func (c Config) Origin() model.GeoreferenceOrigin {
	return model.GeoreferenceOrigin{
		Placement: c.Georeference.Placement,
		Longitude: c.Georeference.Longitude,
		Latitude:  c.Georeference.Latitude,
		Height:    c.Georeference.Height,
	}
}

// SubLevelModels converts authored sub-levels to model values.
func (c Config) SubLevelModels() []model.SubLevel {
	out := make([]model.SubLevel, 0, len(c.SubLevels.Levels))
	for _, l := range c.SubLevels.Levels {
		out = append(out, model.SubLevel{
			Name:       l.Name,
			Longitude:  l.Longitude,
			Latitude:   l.Latitude,
			Height:     l.Height,
			LoadRadius: l.LoadRadius,
		})
	}
	return out
}

// SceneObjects converts authored objects to model values.
func (c Config) SceneObjects() []model.SceneObject {
	out := make([]model.SceneObject, 0, len(c.Objects))
	for _, o := range c.Objects {
		out = append(out, model.SceneObject{
			ID:        o.ID,
			Kind:      o.Kind,
			Longitude: o.Longitude,
			Latitude:  o.Latitude,
			Height:    o.Height,
			Ready:     o.Ready,
		})
	}
	return out
}
