// Package sim runs a georeference engine against a simulated host world on a
// frame clock. Session is the single lock every outer surface goes through.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/signalsfoundry/georeference/core"
	"github.com/signalsfoundry/georeference/internal/config"
	"github.com/signalsfoundry/georeference/internal/logging"
	"github.com/signalsfoundry/georeference/internal/observability"
	"github.com/signalsfoundry/georeference/kb"
	"github.com/signalsfoundry/georeference/model"
	"github.com/signalsfoundry/georeference/timectrl"
)

// ErrSubLevelIndex is returned by JumpToSubLevel for an index outside the
// registry.
var ErrSubLevelIndex = errors.New("sub-level index out of range")

// Metrics is what a session reports to. *observability.GeoreferenceCollector
// satisfies it.
type Metrics interface {
	core.MetricsRecorder
	ObserveTick(d time.Duration)
}

// SkyAnchor is the last position handed to the sun/sky hook.
type SkyAnchor struct {
	Surface   r3.Vec
	Longitude float64
	Latitude  float64
	Updates   int
}

type skyRecorder struct {
	last SkyAnchor
}

func (s *skyRecorder) UpdateSun(surface r3.Vec, longitude, latitude float64) {
	s.last = SkyAnchor{
		Surface:   surface,
		Longitude: longitude,
		Latitude:  latitude,
		Updates:   s.last.Updates + 1,
	}
}

// Snapshot is a consistent read of session state.
type Snapshot struct {
	ID             string
	Origin         model.GeoreferenceOrigin
	State          core.State
	Ticks          uint64
	SimTime        time.Time
	InsideSublevel bool
	ActiveSubLevel string
	FloatingOrigin core.IntVector
	HasViewer      bool
	Viewer         r3.Vec // engine frame, relative to FloatingOrigin
	LoadedLevels   []string
	Objects        int
	Sky            SkyAnchor
}

// SubLevelStatus joins a registry entry with the host's view of it.
type SubLevelStatus struct {
	model.SubLevel
	Index     int
	Streaming bool
	Loaded    bool
}

// Option customises Session construction.
type Option func(*Session)

// WithMetrics attaches a metrics sink to the engine and the tick loop.
func WithMetrics(m Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithViewerMotion overrides the viewer motion built from configuration. A
// nil motion runs the session without a viewer.
func WithViewerMotion(m core.ViewerMotion) Option {
	return func(s *Session) {
		s.viewer = m
		s.viewerSet = true
	}
}

// Session owns one engine, its object store, host world and clock.
type Session struct {
	// mu serialises every engine access. Take it before any kb lock.
	mu sync.Mutex

	id      string
	cfg     config.Config
	engine  *core.SimulationEngine
	objects *kb.KnowledgeBase
	world   *HostWorld
	clock   *timectrl.TimeController
	sky     *skyRecorder

	viewer    core.ViewerMotion
	viewerSet bool

	started   bool
	ctx       context.Context
	last      core.TickResult
	hasViewer bool
	viewerPos r3.Vec

	log     logging.Logger
	metrics Metrics
}

// NewSession builds a session from cfg. The engine is not started until
// Start or the first Step.
func NewSession(cfg config.Config, log logging.Logger, opts ...Option) (*Session, error) {
	if log == nil {
		log = logging.Noop()
	}
	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		objects: kb.NewKnowledgeBase(),
		world:   NewHostWorld(cfg.Host.Interactive, cfg.Host.StreamingLevels),
		sky:     &skyRecorder{},
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = log.With(logging.String("session_id", s.id))

	start := cfg.Clock.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}
	mode := timectrl.RealTime
	if cfg.Clock.Accelerated {
		mode = timectrl.Accelerated
	}
	s.clock = timectrl.NewTimeController(start, cfg.Clock.Tick, mode)

	if !s.viewerSet {
		motion, err := viewerFromConfig(cfg.Viewer, start)
		if err != nil {
			return nil, err
		}
		s.viewer = motion
	}

	geoOpts := []core.GeoreferenceOption{
		core.WithObjectResolver(s.objects),
		core.WithGeoreferenceLogger(s.log),
		core.WithSunSky(s.sky),
	}
	if s.metrics != nil {
		geoOpts = append(geoOpts, core.WithMetricsRecorder(s.metrics))
	}
	g := core.NewGeoreference(cfg.Origin(), geoOpts...)

	levels := core.NewSubLevels(cfg.SubLevels.DefaultRadius)
	levels.SetLogger(s.log)
	for _, l := range cfg.SubLevelModels() {
		if err := levels.Add(l); err != nil {
			return nil, fmt.Errorf("sub-level %q: %w", l.Name, err)
		}
	}

	rebaser := core.NewOriginRebaser(core.RebaseConfig{
		KeepOriginNearViewer:  cfg.Rebasing.KeepOriginNearViewer,
		MaxDistance:           cfg.Rebasing.MaxDistance,
		RebaseInsideSublevels: cfg.Rebasing.RebaseInsideSublevels,
	}, s.log)

	s.engine = core.NewSimulationEngine(g, levels, rebaser, s.log)
	if s.metrics != nil {
		s.engine.SetMetricsRecorder(s.metrics)
	}

	s.objects.SetProjector(func(ecef r3.Vec) r3.Vec {
		return g.TransformEcefToEngine(ecef, core.IntVector{})
	})
	s.objects.Subscribe(s.onObjectEvent)

	for _, obj := range cfg.SceneObjects() {
		if err := s.addObjectLocked(obj); err != nil {
			return nil, err
		}
	}

	s.clock.AddListener(s.onFrame)
	return s, nil
}

func viewerFromConfig(vc config.ViewerConfig, start time.Time) (core.ViewerMotion, error) {
	switch vc.Kind {
	case config.ViewerStatic, "":
		return core.NewStaticViewer(llhOf(vc.Position)), nil
	case config.ViewerWaypoints:
		points := make([]core.Waypoint, 0, len(vc.Waypoints))
		for _, w := range vc.Waypoints {
			points = append(points, core.Waypoint{Offset: w.Offset, Position: llhOf(w.Position)})
		}
		return core.NewWaypointViewer(start, points)
	case config.ViewerOrbit:
		if len(vc.TLE) != 2 {
			return nil, fmt.Errorf("%w: orbit viewer needs two TLE lines", core.ErrInvalidMotion)
		}
		return core.NewOrbitalViewerFromTLE(vc.TLE[0], vc.TLE[1])
	default:
		return nil, fmt.Errorf("%w: unknown viewer kind %q", core.ErrInvalidMotion, vc.Kind)
	}
}

func llhOf(p config.Position) core.LLH {
	return core.LLH{Longitude: p.Longitude, Latitude: p.Latitude, Height: p.Height}
}

// ID returns the run identifier.
func (s *Session) ID() string { return s.id }

// Clock exposes the frame clock.
func (s *Session) Clock() *timectrl.TimeController { return s.clock }

// Objects exposes the scene object store.
func (s *Session) Objects() *kb.KnowledgeBase { return s.objects }

// Start begins play and runs the clock until the configured duration
// elapses or ctx is cancelled. The returned channel closes when the clock
// stops.
func (s *Session) Start(ctx context.Context) <-chan struct{} {
	s.mu.Lock()
	s.ctx = ctx
	s.beginPlayLocked()
	s.mu.Unlock()

	s.log.Info(ctx, "session started",
		logging.String("origin", s.cfg.Origin().Placement.String()),
		logging.Int("sublevels", len(s.cfg.SubLevels.Levels)),
		logging.Int("objects", len(s.cfg.Objects)),
	)
	return s.clock.Start(ctx, s.cfg.Clock.Duration)
}

// Step advances the clock by one frame and returns the tick result.
func (s *Session) Step() core.TickResult {
	s.mu.Lock()
	s.beginPlayLocked()
	s.mu.Unlock()

	s.clock.Step()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Session) beginPlayLocked() {
	if s.started {
		return
	}
	s.started = true
	s.engine.BeginPlay()
}

func (s *Session) onFrame(f timectrl.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginPlayLocked()

	ctx, span := observability.StartTickSpan(s.ctx, f.Index, f.SimTime)
	defer span.End()
	began := time.Now()

	g := s.engine.Georeference
	in := core.TickInput{
		Delta:           f.Delta,
		Interactive:     s.world.Interactive,
		FloatingOrigin:  s.world.FloatingOrigin(),
		AvailableLevels: s.world.StreamingLevels(),
	}
	if s.viewer != nil {
		in.HasViewer = true
		in.Viewer = g.TransformEcefToEngine(s.viewer.PositionAt(f.SimTime), in.FloatingOrigin)
	}

	res := s.engine.Tick(in, s.world)
	s.last = res
	s.hasViewer = in.HasViewer
	s.viewerPos = in.Viewer
	if res.Rebased {
		// The viewer stays put in the world; only its offset from the new
		// origin changes.
		s.viewerPos = r3.Sub(r3.Add(in.Viewer, in.FloatingOrigin.Vec()), res.FloatingOrigin.Vec())
	}

	if s.metrics != nil {
		s.metrics.ObserveTick(time.Since(began))
	}
	observability.AnnotateTick(span, res.SubLevels.Active, res.InsideSublevel, res.Rebased, res.FloatingOrigin)

	if res.SubLevels.OriginSwitched || res.Rebased {
		s.log.Debug(ctx, "tick changed world state",
			logging.Int64("tick", int64(res.Index)),
			logging.String("active_sublevel", res.SubLevels.Active),
			logging.Bool("rebased", res.Rebased),
			logging.String("floating_origin", res.FloatingOrigin.String()),
		)
	}
}

func (s *Session) onObjectEvent(e kb.Event) {
	switch e.Type {
	case kb.EventObjectReprojected:
		s.log.Debug(s.ctx, "object reprojected",
			logging.String("object_id", e.Object.ID),
			logging.Vector("engine_position", e.EnginePosition.X, e.EnginePosition.Y, e.EnginePosition.Z),
		)
	case kb.EventObjectReadyChanged:
		s.log.Info(s.ctx, "object readiness changed",
			logging.String("object_id", e.Object.ID),
			logging.Bool("ready", e.Object.Ready),
		)
	case kb.EventObjectRemoved:
		s.log.Info(s.ctx, "object removed", logging.String("object_id", e.Object.ID))
	}
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.engine.Georeference
	active, _ := s.engine.SubLevels.Active()
	return Snapshot{
		ID:             s.id,
		Origin:         g.Origin(),
		State:          g.State(),
		Ticks:          s.engine.Ticks(),
		SimTime:        s.clock.Now(),
		InsideSublevel: g.InsideSublevel(),
		ActiveSubLevel: active,
		FloatingOrigin: s.world.FloatingOrigin(),
		HasViewer:      s.hasViewer,
		Viewer:         s.viewerPos,
		LoadedLevels:   s.world.LoadedLevels(),
		Objects:        len(s.objects.List()),
		Sky:            s.sky.last,
	}
}

// View runs fn with the georeference and the current floating origin under
// the session lock. fn must not retain g.
func (s *Session) View(fn func(g *core.Georeference, floatingOrigin core.IntVector) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.engine.Georeference, s.world.FloatingOrigin())
}

// SetOrigin moves the georeference origin. It reports false while a
// sub-level holds the origin.
func (s *Session) SetOrigin(ctx context.Context, llh core.LLH) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.engine.Georeference.SetOrigin(llh)
	if !ok {
		s.log.Info(ctx, "origin change ignored inside sub-level",
			logging.Float64("longitude", llh.Longitude),
			logging.Float64("latitude", llh.Latitude),
		)
	}
	return ok
}

// SetPlacement switches the origin placement and recomputes the chain. It
// reports false, changing nothing, while a sub-level holds the origin.
func (s *Session) SetPlacement(p model.OriginPlacement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Georeference.SetPlacement(p)
}

// SetOriginWithPlacement moves the origin and switches its placement in one
// step. It reports false, changing neither, while a sub-level holds the
// origin.
func (s *Session) SetOriginWithPlacement(ctx context.Context, p model.OriginPlacement, llh core.LLH) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.engine.Georeference.SetOriginWithPlacement(p, llh)
	if !ok {
		s.log.Info(ctx, "origin change ignored inside sub-level",
			logging.String("placement", p.String()),
			logging.Float64("longitude", llh.Longitude),
			logging.Float64("latitude", llh.Latitude),
		)
	}
	return ok
}

// JumpToSubLevel moves the origin to the sub-level at index. It reports
// false while a sub-level holds the origin.
func (s *Session) JumpToSubLevel(index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= s.engine.SubLevels.Len() {
		return false, fmt.Errorf("%w: %d", ErrSubLevelIndex, index)
	}
	return s.engine.JumpToSubLevel(index), nil
}

// JumpToSubLevelNamed is JumpToSubLevel addressed by sub-level name.
func (s *Session) JumpToSubLevelNamed(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.engine.SubLevels.IndexOf(name)
	if err != nil {
		return false, err
	}
	return s.engine.JumpToSubLevel(index), nil
}

// SubLevels lists the registry in registration order.
func (s *Session) SubLevels() []SubLevelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	levels := s.engine.SubLevels.Levels()
	out := make([]SubLevelStatus, 0, len(levels))
	for i, l := range levels {
		out = append(out, SubLevelStatus{
			SubLevel:  l,
			Index:     i,
			Streaming: s.world.IsStreaming(l.Name),
			Loaded:    s.world.IsLoaded(l.Name),
		})
	}
	return out
}

// AddStreamingLevel makes a level available to the host world; it is
// discovered on the next tick.
func (s *Session) AddStreamingLevel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world.AddStreamingLevel(name)
}

// AddObject stores obj and registers it with the georeference.
func (s *Session) AddObject(obj model.SceneObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addObjectLocked(obj)
}

func (s *Session) addObjectLocked(obj model.SceneObject) error {
	h, err := s.objects.Add(obj)
	if err != nil {
		return fmt.Errorf("add object: %w", err)
	}
	s.engine.Georeference.RegisterObject(h)
	return nil
}

// RemoveObject deletes an object. Its registration goes stale and is
// skipped on later updates.
func (s *Session) RemoveObject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects.Remove(id)
}

// SetObjectReady flips a tileset's bounding volume readiness and refreshes
// the chain so a bounding-volume origin follows it.
func (s *Session) SetObjectReady(id string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.objects.SetReady(id, ready); err != nil {
		return err
	}
	s.engine.Georeference.UpdateGeoreference()
	return nil
}
