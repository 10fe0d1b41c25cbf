package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/signalsfoundry/georeference/core"
	"github.com/signalsfoundry/georeference/internal/config"
	"github.com/signalsfoundry/georeference/internal/logging"
	"github.com/signalsfoundry/georeference/internal/observability"
	"github.com/signalsfoundry/georeference/model"
)

var denver = config.Position{Longitude: -104.9903, Latitude: 39.7392, Height: 1609}

func baseConfig() config.Config {
	cfg := config.Default()
	cfg.Georeference.Position = denver
	cfg.Clock.Start = time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)
	cfg.Clock.Accelerated = true
	cfg.Viewer = config.ViewerConfig{Kind: config.ViewerStatic, Position: denver}
	return cfg
}

func newSession(t *testing.T, cfg config.Config, opts ...Option) *Session {
	t.Helper()
	s, err := NewSession(cfg, nil, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestFirstStepInitialisesGeoreference(t *testing.T) {
	cfg := baseConfig()
	cfg.Objects = []config.ObjectConfig{
		{ID: "marker", Kind: model.ObjectKindAnchor, Position: config.Position{Longitude: denver.Longitude, Latitude: denver.Latitude, Height: denver.Height + 10}},
	}
	s := newSession(t, cfg)

	s.Step()
	snap := s.Snapshot()
	if snap.State != core.StateReady {
		t.Fatalf("State = %v, want ready", snap.State)
	}
	if snap.Ticks != 1 || snap.Objects != 1 {
		t.Fatalf("Snapshot = %+v", snap)
	}
	if snap.Sky.Updates == 0 || math.Abs(snap.Sky.Latitude-denver.Latitude) > 1e-9 {
		t.Fatalf("Sky = %+v", snap.Sky)
	}

	pos, ok := s.Objects().EnginePosition("marker")
	if !ok {
		t.Fatalf("marker was never reprojected")
	}
	// 10 m above the origin is +1000 engine units on Z.
	if math.Abs(pos.Z-1000) > 1e-3 || math.Abs(pos.X) > 1e-3 || math.Abs(pos.Y) > 1e-3 {
		t.Fatalf("marker engine position = %+v, want (0, 0, 1000)", pos)
	}
}

func TestViewerInsideSubLevelLocksOrigin(t *testing.T) {
	cfg := baseConfig()
	cfg.SubLevels.Levels = []config.SubLevelConfig{{Name: "Downtown", Position: denver, LoadRadius: 1000}}
	cfg.Host.StreamingLevels = []string{"Downtown"}
	s := newSession(t, cfg)

	res := s.Step()
	if !res.InsideSublevel || res.SubLevels.Active != "Downtown" {
		t.Fatalf("TickResult = %+v, want inside Downtown", res)
	}
	snap := s.Snapshot()
	if diff := cmp.Diff([]string{"Downtown"}, snap.LoadedLevels); diff != "" {
		t.Fatalf("LoadedLevels (-want +got):\n%s", diff)
	}
	if s.SetOrigin(context.Background(), core.LLH{Longitude: 0, Latitude: 0}) {
		t.Fatalf("SetOrigin succeeded inside a sub-level")
	}
	if got := s.Snapshot().Origin.Longitude; got != denver.Longitude {
		t.Fatalf("origin longitude = %v, want unchanged %v", got, denver.Longitude)
	}
	if s.SetPlacement(model.OriginPlacementTrueOrigin) {
		t.Fatalf("SetPlacement succeeded inside a sub-level")
	}
	if s.SetOriginWithPlacement(context.Background(), model.OriginPlacementTrueOrigin, core.LLH{}) {
		t.Fatalf("SetOriginWithPlacement succeeded inside a sub-level")
	}
	if got := s.Snapshot().Origin.Placement; got != model.OriginPlacementCartographic {
		t.Fatalf("placement = %v, want unchanged cartographic", got)
	}
}

func TestUnstreamedSubLevelIsIgnored(t *testing.T) {
	cfg := baseConfig()
	cfg.SubLevels.Levels = []config.SubLevelConfig{{Name: "Downtown", Position: denver, LoadRadius: 1000}}
	s := newSession(t, cfg)

	if res := s.Step(); res.InsideSublevel {
		t.Fatalf("entered a sub-level the host does not stream")
	}
	if !s.SetOrigin(context.Background(), core.LLH{Longitude: 1, Latitude: 2}) {
		t.Fatalf("SetOrigin rejected outside a sub-level")
	}
}

func TestFarViewerRebasesFloatingOrigin(t *testing.T) {
	cfg := baseConfig()
	cfg.Rebasing.MaxDistance = 10000
	// Roughly 1 km east of the origin.
	cfg.Viewer.Position = config.Position{Longitude: denver.Longitude + 0.0117, Latitude: denver.Latitude, Height: denver.Height}
	s := newSession(t, cfg)

	res := s.Step()
	if !res.Rebased || res.FloatingOrigin.IsZero() {
		t.Fatalf("TickResult = %+v, want a rebase", res)
	}
	snap := s.Snapshot()
	if snap.FloatingOrigin != res.FloatingOrigin {
		t.Fatalf("host origin = %v, want %v", snap.FloatingOrigin, res.FloatingOrigin)
	}
	for _, c := range []float64{snap.Viewer.X, snap.Viewer.Y, snap.Viewer.Z} {
		if math.Abs(c) >= 1 {
			t.Fatalf("viewer offset after rebase = %+v, want below one unit per axis", snap.Viewer)
		}
	}

	if res := s.Step(); res.Rebased {
		t.Fatalf("second tick rebased again: %+v", res)
	}
}

func TestRebasingDisabledLeavesOrigin(t *testing.T) {
	cfg := baseConfig()
	cfg.Rebasing.KeepOriginNearViewer = false
	cfg.Viewer.Position = config.Position{Longitude: denver.Longitude + 0.05, Latitude: denver.Latitude}
	s := newSession(t, cfg)

	if res := s.Step(); res.Rebased || !res.FloatingOrigin.IsZero() {
		t.Fatalf("TickResult = %+v, want no rebase", res)
	}
}

func TestNoViewerSkipsSelectionAndRebase(t *testing.T) {
	cfg := baseConfig()
	cfg.SubLevels.Levels = []config.SubLevelConfig{{Name: "Downtown", Position: denver}}
	cfg.Host.StreamingLevels = []string{"Downtown"}
	s := newSession(t, cfg, WithViewerMotion(nil))

	res := s.Step()
	if res.InsideSublevel || res.Rebased {
		t.Fatalf("TickResult = %+v, want a no-op tick", res)
	}
	if snap := s.Snapshot(); snap.HasViewer || len(snap.LoadedLevels) != 0 {
		t.Fatalf("Snapshot = %+v", snap)
	}
}

func TestStreamingLevelIsDiscovered(t *testing.T) {
	s := newSession(t, baseConfig(), WithViewerMotion(nil))
	if !s.AddStreamingLevel("Foothills") {
		t.Fatalf("AddStreamingLevel returned false")
	}
	if s.AddStreamingLevel("Foothills") {
		t.Fatalf("duplicate streaming level accepted")
	}

	res := s.Step()
	if res.Discovered != 1 {
		t.Fatalf("Discovered = %d, want 1", res.Discovered)
	}
	levels := s.SubLevels()
	if len(levels) != 1 {
		t.Fatalf("SubLevels = %+v", levels)
	}
	got := levels[0]
	if got.Name != "Foothills" || got.LoadRadius != model.DefaultSubLevelRadius || !got.Streaming || got.Loaded {
		t.Fatalf("discovered level = %+v", got)
	}
	if got.Longitude != denver.Longitude || got.Latitude != denver.Latitude {
		t.Fatalf("discovered level origin = %v/%v, want the current origin", got.Longitude, got.Latitude)
	}
}

func TestJumpToSubLevel(t *testing.T) {
	cfg := baseConfig()
	airport := config.Position{Longitude: -104.6737, Latitude: 39.8561, Height: 1655}
	cfg.SubLevels.Levels = []config.SubLevelConfig{{Name: "Airport", Position: airport}}
	s := newSession(t, cfg, WithViewerMotion(nil))

	if _, err := s.JumpToSubLevel(3); !errors.Is(err, ErrSubLevelIndex) {
		t.Fatalf("JumpToSubLevel(3) error = %v, want ErrSubLevelIndex", err)
	}
	ok, err := s.JumpToSubLevel(0)
	if err != nil || !ok {
		t.Fatalf("JumpToSubLevel(0) = %v, %v", ok, err)
	}
	if got := s.Snapshot().Origin; got.Longitude != airport.Longitude || got.Latitude != airport.Latitude {
		t.Fatalf("origin = %+v, want the airport", got)
	}
}

func TestJumpToSubLevelNamed(t *testing.T) {
	cfg := baseConfig()
	airport := config.Position{Longitude: -104.6737, Latitude: 39.8561, Height: 1655}
	cfg.SubLevels.Levels = []config.SubLevelConfig{{Name: "Airport", Position: airport}}
	s := newSession(t, cfg, WithViewerMotion(nil))

	if _, err := s.JumpToSubLevelNamed("Harbour"); !errors.Is(err, core.ErrSubLevelNotFound) {
		t.Fatalf("JumpToSubLevelNamed(Harbour) error = %v, want ErrSubLevelNotFound", err)
	}
	ok, err := s.JumpToSubLevelNamed("Airport")
	if err != nil || !ok {
		t.Fatalf("JumpToSubLevelNamed(Airport) = %v, %v", ok, err)
	}
	if got := s.Snapshot().Origin; got.Longitude != airport.Longitude || got.Latitude != airport.Latitude {
		t.Fatalf("origin = %+v, want the airport", got)
	}
}

func TestObjectLifecycle(t *testing.T) {
	s := newSession(t, baseConfig(), WithViewerMotion(nil))
	if !s.SetPlacement(model.OriginPlacementBoundingVolume) {
		t.Fatalf("SetPlacement refused outside a sub-level")
	}

	tileset := model.SceneObject{ID: "city", Kind: model.ObjectKindTileset, Longitude: 10, Latitude: 45}
	if err := s.AddObject(tileset); err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	if err := s.AddObject(tileset); err == nil {
		t.Fatalf("duplicate AddObject succeeded")
	}
	if err := s.SetObjectReady("city", true); err != nil {
		t.Fatalf("SetObjectReady: %v", err)
	}

	var centre core.LLH
	_ = s.View(func(g *core.Georeference, floating core.IntVector) error {
		var ok bool
		centre, ok = g.TransformEngineToLongitudeLatitudeHeight(r3.Sub(r3.Vec{}, floating.Vec()), floating)
		if !ok {
			t.Fatalf("engine zero has no geographic position")
		}
		return nil
	})
	if math.Abs(centre.Longitude-10) > 1e-6 || math.Abs(centre.Latitude-45) > 1e-6 {
		t.Fatalf("bounding-volume origin = %+v, want 10/45", centre)
	}

	if err := s.RemoveObject("city"); err != nil {
		t.Fatalf("RemoveObject: %v", err)
	}
	if err := s.RemoveObject("city"); err == nil {
		t.Fatalf("second RemoveObject succeeded")
	}
}

func TestObjectReadinessIsLogged(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "info", Format: "json", Output: &buf})
	s, err := NewSession(baseConfig(), log, WithViewerMotion(nil))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.AddObject(model.SceneObject{ID: "city", Kind: model.ObjectKindTileset, Longitude: 10, Latitude: 45}); err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	buf.Reset()

	if err := s.SetObjectReady("city", true); err != nil {
		t.Fatalf("SetObjectReady: %v", err)
	}

	var found bool
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var entry map[string]any
		if err := dec.Decode(&entry); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		if entry["msg"] == "object readiness changed" {
			found = entry["object_id"] == "city" && entry["ready"] == true
		}
	}
	if !found {
		t.Fatalf("no readiness log entry for city in %q", buf.String())
	}
}

func TestStartRunsConfiguredDuration(t *testing.T) {
	cfg := baseConfig()
	cfg.Clock.Tick = 100 * time.Millisecond
	cfg.Clock.Duration = time.Second
	s := newSession(t, cfg)

	select {
	case <-s.Start(context.Background()):
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish")
	}
	snap := s.Snapshot()
	if snap.Ticks != 10 {
		t.Fatalf("Ticks = %d, want 10", snap.Ticks)
	}
	if want := cfg.Clock.Start.Add(time.Second); !snap.SimTime.Equal(want) {
		t.Fatalf("SimTime = %v, want %v", snap.SimTime, want)
	}
}

func TestSessionReportsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewGeoreferenceCollector(reg)
	if err != nil {
		t.Fatalf("NewGeoreferenceCollector: %v", err)
	}
	cfg := baseConfig()
	cfg.SubLevels.Levels = []config.SubLevelConfig{{Name: "Downtown", Position: denver}}
	cfg.Host.StreamingLevels = []string{"Downtown"}
	s := newSession(t, cfg, WithMetrics(collector))

	s.Step()
	s.Step()

	if got := testutil.ToFloat64(collector.SubLevelTransitions.WithLabelValues("Downtown", "loaded")); got != 1 {
		t.Fatalf("load transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.InsideSublevel); got != 1 {
		t.Fatalf("inside gauge = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(collector.TickDurations); got != 1 {
		t.Fatalf("tick histogram series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(collector.OriginUpdates.WithLabelValues("cartographic")); got < 1 {
		t.Fatalf("origin updates = %v, want at least 1", got)
	}
}

func TestInvalidViewerConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Viewer = config.ViewerConfig{Kind: config.ViewerWaypoints}
	if _, err := NewSession(cfg, nil); !errors.Is(err, core.ErrInvalidMotion) {
		t.Fatalf("NewSession error = %v, want ErrInvalidMotion", err)
	}
}
