package core

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/signalsfoundry/georeference/model"
)

type levelCall struct {
	Name   string
	Loaded bool
}

type fakeHost struct {
	calls   []levelCall
	origins []IntVector
}

func (h *fakeHost) SetLevelLoaded(name string, loaded bool) {
	h.calls = append(h.calls, levelCall{Name: name, Loaded: loaded})
}

func (h *fakeHost) SetWorldOrigin(origin IntVector) {
	h.origins = append(h.origins, origin)
}

var (
	levelAOrigin = LLH{Longitude: 10, Latitude: 45, Height: 0}
	levelBOrigin = LLH{Longitude: 10, Latitude: 45.003, Height: 0}
)

func ecefOf(llh LLH) r3.Vec {
	return WGS84.CartographicToCartesian(CartographicFromDegrees(llh))
}

func twoLevels() *SubLevels {
	return NewSubLevels(model.DefaultSubLevelRadius,
		model.SubLevel{Name: "A", Longitude: levelAOrigin.Longitude, Latitude: levelAOrigin.Latitude, LoadRadius: 1000},
		model.SubLevel{Name: "B", Longitude: levelBOrigin.Longitude, Latitude: levelBOrigin.Latitude, LoadRadius: 500},
	)
}

func TestSubLevelsSelectNearestWithinRadius(t *testing.T) {
	g := NewGeoreference(cartographicOrigin(LLH{Longitude: 0, Latitude: 0}))
	g.UpdateGeoreference()
	levels := twoLevels()
	host := &fakeHost{}
	available := []string{"A", "B"}

	// Viewer on B: within both radii, B is closer.
	res := levels.Update(g, ecefOf(levelBOrigin), available, host)
	if res.Active != "B" || !res.Inside() {
		t.Fatalf("Active = %q, want B", res.Active)
	}
	if !res.OriginSwitched || g.OriginLLH() != levelBOrigin {
		t.Fatalf("origin = %+v, want %+v", g.OriginLLH(), levelBOrigin)
	}
	if diff := cmp.Diff([]levelCall{{"B", true}}, host.calls); diff != "" {
		t.Fatalf("host calls (-want +got):\n%s", diff)
	}

	// Staying put does not reload or move the origin again.
	host.calls = nil
	res = levels.Update(g, ecefOf(levelBOrigin), available, host)
	if res.Active != "B" || res.OriginSwitched || len(host.calls) != 0 {
		t.Fatalf("second pass = %+v, calls %+v; want no changes", res, host.calls)
	}

	// Viewer on A: B is still within radius but A is closer.
	res = levels.Update(g, ecefOf(levelAOrigin), available, host)
	if res.Active != "A" {
		t.Fatalf("Active = %q, want A", res.Active)
	}
	if diff := cmp.Diff([]levelCall{{"B", false}, {"A", true}}, host.calls); diff != "" {
		t.Fatalf("host calls (-want +got):\n%s", diff)
	}
	if g.OriginLLH() != levelAOrigin {
		t.Fatalf("origin = %+v, want %+v", g.OriginLLH(), levelAOrigin)
	}

	// Viewer far away: everything unloads and the origin stays put.
	host.calls = nil
	far := ecefOf(LLH{Longitude: 20, Latitude: 45})
	res = levels.Update(g, far, available, host)
	if res.Inside() || res.OriginSwitched {
		t.Fatalf("far pass = %+v, want outside without origin switch", res)
	}
	if diff := cmp.Diff([]levelCall{{"A", false}}, host.calls); diff != "" {
		t.Fatalf("host calls (-want +got):\n%s", diff)
	}
	if g.OriginLLH() != levelAOrigin {
		t.Fatalf("origin = %+v, want unchanged %+v", g.OriginLLH(), levelAOrigin)
	}
	for _, l := range levels.Levels() {
		if l.CurrentlyLoaded {
			t.Fatalf("level %s still loaded", l.Name)
		}
	}
}

func TestSubLevelsBypassInsideGuard(t *testing.T) {
	g := NewGeoreference(cartographicOrigin(LLH{}))
	g.UpdateGeoreference()
	g.setInsideSublevel(true)

	levels := twoLevels()
	levels.Update(g, ecefOf(levelAOrigin), []string{"A", "B"}, nil)
	if g.OriginLLH() != levelAOrigin {
		t.Fatalf("origin = %+v, want %+v", g.OriginLLH(), levelAOrigin)
	}
}

func TestSubLevelsIgnoreUnavailableLevels(t *testing.T) {
	g := NewGeoreference(cartographicOrigin(LLH{}))
	g.UpdateGeoreference()
	levels := twoLevels()
	host := &fakeHost{}

	res := levels.Update(g, ecefOf(levelBOrigin), []string{"A"}, host)
	if res.Active != "A" {
		t.Fatalf("Active = %q, want A (B is not available)", res.Active)
	}
}

func TestSubLevelsTieBreakByName(t *testing.T) {
	g := NewGeoreference(cartographicOrigin(LLH{}))
	g.UpdateGeoreference()
	levels := NewSubLevels(1000,
		model.SubLevel{Name: "zulu", Longitude: 10, Latitude: 45, LoadRadius: 100},
		model.SubLevel{Name: "alpha", Longitude: 10, Latitude: 45, LoadRadius: 100},
	)
	res := levels.Update(g, ecefOf(levelAOrigin), []string{"zulu", "alpha"}, nil)
	if res.Active != "alpha" {
		t.Fatalf("Active = %q, want alpha", res.Active)
	}
}

func TestSubLevelsDiscoverIsAdditive(t *testing.T) {
	levels := twoLevels()
	origin := LLH{Longitude: 1, Latitude: 2, Height: 3}

	if n := levels.Discover([]string{"A", "C", "", "C"}, origin); n != 1 {
		t.Fatalf("Discover added %d, want 1", n)
	}
	c, ok := levels.Get("C")
	if !ok {
		t.Fatalf("C not registered")
	}
	want := model.SubLevel{Name: "C", Longitude: 1, Latitude: 2, Height: 3, LoadRadius: model.DefaultSubLevelRadius}
	if c != want {
		t.Fatalf("C = %+v, want %+v", c, want)
	}
	a, _ := levels.Get("A")
	if a.Longitude != levelAOrigin.Longitude || a.LoadRadius != 1000 {
		t.Fatalf("existing level modified: %+v", a)
	}
	if levels.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", levels.Len())
	}
}

func TestSubLevelsAddRejectsDuplicates(t *testing.T) {
	levels := twoLevels()
	if err := levels.Add(model.SubLevel{Name: "A"}); !errors.Is(err, ErrSubLevelExists) {
		t.Fatalf("Add duplicate error = %v, want ErrSubLevelExists", err)
	}
	if err := levels.Add(model.SubLevel{}); !errors.Is(err, ErrInvalidSubLevel) {
		t.Fatalf("Add unnamed error = %v, want ErrInvalidSubLevel", err)
	}
}

func TestSubLevelsJumpTo(t *testing.T) {
	g := NewGeoreference(cartographicOrigin(LLH{}))
	g.UpdateGeoreference()
	levels := twoLevels()

	if levels.JumpTo(g, 5) || levels.JumpTo(g, -1) {
		t.Fatalf("JumpTo accepted an out-of-range index")
	}
	if !levels.JumpTo(g, 1) || g.OriginLLH() != levelBOrigin {
		t.Fatalf("origin = %+v, want %+v", g.OriginLLH(), levelBOrigin)
	}

	g.setInsideSublevel(true)
	if levels.JumpTo(g, 0) {
		t.Fatalf("JumpTo succeeded inside a sub-level")
	}
}

func TestSubLevelsIndexOf(t *testing.T) {
	levels := twoLevels()
	if got, err := levels.IndexOf("B"); err != nil || got != 1 {
		t.Fatalf("IndexOf(B) = %d, %v, want 1", got, err)
	}
	if _, err := levels.IndexOf("C"); !errors.Is(err, ErrSubLevelNotFound) {
		t.Fatalf("IndexOf(C) error = %v, want ErrSubLevelNotFound", err)
	}
}

func TestSubLevelsMarkers(t *testing.T) {
	g := NewGeoreference(cartographicOrigin(levelAOrigin))
	g.UpdateGeoreference()
	levels := twoLevels()

	markers := levels.Markers(g, IntVector{})
	if len(markers) != 2 {
		t.Fatalf("markers = %d, want 2", len(markers))
	}
	approxVec(t, "A marker", markers[0].Position, r3.Vec{}, 1e-4)
	if markers[0].Radius != 1000*EngineUnitsPerMeter {
		t.Fatalf("A radius = %v", markers[0].Radius)
	}
}
