package core

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/signalsfoundry/georeference/internal/logging"
	"github.com/signalsfoundry/georeference/model"
)

// HostActions is everything the engine asks of the host world each tick.
type HostActions interface {
	LevelLoader
	SetWorldOrigin(origin IntVector)
}

// MetricsRecorder receives engine state changes. Implementations must not
// call back into the engine.
type MetricsRecorder interface {
	ObserveOriginUpdate(placement model.OriginPlacement)
	SetRegisteredObjects(n int)
	ObserveSubLevelTransition(name string, loaded bool)
	ObserveRebase(origin IntVector)
	SetInsideSublevel(inside bool)
}

// TickInput is the host state supplied to one Tick.
type TickInput struct {
	Delta           time.Duration
	Interactive     bool
	HasViewer       bool
	Viewer          r3.Vec // engine frame, relative to FloatingOrigin
	FloatingOrigin  IntVector
	AvailableLevels []string
}

// TickResult reports what one Tick changed.
type TickResult struct {
	Index          uint64
	Discovered     int
	SubLevels      SubLevelUpdate
	InsideSublevel bool
	FloatingOrigin IntVector
	Rebased        bool
}

// SimulationEngine drives the georeference, the sub-level selector and the
// origin rebaser once per host tick.
type SimulationEngine struct {
	Georeference *Georeference
	SubLevels    *SubLevels
	Rebaser      *OriginRebaser

	log           logging.Logger
	metrics       MetricsRecorder
	ticks         uint64
	tickListeners []func(TickResult)
}

// NewSimulationEngine wires the three controllers together. A nil logger is
// replaced by Noop.
func NewSimulationEngine(g *Georeference, levels *SubLevels, rebaser *OriginRebaser, log logging.Logger) *SimulationEngine {
	if log == nil {
		log = logging.Noop()
	}
	if levels == nil {
		levels = NewSubLevels(model.DefaultSubLevelRadius)
	}
	if rebaser == nil {
		rebaser = NewOriginRebaser(DefaultRebaseConfig(), log)
	}
	return &SimulationEngine{
		Georeference:  g,
		SubLevels:     levels,
		Rebaser:       rebaser,
		log:           log,
		tickListeners: []func(TickResult){},
	}
}

// SetMetricsRecorder attaches a recorder to the engine and its sub-level
// registry. Georeference metrics are attached at construction.
func (se *SimulationEngine) SetMetricsRecorder(m MetricsRecorder) {
	se.metrics = m
	se.SubLevels.SetMetricsRecorder(m)
}

// RegisterTickListener adds fn to the listeners run at the end of each tick.
func (se *SimulationEngine) RegisterTickListener(fn func(TickResult)) {
	se.tickListeners = append(se.tickListeners, fn)
}

// Ticks returns the number of completed ticks.
func (se *SimulationEngine) Ticks() uint64 { return se.ticks }

// BeginPlay marks every sub-level unloaded and computes the initial
// transform chain.
func (se *SimulationEngine) BeginPlay() {
	se.SubLevels.ResetLoaded()
	se.Georeference.setInsideSublevel(false)
	se.Georeference.UpdateGeoreference()
}

// Tick runs discovery, the sub-level selector and then the rebaser.
func (se *SimulationEngine) Tick(in TickInput, host HostActions) TickResult {
	res := TickResult{Index: se.ticks, FloatingOrigin: in.FloatingOrigin}

	res.Discovered = se.SubLevels.Discover(in.AvailableLevels, se.Georeference.OriginLLH())

	if in.HasViewer {
		viewerEcef := se.Georeference.TransformEngineToEcef(in.Viewer, in.FloatingOrigin)
		res.SubLevels = se.SubLevels.Update(se.Georeference, viewerEcef, in.AvailableLevels, host)
	}
	res.InsideSublevel = res.SubLevels.Inside()
	se.Georeference.setInsideSublevel(res.InsideSublevel)

	next, changed := se.Rebaser.Update(RebaseInput{
		Interactive:    in.Interactive,
		HasViewer:      in.HasViewer,
		Viewer:         in.Viewer,
		FloatingOrigin: in.FloatingOrigin,
		InsideSublevel: res.InsideSublevel,
	})
	if changed {
		if host != nil {
			host.SetWorldOrigin(next)
		}
		res.FloatingOrigin = next
		res.Rebased = true
		if se.metrics != nil {
			se.metrics.ObserveRebase(next)
		}
	}

	se.ticks++
	for _, fn := range se.tickListeners {
		fn(res)
	}
	return res
}

// JumpToSubLevel moves the origin to the sub-level at index, subject to the
// inside-sub-level guard.
func (se *SimulationEngine) JumpToSubLevel(index int) bool {
	return se.SubLevels.JumpTo(se.Georeference, index)
}
