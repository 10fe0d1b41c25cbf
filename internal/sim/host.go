package sim

import (
	"sort"

	"github.com/signalsfoundry/georeference/core"
)

// HostWorld stands in for the host engine's world: it owns the floating
// origin, the list of streaming levels and the load state the selector
// requests. It is not safe for concurrent use; Session serialises access.
type HostWorld struct {
	Interactive bool

	origin    core.IntVector
	streaming []string
	loaded    map[string]bool

	loadRequests   int
	unloadRequests int
}

var _ core.HostActions = (*HostWorld)(nil)

// NewHostWorld builds a world streaming the given level names.
func NewHostWorld(interactive bool, streaming []string) *HostWorld {
	return &HostWorld{
		Interactive: interactive,
		streaming:   append([]string(nil), streaming...),
		loaded:      make(map[string]bool, len(streaming)),
	}
}

// SetLevelLoaded implements core.LevelLoader.
func (w *HostWorld) SetLevelLoaded(name string, loaded bool) {
	if loaded {
		w.loadRequests++
	} else {
		w.unloadRequests++
	}
	w.loaded[name] = loaded
}

// SetWorldOrigin implements core.HostActions.
func (w *HostWorld) SetWorldOrigin(origin core.IntVector) { w.origin = origin }

// FloatingOrigin returns the current world origin in engine units.
func (w *HostWorld) FloatingOrigin() core.IntVector { return w.origin }

// StreamingLevels returns the names the world can stream.
func (w *HostWorld) StreamingLevels() []string {
	return append([]string(nil), w.streaming...)
}

// AddStreamingLevel makes name available from the next tick on.
func (w *HostWorld) AddStreamingLevel(name string) bool {
	for _, n := range w.streaming {
		if n == name {
			return false
		}
	}
	w.streaming = append(w.streaming, name)
	return true
}

// IsStreaming reports whether name is a streaming level of this world.
func (w *HostWorld) IsStreaming(name string) bool {
	for _, n := range w.streaming {
		if n == name {
			return true
		}
	}
	return false
}

// IsLoaded reports the last load state requested for name.
func (w *HostWorld) IsLoaded(name string) bool { return w.loaded[name] }

// LoadedLevels returns the loaded level names in lexical order.
func (w *HostWorld) LoadedLevels() []string {
	out := make([]string, 0, len(w.loaded))
	for name, ok := range w.loaded {
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Requests returns the number of load and unload requests received.
func (w *HostWorld) Requests() (loads, unloads int) {
	return w.loadRequests, w.unloadRequests
}
